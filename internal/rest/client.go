// Package rest is the JSON client for the backend API endpoints the realtime
// layer consumes: chat history and message creation, the notification inbox,
// and appointment lookup. The backend itself (persistence, auth, payments) is
// an external collaborator; only its contract is modelled here.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/skillbridge/realtime/internal/model"
)

var (
	// ErrNotFound marks an expected absence (e.g. no appointment yet for an
	// offer). Callers treat it as an empty state.
	ErrNotFound = errors.New("rest: not found")
	// ErrAuthRequired marks a 401. The realtime layer goes dormant on it
	// instead of erroring repeatedly before the session is established.
	ErrAuthRequired = errors.New("rest: authentication required")
)

// Client talks to the backend API. Safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient builds a client for baseURL. token is the bearer token of the
// current session; it may be empty until login completes.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetToken replaces the bearer token (after login or refresh).
func (c *Client) SetToken(token string) { c.token = token }

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrAuthRequired
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("rest: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ChatHistory fetches the full message history for a room, oldest first.
// Bodies are returned as stored (ciphertext when encrypted).
func (c *Client) ChatHistory(ctx context.Context, roomID string) ([]model.Message, error) {
	var msgs []model.Message
	if err := c.do(ctx, http.MethodGet, "/api/chats/"+roomID+"/messages", nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// CreateMessageRequest is the body of the message-create call. ClientNonce is
// echoed back so the sender can reconcile its optimistic entry.
type CreateMessageRequest struct {
	ClientNonce string `json:"client_nonce"`
	ReceiverID  string `json:"receiver_id"`
	Body        string `json:"body"`
	Encrypted   bool   `json:"encrypted"`
}

// CreateMessage persists a message and returns the server-assigned row
// (stable id, server timestamp).
func (c *Client) CreateMessage(ctx context.Context, roomID string, req CreateMessageRequest) (model.Message, error) {
	var msg model.Message
	if err := c.do(ctx, http.MethodPost, "/api/chats/"+roomID+"/messages", req, &msg); err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

// NotificationPage is one page of the inbox, newest first.
type NotificationPage struct {
	Items       []model.NotificationItem `json:"items"`
	CurrentPage int                      `json:"current_page"`
	TotalPages  int                      `json:"total_pages"`
}

// Notifications fetches one inbox page.
func (c *Client) Notifications(ctx context.Context, page, limit int) (NotificationPage, error) {
	var out NotificationPage
	path := fmt.Sprintf("/api/notifications?page=%d&limit=%d", page, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return NotificationPage{}, err
	}
	return out, nil
}

// UnreadCount fetches the server's canonical unread counter.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/notifications/unread-count", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// MarkNotificationRead marks one notification read.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/"+id+"/read", nil, nil)
}

// MarkAllNotificationsRead marks the whole inbox read.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/read-all", nil, nil)
}

// DeleteNotification removes one notification.
func (c *Client) DeleteNotification(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/notifications/"+id, nil, nil)
}

// AppointmentByOffer looks up the appointment attached to an offer.
// ErrNotFound means none exists yet.
func (c *Client) AppointmentByOffer(ctx context.Context, offerID string) (model.Appointment, error) {
	var out model.Appointment
	if err := c.do(ctx, http.MethodGet, "/api/offers/"+offerID+"/appointment", nil, &out); err != nil {
		return model.Appointment{}, err
	}
	return out, nil
}
