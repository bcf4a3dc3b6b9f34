package rest

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/skillbridge/realtime/internal/backendtest"
	"github.com/skillbridge/realtime/internal/model"
)

func newClient(t *testing.T, withToken bool) (*backendtest.Server, *Client) {
	t.Helper()
	backend := backendtest.NewServer("test-secret")
	ts := httptest.NewServer(backend.Handler())
	t.Cleanup(ts.Close)

	token := ""
	if withToken {
		token = backend.Token("u1", "User One", model.RoleStudent)
	}
	return backend, NewClient(ts.URL, token)
}

func TestCreateAndFetchHistory(t *testing.T) {
	_, c := newClient(t, true)

	created, err := c.CreateMessage(context.Background(), "offer9", CreateMessageRequest{
		ClientNonce: "n1",
		ReceiverID:  "u2",
		Body:        "ciphertext-here",
		Encrypted:   true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || created.SentAt.IsZero() {
		t.Fatalf("server did not assign id/timestamp: %+v", created)
	}
	if created.SenderID != "u1" {
		t.Fatalf("sender = %q, want the token's user", created.SenderID)
	}

	history, err := c.ChatHistory(context.Background(), "offer9")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].ID != created.ID {
		t.Fatalf("history = %+v", history)
	}
	if !history[0].Encrypted || history[0].Body != "ciphertext-here" {
		t.Fatalf("stored body altered: %+v", history[0])
	}
}

func TestMissingAppointmentIsNotFound(t *testing.T) {
	backend, c := newClient(t, true)

	_, err := c.AppointmentByOffer(context.Background(), "offer-without")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	backend.SeedAppointment(model.Appointment{ID: "a1", OfferID: "offer-with"})
	app, err := c.AppointmentByOffer(context.Background(), "offer-with")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if app.ID != "a1" {
		t.Fatalf("appointment = %+v", app)
	}
}

func TestUnauthorizedIsAuthRequired(t *testing.T) {
	_, c := newClient(t, false)

	if _, err := c.ChatHistory(context.Background(), "r"); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("history: expected ErrAuthRequired, got %v", err)
	}
	if _, err := c.UnreadCount(context.Background()); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("unread: expected ErrAuthRequired, got %v", err)
	}
	if err := c.MarkAllNotificationsRead(context.Background()); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("mark all: expected ErrAuthRequired, got %v", err)
	}
}

func TestNotificationLifecycle(t *testing.T) {
	backend, c := newClient(t, true)
	it := backend.AddNotification("u1", model.NotificationItem{Title: "offer accepted", Type: model.NotificationOffer})

	page, err := c.Notifications(context.Background(), 1, 20)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Read {
		t.Fatalf("page = %+v", page)
	}

	if err := c.MarkNotificationRead(context.Background(), it.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	n, err := c.UnreadCount(context.Background())
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if n != 0 {
		t.Fatalf("unread = %d, want 0", n)
	}

	if err := c.DeleteNotification(context.Background(), it.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := c.DeleteNotification(context.Background(), it.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}
}
