// Package backendtest is a scripted, dependency-free in-memory stand-in for
// the backend API and socket server. It upholds exactly the client-observable
// protocol — REST chat history/create, the notification inbox, appointment
// lookup, and the websocket event envelope — so the SDK's packages can be
// tested over real transports, and frontends can develop against
// cmd/devserver without the production stack.
package backendtest

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/skillbridge/realtime/internal/event"
	"github.com/skillbridge/realtime/internal/logger"
	"github.com/skillbridge/realtime/internal/model"
)

// Server holds all in-memory state. Zero persistence: everything dies with
// the process, which is the point.
type Server struct {
	secret []byte
	hub    *hub

	mu            sync.Mutex
	messages      map[string][]model.Message            // roomID -> rows, sent_at asc
	notifications map[string][]model.NotificationItem   // userID -> items, newest first
	appointments  map[string]model.Appointment          // offerID -> appointment
	identities    map[string]event.UserConnected        // userID -> last user_connected
	failCreates   bool
}

// NewServer builds a server. secret signs and verifies bearer tokens.
func NewServer(secret string) *Server {
	s := &Server{
		secret:        []byte(secret),
		messages:      make(map[string][]model.Message),
		notifications: make(map[string][]model.NotificationItem),
		appointments:  make(map[string]model.Appointment),
		identities:    make(map[string]event.UserConnected),
	}
	s.hub = newHub(s)
	return s
}

// Token mints a signed bearer token for a user, the same shape the real auth
// service issues.
func (s *Server) Token(userID, name string, role model.Role) string {
	claims := jwt.MapClaims{
		"sub":  userID,
		"name": name,
		"role": string(role),
		"exp":  time.Now().Add(24 * time.Hour).Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		logger.Errorf("backendtest: sign token: %v", err)
		return ""
	}
	return tok
}

// Handler returns the full router: REST under /api plus the /ws endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.serveWS)
	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/chats/{roomID}/messages", s.getHistory)
		r.Post("/chats/{roomID}/messages", s.createMessage)
		r.Get("/notifications", s.getNotifications)
		r.Get("/notifications/unread-count", s.getUnreadCount)
		r.Post("/notifications/read-all", s.markAllRead)
		r.Post("/notifications/{id}/read", s.markRead)
		r.Delete("/notifications/{id}", s.deleteNotification)
		r.Get("/offers/{offerID}/appointment", s.getAppointment)
	})
	return r
}

type ctxKey int

const userIDKey ctxKey = 0

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := s.userFromRequest(r)
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), userID)))
	})
}

func (s *Server) userFromRequest(r *http.Request) string {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return ""
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return ""
	}
	sub, _ := claims["sub"].(string)
	return sub
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	userID := s.userFromRequest(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("backendtest: upgrade: %v", err)
		return
	}
	c := &wsClient{
		conn:   conn,
		send:   make(chan event.Envelope, wsSendBufSize),
		done:   make(chan struct{}),
		userID: userID,
	}
	go s.hub.serve(c)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	s.mu.Lock()
	rows := make([]model.Message, len(s.messages[roomID]))
	copy(rows, s.messages[roomID])
	s.mu.Unlock()
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].SentAt.Before(rows[j].SentAt) })
	writeJSON(w, http.StatusOK, rows)
}

type createMessageRequest struct {
	ClientNonce string `json:"client_nonce"`
	ReceiverID  string `json:"receiver_id"`
	Body        string `json:"body"`
	Encrypted   bool   `json:"encrypted"`
}

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	senderID := userIDFrom(r.Context())

	var req createMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	if s.failCreates {
		s.mu.Unlock()
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	row := model.Message{
		ID:         uuid.New().String(),
		RoomID:     roomID,
		SenderID:   senderID,
		ReceiverID: req.ReceiverID,
		Body:       req.Body,
		SentAt:     time.Now().UTC(),
		Encrypted:  req.Encrypted,
	}
	s.messages[roomID] = append(s.messages[roomID], row)
	sender := s.identities[senderID]
	s.mu.Unlock()

	// The real backend records a chat notification for the receiver.
	if req.ReceiverID != "" {
		s.AddNotification(req.ReceiverID, model.NotificationItem{
			Type:   model.NotificationChat,
			Title:  "New message",
			Sender: &model.User{ID: senderID, Name: sender.UserName, Role: sender.UserRole},
		})
	}

	writeJSON(w, http.StatusCreated, row)
}

func (s *Server) getNotifications(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 20)
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	s.mu.Lock()
	items := s.notifications[userID]
	total := len(items)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	pageItems := make([]model.NotificationItem, end-start)
	copy(pageItems, items[start:end])
	s.mu.Unlock()

	totalPages := (total + limit - 1) / limit
	if totalPages == 0 {
		totalPages = 1
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":        pageItems,
		"current_page": page,
		"total_pages":  totalPages,
	})
}

func (s *Server) getUnreadCount(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	s.mu.Lock()
	n := 0
	for _, it := range s.notifications[userID] {
		if !it.Read {
			n++
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	found := false
	for i := range s.notifications[userID] {
		if s.notifications[userID][i].ID == id {
			s.notifications[userID][i].Read = true
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) markAllRead(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	s.mu.Lock()
	for i := range s.notifications[userID] {
		s.notifications[userID][i].Read = true
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteNotification(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	items := s.notifications[userID]
	found := false
	for i := range items {
		if items[i].ID == id {
			s.notifications[userID] = append(items[:i], items[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getAppointment(w http.ResponseWriter, r *http.Request) {
	offerID := chi.URLParam(r, "offerID")
	s.mu.Lock()
	app, ok := s.appointments[offerID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "no appointment")
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) recordIdentity(userID string, p event.UserConnected) {
	s.mu.Lock()
	s.identities[userID] = p
	s.mu.Unlock()
}

func (s *Server) addMeetingNotification(p event.MeetingInvitation) {
	s.AddNotification(p.ReceiverID, model.NotificationItem{
		Type:   model.NotificationMeeting,
		Title:  "Meeting invitation: " + p.Subject,
		Sender: p.Sender,
	})
}

func (s *Server) addAppointmentNotification(p event.AppointmentInvitation) {
	s.AddNotification(p.ReceiverID, model.NotificationItem{
		Type:   model.NotificationAppointment,
		Title:  "Appointment invitation",
		Sender: p.Sender,
	})
}
