package backendtest

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/skillbridge/realtime/internal/event"
	"github.com/skillbridge/realtime/internal/logger"
)

const (
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingPeriod  = (wsPongWait * 9) / 10
	wsMaxMessage  = 8192
	wsSendBufSize = 64
)

// wsClient is one connected socket. A user may hold several.
type wsClient struct {
	conn   *websocket.Conn
	send   chan event.Envelope
	done   chan struct{}
	once   sync.Once
	userID string
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// hub keeps per-user client sets and per-room membership, mirroring what the
// production socket server upholds for the client.
type hub struct {
	srv *Server

	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{}
	rooms   map[string]map[string]struct{} // roomID -> userIDs
}

func newHub(srv *Server) *hub {
	return &hub{
		srv:     srv,
		clients: make(map[string]map[*wsClient]struct{}),
		rooms:   make(map[string]map[string]struct{}),
	}
}

func (h *hub) add(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*wsClient]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	if set, ok := h.clients[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.userID)
		}
	}
	h.mu.Unlock()
	c.close()
}

func (h *hub) join(roomID, userID string) {
	h.mu.Lock()
	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[string]struct{})
	}
	h.rooms[roomID][userID] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) sendToUser(userID string, ev event.Envelope) {
	h.mu.RLock()
	targets := make([]*wsClient, 0, 2)
	for c := range h.clients[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		select {
		case c.send <- ev:
		case <-c.done:
		default:
			c.close()
		}
	}
}

func (h *hub) broadcastRoom(roomID string, ev event.Envelope) {
	h.mu.RLock()
	members := make([]string, 0, 2)
	for uid := range h.rooms[roomID] {
		members = append(members, uid)
	}
	h.mu.RUnlock()
	// Every member gets the frame, the sender included — clients suppress
	// their own echo.
	for _, uid := range members {
		h.sendToUser(uid, ev)
	}
}

func (h *hub) serve(c *wsClient) {
	h.add(c)
	go h.writePump(c)
	h.readPump(c)
	h.remove(c)
}

func (h *hub) readPump(c *wsClient) {
	c.conn.SetReadLimit(wsMaxMessage)
	if err := c.conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var ev event.Envelope
		if err := json.Unmarshal(raw, &ev); err != nil {
			logger.Errorf("backendtest: bad frame from %s: %v", c.userID, err)
			continue
		}
		h.handle(c, ev)
	}
}

func (h *hub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *hub) handle(c *wsClient, ev event.Envelope) {
	switch ev.Type {
	case event.TypeUserConnected:
		var p event.UserConnected
		if err := ev.Decode(&p); err == nil {
			h.srv.recordIdentity(c.userID, p)
		}
	case event.TypeJoinRoom:
		var p event.JoinRoom
		if err := ev.Decode(&p); err == nil && p.RoomID != "" {
			h.join(p.RoomID, c.userID)
		}
	case event.TypeSendMessage:
		var p event.ChatMessage
		if err := ev.Decode(&p); err != nil || p.RoomID == "" {
			return
		}
		p.SenderID = c.userID
		if p.SentAt == 0 {
			p.SentAt = time.Now().UTC().UnixMilli()
		}
		out, err := event.New(event.TypeReceiveMessage, p)
		if err != nil {
			return
		}
		h.broadcastRoom(p.RoomID, out)
	case event.TypeSendMeetingInvitation:
		var p event.MeetingInvitation
		if err := ev.Decode(&p); err != nil || p.ReceiverID == "" {
			return
		}
		out, err := event.New(event.TypeReceiveMeetingInvitation, p)
		if err != nil {
			return
		}
		h.sendToUser(p.ReceiverID, out)
		h.srv.addMeetingNotification(p)
	case event.TypeSendAppointmentInvitation:
		var p event.AppointmentInvitation
		if err := ev.Decode(&p); err != nil || p.ReceiverID == "" {
			return
		}
		out, err := event.New(event.TypeReceiveAppointmentInvitation, p)
		if err != nil {
			return
		}
		h.sendToUser(p.ReceiverID, out)
		h.srv.addAppointmentNotification(p)
	default:
		out, err := event.New(event.TypeError, event.ErrorPayload{Message: "unknown event type"})
		if err == nil {
			h.sendToUser(c.userID, out)
		}
	}
}
