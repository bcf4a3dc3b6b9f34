package conn

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/skillbridge/realtime/internal/event"
	"github.com/skillbridge/realtime/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBufSize    = 64
)

// ErrHandleClosed is returned from Send once the underlying transport is gone.
var ErrHandleClosed = errors.New("conn: handle closed")

// Handle wraps one live websocket connection with buffered writes and
// ping/pong keepalive. Lifecycle: newHandle -> start -> [readPump, writePump]
// -> Close. Only the Manager creates and closes handles; components go
// through Manager.Emit.
type Handle struct {
	conn *websocket.Conn
	send chan event.Envelope
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newHandle(c *websocket.Conn) *Handle {
	return &Handle{
		conn: c,
		send: make(chan event.Envelope, sendBufSize),
		done: make(chan struct{}),
	}
}

// start launches both pumps. dispatch receives every decoded inbound
// envelope; down is called exactly once when the read pump exits.
func (h *Handle) start(dispatch func(event.Envelope), down func(*Handle)) {
	h.wg.Add(2)
	go h.writePump()
	go func() {
		h.readPump(dispatch)
		down(h)
	}()
}

// Send queues an envelope for the write pump. Non-blocking against a dead
// connection; a full buffer counts as a closed handle (the pump is stuck).
func (h *Handle) Send(ev event.Envelope) error {
	select {
	case h.send <- ev:
		return nil
	case <-h.done:
		return ErrHandleClosed
	default:
		return ErrHandleClosed
	}
}

// Close shuts the transport down. Safe to call multiple times from any
// goroutine; both pumps unblock via the connection error.
func (h *Handle) Close() {
	h.once.Do(func() {
		close(h.done)
		h.conn.Close()
	})
}

// Wait blocks until both pumps have exited.
func (h *Handle) Wait() {
	h.wg.Wait()
}

func (h *Handle) readPump(dispatch func(event.Envelope)) {
	defer h.wg.Done()
	defer h.Close()

	h.conn.SetReadLimit(maxMessageSize)
	if err := h.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("conn: set read deadline: %v", err)
		return
	}
	h.conn.SetPongHandler(func(string) error {
		return h.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := h.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				select {
				case <-h.done:
					// Expected: local Close raced the read.
				default:
					logger.Errorf("conn: read: %v", err)
				}
			}
			return
		}
		var ev event.Envelope
		if err := json.Unmarshal(raw, &ev); err != nil {
			logger.Errorf("conn: bad frame: %v", err)
			continue
		}
		dispatch(ev)
	}
}

func (h *Handle) writePump() {
	defer h.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.conn.Close()
	}()

	for {
		select {
		case <-h.done:
			if err := h.conn.WriteMessage(websocket.CloseMessage, nil); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				return
			}
			return
		case ev := <-h.send:
			if err := h.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := h.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := h.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
