// Package chat implements the per-conversation channel: history fetch,
// optimistic sends reconciled against the server's row, and live inbound
// messages applied in order with duplicate suppression against the sender's
// own echo.
package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/skillbridge/realtime/internal/conn"
	"github.com/skillbridge/realtime/internal/event"
	"github.com/skillbridge/realtime/internal/logger"
	"github.com/skillbridge/realtime/internal/model"
	"github.com/skillbridge/realtime/internal/pairkey"
	"github.com/skillbridge/realtime/internal/rest"
)

// DefaultEchoWindow bounds how far apart in time two identical messages from
// the same sender are treated as the same optimistic echo.
const DefaultEchoWindow = 10 * time.Second

// SendError carries the original input text back to the caller so the view
// can restore it into the compose box after a rollback.
type SendError struct {
	Body string
	Err  error
}

func (e *SendError) Error() string { return fmt.Sprintf("chat: send failed: %v", e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// Channel is one open conversation. The room id equals the originating offer
// id; exactly two users participate. All methods are safe for concurrent use;
// the inbound handler runs on the connection's dispatch goroutine.
type Channel struct {
	roomID     string
	self       model.User
	peer       model.User
	api        *rest.Client
	mgr        *conn.Manager
	codec      *pairkey.Codec
	echoWindow time.Duration

	mu         sync.Mutex
	open       bool
	joined     bool
	msgs       []model.Message
	listenerID int
	reconnID   int
	onUpdate   func([]model.Message)
}

// NewChannel builds a channel for roomID between self and peer. Call Open to
// fetch history and start receiving.
func NewChannel(roomID string, self, peer model.User, api *rest.Client, mgr *conn.Manager, codec *pairkey.Codec) *Channel {
	return &Channel{
		roomID:     roomID,
		self:       self,
		peer:       peer,
		api:        api,
		mgr:        mgr,
		codec:      codec,
		echoWindow: DefaultEchoWindow,
	}
}

// SetEchoWindow overrides the echo-suppression window (before Open).
func (c *Channel) SetEchoWindow(d time.Duration) { c.echoWindow = d }

// SetOnUpdate registers the view callback invoked with an ordered snapshot
// after every visible change. Set it before Open.
func (c *Channel) SetOnUpdate(fn func([]model.Message)) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

// Open fetches and decrypts history, joins the live room, and attaches the
// inbound listener. Safe to call once per channel.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = true
	c.mu.Unlock()

	history, err := c.api.ChatHistory(ctx, c.roomID)
	if err != nil {
		c.mu.Lock()
		c.open = false
		c.mu.Unlock()
		return err
	}

	msgs := make([]model.Message, 0, len(history))
	for _, m := range history {
		m.Body = c.codec.DecryptOrRedact(m.Body, m.Encrypted, c.self.ID, c.peer.ID)
		m.State = model.MessageConfirmed
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].SentAt.Before(msgs[j].SentAt) })

	c.mu.Lock()
	if !c.open {
		// Closed while the fetch was in flight; discard the late result.
		c.mu.Unlock()
		return nil
	}
	c.msgs = msgs
	c.listenerID = c.mgr.On(event.TypeReceiveMessage, c.onIncoming)
	c.reconnID = c.mgr.OnReconnect(c.rejoin)
	c.mu.Unlock()

	c.join()
	c.notify()
	return nil
}

func (c *Channel) join() {
	err := c.mgr.JoinRoom(c.roomID)
	c.mu.Lock()
	c.joined = err == nil
	c.mu.Unlock()
	if err != nil {
		// Transient: the reconnect hook re-joins once the transport is back.
		logger.Errorf("chat: join room %s: %v", c.roomID, err)
	}
}

// rejoin runs on every reconnect; only this channel knows its room is still
// relevant.
func (c *Channel) rejoin() {
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if open {
		c.join()
	}
}

// Send appends an optimistic Pending entry, persists the encrypted body via
// REST, reconciles the entry in place with the server row, and relays the
// ciphertext over the live socket. On REST failure the entry is rolled back
// and the original text is returned inside *SendError.
func (c *Channel) Send(ctx context.Context, body string) (model.Message, error) {
	nonce := uuid.NewString()
	pending := model.Message{
		ID:         nonce,
		RoomID:     c.roomID,
		SenderID:   c.self.ID,
		ReceiverID: c.peer.ID,
		Body:       body,
		SentAt:     time.Now().UTC(),
		Encrypted:  true,
		State:      model.MessagePending,
		Sender:     &c.self,
	}

	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return model.Message{}, &SendError{Body: body, Err: fmt.Errorf("conversation closed")}
	}
	c.msgs = append(c.msgs, pending)
	c.mu.Unlock()
	c.notify()

	ciphertext, err := c.codec.Encrypt(body, c.self.ID, c.peer.ID)
	if err != nil {
		c.rollback(nonce)
		return model.Message{}, &SendError{Body: body, Err: err}
	}

	created, err := c.api.CreateMessage(ctx, c.roomID, rest.CreateMessageRequest{
		ClientNonce: nonce,
		ReceiverID:  c.peer.ID,
		Body:        ciphertext,
		Encrypted:   true,
	})
	if err != nil {
		c.rollback(nonce)
		return model.Message{}, &SendError{Body: body, Err: err}
	}

	confirmed := created
	confirmed.Body = body // plaintext view of the row we just wrote
	confirmed.State = model.MessageConfirmed
	confirmed.Sender = &c.self

	c.mu.Lock()
	if c.open {
		if i := c.indexOf(nonce); i >= 0 {
			c.msgs[i] = confirmed
		} else {
			c.msgs = append(c.msgs, confirmed)
		}
		sort.SliceStable(c.msgs, func(i, j int) bool { return c.msgs[i].SentAt.Before(c.msgs[j].SentAt) })
	}
	c.mu.Unlock()
	c.notify()

	ev, err := event.New(event.TypeSendMessage, event.ChatMessage{
		ID:          confirmed.ID,
		RoomID:      c.roomID,
		Body:        ciphertext,
		IsEncrypted: true,
		SenderID:    c.self.ID,
		ReceiverID:  c.peer.ID,
		Sender:      &c.self,
		OfferID:     c.roomID,
		SentAt:      confirmed.SentAt.UnixMilli(),
	})
	if err == nil {
		if err := c.mgr.Emit(ev); err != nil {
			// The row is persisted; the peer catches up from history.
			logger.Errorf("chat: relay room %s: %v", c.roomID, err)
		}
	}

	return confirmed, nil
}

// rollback transitions the pending entry to Failed and removes it from the
// visible sequence.
func (c *Channel) rollback(nonce string) {
	c.mu.Lock()
	if i := c.indexOf(nonce); i >= 0 {
		c.msgs = append(c.msgs[:i], c.msgs[i+1:]...)
	}
	c.mu.Unlock()
	c.notify()
}

// indexOf returns the position of the message with the given id, or -1.
// Callers hold c.mu.
func (c *Channel) indexOf(id string) int {
	for i := range c.msgs {
		if c.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// onIncoming applies a live message for this room. A sender may receive its
// own broadcast back, so an entry matching an existing Pending/Confirmed one
// (same sender, same body, within the echo window) is suppressed.
func (c *Channel) onIncoming(ev event.Envelope) {
	var in event.ChatMessage
	if err := ev.Decode(&in); err != nil {
		logger.Errorf("chat: decode inbound: %v", err)
		return
	}
	if in.RoomID != c.roomID {
		return
	}

	body := c.codec.DecryptOrRedact(in.Body, in.IsEncrypted, c.self.ID, c.peer.ID)
	sentAt := time.Now().UTC()
	if in.SentAt > 0 {
		sentAt = time.UnixMilli(in.SentAt).UTC()
	}

	c.mu.Lock()
	defer func() {
		c.mu.Unlock()
		c.notify()
	}()
	if !c.open {
		return
	}
	for i := range c.msgs {
		m := &c.msgs[i]
		if m.State != model.MessagePending && m.State != model.MessageConfirmed {
			continue
		}
		if in.ID != "" && m.ID == in.ID {
			return
		}
		if m.SenderID == in.SenderID && m.Body == body && absDuration(m.SentAt.Sub(sentAt)) <= c.echoWindow {
			return
		}
	}

	id := in.ID
	if id == "" {
		// Temporary local id until the next history fetch reconciles it.
		id = uuid.NewString()
	}
	msg := model.Message{
		ID:         id,
		RoomID:     c.roomID,
		SenderID:   in.SenderID,
		ReceiverID: c.self.ID,
		Body:       body,
		SentAt:     sentAt,
		Encrypted:  in.IsEncrypted,
		State:      model.MessageConfirmed,
		Sender:     in.Sender,
	}
	c.msgs = append(c.msgs, msg)
	sort.SliceStable(c.msgs, func(i, j int) bool { return c.msgs[i].SentAt.Before(c.msgs[j].SentAt) })
}

// Close detaches the live listener and reconnect hook. History stays in
// memory until the channel itself is dropped; nothing is deleted server-side.
func (c *Channel) Close() {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	c.open = false
	listenerID, reconnID := c.listenerID, c.reconnID
	c.mu.Unlock()

	c.mgr.Off(listenerID)
	c.mgr.OffReconnect(reconnID)
}

// Messages returns an ordered snapshot of the visible sequence.
func (c *Channel) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// Conversation returns the read-model handed to the view layer.
func (c *Channel) Conversation() model.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := make([]model.Message, len(c.msgs))
	copy(msgs, c.msgs)
	return model.Conversation{
		RoomID:       c.roomID,
		Participants: [2]model.User{c.self, c.peer},
		Messages:     msgs,
		Joined:       c.joined,
	}
}

func (c *Channel) notify() {
	c.mu.Lock()
	fn := c.onUpdate
	var snapshot []model.Message
	if fn != nil {
		snapshot = make([]model.Message, len(c.msgs))
		copy(snapshot, c.msgs)
	}
	c.mu.Unlock()
	if fn != nil {
		fn(snapshot)
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
