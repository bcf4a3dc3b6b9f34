// Package conn owns the process-wide realtime connection: dialing,
// identification, reconnection with capped backoff, and fan-out of inbound
// envelopes to per-event-type listeners. Higher components share the one
// connection; they only ever add and remove their own listeners, and each
// re-joins its own rooms on reconnect — the manager cannot know which rooms
// are still relevant.
package conn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/skillbridge/realtime/internal/event"
	"github.com/skillbridge/realtime/internal/logger"
	"github.com/skillbridge/realtime/internal/model"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// ConnError reports that the transport could not be (re)established after the
// configured number of attempts. Callers see it from Connect and Emit, never
// as a panic from an unrelated call.
type ConnError struct {
	Attempts int
	Err      error
}

func (e *ConnError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("conn: not connected after %d attempts", e.Attempts)
	}
	return fmt.Sprintf("conn: not connected after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// Options tune the reconnect behaviour. Zero values fall back to defaults.
type Options struct {
	BackoffBase time.Duration // first retry delay (default 1s)
	BackoffCap  time.Duration // delay ceiling (default 30s)
	MaxAttempts int           // per (re)connect cycle (default 8)
}

func (o Options) withDefaults() Options {
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	return o
}

type listener struct {
	typ event.Type
	fn  func(event.Envelope)
}

// Manager is the connection singleton. All exported methods are safe for
// concurrent use; inbound dispatch runs on a single goroutine so listener
// callbacks for one connection are serialized in arrival order.
type Manager struct {
	url  string
	opts Options

	mu        sync.Mutex
	state     State
	handle    *Handle
	token     string
	identity  event.UserConnected
	closed    bool
	nextID    int
	listeners map[int]listener
	onReconn  map[int]func()
	onState   map[int]func(State)
}

// NewManager builds a manager for the socket URL (ws:// or wss://).
func NewManager(url string, opts Options) *Manager {
	return &Manager{
		url:       url,
		opts:      opts.withDefaults(),
		state:     StateDisconnected,
		listeners: make(map[int]listener),
		onReconn:  make(map[int]func()),
		onState:   make(map[int]func(State)),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Handle returns the live handle, or nil when not connected. A nil handle
// means "retry later", never a fatal condition.
func (m *Manager) Handle() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// Connect dials and identifies the client. Idempotent: when already connected
// it returns the existing handle. The identity sent in user_connected is read
// from the token's claims — the token is the caller's own, so no signature
// verification happens client-side.
func (m *Manager) Connect(ctx context.Context, token string) (*Handle, error) {
	m.mu.Lock()
	if m.state == StateConnected && m.handle != nil {
		h := m.handle
		m.mu.Unlock()
		return h, nil
	}
	if m.state == StateConnecting || m.state == StateReconnecting {
		m.mu.Unlock()
		return nil, &ConnError{Err: fmt.Errorf("connect already in progress")}
	}
	m.token = token
	m.identity = identityFromToken(token)
	m.closed = false
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	h, attempts, err := m.dialWithBackoff(ctx)
	if err != nil {
		m.mu.Lock()
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		return nil, &ConnError{Attempts: attempts, Err: err}
	}

	m.adopt(h)
	return h, nil
}

// Disconnect tears down the transport. Idempotent; after it, Handle returns
// nil and no reconnect is attempted until the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closed = true
	h := m.handle
	m.handle = nil
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	if h != nil {
		h.Close()
	}
}

// On registers fn for inbound envelopes of type t and returns a registration
// id for Off. fn runs on the dispatch goroutine; it must not block.
func (m *Manager) On(t event.Type, fn func(event.Envelope)) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.listeners[m.nextID] = listener{typ: t, fn: fn}
	return m.nextID
}

// Off removes a listener registration. Unknown ids are ignored.
func (m *Manager) Off(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, id)
}

// OnReconnect registers fn to run after every successful reconnect, so each
// component can re-join its own rooms. Returns an id for OffReconnect.
func (m *Manager) OnReconnect(fn func()) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.onReconn[m.nextID] = fn
	return m.nextID
}

// OffReconnect removes a reconnect hook.
func (m *Manager) OffReconnect(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.onReconn, id)
}

// OnStateChange registers fn for lifecycle transitions (passive indicators in
// the view layer). Returns an id for OffStateChange.
func (m *Manager) OnStateChange(fn func(State)) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.onState[m.nextID] = fn
	return m.nextID
}

// OffStateChange removes a state listener.
func (m *Manager) OffStateChange(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.onState, id)
}

// Emit queues an envelope on the live connection. Returns *ConnError when the
// transport is down; callers treat that as transient.
func (m *Manager) Emit(ev event.Envelope) error {
	m.mu.Lock()
	h := m.handle
	m.mu.Unlock()
	if h == nil {
		return &ConnError{Err: fmt.Errorf("no live connection")}
	}
	return h.Send(ev)
}

// JoinRoom asks the server to add this client to a room's broadcast set.
func (m *Manager) JoinRoom(roomID string) error {
	ev, err := event.New(event.TypeJoinRoom, event.JoinRoom{RoomID: roomID})
	if err != nil {
		return err
	}
	return m.Emit(ev)
}

// SendMeetingInvitation pushes a meeting invite to the peer in real time.
func (m *Manager) SendMeetingInvitation(p event.MeetingInvitation) error {
	ev, err := event.New(event.TypeSendMeetingInvitation, p)
	if err != nil {
		return err
	}
	return m.Emit(ev)
}

// SendAppointmentInvitation pushes an appointment invite to the peer.
func (m *Manager) SendAppointmentInvitation(p event.AppointmentInvitation) error {
	ev, err := event.New(event.TypeSendAppointmentInvitation, p)
	if err != nil {
		return err
	}
	return m.Emit(ev)
}

// setStateLocked transitions state and notifies listeners. Callers hold m.mu;
// notification callbacks are invoked without the lock via goroutine-free copy.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	// Invoked under the lock so transitions arrive strictly ordered. State
	// listeners are passive indicators: they must not call back into the
	// manager (no Emit, no State).
	for _, fn := range m.onState {
		fn(s)
	}
}

func (m *Manager) dialWithBackoff(ctx context.Context) (*Handle, int, error) {
	var lastErr error
	delay := m.opts.BackoffBase
	for attempt := 1; attempt <= m.opts.MaxAttempts; attempt++ {
		h, err := m.dial(ctx)
		if err == nil {
			return h, attempt, nil
		}
		lastErr = err
		logger.Errorf("conn: dial attempt %d/%d: %v", attempt, m.opts.MaxAttempts, err)
		if attempt == m.opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > m.opts.BackoffCap {
			delay = m.opts.BackoffCap
		}
	}
	return nil, m.opts.MaxAttempts, lastErr
}

func (m *Manager) dial(ctx context.Context) (*Handle, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := make(map[string][]string)
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()
	if token != "" {
		header["Authorization"] = []string{"Bearer " + token}
	}
	c, _, err := dialer.DialContext(ctx, m.url, header)
	if err != nil {
		return nil, err
	}
	return newHandle(c), nil
}

// adopt installs a freshly dialed handle, starts its pumps, and sends the
// identity frame.
func (m *Manager) adopt(h *Handle) {
	m.mu.Lock()
	m.handle = h
	m.setStateLocked(StateConnected)
	identity := m.identity
	m.mu.Unlock()

	h.start(m.dispatch, m.onHandleDown)

	if ev, err := event.New(event.TypeUserConnected, identity); err == nil {
		if err := h.Send(ev); err != nil {
			logger.Errorf("conn: identify: %v", err)
		}
	}
}

// dispatch fans one inbound envelope out to matching listeners. Runs on the
// handle's read goroutine, so per-connection ordering is preserved.
func (m *Manager) dispatch(ev event.Envelope) {
	m.mu.Lock()
	fns := make([]func(event.Envelope), 0, 4)
	for _, l := range m.listeners {
		if l.typ == ev.Type {
			fns = append(fns, l.fn)
		}
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// onHandleDown runs when a handle's read pump exits. Unless the teardown was
// explicit, it starts the reconnect cycle.
func (m *Manager) onHandleDown(h *Handle) {
	m.mu.Lock()
	if m.handle != h {
		// A newer handle already replaced this one.
		m.mu.Unlock()
		return
	}
	m.handle = nil
	if m.closed {
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateReconnecting)
	m.mu.Unlock()

	go m.reconnect()
}

func (m *Manager) reconnect() {
	h, attempts, err := m.dialWithBackoff(context.Background())
	if err != nil {
		logger.Errorf("conn: reconnect gave up after %d attempts: %v", attempts, err)
		m.mu.Lock()
		if !m.closed {
			m.setStateLocked(StateDisconnected)
		}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		h.Close()
		return
	}
	m.mu.Unlock()

	m.adopt(h)
	logger.Infof("conn: reconnected after %d attempt(s)", attempts)

	m.mu.Lock()
	hooks := make([]func(), 0, len(m.onReconn))
	for _, fn := range m.onReconn {
		hooks = append(hooks, fn)
	}
	m.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// identityFromToken extracts the user_connected identity from the session
// token's claims without verifying the signature — the token belongs to this
// client and is verified server-side.
func identityFromToken(token string) event.UserConnected {
	var claims struct {
		Sub  string `json:"sub"`
		Name string `json:"name"`
		Role string `json:"role"`
	}
	if err := parseUnverifiedClaims(token, &claims); err != nil {
		logger.Errorf("conn: token claims: %v", err)
		return event.UserConnected{}
	}
	return event.UserConnected{
		UserID:   claims.Sub,
		UserName: claims.Name,
		UserRole: model.Role(claims.Role),
	}
}
