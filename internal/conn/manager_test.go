package conn

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skillbridge/realtime/internal/backendtest"
	"github.com/skillbridge/realtime/internal/event"
	"github.com/skillbridge/realtime/internal/model"
)

func newTestBackend(t *testing.T) (*backendtest.Server, string, string) {
	t.Helper()
	backend := backendtest.NewServer("test-secret")
	ts := httptest.NewServer(backend.Handler())
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	return backend, ts.URL, wsURL
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testOptions() Options {
	return Options{BackoffBase: 20 * time.Millisecond, BackoffCap: 100 * time.Millisecond, MaxAttempts: 5}
}

func TestConnectIsIdempotent(t *testing.T) {
	backend, _, wsURL := newTestBackend(t)
	token := backend.Token("u1", "User One", model.RoleStudent)

	m := NewManager(wsURL, testOptions())
	defer m.Disconnect()

	h1, err := m.Connect(context.Background(), token)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	h2, err := m.Connect(context.Background(), token)
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected the same handle from an idempotent connect")
	}
	if m.State() != StateConnected {
		t.Fatalf("state = %s, want connected", m.State())
	}
}

func TestHandleIsNilWhenDisconnected(t *testing.T) {
	m := NewManager("ws://127.0.0.1:1/ws", testOptions())
	if m.Handle() != nil {
		t.Fatalf("expected nil handle before connect")
	}
	if err := m.Emit(event.Envelope{Type: event.TypeJoinRoom}); err == nil {
		t.Fatalf("expected emit to fail without a connection")
	}
}

func TestConnectFailureSurfacesConnError(t *testing.T) {
	m := NewManager("ws://127.0.0.1:1/ws", Options{BackoffBase: 5 * time.Millisecond, MaxAttempts: 2})
	_, err := m.Connect(context.Background(), "tok")
	var ce *ConnError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConnError, got %v", err)
	}
	if ce.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", ce.Attempts)
	}
	if m.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", m.State())
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	backend, _, wsURL := newTestBackend(t)
	token := backend.Token("u1", "User One", model.RoleStudent)

	m := NewManager(wsURL, testOptions())
	if _, err := m.Connect(context.Background(), token); err != nil {
		t.Fatalf("connect: %v", err)
	}
	m.Disconnect()
	m.Disconnect()
	if m.Handle() != nil {
		t.Fatalf("handle must be nil after disconnect")
	}
}

func TestListenerDispatchAndOff(t *testing.T) {
	backend, _, wsURL := newTestBackend(t)
	token := backend.Token("u1", "User One", model.RoleStudent)

	m := NewManager(wsURL, testOptions())
	defer m.Disconnect()
	if _, err := m.Connect(context.Background(), token); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var got atomic.Int32
	id := m.On(event.TypeRoleChanged, func(ev event.Envelope) {
		var p event.RoleChanged
		if err := ev.Decode(&p); err == nil && p.NewRole == model.RoleTeacher {
			got.Add(1)
		}
	})

	backend.PushRoleChange("u1", model.RoleTeacher)
	waitFor(t, "role_changed dispatch", func() bool { return got.Load() == 1 })

	m.Off(id)
	backend.PushRoleChange("u1", model.RoleTeacher)
	time.Sleep(100 * time.Millisecond)
	if got.Load() != 1 {
		t.Fatalf("listener fired after Off: %d", got.Load())
	}
}

func TestReconnectRunsHooksAndRestoresDispatch(t *testing.T) {
	backend, _, wsURL := newTestBackend(t)
	token := backend.Token("u1", "User One", model.RoleStudent)

	m := NewManager(wsURL, testOptions())
	defer m.Disconnect()
	h, err := m.Connect(context.Background(), token)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	var hooked atomic.Int32
	m.OnReconnect(func() { hooked.Add(1) })

	var got atomic.Int32
	m.On(event.TypeRoleChanged, func(event.Envelope) { got.Add(1) })

	// Simulate a transport drop; the manager must reconnect on its own.
	h.Close()
	waitFor(t, "reconnect hook", func() bool { return hooked.Load() == 1 })
	waitFor(t, "reconnected state", func() bool { return m.State() == StateConnected })

	backend.PushRoleChange("u1", model.RoleTeacher)
	waitFor(t, "dispatch after reconnect", func() bool { return got.Load() >= 1 })
}

func TestMeetingInvitationReachesPeer(t *testing.T) {
	backend, _, wsURL := newTestBackend(t)

	sender := NewManager(wsURL, testOptions())
	defer sender.Disconnect()
	if _, err := sender.Connect(context.Background(), backend.Token("u1", "Alice", model.RoleTeacher)); err != nil {
		t.Fatalf("connect sender: %v", err)
	}

	receiver := NewManager(wsURL, testOptions())
	defer receiver.Disconnect()
	if _, err := receiver.Connect(context.Background(), backend.Token("u2", "Bob", model.RoleStudent)); err != nil {
		t.Fatalf("connect receiver: %v", err)
	}

	var got atomic.Value
	receiver.On(event.TypeReceiveMeetingInvitation, func(ev event.Envelope) {
		var p event.MeetingInvitation
		if err := ev.Decode(&p); err == nil {
			got.Store(p)
		}
	})

	err := sender.SendMeetingInvitation(event.MeetingInvitation{
		MeetingID:  "m7",
		RoomID:     "offer7",
		Subject:    "Trial lesson",
		ReceiverID: "u2",
	})
	if err != nil {
		t.Fatalf("send invitation: %v", err)
	}

	waitFor(t, "invitation delivery", func() bool {
		p, ok := got.Load().(event.MeetingInvitation)
		return ok && p.MeetingID == "m7" && p.Subject == "Trial lesson"
	})
}

func TestExplicitDisconnectSuppressesReconnect(t *testing.T) {
	backend, _, wsURL := newTestBackend(t)
	token := backend.Token("u1", "User One", model.RoleStudent)

	m := NewManager(wsURL, testOptions())
	if _, err := m.Connect(context.Background(), token); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var hooked atomic.Int32
	m.OnReconnect(func() { hooked.Add(1) })

	m.Disconnect()
	time.Sleep(150 * time.Millisecond)
	if hooked.Load() != 0 {
		t.Fatalf("reconnect ran after explicit disconnect")
	}
	if m.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", m.State())
	}
}
