package chat

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skillbridge/realtime/internal/backendtest"
	"github.com/skillbridge/realtime/internal/conn"
	"github.com/skillbridge/realtime/internal/event"
	"github.com/skillbridge/realtime/internal/model"
	"github.com/skillbridge/realtime/internal/pairkey"
	"github.com/skillbridge/realtime/internal/rest"
)

var (
	alice = model.User{ID: "u-alice", Name: "Alice", Role: model.RoleTeacher}
	bob   = model.User{ID: "u-bob", Name: "Bob", Role: model.RoleStudent}
)

type testStack struct {
	backend *backendtest.Server
	apiURL  string
	wsURL   string
}

func newStack(t *testing.T) *testStack {
	t.Helper()
	backend := backendtest.NewServer("test-secret")
	ts := httptest.NewServer(backend.Handler())
	t.Cleanup(ts.Close)
	return &testStack{
		backend: backend,
		apiURL:  ts.URL,
		wsURL:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

// client dials the stack as the given user and opens a channel in roomID with
// the given peer.
func (s *testStack) client(t *testing.T, self, peer model.User, roomID string) (*Channel, *conn.Manager) {
	t.Helper()
	token := s.backend.Token(self.ID, self.Name, self.Role)
	api := rest.NewClient(s.apiURL, token)
	mgr := conn.NewManager(s.wsURL, conn.Options{BackoffBase: 20 * time.Millisecond, MaxAttempts: 3})
	if _, err := mgr.Connect(context.Background(), token); err != nil {
		t.Fatalf("connect %s: %v", self.ID, err)
	}
	t.Cleanup(mgr.Disconnect)

	ch := NewChannel(roomID, self, peer, api, mgr, pairkey.NewCodec("test-salt"))
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("open %s: %v", roomID, err)
	}
	t.Cleanup(ch.Close)
	return ch, mgr
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

func TestSendOptimisticReconciliation(t *testing.T) {
	s := newStack(t)
	ch, _ := s.client(t, alice, bob, "offer123")

	var mu sync.Mutex
	var sawPending bool
	ch.SetOnUpdate(func(msgs []model.Message) {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range msgs {
			if m.Body == "hello" && m.State == model.MessagePending {
				sawPending = true
			}
		}
	})

	sent, err := ch.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.State != model.MessageConfirmed {
		t.Fatalf("returned state = %s, want confirmed", sent.State)
	}
	if sent.Body != "hello" {
		t.Fatalf("returned body = %q", sent.Body)
	}

	mu.Lock()
	if !sawPending {
		mu.Unlock()
		t.Fatalf("no pending optimistic entry was ever visible")
	}
	mu.Unlock()

	// The sender receives its own broadcast back; after the dust settles
	// exactly one confirmed "hello" must remain — never two.
	time.Sleep(200 * time.Millisecond)
	msgs := ch.Messages()
	count := 0
	for _, m := range msgs {
		if m.Body == "hello" {
			count++
			if m.State != model.MessageConfirmed {
				t.Fatalf("state = %s, want confirmed", m.State)
			}
		}
	}
	if count != 1 {
		t.Fatalf("got %d copies of the message, want exactly 1", count)
	}
}

func TestSendFailureRollsBackAndReturnsText(t *testing.T) {
	s := newStack(t)
	ch, _ := s.client(t, alice, bob, "offer123")
	s.backend.FailCreates(true)

	_, err := ch.Send(context.Background(), "does not go through")
	var se *SendError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SendError, got %v", err)
	}
	if se.Body != "does not go through" {
		t.Fatalf("original text not returned: %q", se.Body)
	}
	if len(ch.Messages()) != 0 {
		t.Fatalf("rolled-back message still visible: %v", ch.Messages())
	}
}

func TestPeerReceivesDecryptedMessage(t *testing.T) {
	s := newStack(t)
	chA, _ := s.client(t, alice, bob, "offer123")
	chB, _ := s.client(t, bob, alice, "offer123")

	if _, err := chA.Send(context.Background(), "Are you free tomorrow?"); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, "bob to receive the message", func() bool { return len(chB.Messages()) == 1 })
	got := chB.Messages()[0]
	if got.Body != "Are you free tomorrow?" {
		t.Fatalf("body = %q (decryption on the receiving side failed?)", got.Body)
	}
	if got.SenderID != alice.ID {
		t.Fatalf("sender = %q, want %q", got.SenderID, alice.ID)
	}
	if got.State != model.MessageConfirmed {
		t.Fatalf("state = %s", got.State)
	}

	// Still exactly one after any late echoes.
	time.Sleep(150 * time.Millisecond)
	if n := len(chB.Messages()); n != 1 {
		t.Fatalf("bob has %d messages, want 1", n)
	}
}

func TestHistoryIsOrderedAndDecrypted(t *testing.T) {
	s := newStack(t)
	codec := pairkey.NewCodec("test-salt")
	base := time.Now().Add(-time.Hour).UTC()

	ct, err := codec.Encrypt("second", alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	// Seeded out of order on purpose.
	s.backend.SeedMessage("offer123", model.Message{SenderID: bob.ID, Body: "third", SentAt: base.Add(2 * time.Minute)})
	s.backend.SeedMessage("offer123", model.Message{SenderID: alice.ID, Body: "first", SentAt: base})
	s.backend.SeedMessage("offer123", model.Message{SenderID: alice.ID, Body: ct, Encrypted: true, SentAt: base.Add(time.Minute)})

	ch, _ := s.client(t, alice, bob, "offer123")
	msgs := ch.Messages()
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	want := []string{"first", "second", "third"}
	seen := map[string]bool{}
	for i, m := range msgs {
		if m.Body != want[i] {
			t.Fatalf("position %d = %q, want %q", i, m.Body, want[i])
		}
		if i > 0 && msgs[i].SentAt.Before(msgs[i-1].SentAt) {
			t.Fatalf("sequence not ascending at %d", i)
		}
		if seen[m.ID] {
			t.Fatalf("duplicate id %s", m.ID)
		}
		seen[m.ID] = true
	}
}

func TestCorruptHistoryEntryIsRedactedNotDropped(t *testing.T) {
	s := newStack(t)
	s.backend.SeedMessage("offer123", model.Message{SenderID: bob.ID, Body: "not-real-ciphertext", Encrypted: true})

	ch, _ := s.client(t, alice, bob, "offer123")
	msgs := ch.Messages()
	if len(msgs) != 1 {
		t.Fatalf("undecryptable message was dropped")
	}
	if msgs[0].Body != pairkey.Redacted {
		t.Fatalf("body = %q, want the redacted placeholder", msgs[0].Body)
	}
}

func TestCloseDiscardsLateArrivals(t *testing.T) {
	s := newStack(t)
	ch, _ := s.client(t, alice, bob, "offer123")
	ch.Close()

	ev, err := event.New(event.TypeReceiveMessage, event.ChatMessage{
		RoomID:   "offer123",
		Body:     "too late",
		SenderID: bob.ID,
	})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	ch.onIncoming(ev)

	if n := len(ch.Messages()); n != 0 {
		t.Fatalf("closed channel mutated by a late message: %d entries", n)
	}

	if _, err := ch.Send(context.Background(), "x"); err == nil {
		t.Fatalf("send on a closed channel must fail")
	}
}

func TestIncomingDedupByIDAndEchoWindow(t *testing.T) {
	s := newStack(t)
	ch, _ := s.client(t, alice, bob, "offer123")

	mk := func(id, body string, at time.Time) event.Envelope {
		ev, err := event.New(event.TypeReceiveMessage, event.ChatMessage{
			ID:       id,
			RoomID:   "offer123",
			Body:     body,
			SenderID: bob.ID,
			SentAt:   at.UnixMilli(),
		})
		if err != nil {
			t.Fatalf("envelope: %v", err)
		}
		return ev
	}

	now := time.Now().UTC()
	ch.onIncoming(mk("srv-1", "hi", now))
	ch.onIncoming(mk("srv-1", "hi", now)) // same server id
	ch.onIncoming(mk("", "hi", now))      // same sender+body inside the window
	if n := len(ch.Messages()); n != 1 {
		t.Fatalf("dedup failed: %d entries, want 1", n)
	}

	// Outside the echo window the same text is a genuine repeat.
	ch.onIncoming(mk("srv-2", "hi", now.Add(DefaultEchoWindow+time.Second)))
	if n := len(ch.Messages()); n != 2 {
		t.Fatalf("genuine repeat suppressed: %d entries, want 2", n)
	}
}

func TestConversationReadModel(t *testing.T) {
	s := newStack(t)
	ch, _ := s.client(t, alice, bob, "offer123")

	conv := ch.Conversation()
	if conv.RoomID != "offer123" {
		t.Fatalf("room = %q", conv.RoomID)
	}
	if conv.Participants[0].ID != alice.ID || conv.Participants[1].ID != bob.ID {
		t.Fatalf("participants = %v", conv.Participants)
	}
	if !conv.Joined {
		t.Fatalf("expected joined after open")
	}
}
