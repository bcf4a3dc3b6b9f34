package model

import "time"

type MessageState string

const (
	// MessagePending is a locally echoed message awaiting server confirmation.
	MessagePending MessageState = "pending"
	// MessageConfirmed carries the server-assigned id and timestamp. Immutable.
	MessageConfirmed MessageState = "confirmed"
	// MessageFailed is a rolled-back optimistic message; never shown in the sequence.
	MessageFailed MessageState = "failed"
)

// Message is one entry in a conversation's ordered sequence. Before
// reconciliation ID holds the client-generated nonce; afterwards the stable
// server id.
type Message struct {
	ID         string       `json:"id"`
	RoomID     string       `json:"room_id"`
	SenderID   string       `json:"sender_id"`
	ReceiverID string       `json:"receiver_id"`
	Body       string       `json:"body"`
	SentAt     time.Time    `json:"sent_at"`
	Encrypted  bool         `json:"encrypted"`
	State      MessageState `json:"state"`
	Sender     *User        `json:"sender,omitempty"`
}

// Conversation holds the client-side state for one room. The roomId equals the
// originating offer id; exactly two participants take part. Evicted from
// memory when the view closes it — nothing is deleted server-side.
type Conversation struct {
	RoomID       string    `json:"room_id"`
	Participants [2]User   `json:"participants"`
	Messages     []Message `json:"messages"`
	Joined       bool      `json:"joined"`
}
