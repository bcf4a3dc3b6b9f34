// Package event defines the socket protocol between the client and the
// realtime backend as a tagged-union envelope: every frame is
// {"type": ..., "payload": ...} with a typed payload per event type.
package event

import (
	"encoding/json"

	"github.com/skillbridge/realtime/internal/model"
)

type Type string

// Inbound (server → client).
const (
	TypeReceiveMessage               Type = "receive_message"
	TypeReceiveMeetingInvitation     Type = "receive_meeting_invitation"
	TypeReceiveAppointmentInvitation Type = "receive_appointment_invitation"
	TypeMeetingReminder              Type = "meeting_reminder"
	TypeRoleChanged                  Type = "role_changed"
	TypeError                        Type = "error"
)

// Outbound (client → server).
const (
	TypeJoinRoom                  Type = "join_room"
	TypeSendMessage               Type = "send_message"
	TypeSendMeetingInvitation     Type = "send_meeting_invitation"
	TypeSendAppointmentInvitation Type = "send_appointment_invitation"
	TypeUserConnected             Type = "user_connected"
)

// Envelope is the wire frame. Payload stays raw until the receiver knows the
// concrete type from Type.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope from a typed payload. Marshal errors are only
// possible for non-serializable payloads, which would be a programming error,
// so they surface as an error to keep send paths honest.
func New(t Type, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	return json.Unmarshal(e.Payload, dst)
}

// ChatMessage is the payload of send_message / receive_message. Body carries
// ciphertext when IsEncrypted is set; the server relays it opaquely.
type ChatMessage struct {
	ID          string      `json:"id,omitempty"` // server id when known (sender emits after REST confirm)
	RoomID      string      `json:"room_id"`
	Body        string      `json:"message"`
	IsEncrypted bool        `json:"is_encrypted"`
	SenderID    string      `json:"sender_id"`
	ReceiverID  string      `json:"receiver_id,omitempty"`
	Sender      *model.User `json:"sender,omitempty"`
	OfferID     string      `json:"offer_id,omitempty"`
	SentAt      int64       `json:"sent_at,omitempty"` // unix millis, server-set on relay
}

// MeetingInvitation is the payload of send_meeting_invitation /
// receive_meeting_invitation.
type MeetingInvitation struct {
	MeetingID  string      `json:"meeting_id"`
	RoomID     string      `json:"room_id"`
	Subject    string      `json:"subject"`
	StartsAt   int64       `json:"starts_at"` // unix millis
	MeetingURL string      `json:"meeting_url"`
	Sender     *model.User `json:"sender,omitempty"`
	ReceiverID string      `json:"receiver_id,omitempty"`
}

// AppointmentInvitation is the payload of send_appointment_invitation /
// receive_appointment_invitation.
type AppointmentInvitation struct {
	AppointmentID string      `json:"appointment_id"`
	OfferID       string      `json:"offer_id"`
	ScheduledAt   int64       `json:"scheduled_at"` // unix millis
	Sender        *model.User `json:"sender,omitempty"`
	ReceiverID    string      `json:"receiver_id,omitempty"`
}

// MeetingReminder is the payload of meeting_reminder.
type MeetingReminder struct {
	MeetingID           string              `json:"meeting_id"`
	Stage               model.ReminderStage `json:"stage"`
	MinutesUntilMeeting int                 `json:"minutes_until_meeting"`
	Subject             string              `json:"subject"`
	RoomID              string              `json:"room_id,omitempty"`
	MeetingURL          string              `json:"meeting_url"`
}

// RoleChanged is the payload of role_changed.
type RoleChanged struct {
	UserID  string     `json:"user_id"`
	NewRole model.Role `json:"new_role"`
}

// JoinRoom is the payload of join_room.
type JoinRoom struct {
	RoomID string `json:"room_id"`
}

// UserConnected identifies the client right after the transport opens.
type UserConnected struct {
	UserID   string     `json:"user_id"`
	UserName string     `json:"user_name"`
	UserRole model.Role `json:"user_role"`
}

// ErrorPayload is the payload of error frames pushed by the server.
type ErrorPayload struct {
	Message string `json:"message"`
}
