package model

import "time"

type NotificationType string

const (
	NotificationChat        NotificationType = "chat"
	NotificationMeeting     NotificationType = "meeting"
	NotificationAppointment NotificationType = "appointment"
	NotificationOffer       NotificationType = "offer"
	NotificationGeneric     NotificationType = "generic"
)

// NotificationItem is one inbox entry. Historical items come from the REST
// page fetch; live pushes are counted optimistically and reconciled against
// the server's canonical record on the next refresh.
type NotificationItem struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`
	Sender    *User            `json:"sender,omitempty"`
	Title     string           `json:"title"`
	Body      string           `json:"body,omitempty"`
	ActionURL string           `json:"action_url,omitempty"`
}
