package model

import "time"

// Appointment is the scheduled session attached to an offer. Absence of an
// appointment for an offer is an expected empty state, not an error.
type Appointment struct {
	ID          string    `json:"id"`
	OfferID     string    `json:"offer_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	MeetingURL  string    `json:"meeting_url,omitempty"`
}
