package model

type ReminderStage string

const (
	Stage15 ReminderStage = "15-minute"
	Stage10 ReminderStage = "10-minute"
	Stage5  ReminderStage = "5-minute"
	Stage2  ReminderStage = "2-minute"
)

// Order ranks stages by escalation; a later (closer to the meeting) stage has
// a higher order. Unknown stages rank lowest.
func (s ReminderStage) Order() int {
	switch s {
	case Stage15:
		return 1
	case Stage10:
		return 2
	case Stage5:
		return 3
	case Stage2:
		return 4
	}
	return 0
}

// Urgent reports whether the stage requires the attention-grabbing
// presentation path (longer display, higher pitch, repeated tone).
func (s ReminderStage) Urgent() bool {
	return s == Stage5 || s == Stage2
}

// ReminderEvent is a server-pushed checkpoint before a scheduled meeting.
// The client never computes timing itself; it renders what the server decided
// was due. Identity for dedup is the (MeetingID, Stage) pair.
type ReminderEvent struct {
	MeetingID           string        `json:"meeting_id"`
	Stage               ReminderStage `json:"stage"`
	MinutesUntilMeeting int           `json:"minutes_until_meeting"`
	Subject             string        `json:"subject"`
	RoomID              string        `json:"room_id,omitempty"`
	MeetingURL          string        `json:"meeting_url"`
}

// IsUrgent is derived from the stage.
func (r ReminderEvent) IsUrgent() bool { return r.Stage.Urgent() }
