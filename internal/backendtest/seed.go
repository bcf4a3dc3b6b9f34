package backendtest

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/skillbridge/realtime/internal/event"
	"github.com/skillbridge/realtime/internal/model"
)

// AddNotification prepends an item to a user's inbox (newest first). Missing
// id/timestamp are filled in server-side, like the real backend does.
func (s *Server) AddNotification(userID string, item model.NotificationItem) model.NotificationItem {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.Type == "" {
		item.Type = model.NotificationGeneric
	}
	s.mu.Lock()
	s.notifications[userID] = append([]model.NotificationItem{item}, s.notifications[userID]...)
	s.mu.Unlock()
	return item
}

// SeedMessage inserts a history row directly.
func (s *Server) SeedMessage(roomID string, msg model.Message) model.Message {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	msg.RoomID = roomID
	s.mu.Lock()
	s.messages[roomID] = append(s.messages[roomID], msg)
	sort.SliceStable(s.messages[roomID], func(i, j int) bool {
		return s.messages[roomID][i].SentAt.Before(s.messages[roomID][j].SentAt)
	})
	s.mu.Unlock()
	return msg
}

// SeedAppointment attaches an appointment to an offer.
func (s *Server) SeedAppointment(app model.Appointment) {
	s.mu.Lock()
	s.appointments[app.OfferID] = app
	s.mu.Unlock()
}

// FailCreates toggles 500s from the message-create endpoint, for rollback
// tests.
func (s *Server) FailCreates(fail bool) {
	s.mu.Lock()
	s.failCreates = fail
	s.mu.Unlock()
}

// Push delivers an arbitrary envelope to every connection of a user.
func (s *Server) Push(userID string, ev event.Envelope) {
	s.hub.sendToUser(userID, ev)
}

// PushReminder delivers a meeting_reminder to a user.
func (s *Server) PushReminder(userID string, p event.MeetingReminder) {
	ev, err := event.New(event.TypeMeetingReminder, p)
	if err != nil {
		return
	}
	s.Push(userID, ev)
}

// PushRoleChange delivers a role_changed event to a user.
func (s *Server) PushRoleChange(userID string, newRole model.Role) {
	ev, err := event.New(event.TypeRoleChanged, event.RoleChanged{UserID: userID, NewRole: newRole})
	if err != nil {
		return
	}
	s.Push(userID, ev)
}

// reminderLeads are the fixed checkpoints the production scheduler fires at.
var reminderLeads = []struct {
	lead  time.Duration
	stage model.ReminderStage
}{
	{15 * time.Minute, model.Stage15},
	{10 * time.Minute, model.Stage10},
	{5 * time.Minute, model.Stage5},
	{2 * time.Minute, model.Stage2},
}

// ScheduleMeeting arms the four escalation stages for a meeting and pushes
// each to every attendee when it falls due. Stages whose checkpoint already
// passed are skipped. Used by cmd/devserver so a frontend can watch the
// escalation happen; tests push stages directly via PushReminder.
func (s *Server) ScheduleMeeting(attendees []string, meetingID, subject, roomID, meetingURL string, startsAt time.Time) {
	now := time.Now()
	for _, r := range reminderLeads {
		due := startsAt.Add(-r.lead)
		if due.Before(now) {
			continue
		}
		stage := r.stage
		minutes := int(r.lead / time.Minute)
		time.AfterFunc(time.Until(due), func() {
			for _, uid := range attendees {
				s.PushReminder(uid, event.MeetingReminder{
					MeetingID:           meetingID,
					Stage:               stage,
					MinutesUntilMeeting: minutes,
					Subject:             subject,
					RoomID:              roomID,
					MeetingURL:          meetingURL,
				})
			}
		})
	}
}
