// Package reminder consumes server-pushed meeting reminders and drives the
// escalating presentation. The client never computes timing itself — the
// server decides what is due — but a stage already shown for a meeting is
// never rendered twice, and a dismissed or joined meeting stays quiet.
package reminder

import (
	"sync"
	"time"

	"github.com/skillbridge/realtime/internal/conn"
	"github.com/skillbridge/realtime/internal/event"
	"github.com/skillbridge/realtime/internal/logger"
	"github.com/skillbridge/realtime/internal/model"
)

// PresentOptions tell the presenter how loudly to show a reminder.
type PresentOptions struct {
	Duration   time.Duration
	TonePitch  int // Hz
	RepeatTone bool
}

// Presenter is the view-layer surface for reminders. Show may be called once
// per (meeting, stage); Remove when a reminder leaves the active set;
// OpenMeeting exactly once per Join.
type Presenter interface {
	Show(r model.ReminderEvent, opts PresentOptions)
	Remove(meetingID string)
	OpenMeeting(url string)
}

// Config tunes the presentation per urgency class.
type Config struct {
	NormalDuration time.Duration
	UrgentDuration time.Duration
	NormalPitch    int
	UrgentPitch    int
}

// DefaultConfig matches the product defaults: urgent stages stay on screen
// twice as long and beep a fifth higher, repeatedly.
func DefaultConfig() Config {
	return Config{
		NormalDuration: 8 * time.Second,
		UrgentDuration: 16 * time.Second,
		NormalPitch:    440,
		UrgentPitch:    660,
	}
}

// Dispatcher tracks the per-meeting reminder state machine:
// NotYetDue → Stage15 → Stage10 → Stage5 → Stage2 → Dismissed|Joined.
type Dispatcher struct {
	mgr       *conn.Manager
	presenter Presenter
	cfg       Config

	mu         sync.Mutex
	active     map[string]model.ReminderEvent // keyed by meeting id
	shown      map[string]model.ReminderStage // highest stage rendered
	terminal   map[string]struct{}            // dismissed or joined
	listenerID int
	onUpdate   func([]model.ReminderEvent)
}

// NewDispatcher builds a dispatcher over the live connection.
func NewDispatcher(mgr *conn.Manager, presenter Presenter, cfg Config) *Dispatcher {
	if cfg.NormalDuration <= 0 {
		cfg = DefaultConfig()
	}
	return &Dispatcher{
		mgr:       mgr,
		presenter: presenter,
		cfg:       cfg,
		active:    make(map[string]model.ReminderEvent),
		shown:     make(map[string]model.ReminderStage),
		terminal:  make(map[string]struct{}),
	}
}

// SetOnUpdate registers the view callback invoked with the active set after
// every change. Set it before Attach.
func (d *Dispatcher) SetOnUpdate(fn func([]model.ReminderEvent)) {
	d.mu.Lock()
	d.onUpdate = fn
	d.mu.Unlock()
}

// Attach subscribes to meeting_reminder events.
func (d *Dispatcher) Attach() {
	d.mu.Lock()
	d.listenerID = d.mgr.On(event.TypeMeetingReminder, d.onReminder)
	d.mu.Unlock()
}

// Detach removes the live listener.
func (d *Dispatcher) Detach() {
	d.mu.Lock()
	id := d.listenerID
	d.mu.Unlock()
	d.mgr.Off(id)
}

func (d *Dispatcher) onReminder(ev event.Envelope) {
	var p event.MeetingReminder
	if err := ev.Decode(&p); err != nil {
		logger.Errorf("reminder: decode: %v", err)
		return
	}
	r := model.ReminderEvent{
		MeetingID:           p.MeetingID,
		Stage:               p.Stage,
		MinutesUntilMeeting: p.MinutesUntilMeeting,
		Subject:             p.Subject,
		RoomID:              p.RoomID,
		MeetingURL:          p.MeetingURL,
	}

	d.mu.Lock()
	if _, done := d.terminal[r.MeetingID]; done {
		d.mu.Unlock()
		return
	}
	if prev, ok := d.shown[r.MeetingID]; ok && r.Stage.Order() <= prev.Order() {
		// Dedup on (meeting, stage); regressions are ignored too — the state
		// machine only moves toward the meeting.
		d.mu.Unlock()
		return
	}
	d.shown[r.MeetingID] = r.Stage
	d.active[r.MeetingID] = r
	d.mu.Unlock()

	d.presenter.Show(r, d.options(r))
	d.notify()
}

func (d *Dispatcher) options(r model.ReminderEvent) PresentOptions {
	if r.IsUrgent() {
		return PresentOptions{
			Duration:   d.cfg.UrgentDuration,
			TonePitch:  d.cfg.UrgentPitch,
			RepeatTone: true,
		}
	}
	return PresentOptions{
		Duration:  d.cfg.NormalDuration,
		TonePitch: d.cfg.NormalPitch,
	}
}

// Dismiss removes a meeting's reminder from the active set; the meeting goes
// terminal and later stages are dropped.
func (d *Dispatcher) Dismiss(meetingID string) {
	d.mu.Lock()
	_, ok := d.active[meetingID]
	if ok {
		delete(d.active, meetingID)
	}
	d.terminal[meetingID] = struct{}{}
	d.mu.Unlock()
	if ok {
		d.presenter.Remove(meetingID)
	}
	d.notify()
}

// Join removes the reminder like Dismiss and opens the meeting URL exactly
// once.
func (d *Dispatcher) Join(meetingID string) {
	d.mu.Lock()
	r, ok := d.active[meetingID]
	if ok {
		delete(d.active, meetingID)
	}
	_, already := d.terminal[meetingID]
	d.terminal[meetingID] = struct{}{}
	d.mu.Unlock()

	if ok {
		d.presenter.Remove(meetingID)
	}
	if ok && !already {
		d.presenter.OpenMeeting(r.MeetingURL)
	}
	d.notify()
}

// Active returns the current active reminders (one per meeting, the latest
// stage shown).
func (d *Dispatcher) Active() []model.ReminderEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.ReminderEvent, 0, len(d.active))
	for _, r := range d.active {
		out = append(out, r)
	}
	return out
}

func (d *Dispatcher) notify() {
	d.mu.Lock()
	fn := d.onUpdate
	d.mu.Unlock()
	if fn != nil {
		fn(d.Active())
	}
}
