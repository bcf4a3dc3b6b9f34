// Package inbox merges the paginated REST notification feed with live push
// events into one ordered, deduplicated inbox with an unread counter. The
// server's record stays canonical: live pushes bump the counter optimistically
// and trigger a refetch rather than synthesizing items locally, and every
// mutation goes REST-first.
package inbox

import (
	"context"
	"errors"
	"sync"

	"github.com/skillbridge/realtime/internal/conn"
	"github.com/skillbridge/realtime/internal/event"
	"github.com/skillbridge/realtime/internal/logger"
	"github.com/skillbridge/realtime/internal/model"
	"github.com/skillbridge/realtime/internal/rest"
)

// DefaultPageLimit is the inbox page size used for live-push refetches.
const DefaultPageLimit = 20

// Snapshot is the read-model handed to the view layer.
type Snapshot struct {
	Items       []model.NotificationItem
	CurrentPage int
	TotalPages  int
	Unread      int
	// Err marks a transient failure; existing state is preserved.
	Err bool
	// Dormant is set after a 401: the whole inbox goes quiet until the
	// session is established and Wake is called.
	Dormant bool
}

// Aggregator is the unified notification inbox. Safe for concurrent use; live
// handlers run on the connection's dispatch goroutine.
type Aggregator struct {
	api       *rest.Client
	mgr       *conn.Manager
	pageLimit int

	mu          sync.Mutex
	items       []model.NotificationItem
	currentPage int
	totalPages  int
	unread      int
	panelOpen   bool
	dormant     bool
	transient   bool
	listenerIDs []int
	onUpdate    func(Snapshot)
}

// NewAggregator builds the inbox over the REST client and live connection.
func NewAggregator(api *rest.Client, mgr *conn.Manager, pageLimit int) *Aggregator {
	if pageLimit <= 0 {
		pageLimit = DefaultPageLimit
	}
	return &Aggregator{api: api, mgr: mgr, pageLimit: pageLimit}
}

// SetOnUpdate registers the view callback. Set it before Attach.
func (a *Aggregator) SetOnUpdate(fn func(Snapshot)) {
	a.mu.Lock()
	a.onUpdate = fn
	a.mu.Unlock()
}

// Attach subscribes to the live event types that feed the inbox. Call Detach
// on teardown.
func (a *Aggregator) Attach() {
	types := []event.Type{
		event.TypeReceiveMessage,
		event.TypeReceiveMeetingInvitation,
		event.TypeReceiveAppointmentInvitation,
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range types {
		a.listenerIDs = append(a.listenerIDs, a.mgr.On(t, a.onLivePush))
	}
}

// Detach removes the live listeners.
func (a *Aggregator) Detach() {
	a.mu.Lock()
	ids := a.listenerIDs
	a.listenerIDs = nil
	a.mu.Unlock()
	for _, id := range ids {
		a.mgr.Off(id)
	}
}

// SetPanelOpen records whether the inbox panel is visible. While open, live
// pushes refetch page 1 to stay consistent with the server.
func (a *Aggregator) SetPanelOpen(open bool) {
	a.mu.Lock()
	a.panelOpen = open
	a.mu.Unlock()
}

// Wake clears the dormant flag once a session exists (after login).
func (a *Aggregator) Wake() {
	a.mu.Lock()
	a.dormant = false
	a.mu.Unlock()
}

// FetchPage loads one page, newest first, and replaces the visible items.
func (a *Aggregator) FetchPage(ctx context.Context, page int) error {
	a.mu.Lock()
	if a.dormant {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	res, err := a.api.Notifications(ctx, page, a.pageLimit)
	if err != nil {
		a.fail(err)
		return a.maskAuth(err)
	}

	a.mu.Lock()
	a.items = res.Items
	a.currentPage = res.CurrentPage
	a.totalPages = res.TotalPages
	a.transient = false
	a.mu.Unlock()
	a.notify()
	return nil
}

// RefreshUnread replaces the local counter with the server's snapshot.
func (a *Aggregator) RefreshUnread(ctx context.Context) error {
	a.mu.Lock()
	if a.dormant {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	n, err := a.api.UnreadCount(ctx)
	if err != nil {
		a.fail(err)
		return a.maskAuth(err)
	}
	a.mu.Lock()
	a.unread = n
	a.transient = false
	a.mu.Unlock()
	a.notify()
	return nil
}

// UnreadCount returns the local unread snapshot.
func (a *Aggregator) UnreadCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unread
}

// onLivePush handles chat, meeting-invite and appointment-invite pushes: bump
// the counter optimistically, refresh the canonical counter eagerly, and
// refetch page 1 only if the panel is open.
func (a *Aggregator) onLivePush(event.Envelope) {
	a.mu.Lock()
	if a.dormant {
		a.mu.Unlock()
		return
	}
	a.unread++
	panelOpen := a.panelOpen
	a.mu.Unlock()
	a.notify()

	go func() {
		ctx := context.Background()
		if err := a.RefreshUnread(ctx); err != nil {
			logger.Errorf("inbox: refresh unread: %v", err)
		}
		if panelOpen {
			if err := a.FetchPage(ctx, 1); err != nil {
				logger.Errorf("inbox: refetch page: %v", err)
			}
		}
	}()
}

// MarkAsRead marks one item read, REST-first. The counter never increases
// from a read action.
func (a *Aggregator) MarkAsRead(ctx context.Context, id string) error {
	if err := a.api.MarkNotificationRead(ctx, id); err != nil {
		a.fail(err)
		return a.maskAuth(err)
	}
	a.mu.Lock()
	for i := range a.items {
		if a.items[i].ID == id && !a.items[i].Read {
			a.items[i].Read = true
			if a.unread > 0 {
				a.unread--
			}
			break
		}
	}
	a.transient = false
	a.mu.Unlock()
	a.notify()
	return nil
}

// MarkAllAsRead marks the whole inbox read, REST-first; drives unread to 0.
func (a *Aggregator) MarkAllAsRead(ctx context.Context) error {
	if err := a.api.MarkAllNotificationsRead(ctx); err != nil {
		a.fail(err)
		return a.maskAuth(err)
	}
	a.mu.Lock()
	for i := range a.items {
		a.items[i].Read = true
	}
	a.unread = 0
	a.transient = false
	a.mu.Unlock()
	a.notify()
	return nil
}

// Delete removes one item, REST-first.
func (a *Aggregator) Delete(ctx context.Context, id string) error {
	if err := a.api.DeleteNotification(ctx, id); err != nil {
		a.fail(err)
		return a.maskAuth(err)
	}
	a.mu.Lock()
	for i := range a.items {
		if a.items[i].ID == id {
			if !a.items[i].Read && a.unread > 0 {
				a.unread--
			}
			a.items = append(a.items[:i], a.items[i+1:]...)
			break
		}
	}
	a.transient = false
	a.mu.Unlock()
	a.notify()
	return nil
}

// Snapshot returns the current read-model.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	items := make([]model.NotificationItem, len(a.items))
	copy(items, a.items)
	return Snapshot{
		Items:       items,
		CurrentPage: a.currentPage,
		TotalPages:  a.totalPages,
		Unread:      a.unread,
		Err:         a.transient,
		Dormant:     a.dormant,
	}
}

// fail applies the failure policy: 401 puts the inbox to sleep silently;
// anything else raises the transient indicator without clearing state.
func (a *Aggregator) fail(err error) {
	a.mu.Lock()
	if errors.Is(err, rest.ErrAuthRequired) {
		a.dormant = true
	} else {
		a.transient = true
	}
	a.mu.Unlock()
	a.notify()
}

// maskAuth swallows 401s — the inbox is simply hidden until a session exists.
func (a *Aggregator) maskAuth(err error) error {
	if errors.Is(err, rest.ErrAuthRequired) {
		return nil
	}
	return err
}

func (a *Aggregator) notify() {
	a.mu.Lock()
	fn := a.onUpdate
	a.mu.Unlock()
	if fn != nil {
		fn(a.Snapshot())
	}
}
