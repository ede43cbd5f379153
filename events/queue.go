// Package events implements the queue of notifications awaiting user
// attention and the change signals UI observers consume.
package events

import (
	"sync"
	"time"

	"github.com/chrisinvisible/empathy-sub001/dispatch"
	"github.com/chrisinvisible/empathy-sub001/internal/sigs"
	"github.com/decred/slog"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// defaultAutoRemoveDelay is how long a non-must-ack event stays queued
// before it is removed automatically.
const defaultAutoRemoveDelay = 2 * time.Second

// Config holds the configuration for a Queue.
type Config struct {
	// NotificationAreaEnabled reports whether the notification-area UI
	// is enabled. When it returns false, added events are not queued:
	// they are activated immediately and any backing approval is marked
	// auto-approved. If nil, the notification area is assumed enabled.
	NotificationAreaEnabled func() bool

	// AutoRemoveDelay overrides the delay after which non-must-ack
	// events are removed. If zero, a default of 2 seconds is used.
	AutoRemoveDelay time.Duration

	// Logger logs queue operations. If nil, logging is disabled.
	Logger slog.Logger
}

// EventSpec describes an event to be added to the queue.
type EventSpec struct {
	Kind    Kind
	Icon    string
	Header  string
	Message string
	MustAck bool
	Contact *dispatch.Contact

	// Decider is the backing approval's decision surface, when the
	// event was created in the context of an approval.
	Decider Decider

	// OnActivate is invoked when the event is activated, either by the
	// user or by the immediate-activation bypass. When nil, activation
	// simply removes the event.
	OnActivate func(*Event)
}

// Queue owns the ordered set of live events. All methods are safe for
// concurrent use; each runs to completion before its effects are
// observable.
type Queue struct {
	cfg Config
	log slog.Logger

	mtx    sync.Mutex
	nextID ID
	events *orderedmap.OrderedMap[ID, *Event]

	added   sigs.Registry[*Event]
	removed sigs.Registry[*Event]
	updated sigs.Registry[*Event]
}

// NewQueue creates an empty event queue.
func NewQueue(cfg Config) *Queue {
	log := cfg.Logger
	if log == nil {
		log = slog.Disabled
	}
	if cfg.AutoRemoveDelay == 0 {
		cfg.AutoRemoveDelay = defaultAutoRemoveDelay
	}
	return &Queue{
		cfg:    cfg,
		log:    log,
		nextID: 1,
		events: orderedmap.New[ID, *Event](),
	}
}

// OnAdded registers f to be called synchronously whenever an event is
// added to the queue.
func (q *Queue) OnAdded(f func(*Event)) sigs.Registration {
	return q.added.RegisterSync(f)
}

// OnRemoved registers f to be called synchronously whenever an event is
// removed from the queue.
func (q *Queue) OnRemoved(f func(*Event)) sigs.Registration {
	return q.removed.RegisterSync(f)
}

// OnUpdated registers f to be called synchronously whenever an event's
// display fields are updated in place.
func (q *Queue) OnUpdated(f func(*Event)) sigs.Registration {
	return q.updated.RegisterSync(f)
}

func (q *Queue) notificationAreaEnabled() bool {
	if q.cfg.NotificationAreaEnabled == nil {
		return true
	}
	return q.cfg.NotificationAreaEnabled()
}

// Add constructs an event from spec and inserts it as the newest queue
// entry, emitting the added signal.
//
// When the notification area is disabled, the event is not queued at
// all: its backing approval (if any) is marked auto-approved, its
// activation function runs immediately and Add returns nil.
func (q *Queue) Add(spec EventSpec) *Event {
	ev := &Event{
		Kind:     spec.Kind,
		Icon:     spec.Icon,
		Header:   spec.Header,
		Message:  spec.Message,
		MustAck:  spec.MustAck,
		Contact:  spec.Contact,
		decider:  spec.Decider,
		activate: spec.OnActivate,
	}

	if !q.notificationAreaEnabled() {
		q.log.Debugf("Notification area disabled, activating %s event "+
			"immediately", spec.Kind)
		if ev.decider != nil {
			ev.decider.SetAutoApproved()
		}
		if ev.activate != nil {
			ev.activate(ev)
		}
		return nil
	}

	q.mtx.Lock()
	ev.id = q.nextID
	q.nextID++
	q.events.Set(ev.id, ev)
	if !ev.MustAck {
		q.armAutoRemove(ev)
	}
	q.mtx.Unlock()

	q.log.Debugf("Added %s event %d (%q)", ev.Kind, ev.id, ev.Header)
	q.added.Notify(ev)
	return ev
}

// armAutoRemove (re)schedules the auto-removal of a non-must-ack event.
// Must be called with the queue mutex held.
func (q *Queue) armAutoRemove(ev *Event) {
	if ev.expire != nil {
		ev.expire.Stop()
	}
	id := ev.id
	var timer *time.Timer
	timer = time.AfterFunc(q.cfg.AutoRemoveDelay, func() {
		q.mtx.Lock()
		cur, ok := q.events.Get(id)
		// A newer timer may have been armed by an update after this
		// one fired but before it took the lock.
		if !ok || cur.expire != timer {
			q.mtx.Unlock()
			return
		}
		q.removeLocked(cur)
		q.mtx.Unlock()
		q.log.Debugf("Auto-removed %s event %d", cur.Kind, cur.id)
		q.removed.Notify(cur)
	})
	ev.expire = timer
}

// removeLocked deletes the event from the queue and cancels its pending
// auto-removal. Must be called with the queue mutex held.
func (q *Queue) removeLocked(ev *Event) {
	q.events.Delete(ev.id)
	if ev.expire != nil {
		ev.expire.Stop()
		ev.expire = nil
	}
}

// Remove removes the event from the queue and emits the removed signal.
// Removing an event that is no longer queued is a no-op.
func (q *Queue) Remove(ev *Event) {
	q.mtx.Lock()
	_, ok := q.events.Get(ev.id)
	if !ok {
		q.mtx.Unlock()
		return
	}
	q.removeLocked(ev)
	q.mtx.Unlock()

	q.log.Debugf("Removed %s event %d", ev.Kind, ev.id)
	q.removed.Notify(ev)
}

// Update replaces the event's display fields in place and emits the
// updated signal. This coalesces multiple notifications about the same
// underlying condition into one queue entry. Updates on events marked by
// InhibitUpdates, and on events no longer queued, are ignored.
func (q *Queue) Update(ev *Event, icon, header, message string) {
	q.mtx.Lock()
	cur, ok := q.events.Get(ev.id)
	if !ok || cur != ev || ev.inhibited {
		q.mtx.Unlock()
		return
	}
	ev.Icon = icon
	ev.Header = header
	ev.Message = message
	if !ev.MustAck {
		q.armAutoRemove(ev)
	}
	q.mtx.Unlock()

	q.updated.Notify(ev)
}

// InhibitUpdates marks the event so later Update calls on it are
// suppressed. Used once a platform notification popup for the event has
// been dismissed, so new updates do not resurrect it.
func (q *Queue) InhibitUpdates(ev *Event) {
	q.mtx.Lock()
	ev.inhibited = true
	q.mtx.Unlock()
}

// Activate invokes the event's activation function, or removes the event
// when it has none. User clicks and policy auto-accepts both converge on
// this path.
func (q *Queue) Activate(ev *Event) {
	if ev.activate != nil {
		ev.activate(ev)
		return
	}
	q.Remove(ev)
}

// Approve forwards to the backing approval's approve action. It is a
// no-op for events without an approval.
func (q *Queue) Approve(ev *Event) {
	if ev.decider != nil {
		ev.decider.Approve()
	}
}

// Decline forwards to the backing approval's reject action. It is a
// no-op for events without an approval.
func (q *Queue) Decline(ev *Event) {
	if ev.decider != nil {
		ev.decider.Reject()
	}
}

// Events returns the live events in insertion order (oldest first).
func (q *Queue) Events() []*Event {
	q.mtx.Lock()
	res := make([]*Event, 0, q.events.Len())
	for pair := q.events.Oldest(); pair != nil; pair = pair.Next() {
		res = append(res, pair.Value)
	}
	q.mtx.Unlock()
	return res
}

// TopEvent returns the most recently added event still queued, or nil
// when the queue is empty.
func (q *Queue) TopEvent() *Event {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	pair := q.events.Newest()
	if pair == nil {
		return nil
	}
	return pair.Value
}

// Len returns the number of live events.
func (q *Queue) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.events.Len()
}
