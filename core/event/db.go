package event

import (
	"sort"

	"dxecore/core"

	"github.com/google/uuid"
)

// DB is the process-wide event database: a handle-keyed event table, a
// prioritized pending-notify queue, and group membership for event-group
// signaling. Grounded on dxe_core/src/event_db.rs.
type DB struct {
	mu *core.TplMutex

	ids     *core.HandleAllocator
	events  map[core.Handle]*Event
	groups  map[uuid.UUID][]core.Handle
	pending []pendingEntry
	nextTag uint64
	now     uint64
}

// New creates an empty event database.
func New() *DB {
	return &DB{
		mu:     &core.TplMutex{RaiseTo: core.TplNotify},
		ids:    core.NewHandleAllocator(),
		events: make(map[core.Handle]*Event),
		groups: make(map[uuid.UUID][]core.Handle),
	}
}

// CreateEvent registers a new event and returns its handle.
func (db *DB) CreateEvent(kind Kind, notifyTPL core.TPL, fn NotifyFunc, ctx any, group *uuid.UUID) (core.Handle, error) {
	db.mu.Acquire()
	defer db.mu.Release()

	if kind&evtReservedGroupPseudo != 0 {
		return core.NoHandle, core.NewError("event", core.StatusInvalidParameter, "group-pseudo event kinds cannot be created directly")
	}
	isNotify := kind&(EvtNotifySignal|EvtNotifyWait) != 0
	if isNotify {
		if fn == nil {
			return core.NoHandle, core.NewError("event", core.StatusInvalidParameter, "notify event requires a notification function")
		}
		if notifyTPL <= core.TplApplication || notifyTPL > core.TplHighLevel {
			return core.NoHandle, core.NewError("event", core.StatusInvalidParameter, "notify TPL must be in (APPLICATION, HIGH_LEVEL]")
		}
	}

	id := db.ids.Next()
	ev := &Event{ID: id, Kind: kind, NotifyTPL: notifyTPL, NotifyFn: fn, Context: ctx, Group: group}
	db.events[id] = ev
	if group != nil {
		db.groups[*group] = append(db.groups[*group], id)
	}
	return id, nil
}

// Close removes an event from every index. A queued notification for it is
// discarded.
func (db *DB) Close(id core.Handle) error {
	db.mu.Acquire()
	defer db.mu.Release()

	ev, ok := db.events[id]
	if !ok {
		return core.NewError("event", core.StatusNotFound, "unknown event handle")
	}
	ev.closed = true
	delete(db.events, id)

	if ev.Group != nil {
		members := db.groups[*ev.Group]
		for i, m := range members {
			if m == id {
				db.groups[*ev.Group] = append(members[:i], members[i+1:]...)
				break
			}
		}
	}
	db.removePendingLocked(id)
	return nil
}

func (db *DB) removePendingLocked(id core.Handle) {
	out := db.pending[:0]
	for _, p := range db.pending {
		if p.ev.ID != id {
			out = append(out, p)
		}
	}
	db.pending = out
}

// Signal marks ev signaled and, for a notify-signal event, enqueues its
// notification if it is not already queued (idempotent signal, spec.md
// section 8). Signaling a group member signals every other member of its
// group as well.
func (db *DB) Signal(id core.Handle) error {
	db.mu.Acquire()
	ev, ok := db.events[id]
	if !ok {
		db.mu.Release()
		return core.NewError("event", core.StatusNotFound, "unknown event handle")
	}
	db.signalOneLocked(ev)
	if ev.Group != nil {
		for _, m := range db.groups[*ev.Group] {
			if m == id {
				continue
			}
			if other, ok := db.events[m]; ok {
				db.signalOneLocked(other)
			}
		}
	}
	db.mu.Release()
	return nil
}

// SignalGroup signals every event registered under group. It is how the
// core fires the group-pseudo events (EndOfDxe, ReadyToBoot,
// ExitBootServices, VirtualAddressChange) that have no CreateEvent call of
// their own: the core calls SignalGroup directly at the appropriate
// transition instead of signaling a particular member event (spec.md
// section 3, "group-pseudo events").
func (db *DB) SignalGroup(group uuid.UUID) {
	db.mu.Acquire()
	members := append([]core.Handle(nil), db.groups[group]...)
	for _, id := range members {
		if ev, ok := db.events[id]; ok {
			db.signalOneLocked(ev)
		}
	}
	db.mu.Release()
}

func (db *DB) signalOneLocked(ev *Event) {
	ev.Signaled = true
	if ev.Kind&EvtNotifySignal == 0 {
		return
	}
	if ev.queued {
		return
	}
	ev.queued = true
	db.pending = append(db.pending, pendingEntry{ev: ev, tpl: ev.NotifyTPL, tag: db.nextTag})
	db.nextTag++
}

// PendingCount reports how many notifications are currently queued.
func (db *DB) PendingCount() int {
	db.mu.Acquire()
	defer db.mu.Release()
	return len(db.pending)
}

// popNextAbove removes and returns the highest-priority pending entry with
// TPL strictly greater than floor, or ok=false if none remain.
func (db *DB) popNextAbove(floor core.TPL) (pendingEntry, bool) {
	db.mu.Acquire()
	defer db.mu.Release()

	best := -1
	for i, p := range db.pending {
		if p.tpl <= floor {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		b := db.pending[best]
		if p.tpl > b.tpl || (p.tpl == b.tpl && p.tag < b.tag) {
			best = i
		}
	}
	if best == -1 {
		return pendingEntry{}, false
	}
	entry := db.pending[best]
	db.pending = append(db.pending[:best], db.pending[best+1:]...)
	entry.ev.queued = false
	return entry, true
}

// Lower drains every pending notification with TPL strictly greater than
// newTPL, highest TPL first and FIFO within a TPL, then leaves the current
// TPL at newTPL (spec.md section 4.3, "lowering TPL drains"). It is the only
// place notify functions run.
func (db *DB) Lower(newTPL core.TPL) {
	for {
		entry, ok := db.popNextAbove(newTPL)
		if !ok {
			break
		}
		old := core.RaiseTPL(entry.tpl)
		if entry.ev.NotifyFn != nil {
			entry.ev.NotifyFn(entry.ev, entry.ev.Context)
		}
		core.RestoreTPL(old)
	}
	core.RestoreTPL(newTPL)
}

// SetTimer arms, re-arms, or cancels ev's timer (spec.md section 4.3).
func (db *DB) SetTimer(id core.Handle, kind TimerType, triggerTime, period uint64) error {
	db.mu.Acquire()
	defer db.mu.Release()

	ev, ok := db.events[id]
	if !ok {
		return core.NewError("event", core.StatusNotFound, "unknown event handle")
	}
	if ev.Kind&EvtTimer == 0 {
		return core.NewError("event", core.StatusInvalidParameter, "event was not created with the timer kind")
	}

	switch kind {
	case TimerCancel:
		if triggerTime != 0 || period != 0 {
			return core.NewError("event", core.StatusInvalidParameter, "Cancel must not carry a trigger time or period")
		}
		ev.TriggerTime, ev.Period = 0, 0
	case TimerPeriodic:
		if triggerTime == 0 || period == 0 {
			return core.NewError("event", core.StatusInvalidParameter, "Periodic requires both a trigger time and a period")
		}
		ev.TriggerTime = db.now + triggerTime
		ev.Period = period
	case TimerRelative:
		if period != 0 {
			return core.NewError("event", core.StatusInvalidParameter, "Relative must not carry a period")
		}
		ev.TriggerTime = db.now + triggerTime
		ev.Period = 0
	default:
		return core.NewError("event", core.StatusInvalidParameter, "unknown timer type")
	}
	return nil
}

// TimerTick examines every timer event and signals those whose trigger time
// has elapsed, rebasing periodic timers and clearing one-shot ones (spec.md
// section 4.3). Events expiring at the same tick are signaled in event-id
// order.
func (db *DB) TimerTick(now uint64) {
	db.mu.Acquire()
	db.now = now

	var due []core.Handle
	for id, ev := range db.events {
		if ev.Kind&EvtTimer == 0 || ev.TriggerTime == 0 || ev.TriggerTime > now {
			continue
		}
		due = append(due, id)
	}
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })

	for _, id := range due {
		ev := db.events[id]
		if ev.Period != 0 {
			ev.TriggerTime = now + ev.Period
		} else {
			ev.TriggerTime = 0
		}
	}
	db.mu.Release()

	for _, id := range due {
		db.Signal(id)
	}
}

// Poll checks each event in ids once, in order, invoking the notify
// function of any not-yet-signaled notify-wait event to give it a chance to
// update its own signaled state, and returns the index of the first
// signaled event found. This is WaitForEvent's single-pass check (spec.md
// section 5); the core drives repeated polls itself between timer ticks
// rather than blocking a real OS thread.
func (db *DB) Poll(ids []core.Handle) (int, bool, error) {
	for i, id := range ids {
		db.mu.Acquire()
		ev, ok := db.events[id]
		if !ok {
			db.mu.Release()
			return -1, false, core.NewError("event", core.StatusNotFound, "unknown event handle")
		}
		if ev.Kind&EvtNotifyWait != 0 && !ev.Signaled && ev.NotifyFn != nil {
			fn, ctx := ev.NotifyFn, ev.Context
			db.mu.Release()
			fn(ev, ctx)
			db.mu.Acquire()
		}
		signaled := ev.Signaled
		if signaled {
			ev.Signaled = false
		}
		db.mu.Release()
		if signaled {
			return i, true, nil
		}
	}
	return -1, false, nil
}

// Get returns a copy of the event record for inspection (tests and
// diagnostics only; mutating fields on the returned value has no effect on
// the database).
func (db *DB) Get(id core.Handle) (Event, bool) {
	db.mu.Acquire()
	defer db.mu.Release()
	ev, ok := db.events[id]
	if !ok {
		return Event{}, false
	}
	return *ev, true
}
