// Package event implements the event/TPL core: a prioritized pending-notify
// queue coupling timers, event groups, and TPL-ordered notification
// dispatch (spec.md section 4.3). Grounded on dxe_core/src/event_db.rs's
// event record shape and its (-notify_tpl, insertion_tag) queue ordering.
package event

import (
	"dxecore/core"

	"github.com/google/uuid"
)

// Kind is a bitmask of event behaviors.
type Kind uint32

// The event kinds spec.md section 3 names, plus a reserved bit CreateEvent
// refuses to accept directly: group-pseudo events (end-of-DXE,
// ready-to-boot, exit-boot-services, virtual-address-change) are signaled
// only by the core itself via SignalGroup.
const (
	EvtTimer Kind = 1 << iota
	EvtNotifySignal
	EvtNotifyWait
	evtReservedGroupPseudo
)

// Well-known event-group GUIDs (spec.md section 6).
var (
	GroupExitBootServices     = uuid.MustParse("27abf055-b1b8-4c26-8048-748f37baa2df")
	GroupReadyToBoot          = uuid.MustParse("7ce88fb3-4bd7-4679-87a8-a8d8dee50d2b")
	GroupEndOfDxe             = uuid.MustParse("02ce967a-dd7e-4ffc-9ee7-810cf0470880")
	GroupVirtualAddressChange = uuid.MustParse("13fa7698-c831-49c7-87ea-8f43fcc25196")
)

// NotifyFunc is called when a notify-signal event's pending notification is
// dispatched, or when a notify-wait event's condition is checked.
type NotifyFunc func(ev *Event, ctx any)

// Event is one entry in the event database (spec.md section 3).
type Event struct {
	ID          core.Handle
	Kind        Kind
	NotifyTPL   core.TPL
	NotifyFn    NotifyFunc
	Context     any
	Group       *uuid.UUID
	Signaled    bool
	TriggerTime uint64
	Period      uint64

	queued bool
	closed bool
}

// TimerType selects how SetTimer interprets its trigger-time/period
// arguments (spec.md section 4.3).
type TimerType uint8

const (
	TimerCancel TimerType = iota
	TimerPeriodic
	TimerRelative
)

// pendingEntry is one queued notification, ordered by (-notifyTPL, tag) so
// that higher TPLs sort first and, within a TPL, insertion order is
// preserved (spec.md section 4.3).
type pendingEntry struct {
	ev  *Event
	tpl core.TPL
	tag uint64
}
