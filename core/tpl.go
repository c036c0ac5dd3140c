package core

import (
	"sync"
	"sync/atomic"
)

// TPL is a Task Priority Level: an integer scheduling priority for
// cooperative notifications (spec.md section 5). Higher values preempt
// lower ones at well-defined suspension points; there is no preemption
// within a TPL.
type TPL uint32

// The four levels the event/TPL core understands, matching the UEFI boot
// services TPL constants.
const (
	TplApplication TPL = 4
	TplCallback    TPL = 8
	TplNotify      TPL = 16
	TplHighLevel   TPL = 31
)

// currentTPL tracks the TPL the single logical processor is running at.
// Every subsystem shares this value; only the event/TPL core (core/event)
// is expected to call RaiseTPL/RestoreTPL directly as part of draining
// notifications. TplMutex uses it to implement TPL-raising critical
// sections for every other subsystem.
var currentTPL uint32 = uint32(TplApplication)

// CurrentTPL returns the TPL the core is presently running at.
func CurrentTPL() TPL {
	return TPL(atomic.LoadUint32(&currentTPL))
}

// RaiseTPL sets the current TPL to new and returns the previous value. It is
// the caller's responsibility to eventually call RestoreTPL with the
// returned value; RaiseTPL itself never drains notifications; that is the
// event/TPL core's job.
func RaiseTPL(new TPL) TPL {
	old := TPL(atomic.SwapUint32(&currentTPL, uint32(new)))
	return old
}

// RestoreTPL sets the current TPL back to old.
func RestoreTPL(old TPL) {
	atomic.StoreUint32(&currentTPL, uint32(old))
}

// TplMutex guards a single subsystem's global state by raising the TPL to
// RaiseTo for the duration of the critical section (spec.md section 5).
// Following kernel/sync.Spinlock, TplMutex exposes Acquire/Release instead of
// sync.Mutex's Lock/Unlock so call sites read like the cooperative-scheduling
// model they implement rather than an OS-level lock. Reentering an already
// held TplMutex panics: the design deliberately forbids recursive
// acquisition because the guarded data's invariants may be mid-mutation
// (spec.md section 5, "TplMutex re-entrance").
type TplMutex struct {
	// RaiseTo is the TPL this mutex raises the processor to while held.
	// NOTIFY for most subsystems, HIGH_LEVEL for the allocators (spec.md
	// section 5).
	RaiseTo TPL

	mu     sync.Mutex
	held   bool
	savedT TPL
}

// Acquire raises the TPL to RaiseTo and marks the mutex held. It panics if
// the mutex is already held.
func (m *TplMutex) Acquire() {
	m.mu.Lock()
	if m.held {
		m.mu.Unlock()
		panic("core: reentrant acquisition of TplMutex")
	}
	m.held = true
	m.savedT = RaiseTPL(m.RaiseTo)
	m.mu.Unlock()
}

// Release restores the TPL to the value observed at Acquire time and marks
// the mutex free. Calling Release on a mutex that is not held panics.
func (m *TplMutex) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held {
		panic("core: release of unheld TplMutex")
	}
	m.held = false
	RestoreTPL(m.savedT)
}

// Held reports whether the mutex is currently held. Callback dispatchers
// use it to verify the lock state they promise their callbacks (spec.md
// section 5, the page-change callback contract: the allocator panics if it
// is about to run page-change listeners with its own lock still held).
func (m *TplMutex) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}
