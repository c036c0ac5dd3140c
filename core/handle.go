package core

import "sync/atomic"

// Handle is an opaque process-wide identifier. The backing store is a
// monotonic counter plus a reserved range of well-known handles (spec.md
// section 3): one per core memory type and one for the DXE core image
// itself. Handle zero is never issued and is used as the "no handle" value.
type Handle uint64

// NoHandle is the sentinel for "no handle assigned".
const NoHandle Handle = 0

// Well-known handles reserved before the general allocation range begins.
// These mirror the fixed memory-type handles and the DXE core's own image
// handle described in spec.md section 3 and the allocator tier in section
// 4.2.
const (
	HandleLoaderCode Handle = iota + 1
	HandleLoaderData
	HandleBootServicesCode
	HandleBootServicesData
	HandleRuntimeServicesCode
	HandleRuntimeServicesData
	HandleReserved
	HandleACPIReclaim
	HandleACPINVS
	HandleDXECoreImage

	firstGeneralHandle
)

// HandleAllocator issues fresh process-wide handles above the reserved
// well-known range. Construct it with NewHandleAllocator: a zero value
// starts issuing at NoHandle and then the reserved handles.
type HandleAllocator struct {
	next uint64
}

// NewHandleAllocator returns a HandleAllocator whose first issued handle is
// immediately after the reserved well-known range.
func NewHandleAllocator() *HandleAllocator {
	h := &HandleAllocator{}
	atomic.StoreUint64(&h.next, uint64(firstGeneralHandle))
	return h
}

// Next returns a fresh, never-before-issued handle.
func (h *HandleAllocator) Next() Handle {
	return Handle(atomic.AddUint64(&h.next, 1) - 1)
}
