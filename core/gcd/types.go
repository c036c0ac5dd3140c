// Package gcd implements the Global Coherency Domain: the authoritative
// descriptor store for every byte of physical memory and I/O space the
// firmware can touch (spec.md section 4.1). It is grounded on
// dxe_core/src/allocator.rs's memory-space-descriptor map, expressed as two
// interval trees kept fully tiled over [0, 2^addressWidth).
package gcd

import "dxecore/core"

// MemKind classifies what a memory descriptor represents.
type MemKind uint8

// The memory-kind values spec.md section 3 enumerates.
const (
	MemNonExistent MemKind = iota
	MemReserved
	MemSystemMemory
	MemMemoryMappedIo
	MemPersistent
	MemMoreReliable
	MemUnaccepted
)

// IOKind classifies what an I/O descriptor represents.
type IOKind uint8

// The io-kind values spec.md section 3 enumerates.
const (
	IONonExistent IOKind = iota
	IOReserved
	IOSpace
)

// Attr is a bitmask of capability/attribute bits. The same type is used for
// both the capability set a region can support and the attributes currently
// in effect, since attributes must always be a subset of capabilities
// (spec.md section 3).
type Attr uint64

// Access/caching attribute bits, matching the UEFI memory attribute bits
// this spec names.
const (
	AttrUC      Attr = 1 << iota // uncached
	AttrWC                       // write-combining
	AttrWT                       // write-through
	AttrWB                       // write-back
	AttrXP                       // execute-protect (non-executable)
	AttrRO                       // read-only
	AttrRP                       // read-protect
	AttrRuntime                  // runtime-mapped
)

// AccessMask is the subset of Attr bits the GCD treats as "access/caching"
// bits subject to capability-monotonicity (spec.md section 8: "Capability
// monotonicity").
const AccessMask = AttrUC | AttrWC | AttrWT | AttrWB | AttrXP | AttrRO | AttrRP

// Owner identifies who a descriptor's address range is allocated to. The
// zero value is the "unallocated" sentinel.
type Owner struct {
	Allocated bool
	Image     core.Handle
	Device    core.Handle // core.NoHandle if there is no owning device handle
}

// Unallocated is the sentinel owner for free descriptors.
var Unallocated = Owner{}

// MemDescriptor describes the attributes of a half-open interval
// [Base, Base+Length) of memory address space (spec.md section 3).
type MemDescriptor struct {
	Base         uint64
	Length       uint64
	Kind         MemKind
	Capabilities Attr
	Attributes   Attr
	Owner        Owner
}

// End returns the exclusive end address of the descriptor.
func (d MemDescriptor) End() uint64 { return d.Base + d.Length }

// sameAttrs reports whether two descriptors carry identical kind,
// attributes, capabilities, and owner -- the condition under which adjacent
// descriptors must coalesce (spec.md section 3 and the GCD-tiling testable
// property in section 8).
func (d MemDescriptor) sameAttrs(o MemDescriptor) bool {
	return d.Kind == o.Kind && d.Capabilities == o.Capabilities &&
		d.Attributes == o.Attributes && d.Owner == o.Owner
}

// IODescriptor describes the attributes of a half-open interval of I/O
// address space. It carries no caching attributes (spec.md section 3).
type IODescriptor struct {
	Base   uint64
	Length uint64
	Kind   IOKind
	Owner  Owner
}

// End returns the exclusive end address of the descriptor.
func (d IODescriptor) End() uint64 { return d.Base + d.Length }

func (d IODescriptor) sameAttrs(o IODescriptor) bool {
	return d.Kind == o.Kind && d.Owner == o.Owner
}

// StrategyKind selects how AllocateMemory/AllocateIO picks a sub-range.
type StrategyKind uint8

// The three allocation strategies spec.md section 4.1 defines.
const (
	StrategyBottomUp StrategyKind = iota
	StrategyTopDown
	StrategyAddress
)

// Strategy is an allocation request strategy. When HasMax is set, Max bounds
// the high address a BottomUp/TopDown scan may return into; when HasMax is
// clear the scan is unbounded and Max is ignored. Address is only meaningful
// for StrategyAddress.
type Strategy struct {
	Kind    StrategyKind
	Max     uint64
	HasMax  bool
	Address uint64
}

// BottomUp scans eligible descriptors in ascending order. max is ignored
// unless hasMax is true.
func BottomUp(max uint64, hasMax bool) Strategy {
	return Strategy{Kind: StrategyBottomUp, Max: max, HasMax: hasMax}
}

// TopDown scans eligible descriptors in descending order. max is ignored
// unless hasMax is true.
func TopDown(max uint64, hasMax bool) Strategy {
	return Strategy{Kind: StrategyTopDown, Max: max, HasMax: hasMax}
}

// AtAddress requests the exact address addr.
func AtAddress(addr uint64) Strategy {
	return Strategy{Kind: StrategyAddress, Address: addr}
}
