// Package mem implements the allocator tier: per-memory-type page and pool
// allocators layered on the GCD, plus the UEFI memory-map synthesizer
// (spec.md section 4.2). Grounded on dxe_core/src/allocator.rs, laid out in
// a lazily-populated map of singleton subsystems initialized once from
// hand-off data, following kernel/mem/pmm's structure.
package mem

import "dxecore/core/gcd"

// Type is a UEFI memory type. Only the well-known types spec.md section 4.2
// names have stable handles; ConventionalMemory is never itself an
// allocator -- it is what unallocated GCD SystemMemory synthesizes to in the
// memory map.
type Type uint8

// The well-known memory types this core tracks allocators for, plus the
// pass-through types the memory-map synthesizer needs to name.
const (
	TypeLoaderCode Type = iota
	TypeLoaderData
	TypeBootServicesCode
	TypeBootServicesData
	TypeRuntimeServicesCode
	TypeRuntimeServicesData
	TypeReserved
	TypeACPIReclaimMemory
	TypeACPIMemoryNVS
	TypeConventionalMemory
	TypeMemoryMappedIO
	TypeMemoryMappedIOPortSpace
	TypeUnusableMemory
	TypePersistentMemory
)

var typeNames = [...]string{
	"LoaderCode", "LoaderData",
	"BootServicesCode", "BootServicesData",
	"RuntimeServicesCode", "RuntimeServicesData",
	"Reserved", "ACPIReclaimMemory", "ACPIMemoryNVS",
	"ConventionalMemory", "MemoryMappedIO", "MemoryMappedIOPortSpace",
	"UnusableMemory", "PersistentMemory",
}

// String implements fmt.Stringer.
func (t Type) String() string {
	if int(t) < 0 || int(t) >= len(typeNames) {
		return "Unknown"
	}
	return typeNames[t]
}

// IsRuntime reports whether allocations of this type must carry the RUNTIME
// attribute bit in the synthesized memory map (spec.md section 4.2).
func (t Type) IsRuntime() bool {
	return t == TypeRuntimeServicesCode || t == TypeRuntimeServicesData ||
		t == TypeACPIMemoryNVS
}

// gcdKind returns the GCD memory kind backing allocations of this type.
func (t Type) gcdKind() gcd.MemKind {
	switch t {
	case TypeMemoryMappedIO, TypeMemoryMappedIOPortSpace:
		return gcd.MemMemoryMappedIo
	default:
		return gcd.MemSystemMemory
	}
}

// wellKnownTypes lists the memory types that get a stable allocator handle
// and are eligible for a memory-type-info bucket reservation.
var wellKnownTypes = []Type{
	TypeLoaderCode, TypeLoaderData,
	TypeBootServicesCode, TypeBootServicesData,
	TypeRuntimeServicesCode, TypeRuntimeServicesData,
	TypeReserved, TypeACPIReclaimMemory, TypeACPIMemoryNVS,
}

// MemoryMapEntry is one coalesced row of the UEFI memory map (spec.md
// section 4.2).
type MemoryMapEntry struct {
	Type          Type
	PhysicalStart uint64
	NumberOfPages uint64
	Attribute     gcd.Attr
}

func (e MemoryMapEntry) sameAs(o MemoryMapEntry) bool {
	return e.Type == o.Type && e.Attribute == o.Attribute
}
