// Package hob parses the ordered hand-off descriptor list delivered to the
// DXE core at entry (spec.md section 6, "Hand-off list in"), and applies
// its contents to the GCD and allocator tier the way the core's fixed init
// order expects. Grounded on multiboot.VisitMemRegions's typed-tag walk
// over a raw hand-off blob, translated from architecture-specific
// unsafe.Pointer reads into encoding/binary reads over a byte slice,
// matching core/pecoff and core/fv's parsing style.
package hob

import "github.com/google/uuid"

// Kind identifies the type of one hand-off descriptor (spec.md section 6).
type Kind uint16

const (
	KindPhaseHandoff Kind = iota
	KindMemoryAllocation
	KindMemoryAllocationModule
	KindFirmwareVolume
	KindFirmwareVolume2
	KindFirmwareVolume3
	KindResourceDescriptor
	KindResourceDescriptor2
	KindGUIDExtension
	KindEndOfList
)

// Well-known GUID-extension GUIDs spec.md section 6 names.
var (
	// MemoryTypeInfoGUID is EFI_MEMORY_TYPE_INFORMATION_GUID, carrying the
	// memory-type-info bucket sizes consumed at allocator init (spec.md
	// section 4.2, "Memory-type-info bucket reservation").
	MemoryTypeInfoGUID = uuid.MustParse("4c19049f-4137-4dd3-9c10-8b97a83ffdfa")

	// MemoryProtectionSettingsGUID marks the hand-off block the platform
	// verifier requires be present (spec.md section 4.9, requirement iv).
	MemoryProtectionSettingsGUID = uuid.MustParse("36a40bdc-a685-4a44-93f0-8f7e3ed74d2c")
)

// EFI resource-descriptor type values (PI spec EFI_RESOURCE_TYPE), used by
// ResourceDescriptor.ResourceType.
const (
	ResourceSystemMemory       uint32 = 0
	ResourceMemoryMappedIO     uint32 = 1
	ResourceIO                 uint32 = 2
	ResourceFirmwareDevice     uint32 = 3
	ResourceMemoryMappedIOPort uint32 = 4
	ResourceMemoryReserved     uint32 = 5
	ResourceIOReserved         uint32 = 6
	ResourceMemoryUnaccepted   uint32 = 7
)

// MemoryAllocation is a memory-allocation descriptor: a pre-existing
// allocation the core must record as owned rather than free (spec.md
// section 6).
type MemoryAllocation struct {
	Base       uint64
	Length     uint64
	MemoryType uint32
}

// MemoryAllocationModule is a memory-allocation-module descriptor: the
// pre-DXE loaded image of a module the hand-off list names explicitly.
type MemoryAllocationModule struct {
	MemoryAllocation
	ModuleName uuid.UUID
	EntryPoint uint64
}

// FirmwareVolume is a firmware-volume descriptor (v1, v2, or v3). FvName
// and FileName are the zero UUID for v1 descriptors, which carry no GUID
// fields.
type FirmwareVolume struct {
	Base     uint64
	Length   uint64
	FvName   uuid.UUID
	FileName uuid.UUID
}

// ResourceDescriptor is a resource-descriptor descriptor (v1 or v2).
// Attributes is zero for v1 descriptors, which carry no extended
// attributes field.
type ResourceDescriptor struct {
	Owner             uuid.UUID
	ResourceType      uint32
	ResourceAttribute uint32
	PhysicalStart     uint64
	ResourceLength    uint64
	Attributes        uint64
}

// GUIDExtension is a guid-extension descriptor: an opaque, GUID-tagged
// payload. Known GUIDs (MemoryTypeInfoGUID, MemoryProtectionSettingsGUID)
// are decoded further by callers that recognize them; unrecognized GUIDs
// are preserved as raw Data.
type GUIDExtension struct {
	GUID uuid.UUID
	Data []byte
}

// MemoryTypeInfoEntry is one {memory-type, page-count} pair decoded from a
// GUIDExtension carrying MemoryTypeInfoGUID (spec.md section 4.2).
type MemoryTypeInfoEntry struct {
	MemoryType    uint32
	NumberOfPages uint32
}

// Entry is one decoded hand-off descriptor. At most one of the typed
// pointer fields is non-nil, selected by Kind (PhaseHandoff and EndOfList
// entries carry none); this mirrors the
// `fv.Section{Type, Data}` tagged-payload convention rather than an
// interface hierarchy (spec.md section 9, "capability set, no inheritance
// hierarchies", applied here to a closed set of payload shapes instead of
// function pointers, since there is no behavior to dispatch, only data to
// decode).
type Entry struct {
	Kind Kind

	Memory   *MemoryAllocation
	Module   *MemoryAllocationModule
	Volume   *FirmwareVolume
	Resource *ResourceDescriptor
	GUIDExt  *GUIDExtension
}
