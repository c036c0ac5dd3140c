package mem

import (
	"encoding/binary"
	"hash/crc32"

	"dxecore/core"
	"dxecore/core/gcd"
)

// kindType is the UEFI memory type unallocated GCD memory synthesizes to,
// keyed by the descriptor's GCD memory kind (spec.md section 4.2).
func kindType(d gcd.MemDescriptor) Type {
	switch d.Kind {
	case gcd.MemSystemMemory:
		return TypeConventionalMemory
	case gcd.MemMemoryMappedIo:
		return TypeMemoryMappedIO
	case gcd.MemReserved, gcd.MemNonExistent:
		return TypeReserved
	case gcd.MemPersistent:
		return TypePersistentMemory
	default:
		return TypeUnusableMemory
	}
}

// mapEntrySize is the serialized size of one memory-map entry, the
// EFI_MEMORY_DESCRIPTOR layout: Type(4) + pad(4) + PhysicalStart(8) +
// VirtualStart(8) + NumberOfPages(8) + Attribute(8).
const mapEntrySize = 40

// encodeMemoryMap serializes entries into the little-endian
// EFI_MEMORY_DESCRIPTOR wire layout. The map key is the CRC-32 of exactly
// these bytes (spec.md section 4.2), so two maps with identical content
// always carry identical keys, however the allocator arrived at them.
func encodeMemoryMap(entries []MemoryMapEntry) []byte {
	buf := make([]byte, len(entries)*mapEntrySize)
	for i, e := range entries {
		off := i * mapEntrySize
		binary.LittleEndian.PutUint32(buf[off:], uint32(e.Type))
		binary.LittleEndian.PutUint64(buf[off+8:], e.PhysicalStart)
		// VirtualStart at off+16 stays zero until SetVirtualAddressMap.
		binary.LittleEndian.PutUint64(buf[off+24:], e.NumberOfPages)
		binary.LittleEndian.PutUint64(buf[off+32:], uint64(e.Attribute))
	}
	return buf
}

// GetMemoryMap returns the current coalesced UEFI memory map and an opaque
// map key. TerminateMemoryMap must be called with that same key before the
// map it describes can be trusted to still be accurate (spec.md section
// 4.2, "GetMemoryMap / TerminateMemoryMap").
func (a *Allocator) GetMemoryMap() ([]MemoryMapEntry, uint32) {
	a.mu.Acquire()
	defer a.mu.Release()
	return a.memoryMapLocked()
}

func (a *Allocator) memoryMapLocked() ([]MemoryMapEntry, uint32) {
	var raw []MemoryMapEntry
	a.g.IterateDescriptors(func(d gcd.MemDescriptor) bool {
		t := kindType(d)
		if d.Owner.Allocated {
			if owned, ok := a.typeOf(d.Base); ok {
				t = owned
			}
		}
		attr := d.Attributes
		if t.IsRuntime() {
			attr |= gcd.AttrRuntime
		}
		raw = append(raw, MemoryMapEntry{
			Type:          t,
			PhysicalStart: d.Base,
			NumberOfPages: d.Length / core.PageSize,
			Attribute:     attr,
		})
		return true
	})

	var entries []MemoryMapEntry
	for _, e := range raw {
		if n := len(entries); n > 0 {
			prev := &entries[n-1]
			if prev.PhysicalStart+prev.NumberOfPages*core.PageSize == e.PhysicalStart && prev.sameAs(e) {
				prev.NumberOfPages += e.NumberOfPages
				continue
			}
		}
		entries = append(entries, e)
	}

	return entries, crc32.ChecksumIEEE(encodeMemoryMap(entries))
}

// TerminateMemoryMap validates that the map's content is unchanged since
// the caller last observed mapKey via GetMemoryMap, by recomputing the key
// and comparing. It returns InvalidParameter if the map has since changed
// (spec.md section 8, "Memory-map key invalidation"); mutations that leave
// the map byte-identical, such as an allocate/free round trip, leave the
// key valid.
func (a *Allocator) TerminateMemoryMap(mapKey uint32) error {
	a.mu.Acquire()
	defer a.mu.Release()

	if _, key := a.memoryMapLocked(); mapKey != key {
		return core.NewError("mem", core.StatusInvalidParameter, "memory map key is stale")
	}
	return nil
}
