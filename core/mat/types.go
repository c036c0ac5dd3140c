// Package mat implements the Memory Attributes Table: a filtered,
// runtime-memory-only view of the GCD's memory map installed as a
// configuration table and regenerated on every subsequent runtime-memory
// page change (spec.md section 4.7). Grounded on
// dxe_core/src/memory_attributes_table.rs.
package mat

import (
	"encoding/binary"

	"dxecore/core/gcd"
	"dxecore/core/mem"

	"github.com/google/uuid"
)

// GUID is EFI_MEMORY_ATTRIBUTES_TABLE_GUID.
var GUID = uuid.MustParse("dcfa911d-26eb-469f-a220-38b7dc461220")

// Version is the table format version this package produces.
const Version uint32 = 2

// entrySize is the encoded size of one Entry, matching the real
// EFI_MEMORY_DESCRIPTOR layout: Type(4) + pad(4) + PhysicalStart(8) +
// VirtualStart(8) + NumberOfPages(8) + Attribute(8).
const entrySize = 40

// Entry is one row of the Memory Attributes Table.
type Entry struct {
	Type          mem.Type
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     gcd.Attr
}

func (e Entry) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(e.Type))
	binary.LittleEndian.PutUint64(buf[8:16], e.PhysicalStart)
	binary.LittleEndian.PutUint64(buf[16:24], e.VirtualStart)
	binary.LittleEndian.PutUint64(buf[24:32], e.NumberOfPages)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(e.Attribute))
}

// Table is a decoded Memory Attributes Table.
type Table struct {
	Version         uint32
	NumberOfEntries uint32
	DescriptorSize  uint32
	Reserved        uint32
	Entries         []Entry
}

// Encode serializes t into its wire form: a fixed 16-byte header followed by
// NumberOfEntries fixed-size descriptors.
func (t *Table) Encode() []byte {
	buf := make([]byte, 16+len(t.Entries)*entrySize)
	binary.LittleEndian.PutUint32(buf[0:4], t.Version)
	binary.LittleEndian.PutUint32(buf[4:8], t.NumberOfEntries)
	binary.LittleEndian.PutUint32(buf[8:12], t.DescriptorSize)
	binary.LittleEndian.PutUint32(buf[12:16], t.Reserved)
	for i, e := range t.Entries {
		e.encode(buf[16+i*entrySize : 16+(i+1)*entrySize])
	}
	return buf
}
