package perf

import (
	"encoding/binary"

	"dxecore/core"
)

// FBPT is the in-memory Firmware Basic Boot Performance Table: a signature,
// a length, the mandatory checkpoint data record, and a sequence of
// appended performance records (spec.md section 3). Once published via
// Report, the table lives at a fixed physical address and may only grow
// in-place within the extra space reserved at publish time (spec.md section
// 3, "may grow in-place by appending records up to a pre-reserved extra-
// space allowance").
type FBPT struct {
	Mandatory MandatoryData
	records   []Record

	address    core.Address
	extraSpace uint64
	reported   bool
}

// NewFBPT returns an empty FBPT with no records and no mandatory
// checkpoints set.
func NewFBPT() *FBPT {
	return &FBPT{}
}

// SetMandatory overwrites the table's mandatory checkpoint data record.
func (f *FBPT) SetMandatory(d MandatoryData) {
	f.Mandatory = d
}

// Append adds rec to the table. Before Report, growth is unbounded; after
// Report, Append fails with OutOfResources once the reserved extra-space
// allowance is exhausted (SPEC_FULL.md, "FBPT in-place growth accounting":
// dxe_core tracks a reserved extra-space allowance separate from the
// table's current length precisely so this check can be made without a
// fresh allocation).
func (f *FBPT) Append(rec Record) error {
	if f.reported {
		need := uint64(len(rec.Encode()))
		if need > f.extraSpace {
			return core.NewError("perf", core.StatusOutOfResources,
				"FBPT extra-space allowance exhausted, cannot grow published table in place")
		}
		f.extraSpace -= need
	}
	f.records = append(f.records, rec)
	return nil
}

// Records returns every record appended so far, in append order.
func (f *FBPT) Records() []Record {
	return f.records
}

// emptyTableSize is the size of the table with zero appended records:
// signature(4) + length(4) + the mandatory record's own header+payload.
const emptyTableSize = 4 + 4 + headerSize + mandatoryDataSize

// Size returns the table's current encoded size, including every appended
// record.
func (f *FBPT) Size() uint64 {
	size := uint64(emptyTableSize)
	for _, r := range f.records {
		size += uint64(headerSize + len(r.Data))
	}
	return size
}

// Encode serializes the table's current contents: signature, length,
// mandatory data record, then every appended record in order.
func (f *FBPT) Encode() []byte {
	buf := make([]byte, 0, f.Size())
	buf = append(buf, signature[:]...)
	lengthOff := len(buf)
	buf = append(buf, 0, 0, 0, 0)
	buf = append(buf, f.Mandatory.encode()...)
	for _, r := range f.records {
		buf = append(buf, r.Encode()...)
	}
	binary.LittleEndian.PutUint32(buf[lengthOff:lengthOff+4], uint32(len(buf)))
	return buf
}

// Report marks the table published at address with extraSpace additional
// bytes reserved beyond its current encoded size, and returns the
// allocation size the caller should reserve (current size plus
// extraSpace), rounded up to whole pages. After Report, Append enforces the
// extra-space cap (spec.md section 3).
func (f *FBPT) Report(address core.Address, extraSpace uint64) uint64 {
	f.address = address
	f.extraSpace = extraSpace
	f.reported = true
	total := f.Size() + extraSpace
	pages := (total + core.PageSize - 1) / core.PageSize
	return pages * core.PageSize
}

// Address returns the table's published physical address, or zero if it
// has not been reported yet.
func (f *FBPT) Address() core.Address {
	return f.address
}
