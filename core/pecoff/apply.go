package pecoff

import "encoding/binary"

// ApplyRelocations rewrites every relocation entry in relocs within buf
// (which must already be addressed by RVA, i.e. the loaded image body) by
// adding delta to the value stored there. delta is the difference between
// the actual load address and the image's preferred ImageBase; the same
// function re-relocates a runtime image against its virtual base after
// SetVirtualAddressMap using the delta from the previous load address
// instead (spec.md section 4.5, "Virtual-address relocation").
func ApplyRelocations(buf []byte, relocs []Relocation, delta int64) error {
	for _, r := range relocs {
		switch r.Type {
		case relocDir64:
			end := uint64(r.RVA) + 8
			if end > uint64(len(buf)) {
				return unsupported("DIR64 relocation target out of range")
			}
			v := binary.LittleEndian.Uint64(buf[r.RVA:end])
			binary.LittleEndian.PutUint64(buf[r.RVA:end], uint64(int64(v)+delta))
		case relocHighLow:
			end := uint64(r.RVA) + 4
			if end > uint64(len(buf)) {
				return unsupported("HIGHLOW relocation target out of range")
			}
			v := binary.LittleEndian.Uint32(buf[r.RVA:end])
			binary.LittleEndian.PutUint32(buf[r.RVA:end], uint32(int64(v)+delta))
		default:
			return unsupported("unsupported relocation type")
		}
	}
	return nil
}
