package perf

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// The record-type IDs for the extended performance record variants spec.md
// section 3 names, matching
// crates/uefi_performance/src/performance_record/extended.rs's TYPE
// constants.
const (
	TypeGuidEvent            uint16 = 0x1010
	TypeDynamicStringEvent   uint16 = 0x1011
	TypeDualGuidStringEvent  uint16 = 0x1012
	TypeGuidQwordEvent       uint16 = 0x1013
	TypeGuidQwordStringEvent uint16 = 0x1014
)

const extendedRevision uint8 = 1

// encodeCommon writes the progress_id/acpi_id/timestamp triple every
// extended record variant leads with.
func encodeCommon(buf []byte, progressID uint16, acpiID uint32, timestamp uint64) {
	binary.LittleEndian.PutUint16(buf[0:2], progressID)
	binary.LittleEndian.PutUint32(buf[2:6], acpiID)
	binary.LittleEndian.PutUint64(buf[6:14], timestamp)
}

const commonFieldsSize = 2 + 4 + 8

// GuidEvent builds a GUID-only event record (type 0x1010): progress_id,
// acpi_id, timestamp, guid.
func GuidEvent(progressID uint16, acpiID uint32, timestamp uint64, guid uuid.UUID) Record {
	data := make([]byte, commonFieldsSize+16)
	encodeCommon(data, progressID, acpiID, timestamp)
	copy(data[commonFieldsSize:], guid[:])
	return Record{Type: TypeGuidEvent, Revision: extendedRevision, Data: data}
}

// DynamicStringEvent builds a GUID+string event record (type 0x1011):
// progress_id, acpi_id, timestamp, guid, NUL-terminated string.
func DynamicStringEvent(progressID uint16, acpiID uint32, timestamp uint64, guid uuid.UUID, s string) Record {
	data := make([]byte, commonFieldsSize+16+len(s)+1)
	encodeCommon(data, progressID, acpiID, timestamp)
	off := commonFieldsSize
	copy(data[off:off+16], guid[:])
	off += 16
	copy(data[off:], s)
	// final byte left zero: the NUL terminator.
	return Record{Type: TypeDynamicStringEvent, Revision: extendedRevision, Data: data}
}

// DualGuidStringEvent builds a dual-GUID+string event record (type 0x1012):
// progress_id, acpi_id, timestamp, guid1, guid2, NUL-terminated string.
func DualGuidStringEvent(progressID uint16, acpiID uint32, timestamp uint64, guid1, guid2 uuid.UUID, s string) Record {
	data := make([]byte, commonFieldsSize+32+len(s)+1)
	encodeCommon(data, progressID, acpiID, timestamp)
	off := commonFieldsSize
	copy(data[off:off+16], guid1[:])
	off += 16
	copy(data[off:off+16], guid2[:])
	off += 16
	copy(data[off:], s)
	return Record{Type: TypeDualGuidStringEvent, Revision: extendedRevision, Data: data}
}

// GuidQwordEvent builds a GUID+qword event record (type 0x1013): progress_id,
// acpi_id, timestamp, guid, qword.
func GuidQwordEvent(progressID uint16, acpiID uint32, timestamp uint64, guid uuid.UUID, qword uint64) Record {
	data := make([]byte, commonFieldsSize+16+8)
	encodeCommon(data, progressID, acpiID, timestamp)
	off := commonFieldsSize
	copy(data[off:off+16], guid[:])
	off += 16
	binary.LittleEndian.PutUint64(data[off:off+8], qword)
	return Record{Type: TypeGuidQwordEvent, Revision: extendedRevision, Data: data}
}

// GuidQwordStringEvent builds a GUID+qword+string event record (type
// 0x1014): progress_id, acpi_id, timestamp, guid, qword, NUL-terminated
// string.
func GuidQwordStringEvent(progressID uint16, acpiID uint32, timestamp uint64, guid uuid.UUID, qword uint64, s string) Record {
	data := make([]byte, commonFieldsSize+16+8+len(s)+1)
	encodeCommon(data, progressID, acpiID, timestamp)
	off := commonFieldsSize
	copy(data[off:off+16], guid[:])
	off += 16
	binary.LittleEndian.PutUint64(data[off:off+8], qword)
	off += 8
	copy(data[off:], s)
	return Record{Type: TypeGuidQwordStringEvent, Revision: extendedRevision, Data: data}
}
