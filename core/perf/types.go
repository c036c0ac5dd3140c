// Package perf implements the Firmware Basic Boot Performance Table (FBPT)
// and the common performance-record encoding shared by the DXE core and the
// management-mode bridge (spec.md sections 3, 4.8, 6). Grounded on
// crates/uefi_performance/src/performance_table.rs and
// crates/uefi_performance/src/performance_record/extended.rs.
package perf

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// ExtendedFirmwarePerformanceGUID keys the configuration table that
// publishes the FBPT's physical address (spec.md section 6,
// EDKII_FPDT_EXTENDED_FIRMWARE_PERFORMANCE).
var ExtendedFirmwarePerformanceGUID = uuid.MustParse("3b387bfd-7abc-4cf2-a0ca-b6a16c1b1b25")

// PerformanceProtocolGUID keys the performance-protocol property block
// configuration table (spec.md section 6).
var PerformanceProtocolGUID = uuid.MustParse("76b6bdfa-2acd-4462-9e3f-cb58c969d937")

// headerSize is the common 4-byte record header: type(2) + length(1) +
// revision(1) (spec.md section 3).
const headerSize = 4

// signature is the FBPT's 4-byte magic, "FBPT".
var signature = [4]byte{'F', 'B', 'P', 'T'}

// mandatoryRecordType/Revision identify the fixed data record every FBPT
// carries immediately after its own header (spec.md section 3).
const (
	mandatoryRecordType     uint16 = 2
	mandatoryRecordRevision uint8  = 2
	mandatoryDataSize              = 4 /* reserved */ + 5*8 /* five u64 checkpoints */
)

// PerformanceProperty is the {revision, reserved, frequency, start, end}
// block spec.md section 6 and the "Supplemented from original_source"
// section of SPEC_FULL.md describe, restored here with its exact
// little-endian wire shape rather than left as an opaque configuration
// table entry.
type PerformanceProperty struct {
	Revision  uint8
	Reserved  [3]byte
	Frequency uint64
	Start     uint64
	End       uint64
}

// Encode serializes p into its 1+3+8+8+8 = 28-byte wire form.
func (p PerformanceProperty) Encode() []byte {
	buf := make([]byte, 28)
	buf[0] = p.Revision
	copy(buf[1:4], p.Reserved[:])
	binary.LittleEndian.PutUint64(buf[4:12], p.Frequency)
	binary.LittleEndian.PutUint64(buf[12:20], p.Start)
	binary.LittleEndian.PutUint64(buf[20:28], p.End)
	return buf
}

// MandatoryData holds the fixed boot-performance checkpoints every FBPT
// carries (spec.md section 3): reset_end, os_loader_load_image_start,
// os_loader_start_image_start, exit_boot_services_entry,
// exit_boot_services_exit.
type MandatoryData struct {
	ResetEnd                uint64
	OSLoaderLoadImageStart  uint64
	OSLoaderStartImageStart uint64
	ExitBootServicesEntry   uint64
	ExitBootServicesExit    uint64
}

func (d MandatoryData) encode() []byte {
	buf := make([]byte, headerSize+mandatoryDataSize)
	binary.LittleEndian.PutUint16(buf[0:2], mandatoryRecordType)
	buf[2] = mandatoryDataSize + headerSize
	buf[3] = mandatoryRecordRevision
	// 4 reserved bytes at buf[4:8], left zero.
	binary.LittleEndian.PutUint64(buf[8:16], d.ResetEnd)
	binary.LittleEndian.PutUint64(buf[16:24], d.OSLoaderLoadImageStart)
	binary.LittleEndian.PutUint64(buf[24:32], d.OSLoaderStartImageStart)
	binary.LittleEndian.PutUint64(buf[32:40], d.ExitBootServicesEntry)
	binary.LittleEndian.PutUint64(buf[40:48], d.ExitBootServicesExit)
	return buf
}

// Record is a decoded or to-be-encoded performance record: the common
// header plus its raw payload bytes (spec.md section 3). Length is the
// record's total declared length, header included.
type Record struct {
	Type     uint16
	Length   uint8
	Revision uint8
	Data     []byte
}

// Encode serializes r as {type, length, revision, data}. Length is
// recomputed from len(Data) rather than trusted from the struct, so callers
// building a Record never need to keep the two in sync by hand.
func (r Record) Encode() []byte {
	length := headerSize + len(r.Data)
	buf := make([]byte, length)
	binary.LittleEndian.PutUint16(buf[0:2], r.Type)
	buf[2] = uint8(length)
	buf[3] = r.Revision
	copy(buf[4:], r.Data)
	return buf
}
