package hob

import (
	"encoding/binary"

	"dxecore/core"

	"github.com/google/uuid"
)

// headerSize is the on-wire hand-off descriptor header: kind, length, and a
// reserved field, each a little-endian u16 (6 bytes total). spec.md section
// 6 rounds this down to "a 4-byte header" in prose; the explicit field list
// in the same section is authoritative and does not fit in 4 bytes, so this
// package uses the structurally consistent 6-byte layout the field list
// implies.
const headerSize = 6

func readHeader(buf []byte) (kind Kind, length uint16, ok bool) {
	if len(buf) < headerSize {
		return 0, 0, false
	}
	kind = Kind(binary.LittleEndian.Uint16(buf[0:]))
	length = binary.LittleEndian.Uint16(buf[2:])
	return kind, length, true
}

func readUUID(buf []byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], buf)
	return u
}

// Parse walks the ordered hand-off descriptor list in buf and decodes every
// entry up to and including KindEndOfList. It mirrors core/fv.ParseVolume's
// typed-header walk: a fixed header read followed by a payload decode keyed
// on the header's type field.
func Parse(buf []byte) ([]Entry, error) {
	var entries []Entry
	for len(buf) > 0 {
		kind, length, ok := readHeader(buf)
		if !ok {
			return entries, core.NewError("hob", core.StatusBadBufferSize, "truncated hand-off descriptor header")
		}
		if int(length) < headerSize || int(length) > len(buf) {
			return entries, core.NewError("hob", core.StatusBadBufferSize, "hand-off descriptor length out of range")
		}
		payload := buf[headerSize:length]

		entry, err := decode(kind, payload)
		if err != nil {
			return entries, err
		}
		entries = append(entries, entry)

		if kind == KindEndOfList {
			break
		}
		buf = buf[length:]
	}
	return entries, nil
}

func decode(kind Kind, payload []byte) (Entry, error) {
	switch kind {
	case KindPhaseHandoff, KindEndOfList:
		return Entry{Kind: kind}, nil

	case KindMemoryAllocation:
		if len(payload) < 20 {
			return Entry{}, core.NewError("hob", core.StatusBadBufferSize, "memory-allocation descriptor too short")
		}
		return Entry{Kind: kind, Memory: &MemoryAllocation{
			Base:       binary.LittleEndian.Uint64(payload[0:]),
			Length:     binary.LittleEndian.Uint64(payload[8:]),
			MemoryType: binary.LittleEndian.Uint32(payload[16:]),
		}}, nil

	case KindMemoryAllocationModule:
		if len(payload) < 44 {
			return Entry{}, core.NewError("hob", core.StatusBadBufferSize, "memory-allocation-module descriptor too short")
		}
		return Entry{Kind: kind, Module: &MemoryAllocationModule{
			MemoryAllocation: MemoryAllocation{
				Base:       binary.LittleEndian.Uint64(payload[0:]),
				Length:     binary.LittleEndian.Uint64(payload[8:]),
				MemoryType: binary.LittleEndian.Uint32(payload[16:]),
			},
			ModuleName: readUUID(payload[20:36]),
			EntryPoint: binary.LittleEndian.Uint64(payload[36:]),
		}}, nil

	case KindFirmwareVolume:
		if len(payload) < 16 {
			return Entry{}, core.NewError("hob", core.StatusBadBufferSize, "firmware-volume descriptor too short")
		}
		return Entry{Kind: kind, Volume: &FirmwareVolume{
			Base:   binary.LittleEndian.Uint64(payload[0:]),
			Length: binary.LittleEndian.Uint64(payload[8:]),
		}}, nil

	case KindFirmwareVolume2, KindFirmwareVolume3:
		if len(payload) < 48 {
			return Entry{}, core.NewError("hob", core.StatusBadBufferSize, "firmware-volume2/3 descriptor too short")
		}
		return Entry{Kind: kind, Volume: &FirmwareVolume{
			Base:     binary.LittleEndian.Uint64(payload[0:]),
			Length:   binary.LittleEndian.Uint64(payload[8:]),
			FvName:   readUUID(payload[16:32]),
			FileName: readUUID(payload[32:48]),
		}}, nil

	case KindResourceDescriptor:
		if len(payload) < 40 {
			return Entry{}, core.NewError("hob", core.StatusBadBufferSize, "resource-descriptor descriptor too short")
		}
		return Entry{Kind: kind, Resource: &ResourceDescriptor{
			Owner:             readUUID(payload[0:16]),
			ResourceType:      binary.LittleEndian.Uint32(payload[16:]),
			ResourceAttribute: binary.LittleEndian.Uint32(payload[20:]),
			PhysicalStart:     binary.LittleEndian.Uint64(payload[24:]),
			ResourceLength:    binary.LittleEndian.Uint64(payload[32:]),
		}}, nil

	case KindResourceDescriptor2:
		if len(payload) < 48 {
			return Entry{}, core.NewError("hob", core.StatusBadBufferSize, "resource-descriptor2 descriptor too short")
		}
		return Entry{Kind: kind, Resource: &ResourceDescriptor{
			Owner:             readUUID(payload[0:16]),
			ResourceType:      binary.LittleEndian.Uint32(payload[16:]),
			ResourceAttribute: binary.LittleEndian.Uint32(payload[20:]),
			PhysicalStart:     binary.LittleEndian.Uint64(payload[24:]),
			ResourceLength:    binary.LittleEndian.Uint64(payload[32:]),
			Attributes:        binary.LittleEndian.Uint64(payload[40:]),
		}}, nil

	case KindGUIDExtension:
		if len(payload) < 16 {
			return Entry{}, core.NewError("hob", core.StatusBadBufferSize, "guid-extension descriptor too short")
		}
		data := append([]byte(nil), payload[16:]...)
		return Entry{Kind: kind, GUIDExt: &GUIDExtension{GUID: readUUID(payload[0:16]), Data: data}}, nil

	default:
		return Entry{}, core.NewError("hob", core.StatusUnsupported, "unrecognized hand-off descriptor kind")
	}
}

// DecodeMemoryTypeInfo decodes a GUIDExtension carrying MemoryTypeInfoGUID
// into its {memory-type, page-count} pairs (spec.md section 4.2).
func DecodeMemoryTypeInfo(ext *GUIDExtension) []MemoryTypeInfoEntry {
	var out []MemoryTypeInfoEntry
	data := ext.Data
	for len(data) >= 8 {
		out = append(out, MemoryTypeInfoEntry{
			MemoryType:    binary.LittleEndian.Uint32(data[0:]),
			NumberOfPages: binary.LittleEndian.Uint32(data[4:]),
		})
		data = data[8:]
	}
	return out
}
