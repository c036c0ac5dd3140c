package fv

import (
	"encoding/binary"
	"testing"

	"dxecore/core/protocol"
)

// appendSection appends a section header + payload to buf and returns the
// extended slice.
func appendSection(buf []byte, typ SectionType, payload []byte) []byte {
	hdr := make([]byte, sectionHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(sectionHeaderSize+len(payload)))
	hdr[4] = byte(typ)
	buf = append(buf, hdr...)
	buf = append(buf, payload...)
	return buf
}

// appendFile appends a file header + its already-encoded section stream to
// buf and returns the extended slice.
func appendFile(buf []byte, guid [16]byte, typ FileType, sections []byte) []byte {
	hdr := make([]byte, fileHeaderSize)
	copy(hdr[0:16], guid[:])
	hdr[16] = byte(typ)
	binary.LittleEndian.PutUint32(hdr[18:22], uint32(fileHeaderSize+len(sections)))
	buf = append(buf, hdr...)
	buf = append(buf, sections...)
	return buf
}

func buildTestVolume(t *testing.T) []byte {
	t.Helper()

	depex := appendSection(nil, SectionDXEDepex, []byte{0x06}) // TRUE opcode only
	pe32 := appendSection(nil, SectionPE32, []byte("fake-pe-bytes"))
	sections := append(depex, pe32...)

	var guid [16]byte
	guid[0] = 0xAA

	buf := make([]byte, volumeHeaderSize)
	copy(buf[0:4], volumeSignature[:])
	buf = appendFile(buf, guid, FileTypeDriver, sections)

	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(buf)))
	return buf
}

func TestParseVolumeFindsDriverFileAndSections(t *testing.T) {
	data := buildTestVolume(t)
	v, err := ParseVolume(0x1000, data)
	if err != nil {
		t.Fatalf("ParseVolume: %v", err)
	}
	if v.Base != 0x1000 {
		t.Fatalf("Base = %#x; want 0x1000", v.Base)
	}

	drivers := v.FindFiles(FileTypeDriver)
	if len(drivers) != 1 {
		t.Fatalf("len(drivers) = %d; want 1", len(drivers))
	}

	depex, err := drivers[0].ReadSection(SectionDXEDepex, 0, nil)
	if err != nil {
		t.Fatalf("ReadSection(DXEDepex): %v", err)
	}
	if len(depex) != 1 || depex[0] != 0x06 {
		t.Fatalf("depex payload = %v; want [0x06]", depex)
	}

	pe, err := drivers[0].ReadSection(SectionPE32, 0, nil)
	if err != nil {
		t.Fatalf("ReadSection(PE32): %v", err)
	}
	if string(pe) != "fake-pe-bytes" {
		t.Fatalf("pe32 payload = %q; want %q", pe, "fake-pe-bytes")
	}
}

func TestParseVolumeRejectsBadSignature(t *testing.T) {
	data := buildTestVolume(t)
	data[0] = 'X'
	if _, err := ParseVolume(0, data); err == nil {
		t.Fatal("expected an error for a bad volume signature")
	}
}

func TestParseVolumeRejectsTruncatedFile(t *testing.T) {
	data := buildTestVolume(t)
	truncated := data[:len(data)-4]
	binary.LittleEndian.PutUint32(truncated[4:8], uint32(len(truncated)+4))
	if _, err := ParseVolume(0, truncated); err == nil {
		t.Fatal("expected an error for a truncated file")
	}
}

func TestReadSectionUsesExtractorForEncapsulation(t *testing.T) {
	inner := appendSection(nil, SectionRaw, []byte("inner-payload"))
	wrapped := appendSection(nil, SectionGUIDDefined, []byte("opaque-wrapper-bytes"))

	var guid [16]byte
	guid[0] = 0xBB
	buf := make([]byte, volumeHeaderSize)
	copy(buf[0:4], volumeSignature[:])
	buf = appendFile(buf, guid, FileTypeDriver, wrapped)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(buf)))

	v, err := ParseVolume(0, buf)
	if err != nil {
		t.Fatalf("ParseVolume: %v", err)
	}

	extractor := &SectionExtractor{
		Extract: func(sectionType SectionType, payload []byte) ([]byte, error) {
			return inner, nil
		},
	}

	data, err := v.Files[0].ReadSection(SectionRaw, 0, extractor)
	if err != nil {
		t.Fatalf("ReadSection with extractor: %v", err)
	}
	if string(data) != "inner-payload" {
		t.Fatalf("data = %q; want %q", data, "inner-payload")
	}
}

func TestManagerInstallsVolumeProtocols(t *testing.T) {
	data := buildTestVolume(t)
	protocols := protocol.New()
	m := NewManager(protocols)

	v, handle, err := m.AddVolume(0x2000, data)
	if err != nil {
		t.Fatalf("AddVolume: %v", err)
	}
	if v.Base != 0x2000 {
		t.Fatalf("Base = %#x; want 0x2000", v.Base)
	}

	if _, err := protocols.GetInterface(handle, FirmwareVolume2ProtocolGUID); err != nil {
		t.Fatalf("GetInterface(FirmwareVolume2): %v", err)
	}
	if _, err := protocols.GetInterface(handle, FirmwareVolumeBlock2ProtocolGUID); err != nil {
		t.Fatalf("GetInterface(FirmwareVolumeBlock2): %v", err)
	}
	if _, err := protocols.GetInterface(handle, protocol.DevicePathGUID); err != nil {
		t.Fatalf("GetInterface(DevicePath): %v", err)
	}

	if len(m.Volumes()) != 1 {
		t.Fatalf("len(Volumes()) = %d; want 1", len(m.Volumes()))
	}
}
