package fv

import (
	"encoding/binary"

	"dxecore/core"
)

// header sizes for the simplified wire format this package parses. The real
// PI firmware volume format packs file and section sizes into 24-bit fields
// shared with a type byte; no firmware-volume example exists anywhere in the
// retrieval pack to ground that packed layout against, so this format uses
// plain fixed-width fields instead, documented here rather than silently
// diverging from the PI spec's bit layout.
const (
	volumeHeaderSize  = 8  // "_FVH" signature + uint32 length
	fileHeaderSize    = 24 // GUID(16) + Type(1) + Attributes(1) + Size(4) + pad(2)
	sectionHeaderSize = 8  // Size(4) + Type(1) + pad(3)
)

var volumeSignature = [4]byte{'_', 'F', 'V', 'H'}

// ParseVolume walks a firmware volume image and returns its decoded files.
// base is the volume's load address, recorded on the returned Volume for
// device-path / protocol installation purposes.
func ParseVolume(base uint64, data []byte) (*Volume, error) {
	if len(data) < volumeHeaderSize {
		return nil, core.NewError("fv", core.StatusVolumeCorrupted, "volume shorter than header")
	}
	if [4]byte(data[0:4]) != volumeSignature {
		return nil, core.NewError("fv", core.StatusVolumeCorrupted, "bad firmware volume signature")
	}
	length := binary.LittleEndian.Uint32(data[4:8])
	if uint64(length) > uint64(len(data)) {
		return nil, core.NewError("fv", core.StatusVolumeCorrupted, "declared volume length exceeds buffer")
	}

	v := &Volume{Base: base, Length: uint64(length)}
	off := volumeHeaderSize
	for off < int(length) {
		if off+fileHeaderSize > int(length) {
			return nil, core.NewError("fv", core.StatusVolumeCorrupted, "truncated file header")
		}
		var f File
		copy(f.GUID[:], data[off:off+16])
		f.Type = FileType(data[off+16])
		f.Attributes = data[off+17]
		size := binary.LittleEndian.Uint32(data[off+18 : off+22])
		fileEnd := off + int(size) // size counts the file header too
		off += fileHeaderSize

		if size < fileHeaderSize || fileEnd > int(length) {
			return nil, core.NewError("fv", core.StatusVolumeCorrupted, "file size out of bounds")
		}
		if f.Type == FileTypePad {
			off = fileEnd
			continue
		}
		secEnd := fileEnd
		secOff := off
		for secOff < secEnd {
			if secOff+sectionHeaderSize > secEnd {
				return nil, core.NewError("fv", core.StatusVolumeCorrupted, "truncated section header")
			}
			secSize := binary.LittleEndian.Uint32(data[secOff : secOff+4])
			secType := SectionType(data[secOff+4])
			secOff += sectionHeaderSize
			if secSize < sectionHeaderSize || secOff+int(secSize)-sectionHeaderSize > secEnd {
				return nil, core.NewError("fv", core.StatusVolumeCorrupted, "section size out of bounds")
			}
			payloadLen := int(secSize) - sectionHeaderSize
			f.Sections = append(f.Sections, Section{Type: secType, Data: data[secOff : secOff+payloadLen]})
			secOff += payloadLen
		}

		v.Files = append(v.Files, f)
		off = fileEnd
	}
	return v, nil
}

// FindFiles returns every file in v of the given type, in volume order.
func (v *Volume) FindFiles(t FileType) []*File {
	var out []*File
	for i := range v.Files {
		if v.Files[i].Type == t {
			out = append(out, &v.Files[i])
		}
	}
	return out
}

// ReadSection returns the data of the instanceIndex'th (zero-based) section
// of type t in f, counting sections of any type if t is SectionAll. An extractor, if
// non-nil, is consulted for encapsulation sections (GUID_DEFINED,
// FIRMWARE_VOLUME_IMAGE) whose type does not match t directly, letting a
// caller search inside a compressed or GUID-defined wrapper without this
// package knowing any particular encapsulation format (spec.md section 9,
// "capability set, no inheritance hierarchies").
func (f *File) ReadSection(t SectionType, instanceIndex int, extractor *SectionExtractor) ([]byte, error) {
	n := 0
	for _, s := range f.Sections {
		if t == SectionAll || s.Type == t {
			if n == instanceIndex {
				return s.Data, nil
			}
			n++
		}
		if extractor != nil && (s.Type == SectionGUIDDefined || s.Type == SectionFirmwareVolumeImage) {
			extracted, err := extractor.Extract(s.Type, s.Data)
			if err != nil {
				continue
			}
			inner, err := ParseSections(extracted)
			if err != nil {
				continue
			}
			for _, is := range inner {
				if t == SectionAll || is.Type == t {
					if n == instanceIndex {
						return is.Data, nil
					}
					n++
				}
			}
		}
	}
	return nil, core.NewError("fv", core.StatusNotFound, "no matching section instance")
}

// ParseSections decodes a bare, header-prefixed section stream such as the
// payload an encapsulation section's extractor produces. It reuses the same
// section header layout ParseVolume walks within a file.
func ParseSections(data []byte) ([]Section, error) {
	var out []Section
	off := 0
	for off < len(data) {
		if off+sectionHeaderSize > len(data) {
			return nil, core.NewError("fv", core.StatusVolumeCorrupted, "truncated section header")
		}
		size := binary.LittleEndian.Uint32(data[off : off+4])
		typ := SectionType(data[off+4])
		off += sectionHeaderSize
		if size < sectionHeaderSize || off+int(size)-sectionHeaderSize > len(data) {
			return nil, core.NewError("fv", core.StatusVolumeCorrupted, "section size out of bounds")
		}
		payloadLen := int(size) - sectionHeaderSize
		out = append(out, Section{Type: typ, Data: data[off : off+payloadLen]})
		off += payloadLen
	}
	return out, nil
}
