// Package fv implements the Firmware Volume read path: parsing a
// memory-mapped firmware image into its files and sections, and installing
// the firmware-volume / firmware-volume-block protocols on a fresh handle
// per volume discovered (spec.md section 4.6). Grounded on dxe_core/src/fv.rs
// for the file/section content model; the on-disk layout itself is a
// simplified wire format (plain uint32 sizes rather than the real PI spec's
// packed 3-byte size fields) since spec.md does not pin an exact byte layout
// for FVs the way it does for PE/COFF and the FBPT.
package fv

import "dxecore/core/mem"

// FileType classifies a firmware volume file, using the real PI FFS file
// type values for texture even though the surrounding container format is
// simplified.
type FileType uint8

const (
	FileTypeRaw                FileType = 0x01
	FileTypeFreeform           FileType = 0x02
	FileTypeSecurityCore       FileType = 0x03
	FileTypePEICore            FileType = 0x04
	FileTypeDXECore            FileType = 0x05
	FileTypePEIM               FileType = 0x06
	FileTypeDriver             FileType = 0x07
	FileTypeCombinedPEIMDriver FileType = 0x08
	FileTypeApplication        FileType = 0x09
	FileTypePad                FileType = 0xF0
)

// SectionType classifies a file section, using the real PI section type
// values.
type SectionType uint8

// SectionAll matches any section type in ReadSection's type filter.
const SectionAll SectionType = 0x00

const (
	SectionCompression         SectionType = 0x01
	SectionGUIDDefined         SectionType = 0x02
	SectionPE32                SectionType = 0x10
	SectionPIC                 SectionType = 0x11
	SectionDXEDepex            SectionType = 0x13
	SectionUserInterface       SectionType = 0x15
	SectionFirmwareVolumeImage SectionType = 0x17
	SectionRaw                 SectionType = 0x19
)

// Section is one decoded section within a file.
type Section struct {
	Type SectionType
	Data []byte
}

// File is one decoded file within a volume.
type File struct {
	GUID       [16]byte
	Type       FileType
	Attributes uint8
	Sections   []Section
}

// Volume is a parsed firmware volume: its load address, declared length,
// and file list. Section data slices alias the bytes the volume was parsed
// from, so section extraction never needs to re-read the backing media.
type Volume struct {
	Base   uint64
	Length uint64
	Files  []File
}

// MemoryType returns the UEFI memory type a volume's own backing pages
// should be tracked as (read-only firmware, never an allocator target).
func (v *Volume) MemoryType() mem.Type {
	return mem.TypeReserved
}

// SectionExtractor is a capability set for decoding encapsulation sections
// (GUID_DEFINED, FIRMWARE_VOLUME_IMAGE) into a bare section stream. Modeled
// as a struct of function values rather than an interface, per spec.md
// section 9's "dynamic dispatch as capability sets, registered at init, no
// inheritance hierarchies."
type SectionExtractor struct {
	// Extract decodes the payload of an encapsulation section of the given
	// type into the section stream it encloses.
	Extract func(sectionType SectionType, payload []byte) ([]byte, error)
}
