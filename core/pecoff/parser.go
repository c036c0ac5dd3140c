package pecoff

import "encoding/binary"

const (
	coffHeaderSize       = 20
	optionalHeaderMinLen = 112
	sectionHeaderSize    = 40
	peMagic32Plus        = 0x20b
)

func unsupported(msg string) error {
	return errUnsupported{msg}
}

type errUnsupported struct{ msg string }

func (e errUnsupported) Error() string { return "pecoff: " + e.msg }

// Parse reads a PE32+ image's headers and base relocation directory out of
// data without copying the image body. Every failure is a parse-layer
// error; callers map it to UEFI Unsupported (spec.md section 7).
func Parse(data []byte) (*Image, error) {
	if len(data) < 0x40 {
		return nil, unsupported("buffer too small for a DOS header")
	}
	lfanew := binary.LittleEndian.Uint32(data[0x3C:0x40])
	peOff := uint64(lfanew)
	if peOff+24 > uint64(len(data)) {
		return nil, unsupported("PE header offset out of range")
	}
	if string(data[peOff:peOff+4]) != "PE\x00\x00" {
		return nil, unsupported("missing PE signature")
	}

	coffOff := peOff + 4
	machine := binary.LittleEndian.Uint16(data[coffOff : coffOff+2])
	numSections := binary.LittleEndian.Uint16(data[coffOff+2 : coffOff+4])
	sizeOfOptionalHeader := binary.LittleEndian.Uint16(data[coffOff+16 : coffOff+18])
	if sizeOfOptionalHeader < optionalHeaderMinLen {
		return nil, unsupported("optional header too small")
	}

	optOff := coffOff + coffHeaderSize
	if optOff+uint64(sizeOfOptionalHeader) > uint64(len(data)) {
		return nil, unsupported("optional header out of range")
	}
	magic := binary.LittleEndian.Uint16(data[optOff : optOff+2])
	if magic != peMagic32Plus {
		return nil, unsupported("only PE32+ images are supported")
	}

	img := &Image{
		Machine:             machine,
		AddressOfEntryPoint: binary.LittleEndian.Uint32(data[optOff+16 : optOff+20]),
		ImageBase:           binary.LittleEndian.Uint64(data[optOff+24 : optOff+32]),
		SectionAlignment:    binary.LittleEndian.Uint32(data[optOff+32 : optOff+36]),
		FileAlignment:       binary.LittleEndian.Uint32(data[optOff+36 : optOff+40]),
		SizeOfImage:         binary.LittleEndian.Uint32(data[optOff+56 : optOff+60]),
		SizeOfHeaders:       binary.LittleEndian.Uint32(data[optOff+60 : optOff+64]),
		Subsystem:           Subsystem(binary.LittleEndian.Uint16(data[optOff+68 : optOff+70])),
	}
	switch img.Subsystem {
	case SubsystemEFIApplication, SubsystemEFIBootServiceDrv, SubsystemEFIRuntimeDrv:
	default:
		return nil, unsupported("image subsystem is not an EFI application or driver")
	}

	numRvaAndSizes := binary.LittleEndian.Uint32(data[optOff+108 : optOff+112])
	var baseRelocRVA, baseRelocSize uint32
	if numRvaAndSizes > 5 {
		dirOff := optOff + 112 + 5*8
		if dirOff+8 <= uint64(len(data)) {
			baseRelocRVA = binary.LittleEndian.Uint32(data[dirOff : dirOff+4])
			baseRelocSize = binary.LittleEndian.Uint32(data[dirOff+4 : dirOff+8])
		}
	}

	sectOff := optOff + uint64(sizeOfOptionalHeader)
	for i := uint16(0); i < numSections; i++ {
		base := sectOff + uint64(i)*sectionHeaderSize
		if base+sectionHeaderSize > uint64(len(data)) {
			return nil, unsupported("section table out of range")
		}
		name := data[base : base+8]
		n := 0
		for n < 8 && name[n] != 0 {
			n++
		}
		img.Sections = append(img.Sections, Section{
			Name:            string(name[:n]),
			VirtualSize:     binary.LittleEndian.Uint32(data[base+8 : base+12]),
			VirtualAddress:  binary.LittleEndian.Uint32(data[base+12 : base+16]),
			RawSize:         binary.LittleEndian.Uint32(data[base+16 : base+20]),
			RawOffset:       binary.LittleEndian.Uint32(data[base+20 : base+24]),
			Characteristics: binary.LittleEndian.Uint32(data[base+36 : base+40]),
		})
	}

	if baseRelocSize > 0 {
		relocs, err := parseRelocations(data, img, baseRelocRVA, baseRelocSize)
		if err != nil {
			return nil, err
		}
		img.Relocations = relocs
	}

	return img, nil
}

// rvaToFileOffset maps a relative virtual address to a file offset using
// the covering section's raw-data mapping.
func rvaToFileOffset(img *Image, rva uint32) (uint32, bool) {
	for _, s := range img.Sections {
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.VirtualSize {
			return s.RawOffset + (rva - s.VirtualAddress), true
		}
	}
	if rva < img.SizeOfHeaders {
		return rva, true
	}
	return 0, false
}

func parseRelocations(data []byte, img *Image, rva, size uint32) ([]Relocation, error) {
	off, ok := rvaToFileOffset(img, rva)
	if !ok {
		return nil, unsupported("base relocation directory RVA has no covering section")
	}
	end := uint64(off) + uint64(size)
	if end > uint64(len(data)) {
		return nil, unsupported("base relocation directory extends past the image buffer")
	}

	var out []Relocation
	cursor := uint64(off)
	for cursor < end {
		if cursor+8 > end {
			return nil, unsupported("truncated base relocation block header")
		}
		pageRVA := binary.LittleEndian.Uint32(data[cursor : cursor+4])
		blockSize := binary.LittleEndian.Uint32(data[cursor+4 : cursor+8])
		if blockSize < 8 || cursor+uint64(blockSize) > end {
			return nil, unsupported("malformed base relocation block size")
		}
		entries := (blockSize - 8) / 2
		for i := uint32(0); i < entries; i++ {
			entryOff := cursor + 8 + uint64(i)*2
			raw := binary.LittleEndian.Uint16(data[entryOff : entryOff+2])
			typ := raw >> 12
			inPage := uint32(raw & 0x0FFF)
			if typ == relocAbsolute {
				continue
			}
			out = append(out, Relocation{RVA: pageRVA + inPage, Type: typ})
		}
		cursor += uint64(blockSize)
	}
	return out, nil
}
