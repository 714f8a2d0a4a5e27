package proc

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	dosMagic       = 0x5a4d // MZ
	dosLfanewOff   = 0x3c
	peSignature    = 0x00004550 // PE\0\0
	maxLfanew      = 0x1000
	exportNameOff  = 12
	exportDirEntry = pe.IMAGE_DIRECTORY_ENTRY_EXPORT
)

var errBadImage = errors.New("not a PE image")

// imageHeader is the part of an in-memory PE header the debugger uses.
type imageHeader struct {
	Machine       uint16
	SizeOfImage   uint32
	EntryRVA      uint32
	ExportDirRVA  uint32
	ExportDirSize uint32
}

// readImageHeader parses the PE headers of the image mapped at base.
func (s *Session) readImageHeader(p *Process, base uint64) (*imageHeader, error) {
	dos, err := s.readMemory(p, base, dosLfanewOff+4)
	if err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint16(dos) != dosMagic {
		return nil, errBadImage
	}
	lfanew := binary.LittleEndian.Uint32(dos[dosLfanewOff:])
	if lfanew > maxLfanew {
		return nil, fmt.Errorf("%w: e_lfanew %#x out of range", errBadImage, lfanew)
	}

	hdrSize := 4 + binary.Size(pe.FileHeader{}) + binary.Size(pe.OptionalHeader64{})
	buf, err := s.readMemory(p, base+uint64(lfanew), hdrSize)
	if err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(buf) != peSignature {
		return nil, errBadImage
	}
	r := bytes.NewReader(buf[4:])
	var fh pe.FileHeader
	if err := binary.Read(r, binary.LittleEndian, &fh); err != nil {
		return nil, err
	}

	var magic uint16
	if err := binary.Read(bytes.NewReader(buf[4+binary.Size(fh):]), binary.LittleEndian, &magic); err != nil {
		return nil, err
	}

	hdr := &imageHeader{Machine: fh.Machine}
	var dirs []pe.DataDirectory
	var ndirs uint32
	switch magic {
	case 0x10b:
		var oh pe.OptionalHeader32
		if err := binary.Read(r, binary.LittleEndian, &oh); err != nil {
			return nil, err
		}
		hdr.SizeOfImage, hdr.EntryRVA = oh.SizeOfImage, oh.AddressOfEntryPoint
		dirs, ndirs = oh.DataDirectory[:], oh.NumberOfRvaAndSizes
	case 0x20b:
		var oh pe.OptionalHeader64
		if err := binary.Read(r, binary.LittleEndian, &oh); err != nil {
			return nil, err
		}
		hdr.SizeOfImage, hdr.EntryRVA = oh.SizeOfImage, oh.AddressOfEntryPoint
		dirs, ndirs = oh.DataDirectory[:], oh.NumberOfRvaAndSizes
	default:
		return nil, fmt.Errorf("%w: unknown optional header magic %#x", errBadImage, magic)
	}
	if ndirs > exportDirEntry {
		hdr.ExportDirRVA = dirs[exportDirEntry].VirtualAddress
		hdr.ExportDirSize = dirs[exportDirEntry].Size
	}
	return hdr, nil
}

// exportName returns the module name recorded in the export directory of
// the image mapped at base, or an empty string.
func (s *Session) exportName(p *Process, base uint64, hdr *imageHeader) string {
	if hdr.ExportDirRVA == 0 || hdr.ExportDirSize < exportNameOff+4 {
		return ""
	}
	buf, err := s.readMemory(p, base+uint64(hdr.ExportDirRVA)+exportNameOff, 4)
	if err != nil {
		return ""
	}
	nameRVA := binary.LittleEndian.Uint32(buf)
	if nameRVA == 0 || nameRVA >= hdr.SizeOfImage {
		return ""
	}
	name, err := s.readString(p, base+uint64(nameRVA), maxPathChars, false)
	if err != nil {
		return ""
	}
	return name
}
