package proctest

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
)

const (
	headerSize   = 0x1000
	lfanew       = 0x80
	exportDirRVA = 0x200
	exportName   = 0x300
)

// BuildImageHeader returns the first page of a 64-bit PE image with the
// given size of image and entry point. If name is not empty the image has
// an export directory naming it.
func BuildImageHeader(sizeOfImage, entryRVA uint32, name string) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{'M', 'Z'})
	buf.Write(make([]byte, 0x3c-2))
	binary.Write(&buf, binary.LittleEndian, uint32(lfanew))
	buf.Write(make([]byte, lfanew-buf.Len()))

	binary.Write(&buf, binary.LittleEndian, uint32(0x00004550))
	binary.Write(&buf, binary.LittleEndian, pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections:     0,
		SizeOfOptionalHeader: uint16(binary.Size(pe.OptionalHeader64{})),
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE,
	})
	oh := pe.OptionalHeader64{
		Magic:               0x20b,
		AddressOfEntryPoint: entryRVA,
		ImageBase:           0x400000,
		SectionAlignment:    0x1000,
		FileAlignment:       0x200,
		SizeOfImage:         sizeOfImage,
		SizeOfHeaders:       headerSize,
		NumberOfRvaAndSizes: 16,
	}
	if name != "" {
		oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT] = pe.DataDirectory{VirtualAddress: exportDirRVA, Size: 40}
	}
	binary.Write(&buf, binary.LittleEndian, oh)

	out := make([]byte, headerSize)
	copy(out, buf.Bytes())
	if name != "" {
		binary.LittleEndian.PutUint32(out[exportDirRVA+12:], exportName)
		copy(out[exportName:], name)
	}
	return out
}
