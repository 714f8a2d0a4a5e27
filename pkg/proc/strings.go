package proc

import (
	"bytes"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// maxPathChars bounds strings read from image name pointers.
const maxPathChars = 260

// decodeString converts a string read from the target to UTF-8, stopping at
// the first NUL character. Narrow strings are in the ANSI code page.
func decodeString(b []byte, wide bool) string {
	if wide {
		for i := 0; i+1 < len(b); i += 2 {
			if b[i] == 0 && b[i+1] == 0 {
				b = b[:i]
				break
			}
		}
		if len(b)%2 != 0 {
			b = b[:len(b)-1]
		}
		out, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(b)
		if err != nil {
			return ""
		}
		return string(out)
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// readString reads a NUL terminated string of at most maxChars characters.
// It reads one page at a time so that a string ending just before an
// unmapped page can still be read.
func (s *Session) readString(p *Process, addr uint64, maxChars int, wide bool) (string, error) {
	charSize := 1
	if wide {
		charSize = 2
	}
	limit := maxChars * charSize
	var buf []byte
	for len(buf) < limit {
		cur := addr + uint64(len(buf))
		n := int(pageSize - cur&(pageSize-1))
		if n > limit-len(buf) {
			n = limit - len(buf)
		}
		chunk, err := s.readMemory(p, cur, n)
		if err != nil {
			if len(buf) == 0 {
				return "", err
			}
			break
		}
		buf = append(buf, chunk...)
		if hasTerminator(chunk, wide, len(buf)-len(chunk)) {
			break
		}
	}
	return decodeString(buf, wide), nil
}

// hasTerminator reports whether chunk, which starts at offset off of the
// string, contains a NUL character.
func hasTerminator(chunk []byte, wide bool, off int) bool {
	if !wide {
		return bytes.IndexByte(chunk, 0) >= 0
	}
	i := 0
	if off%2 != 0 {
		i = 1
	}
	for ; i+1 < len(chunk); i += 2 {
		if chunk[i] == 0 && chunk[i+1] == 0 {
			return true
		}
	}
	return false
}
