package ctrutil

import (
	"encoding/binary"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// DecodeUTF16 string from the given bytes using the given ByteOrder.
//
// Decoding stops at the first NUL character.
func DecodeUTF16(src []byte, order binary.ByteOrder) string {
	if len(src)%2 != 0 {
		panic("UTF-16 payload must have an even length")
	}

	endianness := unicode.LittleEndian
	if order == binary.BigEndian {
		endianness = unicode.BigEndian
	}

	decoded, err := unicode.UTF16(endianness, unicode.IgnoreBOM).NewDecoder().Bytes(src)
	if err != nil {
		return ""
	}

	s := string(decoded)
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return s
}
