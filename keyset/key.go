package keyset

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"
	"strings"
)

// Key128 is an AES-128 key that may be absent.
type Key128 struct {
	data  [16]byte
	valid bool
}

// NewKey128 returns a valid key made of the given 16 bytes.
func NewKey128(b []byte) (Key128, error) {
	if len(b) != 16 {
		return Key128{}, fmt.Errorf("keyset: key must be 16 bytes long, got %d", len(b))
	}
	var k Key128
	copy(k.data[:], b)
	k.valid = true
	return k, nil
}

// ParseKey128 decodes a key from its hexadecimal representation.
func ParseKey128(s string) (Key128, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return Key128{}, fmt.Errorf("keyset: invalid hexadecimal key: %w", err)
	}
	return NewKey128(b)
}

// Valid reports whether the key is present.
func (k Key128) Valid() bool {
	return k.valid
}

// Bytes of the key. An absent key yields 16 zero bytes.
func (k Key128) Bytes() []byte {
	if !k.valid {
		return make([]byte, 16)
	}
	b := k.data
	return b[:]
}

// Cipher returns an AES block cipher using the key, or the zero key if it is absent.
func (k Key128) Cipher() cipher.Block {
	block, err := aes.NewCipher(k.Bytes())
	if err != nil {
		// 16-byte keys are always accepted.
		panic(err)
	}
	return block
}

func (k Key128) String() string {
	if !k.valid {
		return ""
	}
	return strings.ToUpper(hex.EncodeToString(k.data[:]))
}

// MarshalText implements encoding.TextMarshaler, also used for JSON encoding.
func (k Key128) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}
