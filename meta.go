package ctrcrypt

import (
	"encoding/binary"
	"fmt"
)

const (
	metaDependencyCount = 0x30
	metaCoreVersionOff  = 0x300
	metaIconOffset      = 0x400
)

// Meta is the optional region that ends a CIA file.
type Meta struct {
	Dependencies []Hex64 `json:",omitempty"`
	CoreVersion  uint32
	Icon         *SMDH `json:",omitempty"`
}

// ParseMeta decodes a CIA meta region. The icon is optional.
func ParseMeta(data []byte) (*Meta, error) {
	if len(data) < metaIconOffset {
		return nil, formatErrorf("meta", "size must be at least 0x%x, got 0x%x", metaIconOffset, len(data))
	}

	meta := &Meta{
		CoreVersion: binary.LittleEndian.Uint32(data[metaCoreVersionOff:]),
	}

	for i := 0; i < metaDependencyCount; i++ {
		dependency := binary.LittleEndian.Uint64(data[8*i:])
		if dependency != 0 {
			meta.Dependencies = append(meta.Dependencies, Hex64(dependency))
		}
	}

	if len(data) > metaIconOffset {
		icon, err := ParseSMDH(data[metaIconOffset:])
		if err != nil {
			return nil, fmt.Errorf("meta: invalid icon: %w", err)
		}
		meta.Icon = icon
	}

	return meta, nil
}
