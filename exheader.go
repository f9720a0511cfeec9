package ctrcrypt

import (
	"encoding/binary"

	"github.com/connesc/ctrcrypt/keyset"
)

const (
	// ExHeaderSize is the size of the extended header region, access descriptor included.
	ExHeaderSize = 0x800

	exheaderProgramIDOffset = 0x200
	accessDescOffset        = 0x400
	accessDescKeyOffset     = 0x500
	exheaderMaxDependencies = 48
)

// CodeSegment describes where a segment of the code is loaded.
type CodeSegment struct {
	Address  Hex32
	MaxPages uint32
	Size     uint32
}

// ExHeader is the decrypted extended header of an executable NCCH, followed by its access
// descriptor.
type ExHeader struct {
	Name            string
	CompressedCode  bool
	SDApplication   bool
	RemasterVersion uint16
	Text            CodeSegment
	RO              CodeSegment
	Data            CodeSegment
	StackSize       uint32
	BSSSize         uint32
	Dependencies    []Hex64 `json:",omitempty"`
	SaveDataSize    uint64
	JumpID          Hex64
	ProgramID       Hex64

	raw []byte
}

func parseCodeSegment(b []byte) CodeSegment {
	return CodeSegment{
		Address:  Hex32(binary.LittleEndian.Uint32(b)),
		MaxPages: binary.LittleEndian.Uint32(b[0x4:]),
		Size:     binary.LittleEndian.Uint32(b[0x8:]),
	}
}

// ParseExHeader decodes a decrypted extended header.
func ParseExHeader(data []byte) (*ExHeader, error) {
	if len(data) < ExHeaderSize {
		return nil, formatErrorf("exheader", "size must be 0x%x, got 0x%x", ExHeaderSize, len(data))
	}

	flags := data[0xd]
	h := &ExHeader{
		Name:            trimString(data[:0x8]),
		CompressedCode:  flags&0x1 != 0,
		SDApplication:   flags&0x2 != 0,
		RemasterVersion: binary.LittleEndian.Uint16(data[0xe:]),
		Text:            parseCodeSegment(data[0x10:]),
		StackSize:       binary.LittleEndian.Uint32(data[0x1c:]),
		RO:              parseCodeSegment(data[0x20:]),
		Data:            parseCodeSegment(data[0x30:]),
		BSSSize:         binary.LittleEndian.Uint32(data[0x3c:]),
		SaveDataSize:    binary.LittleEndian.Uint64(data[0x1c0:]),
		JumpID:          Hex64(binary.LittleEndian.Uint64(data[0x1c8:])),
		ProgramID:       Hex64(binary.LittleEndian.Uint64(data[exheaderProgramIDOffset:])),
		raw:             data[:ExHeaderSize],
	}

	for i := 0; i < exheaderMaxDependencies; i++ {
		dependency := binary.LittleEndian.Uint64(data[0x40+0x8*i:])
		if dependency != 0 {
			h.Dependencies = append(h.Dependencies, Hex64(dependency))
		}
	}

	return h, nil
}

// NCCHPublicKey is the key that signs the header of the NCCH holding this extended header.
func (h *ExHeader) NCCHPublicKey() keyset.RSAKey {
	return keyset.NewRSAPublicKey(h.raw[accessDescKeyOffset:accessDescKeyOffset+0x100], keyset.DefaultExponent)
}

// VerifyAccessDesc checks the signature of the access descriptor, which covers the NCCH public
// key and the access control info.
func (h *ExHeader) VerifyAccessDesc(key keyset.RSAKey) Status {
	return VerifySignature(key, h.raw[accessDescKeyOffset:ExHeaderSize], h.raw[accessDescOffset:accessDescKeyOffset])
}

// VerifyHash compares the hash of the first size bytes with the one stored in the NCCH header.
func (h *ExHeader) VerifyHash(size uint32, expected []byte) Status {
	if size == 0 || size > ExHeaderSize {
		return Fail
	}
	return VerifyHash(h.raw[:size], expected)
}
