package ctrcrypt

import (
	"encoding/binary"

	"github.com/connesc/ctrcrypt/ctrutil"
	"github.com/connesc/ctrcrypt/keyset"
)

// KeyMethod tells how the key of an NCCH has been selected.
type KeyMethod int

// Key selection methods, in order of precedence.
const (
	KeyMethodPlain KeyMethod = iota
	KeyMethodOverride
	KeyMethodAlreadyDecrypted
	KeyMethodNoCrypto
	KeyMethodFixedSystem
	KeyMethodFixedZero
	KeyMethodSecure
)

func (m KeyMethod) String() string {
	switch m {
	case KeyMethodPlain:
		return "plain"
	case KeyMethodOverride:
		return "override"
	case KeyMethodAlreadyDecrypted:
		return "already decrypted"
	case KeyMethodNoCrypto:
		return "no crypto"
	case KeyMethodFixedSystem:
		return "fixed system key"
	case KeyMethodFixedZero:
		return "fixed zero key"
	case KeyMethodSecure:
		return "secure key"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler, also used for JSON encoding.
func (m KeyMethod) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// KeyInput gathers everything the key of an NCCH depends on.
type KeyInput struct {
	Plain bool
	// Override is the key explicitly supplied by the caller, if any.
	Override keyset.Key128
	// ProgramIDMatches tells whether the extended header, read without decryption, already
	// holds the program ID of the NCCH header.
	ProgramIDMatches bool
	Flags            NCCHFlags
	ProgramID        uint64
	FixedSystemKey   keyset.Key128
}

// KeyDerivation is the outcome of the key selection of an NCCH.
type KeyDerivation struct {
	Key       keyset.Key128
	Encrypted bool
	Method    KeyMethod
	// Undecryptable is set when the required key cannot be derived from the supplied keys. Key
	// is then absent, and decryption proceeds with a zero key.
	Undecryptable bool
	Diagnostic    string `json:",omitempty"`
}

// IsSystemTitle tells whether a program ID belongs to the system title range.
func IsSystemTitle(programID uint64) bool {
	high := uint32(programID >> 32)
	return high>>14 == 0x10 && high&0x10 != 0
}

// DeriveNCCHKey selects the key of an NCCH.
//
// It is a pure function: the same input always yields the same output.
func DeriveNCCHKey(in KeyInput) KeyDerivation {
	switch {
	case in.Plain:
		return KeyDerivation{Method: KeyMethodPlain}

	case in.Override.Valid():
		return KeyDerivation{Key: in.Override, Encrypted: true, Method: KeyMethodOverride}

	case in.ProgramIDMatches:
		return KeyDerivation{Method: KeyMethodAlreadyDecrypted}

	case in.Flags.NoCrypto:
		return KeyDerivation{Method: KeyMethodNoCrypto}

	case in.Flags.FixedKey:
		if !IsSystemTitle(in.ProgramID) {
			zero, _ := keyset.NewKey128(make([]byte, 16))
			return KeyDerivation{Key: zero, Encrypted: true, Method: KeyMethodFixedZero}
		}
		if !in.FixedSystemKey.Valid() {
			return KeyDerivation{
				Encrypted:     true,
				Method:        KeyMethodFixedSystem,
				Undecryptable: true,
				Diagnostic:    "fixed system key is not available",
			}
		}
		return KeyDerivation{Key: in.FixedSystemKey, Encrypted: true, Method: KeyMethodFixedSystem}

	default:
		return KeyDerivation{
			Encrypted:     true,
			Method:        KeyMethodSecure,
			Undecryptable: true,
			Diagnostic:    "secure key cannot be derived from the supplied keys",
		}
	}
}

// ncchRegionType is the type byte of the NCCH counter.
type ncchRegionType uint8

const (
	ncchExHeader ncchRegionType = 1
	ncchExeFS    ncchRegionType = 2
	ncchRomFS    ncchRegionType = 3
)

func (t ncchRegionType) String() string {
	switch t {
	case ncchExHeader:
		return "exheader"
	case ncchExeFS:
		return "exefs"
	case ncchRomFS:
		return "romfs"
	default:
		return "unknown"
	}
}

// newNCCHCounter returns the counter of the first byte of a region.
//
// Versions 0 and 2 use a fine counter made of the byte-reversed partition ID and the region
// type. Version 1 uses a coarse counter made of the partition ID as stored, whose suffix starts
// at the byte offset of the region within the partition, in blocks.
func newNCCHCounter(version uint16, partitionID uint64, typ ncchRegionType, regionOffset int64) ctrutil.Counter {
	if version == 1 {
		var c ctrutil.CoarseCounter
		binary.LittleEndian.PutUint64(c.Prefix[:8], partitionID)
		c.Suffix = uint32(regionOffset / 16)
		return &c
	}

	var iv [16]byte
	binary.BigEndian.PutUint64(iv[:8], partitionID)
	iv[8] = byte(typ)
	return ctrutil.NewFineCounter(iv[:])
}
