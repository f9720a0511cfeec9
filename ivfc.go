package ctrcrypt

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxHashBlockSize bounds the block size of a hash tree level, and thus the memory used to verify
// a single block.
const MaxHashBlockSize = 0x4000

const (
	ivfcHeaderSize = 0x60
	ivfcRomFSID    = 0x10000
	ivfcLevelCount = 3
)

// HashTreeLevel describes one level of a hash tree: DataSize bytes starting at DataOffset are
// hashed in blocks of BlockSize bytes, and the hash of block i is stored at HashOffset+32*i.
type HashTreeLevel struct {
	DataOffset int64
	DataSize   int64
	HashOffset int64
	BlockSize  int64
}

// VerifyHashTree verifies every level of a hash tree stored in the first size bytes of r.
//
// Levels are independent: a failure in one level does not prevent the others from being checked.
// A level is Good only if all its blocks match. Inconsistent geometry is reported as a
// FormatError before any hash is computed.
func VerifyHashTree(r io.ReaderAt, size int64, levels []HashTreeLevel) ([]Status, error) {
	if len(levels) == 0 || len(levels) > 4 {
		return nil, formatErrorf("ivfc", "level count must be between 1 and 4, got %d", len(levels))
	}

	for i, level := range levels {
		if level.BlockSize <= 0 || level.BlockSize > MaxHashBlockSize {
			return nil, formatErrorf("ivfc", "level %d: hash block size 0x%x exceeds 0x%x", i, level.BlockSize, MaxHashBlockSize)
		}
		if level.DataSize%level.BlockSize != 0 {
			return nil, formatErrorf("ivfc", "level %d: block size mismatch (data size 0x%x, block size 0x%x)", i, level.DataSize, level.BlockSize)
		}
		data := Region{Offset: level.DataOffset, Size: level.DataSize}
		if err := data.check("ivfc", fmt.Sprintf("level %d data", i), size); err != nil {
			return nil, err
		}
		hashes := Region{Offset: level.HashOffset, Size: level.DataSize / level.BlockSize * 0x20}
		if err := hashes.check("ivfc", fmt.Sprintf("level %d hashes", i), size); err != nil {
			return nil, err
		}
	}

	statuses := make([]Status, len(levels))
	for i, level := range levels {
		status, err := verifyHashTreeLevel(r, level)
		if err != nil {
			return nil, fmt.Errorf("ivfc: failed to verify level %d: %w", i, err)
		}
		statuses[i] = status
	}
	return statuses, nil
}

func verifyHashTreeLevel(r io.ReaderAt, level HashTreeLevel) (Status, error) {
	blockCount := level.DataSize / level.BlockSize
	block := make([]byte, level.BlockSize)
	expected := make([]byte, 0x20)

	status := Good
	for i := int64(0); i < blockCount; i++ {
		if err := readFullAt(r, block, level.DataOffset+i*level.BlockSize); err != nil {
			return Unchecked, err
		}
		if err := readFullAt(r, expected, level.HashOffset+i*0x20); err != nil {
			return Unchecked, err
		}
		if verifyHash(sha256Hash(block), expected) != Good {
			status = Fail
		}
	}
	return status, nil
}

// IVFCLevel is a level of an IVFC hash tree, with its verification status.
type IVFCLevel struct {
	HashTreeLevel
	Status Status
}

// IVFC hash tree protecting a RomFS.
type IVFC struct {
	ID             Hex32
	MasterHashSize uint32
	Levels         []IVFCLevel
	// BodyOffset and BodySize locate the data protected by the last level.
	BodyOffset int64
	BodySize   int64
}

// ParseIVFC reads the IVFC header at the start of a RomFS of the given size, and computes the
// geometry of its three levels.
func ParseIVFC(r io.ReaderAt, size int64) (*IVFC, error) {
	header, err := readAt(r, 0, ivfcHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("ivfc: failed to read header: %w", err)
	}

	if string(header[:4]) != "IVFC" {
		return nil, formatErrorf("ivfc", "magic not found")
	}

	id := binary.LittleEndian.Uint32(header[0x4:])
	if id != ivfcRomFSID {
		return nil, formatErrorf("ivfc", "unsupported id: 0x%08x", id)
	}

	masterHashSize := binary.LittleEndian.Uint32(header[0x8:])

	type descriptor struct {
		logicalOffset int64
		hashDataSize  int64
		blockSize     int64
	}
	var desc [ivfcLevelCount]descriptor
	for i := range desc {
		raw := header[0xc+0x18*i:]
		log2 := binary.LittleEndian.Uint32(raw[0x10:])
		if log2 >= 31 {
			return nil, formatErrorf("ivfc", "level %d: invalid block size: 2^%d", i+1, log2)
		}
		desc[i] = descriptor{
			logicalOffset: int64(binary.LittleEndian.Uint64(raw)),
			hashDataSize:  int64(binary.LittleEndian.Uint64(raw[0x8:])),
			blockSize:     int64(1) << log2,
		}
	}

	var levels [ivfcLevelCount]HashTreeLevel
	levels[2].BlockSize = desc[2].blockSize
	levels[1].BlockSize = desc[1].blockSize
	levels[0].BlockSize = desc[0].blockSize
	levels[0].HashOffset = ivfcHeaderSize

	bodyOffset := align(ivfcHeaderSize+int64(masterHashSize), levels[2].BlockSize)
	bodySize := desc[2].hashDataSize

	levels[2].DataOffset = bodyOffset
	levels[2].DataSize = align(bodySize, levels[2].BlockSize)

	levels[1].HashOffset = align(bodyOffset+bodySize, levels[2].BlockSize)
	levels[2].HashOffset = levels[1].HashOffset + desc[1].logicalOffset - desc[0].logicalOffset

	levels[1].DataOffset = levels[2].HashOffset
	levels[1].DataSize = align(desc[1].hashDataSize, levels[1].BlockSize)

	levels[0].DataOffset = levels[1].HashOffset
	levels[0].DataSize = align(desc[0].hashDataSize, levels[0].BlockSize)

	body := Region{Offset: bodyOffset, Size: bodySize}
	if err := body.check("ivfc", "body", size); err != nil {
		return nil, err
	}

	ivfc := &IVFC{
		ID:             Hex32(id),
		MasterHashSize: masterHashSize,
		BodyOffset:     bodyOffset,
		BodySize:       bodySize,
	}
	for _, level := range levels {
		ivfc.Levels = append(ivfc.Levels, IVFCLevel{HashTreeLevel: level})
	}
	return ivfc, nil
}

// Verify all levels of the tree against the RomFS they have been parsed from, and record their
// statuses.
func (v *IVFC) Verify(r io.ReaderAt, size int64) error {
	levels := make([]HashTreeLevel, len(v.Levels))
	for i, level := range v.Levels {
		levels[i] = level.HashTreeLevel
	}

	statuses, err := VerifyHashTree(r, size, levels)
	if err != nil {
		return err
	}
	for i, status := range statuses {
		v.Levels[i].Status = status
	}
	return nil
}
