package ctrcrypt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildHashTree lays out a three-level tree: each level is followed by the hashes of its blocks.
func buildHashTree(blockSizes []int, sizes []int) ([]byte, []HashTreeLevel) {
	var image []byte
	var levels []HashTreeLevel
	for i, blockSize := range blockSizes {
		data := testPayload(sizes[i], byte(i))
		dataOffset := len(image)
		image = append(image, data...)
		hashOffset := len(image)
		image = append(image, hashBlocks(data, blockSize)...)
		levels = append(levels, HashTreeLevel{
			DataOffset: int64(dataOffset),
			DataSize:   int64(len(data)),
			HashOffset: int64(hashOffset),
			BlockSize:  int64(blockSize),
		})
	}
	return image, levels
}

func TestVerifyHashTree(t *testing.T) {
	image, levels := buildHashTree([]int{0x200, 0x400, 0x1000}, []int{0x200, 0x800, 0x3000})

	statuses, err := VerifyHashTree(bytes.NewReader(image), int64(len(image)), levels)
	require.NoError(t, err)
	assert.Equal(t, []Status{Good, Good, Good}, statuses)

	// Corrupt the first byte of block 1 of level 2.
	image[levels[2].DataOffset+levels[2].BlockSize] ^= 0xff
	statuses, err = VerifyHashTree(bytes.NewReader(image), int64(len(image)), levels)
	require.NoError(t, err)
	assert.Equal(t, []Status{Good, Good, Fail}, statuses)
}

func TestVerifyHashTreeIsIdempotent(t *testing.T) {
	image, levels := buildHashTree([]int{0x200, 0x200, 0x200}, []int{0x200, 0x400, 0x600})
	image[levels[0].DataOffset] ^= 1

	first, err := VerifyHashTree(bytes.NewReader(image), int64(len(image)), levels)
	require.NoError(t, err)
	second, err := VerifyHashTree(bytes.NewReader(image), int64(len(image)), levels)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []Status{Fail, Good, Good}, first)
}

func TestVerifyHashTreeGeometry(t *testing.T) {
	image, levels := buildHashTree([]int{0x200, 0x200, 0x200}, []int{0x200, 0x400, 0x600})
	r := bytes.NewReader(image)
	size := int64(len(image))

	var formatErr *FormatError

	_, err := VerifyHashTree(r, size, nil)
	assert.True(t, errors.As(err, &formatErr))

	tooLarge := append([]HashTreeLevel(nil), levels...)
	tooLarge[1].BlockSize = MaxHashBlockSize * 2
	_, err = VerifyHashTree(r, size, tooLarge)
	assert.True(t, errors.As(err, &formatErr))

	mismatch := append([]HashTreeLevel(nil), levels...)
	mismatch[2].DataSize -= 0x10
	_, err = VerifyHashTree(r, size, mismatch)
	assert.True(t, errors.As(err, &formatErr))

	outOfRange := append([]HashTreeLevel(nil), levels...)
	outOfRange[2].HashOffset = size - 0x20
	_, err = VerifyHashTree(r, size, outOfRange)
	assert.True(t, errors.As(err, &formatErr))
}

func TestParseIVFC(t *testing.T) {
	romfs := buildRomFS()

	ivfc, err := ParseIVFC(bytes.NewReader(romfs), int64(len(romfs)))
	require.NoError(t, err)
	assert.Equal(t, Hex32(ivfcRomFSID), ivfc.ID)
	assert.Equal(t, uint32(0x20), ivfc.MasterHashSize)
	assert.Equal(t, int64(0x200), ivfc.BodyOffset)
	assert.Equal(t, int64(len(buildRomFSLevel3())), ivfc.BodySize)
	require.Len(t, ivfc.Levels, 3)

	require.NoError(t, ivfc.Verify(bytes.NewReader(romfs), int64(len(romfs))))
	for i, level := range ivfc.Levels {
		assert.Equal(t, Good, level.Status, "level %d", i)
	}

	romfs[ivfc.BodyOffset+0x30] ^= 0x80
	require.NoError(t, ivfc.Verify(bytes.NewReader(romfs), int64(len(romfs))))
	assert.Equal(t, Good, ivfc.Levels[0].Status)
	assert.Equal(t, Good, ivfc.Levels[1].Status)
	assert.Equal(t, Fail, ivfc.Levels[2].Status)
}

func TestParseIVFCBadMagic(t *testing.T) {
	romfs := buildRomFS()
	copy(romfs, "XXXX")

	_, err := ParseIVFC(bytes.NewReader(romfs), int64(len(romfs)))
	var formatErr *FormatError
	assert.True(t, errors.As(err, &formatErr))
}
