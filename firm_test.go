package ctrcrypt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/connesc/ctrcrypt/keyset"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type firmFixtureSection struct {
	address uint32
	typ     uint32
	data    []byte
}

func buildFirm(t *testing.T, sections []firmFixtureSection) []byte {
	header := make([]byte, firmHeaderSize)
	copy(header, "FIRM")
	binary.LittleEndian.PutUint32(header[0x8:], 0x1ff80000)
	binary.LittleEndian.PutUint32(header[0xc:], 0x08006000)

	image := make([]byte, firmHeaderSize)
	for i, s := range sections {
		entry := header[0x40+0x30*i:]
		binary.LittleEndian.PutUint32(entry, uint32(len(image)))
		binary.LittleEndian.PutUint32(entry[0x4:], s.address)
		binary.LittleEndian.PutUint32(entry[0x8:], uint32(len(s.data)))
		binary.LittleEndian.PutUint32(entry[0xc:], s.typ)
		copy(entry[0x10:], sha256Of(s.data))
		image = alignBytes(append(image, s.data...), 0x200)
	}

	copy(header[0x100:], sign(t, testRSAKey(t, 0), header[:0x100]))
	copy(image, header)
	return image
}

func testFirmSections() []firmFixtureSection {
	return []firmFixtureSection{
		{address: 0x08006000, typ: 0, data: testPayload(0x400, 1)},
		{address: 0x1ff00000, typ: 1, data: testPayload(0x123, 2)},
	}
}

func TestFirmVerify(t *testing.T) {
	image := buildFirm(t, testFirmSections())

	settings, _ := testSettings(&keyset.Keyset{FirmRSA: keyset.NewRSAKey(testRSAKey(t, 0))})
	firm := NewFirm(bytes.NewReader(image), 0, 0, settings)
	require.NoError(t, firm.Verify())

	assert.Equal(t, Good, firm.Signature)
	assert.Equal(t, Hex32(0x1ff80000), firm.Header.ARM11Entry)
	assert.Equal(t, Hex32(0x08006000), firm.Header.ARM9Entry)
	require.Len(t, firm.Header.Sections, 2)
	for _, section := range firm.Header.Sections {
		assert.Equal(t, Good, section.Status)
	}
	assert.Equal(t, Hex32(0x200), firm.Header.Sections[0].Offset)
	assert.Equal(t, Hex32(0x600), firm.Header.Sections[1].Offset)
}

func TestFirmVerifyTampered(t *testing.T) {
	image := buildFirm(t, testFirmSections())
	image[0x600] ^= 0xff

	settings, _ := testSettings(nil)
	firm := NewFirm(bytes.NewReader(image), 0, int64(len(image)), settings)
	require.NoError(t, firm.Verify())

	assert.Equal(t, Unchecked, firm.Signature)
	assert.Equal(t, Good, firm.Header.Sections[0].Status)
	assert.Equal(t, Fail, firm.Header.Sections[1].Status)
}

func TestFirmExtract(t *testing.T) {
	sections := testFirmSections()
	image := buildFirm(t, sections)

	settings, _ := testSettings(nil)
	firm := NewFirm(bytes.NewReader(image), 0, int64(len(image)), settings)

	fs := afero.NewMemMapFs()
	require.NoError(t, firm.Extract(Outputs{Fs: fs, FirmDir: "firm"}))
	assert.Equal(t, Extracted, firm.Stage())

	arm9, err := afero.ReadFile(fs, "firm/firm_0_08006000.bin")
	require.NoError(t, err)
	assert.Equal(t, sections[0].data, arm9)

	arm11, err := afero.ReadFile(fs, "firm/firm_1_1FF00000.bin")
	require.NoError(t, err)
	assert.Equal(t, sections[1].data, arm11)
}

func TestFirmSectionOutOfRange(t *testing.T) {
	image := buildFirm(t, testFirmSections())

	settings, _ := testSettings(nil)
	err := NewFirm(bytes.NewReader(image), 0, 0x700, settings).ReadHeader()

	var formatErr *FormatError
	require.True(t, errors.As(err, &formatErr))
	assert.Equal(t, "firm", formatErr.Container)
}

func TestFirmBadMagic(t *testing.T) {
	image := buildFirm(t, testFirmSections())
	copy(image, "FIRN")

	settings, _ := testSettings(nil)
	err := NewFirm(bytes.NewReader(image), 0, 0, settings).ReadHeader()

	var formatErr *FormatError
	assert.True(t, errors.As(err, &formatErr))
}
