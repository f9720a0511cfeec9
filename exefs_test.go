package ctrcrypt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCompressedCode is "abcdefgh" repeated over 44 bytes, compressed backwards.
func testCompressedCode() []byte {
	data := []byte{
		0x05, 0xf0, 0x05, 0xf0, 0xc0,
		'e', 'f', 'g', 'h', 'a', 'b', 'c', 'd', 0x00,
	}
	footer := make([]byte, 8)
	total := len(data) + len(footer)
	binary.LittleEndian.PutUint32(footer, uint32(total)|8<<24)
	binary.LittleEndian.PutUint32(footer[4:], uint32(44-total))
	return append(data, footer...)
}

func buildSMDH(title, publisher string, regions uint32) []byte {
	data := make([]byte, SMDHSize)
	copy(data, "SMDH")
	english := data[0x8+0x200:]
	copy(english, utf16LE(title))
	copy(english[0x80:], utf16LE(title+" (long)"))
	copy(english[0x180:], utf16LE(publisher))
	binary.LittleEndian.PutUint32(data[0x2018:], regions)
	return data
}

func parseTestExeFS(t *testing.T, raw []byte) *ExeFS {
	logger, _ := test.NewNullLogger()
	exefs, err := ParseExeFS(bytes.NewReader(raw), int64(len(raw)), logger)
	require.NoError(t, err)
	return exefs
}

func TestParseExeFS(t *testing.T) {
	code := testCompressedCode()
	icon := buildSMDH("Test", "Tester", 0x7fffffff)
	exefs := parseTestExeFS(t, buildExeFS(
		[]string{".code", "icon", "banner"},
		[][]byte{code, icon, testPayload(0x300, 1)},
	))

	require.Len(t, exefs.Sections, 3)
	assert.Equal(t, ".code", exefs.Sections[0].Name)
	assert.Equal(t, Hex32(0), exefs.Sections[0].Offset)
	assert.Equal(t, uint32(len(code)), exefs.Sections[0].Size)
	assert.Equal(t, Hex32(0x200), exefs.Sections[1].Offset)

	require.NotNil(t, exefs.Icon)
	assert.Equal(t, "Test", exefs.Icon.Title.ShortDescription)
	assert.Equal(t, "Tester", exefs.Icon.Title.Publisher)
	assert.Equal(t, []string{"World"}, exefs.Icon.Regions)

	banner, ok := exefs.Section("banner")
	require.True(t, ok)
	data, err := exefs.ReadSection(banner)
	require.NoError(t, err)
	assert.Equal(t, testPayload(0x300, 1), data)

	_, ok = exefs.Section("logo")
	assert.False(t, ok)
}

func TestExeFSVerify(t *testing.T) {
	raw := buildExeFS([]string{"a", "b"}, [][]byte{testPayload(0x10, 1), testPayload(0x10, 2)})
	raw[ExeFSHeaderSize+0x200] ^= 1

	exefs := parseTestExeFS(t, raw)
	require.NoError(t, exefs.Verify())
	assert.Equal(t, Good, exefs.Sections[0].Status)
	assert.Equal(t, Fail, exefs.Sections[1].Status)
}

func TestExeFSSectionOutOfRange(t *testing.T) {
	raw := buildExeFS([]string{"a"}, [][]byte{testPayload(0x10, 1)})
	binary.LittleEndian.PutUint32(raw[0xc:], 0x1000)

	logger, _ := test.NewNullLogger()
	_, err := ParseExeFS(bytes.NewReader(raw), int64(len(raw)), logger)
	var formatErr *FormatError
	require.True(t, errors.As(err, &formatErr))
	assert.Equal(t, "exefs", formatErr.Container)
}

func TestExeFSInvalidIconWarns(t *testing.T) {
	raw := buildExeFS([]string{"icon"}, [][]byte{testPayload(0x100, 1)})

	logger, hook := test.NewNullLogger()
	exefs, err := ParseExeFS(bytes.NewReader(raw), int64(len(raw)), logger)
	require.NoError(t, err)
	assert.Nil(t, exefs.Icon)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "exefs: invalid icon", hook.LastEntry().Message)
}

func TestExeFSExtract(t *testing.T) {
	code := testCompressedCode()
	exefs := parseTestExeFS(t, buildExeFS([]string{".code", "../x"}, [][]byte{code, testPayload(0x20, 1)}))
	logger, _ := test.NewNullLogger()

	fs := afero.NewMemMapFs()
	require.NoError(t, exefs.Extract(fs, "raw", false, logger))
	data, err := afero.ReadFile(fs, "raw/.code.bin")
	require.NoError(t, err)
	assert.Equal(t, code, data)

	// Names never escape the output directory.
	_, err = afero.ReadFile(fs, "raw/.._x.bin")
	assert.NoError(t, err)

	require.NoError(t, exefs.Extract(fs, "decompressed", true, logger))
	data, err = afero.ReadFile(fs, "decompressed/.code.bin")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("abcdefgh", 6)[:44], string(data))
}
