package ctrutil

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cbcEncrypt(t *testing.T, iv, payload []byte) []byte {
	t.Helper()

	block, err := aes.NewCipher(testKey)
	require.NoError(t, err)

	aligned := len(payload) - len(payload)%16
	encrypted := append([]byte(nil), payload...)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(encrypted[:aligned], encrypted[:aligned])
	return encrypted
}

func TestCBCReaderRoundTrip(t *testing.T) {
	block, err := aes.NewCipher(testKey)
	require.NoError(t, err)

	iv := make([]byte, 16)
	iv[1] = 3

	for _, size := range []int{0, 16, 64, 100} {
		payload := testPayload(size)
		encrypted := cbcEncrypt(t, iv, payload)

		src := bytes.NewReader(append(encrypted, 0xde, 0xad))
		decrypted, err := io.ReadAll(NewCBCReader(src, int64(size), block, iv))
		require.NoError(t, err)
		assert.Equal(t, payload, decrypted, "size %d", size)

		rest, err := io.ReadAll(src)
		require.NoError(t, err)
		assert.Equal(t, []byte{0xde, 0xad}, rest, "size %d", size)
	}
}

func TestCBCReaderAt(t *testing.T) {
	block, err := aes.NewCipher(testKey)
	require.NoError(t, err)

	iv := bytes.Repeat([]byte{0x42}, 16)
	payload := testPayload(0x105)
	encrypted := cbcEncrypt(t, iv, payload)

	reader := NewCBCReaderAt(bytes.NewReader(encrypted), int64(len(encrypted)), block, iv)

	for _, tc := range []struct{ off, size int64 }{
		{0, 0x105},
		{0, 3},
		{5, 30},
		{0x10, 0x10},
		{0xf8, 0xd},
		{0x101, 4},
	} {
		buf := make([]byte, tc.size)
		n, err := reader.ReadAt(buf, tc.off)
		if err != nil {
			assert.Equal(t, io.EOF, err)
		}
		assert.Equal(t, int(tc.size), n)
		assert.Equal(t, payload[tc.off:tc.off+tc.size], buf, "offset 0x%x", tc.off)
	}

	_, err = reader.ReadAt(make([]byte, 1), 0x105)
	assert.Equal(t, io.EOF, err)
}

func TestCBCReaderAtShortSource(t *testing.T) {
	block, err := aes.NewCipher(testKey)
	require.NoError(t, err)

	iv := make([]byte, 16)
	encrypted := cbcEncrypt(t, iv, testPayload(0x45))

	// The source holds fewer bytes than the declared size.
	reader := NewCBCReaderAt(bytes.NewReader(encrypted[:0x20]), 0x45, block, iv)

	n, err := reader.ReadAt(make([]byte, 0x40), 0)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = reader.ReadAt(make([]byte, 0x10), 0x30)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// Only the unaligned tail is missing.
	reader = NewCBCReaderAt(bytes.NewReader(encrypted[:0x42]), 0x45, block, iv)
	n, err = reader.ReadAt(make([]byte, 0x45), 0)
	assert.Equal(t, 0x42, n)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	n, err = reader.ReadAt(make([]byte, 0x20), 0)
	assert.Equal(t, 0x20, n)
	assert.NoError(t, err)
}
