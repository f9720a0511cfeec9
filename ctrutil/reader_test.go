package ctrutil

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderReadN(t *testing.T) {
	r := NewReader(bytes.NewReader(testPayload(0x50)))

	head, err := r.ReadN(3)
	require.NoError(t, err)
	assert.Equal(t, testPayload(3), head)
	assert.Equal(t, int64(3), r.Offset())

	// A Reader that has already been read from is wrapped again.
	assert.NotSame(t, r, NewReader(r))

	_, err = r.ReadN(0x50)
	assert.Equal(t, io.ErrUnexpectedEOF, err)

	_, err = r.ReadN(1)
	assert.Equal(t, io.EOF, err)
}

func TestNewReaderReusesFreshReader(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))
	assert.Same(t, r, NewReader(r))
}
