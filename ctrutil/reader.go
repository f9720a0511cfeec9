package ctrutil

import (
	"io"
)

// Reader wraps another Reader to keep track of the current offset.
type Reader struct {
	inner  io.Reader
	offset int64
	err    error
}

var _ io.Reader = &Reader{}

// NewReader wraps the given Reader, unless it is already a Reader at offset 0.
func NewReader(inner io.Reader) *Reader {
	if inner, ok := inner.(*Reader); ok && inner.offset == 0 {
		return inner
	}

	return &Reader{
		inner: inner,
	}
}

func (r *Reader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}

	n, err := r.inner.Read(p)
	r.offset += int64(n)
	r.err = err
	return n, err
}

// Offset of the next byte to be read.
func (r *Reader) Offset() int64 {
	return r.offset
}

// ReadN reads exactly n bytes.
//
// Returns EOF only if no byte could be read, ErrUnexpectedEOF otherwise.
func (r *Reader) ReadN(n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	if err != nil {
		return nil, err
	}
	return buf, nil
}
