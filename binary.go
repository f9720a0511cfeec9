package ctrcrypt

import (
	"io"
)

// readAt reads exactly size bytes at the given offset.
func readAt(reader io.ReaderAt, offset, size int64) ([]byte, error) {
	buf := make([]byte, size)
	if err := readFullAt(reader, buf, offset); err != nil {
		return nil, err
	}
	return buf, nil
}

// readFullAt fills buf with the bytes at the given offset.
func readFullAt(reader io.ReaderAt, buf []byte, offset int64) error {
	n, err := reader.ReadAt(buf, offset)
	if n == len(buf) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}
