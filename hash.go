package ctrcrypt

import (
	"bytes"
	"crypto/sha256"
	"io"
)

func sha256Hash(payload []byte) []byte {
	hash := sha256.New()
	hash.Write(payload)
	return hash.Sum(nil)
}

// VerifyHash compares the SHA-256 of data with an expected hash.
func VerifyHash(data, expected []byte) Status {
	return verifyHash(sha256Hash(data), expected)
}

func verifyHash(actual, expected []byte) Status {
	return statusOf(bytes.Equal(actual, expected))
}

// verifyRegionHash hashes a region that must be entirely readable.
func verifyRegionHash(reader io.ReaderAt, region Region, expected []byte) (Status, error) {
	hash := sha256.New()
	n, err := io.CopyBuffer(hash, io.NewSectionReader(reader, region.Offset, region.Size), make([]byte, extractChunkSize))
	if err != nil {
		return Unchecked, err
	}
	if n != region.Size {
		return Unchecked, io.ErrUnexpectedEOF
	}
	return verifyHash(hash.Sum(nil), expected), nil
}
