package ctrutil

import (
	"encoding/binary"
	"errors"
)

// ErrLZSSCorrupt is returned when compressed code does not decompress cleanly.
var ErrLZSSCorrupt = errors.New("lzss: corrupted data")

const lzssFooterSize = 8

// MaxLZSSDecompressedSize bounds the size declared by a footer. It is well above the memory
// available to any 3DS application.
const MaxLZSSDecompressedSize = 256 << 20

// LZSSDecompressedSize returns the size of the code once decompressed, as declared by the footer.
func LZSSDecompressedSize(compressed []byte) (int, error) {
	if len(compressed) < lzssFooterSize {
		return 0, ErrLZSSCorrupt
	}
	footer := compressed[len(compressed)-lzssFooterSize:]
	originalBottom := binary.LittleEndian.Uint32(footer[4:])
	size := int64(len(compressed)) + int64(originalBottom)
	if size > MaxLZSSDecompressedSize {
		return 0, ErrLZSSCorrupt
	}
	return int(size), nil
}

// DecompressLZSS decompresses code that has been compressed backwards, as found in the .code
// section of an ExeFS.
//
// Decompression runs from the end towards the start. Data located before the compressed area is
// kept as is.
func DecompressLZSS(compressed []byte) ([]byte, error) {
	size, err := LZSSDecompressedSize(compressed)
	if err != nil {
		return nil, err
	}

	footer := compressed[len(compressed)-lzssFooterSize:]
	bufferTopAndBottom := binary.LittleEndian.Uint32(footer)
	top := int(bufferTopAndBottom & 0xffffff)
	bottom := int(bufferTopAndBottom >> 24)

	if top > len(compressed) || bottom > top || bottom < lzssFooterSize {
		return nil, ErrLZSSCorrupt
	}

	decompressed := make([]byte, size)
	copy(decompressed, compressed)

	stop := len(compressed) - top
	index := len(compressed) - bottom
	out := size

	for index > stop {
		index--
		control := compressed[index]

		for i := 0; i < 8; i++ {
			if index <= stop {
				break
			}

			if control&0x80 != 0 {
				if index-2 < stop {
					return nil, ErrLZSSCorrupt
				}
				index -= 2

				segment := int(compressed[index]) | int(compressed[index+1])<<8
				segmentSize := (segment>>12)&0xf + 3
				segmentOffset := segment&0xfff + 2

				if out < segmentSize {
					return nil, ErrLZSSCorrupt
				}

				for j := 0; j < segmentSize; j++ {
					if out+segmentOffset >= size {
						return nil, ErrLZSSCorrupt
					}
					decompressed[out-1] = decompressed[out+segmentOffset]
					out--
				}
			} else {
				if out < 1 {
					return nil, ErrLZSSCorrupt
				}
				index--
				out--
				decompressed[out] = compressed[index]
			}

			control <<= 1
		}
	}

	if out < stop {
		return nil, ErrLZSSCorrupt
	}

	return decompressed, nil
}
