package ctrutil

import (
	"crypto/cipher"
	"io"
)

type ctrStream struct {
	block     cipher.Block
	counter   Counter
	keystream [16]byte
	used      int
}

// NewCTR returns a Stream which encrypts or decrypts using the given block cipher in counter mode,
// with successive counter blocks produced by the given Counter.
//
// The Counter is owned by the returned Stream. A partial final block still consumes a whole
// counter block.
func NewCTR(block cipher.Block, counter Counter) cipher.Stream {
	if block.BlockSize() != 16 {
		panic("ctrutil: counter mode requires a 16-byte block cipher")
	}

	return &ctrStream{
		block:   block,
		counter: counter,
		used:    16,
	}
}

func (s *ctrStream) refill() {
	block := s.counter.Block()
	s.block.Encrypt(s.keystream[:], block[:])
	s.counter.Advance(1)
	s.used = 0
}

// skip discards the first n bytes of the next keystream block.
func (s *ctrStream) skip(n int) {
	if n == 0 {
		return
	}
	s.refill()
	s.used = n
}

func (s *ctrStream) XORKeyStream(dst, src []byte) {
	if len(dst) < len(src) {
		panic("ctrutil: output smaller than input")
	}

	for len(src) > 0 {
		if s.used == len(s.keystream) {
			s.refill()
		}
		n := len(s.keystream) - s.used
		if n > len(src) {
			n = len(src)
		}
		for i := 0; i < n; i++ {
			dst[i] = src[i] ^ s.keystream[s.used+i]
		}
		s.used += n
		dst = dst[n:]
		src = src[n:]
	}
}

type ctrReaderAt struct {
	src     io.ReaderAt
	block   cipher.Block
	counter Counter
}

// NewCTRReaderAt wraps the given ReaderAt to decrypt it on the fly in counter mode, where the
// given Counter is the one of the first byte of src.
//
// Any offset can be read without decrypting the preceding blocks: the counter is advanced by
// offset/16 blocks and the keystream is shifted by offset%16 bytes.
func NewCTRReaderAt(src io.ReaderAt, block cipher.Block, counter Counter) io.ReaderAt {
	return &ctrReaderAt{
		src:     src,
		block:   block,
		counter: counter.Clone(),
	}
}

func (r *ctrReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.src.ReadAt(p, off)
	if n <= 0 {
		return n, err
	}

	counter := r.counter.Clone()
	counter.Advance(uint64(off / 16))

	stream := NewCTR(r.block, counter).(*ctrStream)
	stream.skip(int(off % 16))
	stream.XORKeyStream(p[:n], p[:n])

	return n, err
}
