package ctrutil

import (
	"crypto/cipher"
	"fmt"
	"io"

	"github.com/connesc/cipherio"
)

// NewCBCReader decrypts the next size bytes of src in CBC mode.
//
// Only the block-aligned part is decrypted: a trailing partial block is passed through unchanged.
// The underlying Reader is never read beyond size bytes.
func NewCBCReader(src io.Reader, size int64, block cipher.Block, iv []byte) io.Reader {
	blockSize := int64(block.BlockSize())
	aligned := size - size%blockSize

	return io.MultiReader(
		cipherio.NewBlockReader(io.LimitReader(src, aligned), cipher.NewCBCDecrypter(block, iv)),
		io.LimitReader(src, size-aligned),
	)
}

type cbcReaderAt struct {
	src   io.ReaderAt
	size  int64
	block cipher.Block
	iv    []byte
}

// NewCBCReaderAt wraps the given ReaderAt of the given size to decrypt it on the fly in CBC mode.
//
// Random access is possible because each plaintext block only depends on its own ciphertext and
// on the previous ciphertext block. The trailing partial block, if any, is left as is.
func NewCBCReaderAt(src io.ReaderAt, size int64, block cipher.Block, iv []byte) io.ReaderAt {
	return &cbcReaderAt{
		src:   src,
		size:  size,
		block: block,
		iv:    append([]byte(nil), iv...),
	}
}

func (r *cbcReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("ctrutil: negative offset: %d", off)
	}
	if off >= r.size {
		return 0, io.EOF
	}

	blockSize := int64(r.block.BlockSize())
	aligned := r.size - r.size%blockSize

	end := off + int64(len(p))
	var err error
	if end > r.size {
		end = r.size
		err = io.EOF
	}

	count := 0

	if off < aligned {
		first := off - off%blockSize
		last := end
		if last > aligned {
			last = aligned
		}
		if rem := last % blockSize; rem != 0 {
			last += blockSize - rem
		}

		buf := make([]byte, last-first)
		if err := readFullAt(r.src, buf, first); err != nil {
			return 0, err
		}

		iv := make([]byte, blockSize)
		if first == 0 {
			copy(iv, r.iv)
		} else if err := readFullAt(r.src, iv, first-blockSize); err != nil {
			return 0, err
		}

		cipher.NewCBCDecrypter(r.block, iv).CryptBlocks(buf, buf)

		upto := end
		if upto > aligned {
			upto = aligned
		}
		count = copy(p, buf[off-first:upto-first])
	}

	if end > aligned {
		start := off
		if start < aligned {
			start = aligned
		}
		tail := p[count : count+int(end-start)]
		n, readErr := r.src.ReadAt(tail, start)
		count += n
		if n < len(tail) {
			if readErr == nil || readErr == io.EOF {
				readErr = io.ErrUnexpectedEOF
			}
			return count, readErr
		}
	}

	return count, err
}

// readFullAt fails with io.ErrUnexpectedEOF when src holds less than len(buf) bytes at off.
func readFullAt(src io.ReaderAt, buf []byte, off int64) error {
	n, err := src.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// DecryptCBC decrypts src into dst in CBC mode with the given IV. Both must have the same
// block-aligned length.
func DecryptCBC(block cipher.Block, iv, dst, src []byte) {
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(dst, src)
}
