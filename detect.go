package ctrcrypt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"go4.org/readerutil"
)

// Kind of a file, as guessed by Detect.
type Kind int

// Kinds recognized by Detect.
const (
	KindUnknown Kind = iota
	KindNCSD
	KindNCCH
	KindCIA
	KindFirm
	KindTicket
	KindTMD
)

func (k Kind) String() string {
	switch k {
	case KindNCSD:
		return "ncsd"
	case KindNCCH:
		return "ncch"
	case KindCIA:
		return "cia"
	case KindFirm:
		return "firm"
	case KindTicket:
		return "ticket"
	case KindTMD:
		return "tmd"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler, also used for JSON encoding.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Container is implemented by the parsers of NCSD, NCCH, CIA and FIRM files.
type Container interface {
	ReadHeader() error
	Verify() error
	Extract(out Outputs) error
	Stage() Stage
}

var (
	_ Container = &NCSD{}
	_ Container = &NCCH{}
	_ Container = &CIA{}
	_ Container = &Firm{}
)

// Detect guesses the kind of a file from its first bytes.
func Detect(r io.ReaderAt) (Kind, error) {
	head := make([]byte, 0x300)
	n, err := r.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return KindUnknown, fmt.Errorf("detect: failed to read header: %w", err)
	}
	head = head[:n]

	magicAt := func(offset int, magic string) bool {
		return len(head) >= offset+len(magic) && string(head[offset:offset+len(magic)]) == magic
	}

	switch {
	case magicAt(0x100, "NCSD"):
		return KindNCSD, nil
	case magicAt(0x100, "NCCH"):
		return KindNCCH, nil
	case magicAt(0, "FIRM"):
		return KindFirm, nil
	case len(head) >= 4 && binary.LittleEndian.Uint32(head) == ciaHeaderSize:
		return KindCIA, nil
	case len(head) >= 4:
		if _, size, _, err := signatureLayout(binary.BigEndian.Uint32(head)); err == nil && int64(len(head)) >= size+0x40 {
			issuer := head[size : size+0x40]
			switch {
			case bytes.Contains(issuer, []byte("-XS")):
				return KindTicket, nil
			case bytes.Contains(issuer, []byte("-CP")):
				return KindTMD, nil
			}
		}
	}

	return KindUnknown, nil
}

// Open detects the kind of the given file and returns the matching parser. Tickets and TMDs are
// not containers: use ParseTicket and ParseTMD instead.
func Open(r readerutil.SizeReaderAt, settings *Settings) (Container, Kind, error) {
	kind, err := Detect(r)
	if err != nil {
		return nil, kind, err
	}

	container, err := NewContainer(kind, r, settings)
	return container, kind, err
}

// NewContainer returns the parser of a file of the given kind.
func NewContainer(kind Kind, r readerutil.SizeReaderAt, settings *Settings) (Container, error) {
	switch kind {
	case KindNCSD:
		return NewNCSD(r, 0, r.Size(), settings), nil
	case KindNCCH:
		return NewNCCH(r, 0, r.Size(), settings), nil
	case KindCIA:
		return NewCIA(r, 0, r.Size(), settings), nil
	case KindFirm:
		return NewFirm(r, 0, r.Size(), settings), nil
	default:
		return nil, fmt.Errorf("detect: %s files are not containers", kind)
	}
}
