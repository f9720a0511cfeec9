package ctrcrypt

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/connesc/ctrcrypt/ctrutil"
	"github.com/connesc/ctrcrypt/keyset"
)

const (
	ticketBodySize       = 0x210
	ticketTimeLimitCount = 8
)

// TitleKey is the key of the contents of a title, encrypted with a common key.
type TitleKey struct {
	Encrypted Hex
	Decrypted Hex `json:",omitempty"`
}

// TimeLimit of a ticket.
type TimeLimit struct {
	Enabled bool
	Seconds uint32
}

// Ticket grants the right to use a title and holds its title key.
type Ticket struct {
	SignatureType      Hex32
	Issuer             string
	Version            uint8
	TitleKey           TitleKey
	TicketID           Hex64
	ConsoleID          Hex32
	TitleID            Hex64
	TicketVersion      uint16
	CommonKeyIndex     uint8
	ContentPermissions Hex
	TimeLimits         []TimeLimit `json:",omitempty"`
	Signature          Status
	Certs              CertificateChain `json:",omitempty"`
	CertsTrailer       bool

	header *signatureHeader
	body   []byte
}

// ParseTicket reads a ticket, optionally followed by its certificate chain.
func ParseTicket(input io.Reader) (*Ticket, error) {
	r := ctrutil.NewReader(input)

	header, err := readSignatureHeader(r, "ticket")
	if err == io.EOF {
		return nil, fmt.Errorf("ticket: failed to read signature type: %w", io.ErrUnexpectedEOF)
	} else if err != nil {
		return nil, err
	}

	body, err := r.ReadN(ticketBodySize)
	if err != nil {
		return nil, fmt.Errorf("ticket: failed to read ticket: %w", err)
	}

	ticket := &Ticket{
		SignatureType:      Hex32(header.Type),
		Issuer:             trimString(body[:0x40]),
		Version:            body[0x7c],
		TitleKey:           TitleKey{Encrypted: body[0x7f:0x8f]},
		TicketID:           Hex64(binary.BigEndian.Uint64(body[0x90:])),
		ConsoleID:          Hex32(binary.BigEndian.Uint32(body[0x98:])),
		TitleID:            Hex64(binary.BigEndian.Uint64(body[0x9c:])),
		TicketVersion:      binary.BigEndian.Uint16(body[0xa6:]),
		CommonKeyIndex:     body[0xb1],
		ContentPermissions: body[0xe2:0x122],
		header:             header,
		body:               body,
	}

	for i := 0; i < ticketTimeLimitCount; i++ {
		entry := body[0x124+8*i:]
		limit := TimeLimit{
			Enabled: binary.BigEndian.Uint32(entry) != 0,
			Seconds: binary.BigEndian.Uint32(entry[4:]),
		}
		if limit.Enabled {
			ticket.TimeLimits = append(ticket.TimeLimits, limit)
		}
	}

	ticket.Certs, err = ParseCertificateChain(r)
	if err != nil {
		return nil, fmt.Errorf("ticket: invalid certs trailer: %w", err)
	}
	ticket.CertsTrailer = len(ticket.Certs) > 0
	if ticket.CertsTrailer {
		ticket.VerifySignature(ticket.Certs)
	}

	return ticket, nil
}

// VerifySignature checks the signature of the ticket against the given chain.
func (t *Ticket) VerifySignature(certs CertificateChain) Status {
	t.Signature = certs.verify(t.Issuer, t.header, t.body)
	return t.Signature
}

// DecryptTitleKey decrypts the title key with the common key designated by the ticket.
//
// The IV is the title ID followed by zeros.
func (t *Ticket) DecryptTitleKey(keys *keyset.Keyset) (keyset.Key128, error) {
	commonKey := keys.CommonKeyAt(t.CommonKeyIndex)
	if !commonKey.Valid() {
		return keyset.Key128{}, &KeyError{
			Container: "ticket",
			Key:       "commonkey",
			Msg:       fmt.Sprintf("common key %d is not available", t.CommonKeyIndex),
		}
	}

	iv := make([]byte, 16)
	binary.BigEndian.PutUint64(iv, uint64(t.TitleID))

	decrypted := make([]byte, 16)
	ctrutil.DecryptCBC(commonKey.Cipher(), iv, decrypted, t.TitleKey.Encrypted)

	t.TitleKey.Decrypted = decrypted
	return keyset.NewKey128(decrypted)
}
