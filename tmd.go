package ctrcrypt

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/connesc/ctrcrypt/ctrutil"
)

const (
	tmdHeaderSize     = 0xc4
	tmdInfoRecordSize = 0x24
	tmdInfoCount      = 64
	tmdChunkSize      = 0x30
)

// Content types of TMD chunks.
const (
	ContentEncrypted = 0x1
	ContentOptional  = 0x4000
	ContentShared    = 0x8000
)

// TMDContentInfo covers a range of consecutive chunk records with a single hash.
type TMDContentInfo struct {
	Index  uint16
	Count  uint16
	Hash   Hex
	Status Status
}

// TMDContent is a chunk record, describing a single content.
type TMDContent struct {
	ID    Hex32
	Index Hex16
	Type  Hex16
	Size  uint64
	Hash  Hex
}

// Encrypted reports whether the content is encrypted with the title key.
func (c TMDContent) Encrypted() bool {
	return c.Type&ContentEncrypted != 0
}

// TMD is the title metadata, which lists and authenticates the contents of a title.
type TMD struct {
	SignatureType  Hex32
	Issuer         string
	Version        uint8
	SystemVersion  Hex64
	TitleID        Hex64
	TitleType      Hex32
	GroupID        Hex16
	AccessRights   Hex32
	TitleVersion   uint16
	BootContent    uint16
	InfoHash       Hex
	InfoHashStatus Status
	ContentInfos   []TMDContentInfo `json:",omitempty"`
	Contents       []TMDContent
	Signature      Status
	Certs          CertificateChain `json:",omitempty"`
	CertsTrailer   bool

	header *signatureHeader
	body   []byte
}

// ParseTMD reads a TMD, optionally followed by its certificate chain.
//
// Hash mismatches of the content info records are reported through statuses.
func ParseTMD(input io.Reader) (*TMD, error) {
	r := ctrutil.NewReader(input)

	header, err := readSignatureHeader(r, "tmd")
	if err == io.EOF {
		return nil, fmt.Errorf("tmd: failed to read signature type: %w", io.ErrUnexpectedEOF)
	} else if err != nil {
		return nil, err
	}

	body, err := r.ReadN(tmdHeaderSize + tmdInfoRecordSize*tmdInfoCount)
	if err != nil {
		return nil, fmt.Errorf("tmd: failed to read header: %w", err)
	}

	infoRecords := body[tmdHeaderSize:]
	contentCount := binary.BigEndian.Uint16(body[0x9e:])

	tmd := &TMD{
		SignatureType: Hex32(header.Type),
		Issuer:        trimString(body[:0x40]),
		Version:       body[0x40],
		SystemVersion: Hex64(binary.BigEndian.Uint64(body[0x44:])),
		TitleID:       Hex64(binary.BigEndian.Uint64(body[0x4c:])),
		TitleType:     Hex32(binary.BigEndian.Uint32(body[0x54:])),
		GroupID:       Hex16(binary.BigEndian.Uint16(body[0x58:])),
		AccessRights:  Hex32(binary.BigEndian.Uint32(body[0x98:])),
		TitleVersion:  binary.BigEndian.Uint16(body[0x9c:]),
		BootContent:   binary.BigEndian.Uint16(body[0xa0:]),
		InfoHash:      body[0xa4:0xc4],
		header:        header,
		body:          body[:tmdHeaderSize],
	}
	tmd.InfoHashStatus = VerifyHash(infoRecords, tmd.InfoHash)

	chunkRecords, err := r.ReadN(tmdChunkSize * int(contentCount))
	if err != nil {
		return nil, fmt.Errorf("tmd: failed to read content chunk records: %w", err)
	}

	for i := 0; i < int(contentCount); i++ {
		record := chunkRecords[i*tmdChunkSize : (i+1)*tmdChunkSize]
		tmd.Contents = append(tmd.Contents, TMDContent{
			ID:    Hex32(binary.BigEndian.Uint32(record)),
			Index: Hex16(binary.BigEndian.Uint16(record[0x4:])),
			Type:  Hex16(binary.BigEndian.Uint16(record[0x6:])),
			Size:  binary.BigEndian.Uint64(record[0x8:]),
			Hash:  record[0x10:0x30],
		})
	}

	for i := 0; i < tmdInfoCount; i++ {
		record := infoRecords[i*tmdInfoRecordSize : (i+1)*tmdInfoRecordSize]
		info := TMDContentInfo{
			Index: binary.BigEndian.Uint16(record),
			Count: binary.BigEndian.Uint16(record[0x2:]),
			Hash:  record[0x4:0x24],
		}
		if info.Count == 0 {
			continue
		}

		first, last := int(info.Index), int(info.Index)+int(info.Count)
		if last > int(contentCount) {
			info.Status = Fail
		} else {
			info.Status = VerifyHash(chunkRecords[first*tmdChunkSize:last*tmdChunkSize], info.Hash)
		}
		tmd.ContentInfos = append(tmd.ContentInfos, info)
	}

	tmd.Certs, err = ParseCertificateChain(r)
	if err != nil {
		return nil, fmt.Errorf("tmd: invalid certs trailer: %w", err)
	}
	tmd.CertsTrailer = len(tmd.Certs) > 0
	if tmd.CertsTrailer {
		tmd.VerifySignature(tmd.Certs)
	}

	return tmd, nil
}

// VerifySignature checks the signature of the TMD header against the given chain.
func (t *TMD) VerifySignature(certs CertificateChain) Status {
	t.Signature = certs.verify(t.Issuer, t.header, t.body)
	return t.Signature
}

// ContentsValid reports whether all the content info records match the chunk records.
func (t *TMD) ContentsValid() bool {
	if t.InfoHashStatus != Good {
		return false
	}
	for _, info := range t.ContentInfos {
		if info.Status != Good {
			return false
		}
	}
	return true
}
