package ctrcrypt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/connesc/ctrcrypt/ctrutil"
	"github.com/connesc/ctrcrypt/keyset"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const (
	ciaHeaderSize = 0x2020
	ciaAlignment  = 0x40
)

// CIAHeader is the header of a CIA file. Regions are computed from the declared sizes, each one
// starting on a 64-byte boundary.
type CIAHeader struct {
	HeaderSize  uint32
	Type        uint16
	Version     uint16
	CertsSize   uint32
	TicketSize  uint32
	TMDSize     uint32
	MetaSize    uint32
	ContentSize uint64

	CertsRegion   Region
	TicketRegion  Region
	TMDRegion     Region
	ContentRegion Region
	MetaRegion    Region

	contentIndex []byte
}

// HasContent reports whether the content of the given index is part of the file.
func (h *CIAHeader) HasContent(index uint16) bool {
	return h.contentIndex[index/8]&(0x80>>(index%8)) != 0
}

// CIAContent is a content stored in a CIA file. Offset is relative to the content region.
type CIAContent struct {
	TMDContent
	Offset int64
	Status Status
	NCCH   *NCCH `json:",omitempty"`
}

// CIAStatus gathers the signature checks of a CIA file.
type CIAStatus struct {
	Certs  Status
	Ticket Status
	TMD    Status
}

// CIA is an installable archive, made of a certificate chain, a ticket, a TMD, the contents
// listed by the TMD and an optional meta region.
type CIA struct {
	src      io.ReaderAt
	offset   int64
	size     int64
	settings *Settings
	log      *logrus.Entry
	stage    Stage
	titleKey keyset.Key128

	Header   *CIAHeader
	Certs    CertificateChain
	Ticket   *Ticket
	TMD      *TMD
	Meta     *Meta `json:",omitempty"`
	Contents []CIAContent
	Status   CIAStatus
}

// NewCIA prepares the parsing of the CIA located at the given offset of src. If size is not
// positive, it is taken from the header.
func NewCIA(src io.ReaderAt, offset, size int64, settings *Settings) *CIA {
	return &CIA{
		src:      src,
		offset:   offset,
		size:     size,
		settings: settings,
		log: settings.logger().WithFields(logrus.Fields{
			"container": "cia",
			"offset":    fmt.Sprintf("0x%x", offset),
		}),
	}
}

// Stage reached by the parser.
func (c *CIA) Stage() Stage {
	return c.stage
}

func (c *CIA) section(region Region) *io.SectionReader {
	return io.NewSectionReader(c.src, c.offset+region.Offset, region.Size)
}

// ReadHeader reads the header, the certificate chain, the ticket, the TMD and the meta region.
func (c *CIA) ReadHeader() error {
	if c.stage >= HeaderRead {
		return nil
	}

	raw, err := readAt(c.src, c.offset, ciaHeaderSize)
	if err != nil {
		return fmt.Errorf("cia: failed to read header: %w", err)
	}

	h := &CIAHeader{
		HeaderSize:   binary.LittleEndian.Uint32(raw),
		Type:         binary.LittleEndian.Uint16(raw[0x4:]),
		Version:      binary.LittleEndian.Uint16(raw[0x6:]),
		CertsSize:    binary.LittleEndian.Uint32(raw[0x8:]),
		TicketSize:   binary.LittleEndian.Uint32(raw[0xc:]),
		TMDSize:      binary.LittleEndian.Uint32(raw[0x10:]),
		MetaSize:     binary.LittleEndian.Uint32(raw[0x14:]),
		ContentSize:  binary.LittleEndian.Uint64(raw[0x18:]),
		contentIndex: raw[0x20:ciaHeaderSize],
	}

	if h.HeaderSize != ciaHeaderSize {
		return formatErrorf("cia", "header length must be 0x%x, got 0x%x", ciaHeaderSize, h.HeaderSize)
	}

	next := int64(ciaHeaderSize)
	place := func(size int64) Region {
		region := Region{Offset: align(next, ciaAlignment), Size: size}
		next = region.End()
		return region
	}
	h.CertsRegion = place(int64(h.CertsSize))
	h.TicketRegion = place(int64(h.TicketSize))
	h.TMDRegion = place(int64(h.TMDSize))
	h.ContentRegion = place(int64(h.ContentSize))
	h.MetaRegion = place(int64(h.MetaSize))

	if c.size <= 0 {
		c.size = h.MetaRegion.End()
	}

	for _, r := range []struct {
		name   string
		region Region
	}{
		{"certs", h.CertsRegion},
		{"ticket", h.TicketRegion},
		{"tmd", h.TMDRegion},
		{"content", h.ContentRegion},
		{"meta", h.MetaRegion},
	} {
		if err := r.region.check("cia", r.name, c.size); err != nil {
			return err
		}
	}

	c.Certs, err = ParseCertificateChain(c.section(h.CertsRegion))
	if err != nil {
		return fmt.Errorf("cia: invalid certificate chain: %w", err)
	}

	c.Ticket, err = ParseTicket(c.section(h.TicketRegion))
	if err != nil {
		return fmt.Errorf("cia: %w", err)
	}

	c.TMD, err = ParseTMD(c.section(h.TMDRegion))
	if err != nil {
		return fmt.Errorf("cia: %w", err)
	}

	if c.Ticket.TitleID != c.TMD.TitleID {
		c.log.WithFields(logrus.Fields{
			"ticket": c.Ticket.TitleID,
			"tmd":    c.TMD.TitleID,
		}).Warn("cia: title id mismatch between ticket and tmd")
	}

	c.Contents = nil
	var offset int64
	for _, content := range c.TMD.Contents {
		if !h.HasContent(uint16(content.Index)) {
			c.log.WithField("index", content.Index).Debug("cia: content not present")
			continue
		}
		if content.Size > uint64(h.ContentRegion.Size-offset) {
			return formatErrorf("cia", "content %04x exceeds content region (offset=0x%x, size=0x%x, content region size=0x%x)",
				uint16(content.Index), offset, content.Size, h.ContentRegion.Size)
		}
		c.Contents = append(c.Contents, CIAContent{
			TMDContent: content,
			Offset:     offset,
		})
		offset += int64(content.Size)
	}

	if !h.MetaRegion.Empty() {
		data, err := readAt(c.src, c.offset+h.MetaRegion.Offset, h.MetaRegion.Size)
		if err != nil {
			return ioError("cia", "meta", err)
		}
		c.Meta, err = ParseMeta(data)
		if err != nil {
			c.log.WithError(err).Warn("cia: invalid meta region")
		}
	}

	c.Header = h
	c.stage.advance(HeaderRead)
	return nil
}

// DeriveKey decrypts the title key from the ticket, reading the header first if needed.
//
// A missing common key is only an error if Settings.AbortOnMissingKey is set. Otherwise contents
// are decrypted with a zero key.
func (c *CIA) DeriveKey() error {
	if c.stage >= KeyDerived {
		return nil
	}
	if err := c.ReadHeader(); err != nil {
		return err
	}

	if !c.settings.plain() {
		key, err := c.Ticket.DecryptTitleKey(c.settings.keys())
		if err != nil {
			c.log.WithError(err).Warn("cia: unable to decrypt title key")
			if c.settings != nil && c.settings.AbortOnMissingKey {
				return err
			}
		}
		c.titleKey = key
	}

	c.stage.advance(KeyDerived)
	return nil
}

func (c *CIA) contentIV(content CIAContent) []byte {
	iv := make([]byte, 16)
	binary.BigEndian.PutUint16(iv, uint16(content.Index))
	return iv
}

func (c *CIA) contentSection(content CIAContent) *io.SectionReader {
	region := Region{
		Offset: c.Header.ContentRegion.Offset + content.Offset,
		Size:   int64(content.Size),
	}
	return c.section(region)
}

func (c *CIA) decrypts(content CIAContent) bool {
	return content.Encrypted() && !c.settings.plain()
}

// ContentReader streams the decrypted content.
func (c *CIA) ContentReader(content CIAContent) io.Reader {
	section := c.contentSection(content)
	if !c.decrypts(content) {
		return section
	}
	return ctrutil.NewCBCReader(section, section.Size(), c.titleKey.Cipher(), c.contentIV(content))
}

// ContentReaderAt gives random access to the decrypted content.
func (c *CIA) ContentReaderAt(content CIAContent) io.ReaderAt {
	section := c.contentSection(content)
	if !c.decrypts(content) {
		return section
	}
	return ctrutil.NewCBCReaderAt(section, section.Size(), c.titleKey.Cipher(), c.contentIV(content))
}

// nestedNCCH returns the NCCH held by a content, if any.
func (c *CIA) nestedNCCH(content *CIAContent) *NCCH {
	if content.NCCH != nil {
		return content.NCCH
	}
	if content.Size < ncchHeaderSize {
		return nil
	}

	r := c.ContentReaderAt(*content)
	magic, err := readAt(r, 0x100, 4)
	if err != nil || !bytes.Equal(magic, []byte("NCCH")) {
		return nil
	}

	content.NCCH = NewNCCH(r, 0, int64(content.Size), c.settings)
	return content.NCCH
}

// Verify the signatures of the certificate chain, the ticket and the TMD, and the hash of every
// content. Each content is read whole into memory.
func (c *CIA) Verify() error {
	if err := c.DeriveKey(); err != nil {
		return err
	}

	c.Certs.Verify()
	c.Status.Certs = Unchecked
	for _, cert := range c.Certs {
		if cert.Signature == Fail {
			c.Status.Certs = Fail
			break
		} else if cert.Signature == Good {
			c.Status.Certs = Good
		}
	}
	c.Status.Ticket = c.Ticket.VerifySignature(c.Certs)
	c.Status.TMD = c.TMD.VerifySignature(c.Certs)

	var errs error
	for i := range c.Contents {
		content := &c.Contents[i]
		log := c.log.WithFields(logrus.Fields{
			"index": content.Index,
			"id":    content.ID,
		})

		buf := make([]byte, content.Size)
		if _, err := io.ReadFull(c.ContentReader(*content), buf); err != nil {
			errs = multierr.Append(errs, ioError("cia", fmt.Sprintf("content %04x", uint16(content.Index)), err))
			continue
		}
		content.Status = VerifyHash(buf, content.Hash)
		log.WithField("status", content.Status).Debug("cia: content verified")

		if c.settings != nil && c.settings.Recurse {
			if ncch := c.nestedNCCH(content); ncch != nil {
				errs = multierr.Append(errs, ncch.Verify())
			}
		}
	}

	c.stage.advance(Verified)
	return errs
}

// Extract the regions and the decrypted contents to the given outputs. Contents are saved as
// <Contents>.<index>.<id>.
func (c *CIA) Extract(out Outputs) error {
	if err := c.DeriveKey(); err != nil {
		return err
	}

	h := c.Header
	fs := out.fs()

	var errs error
	for _, r := range []struct {
		name, path string
		region     Region
	}{
		{"certs", out.Certs, h.CertsRegion},
		{"ticket", out.Ticket, h.TicketRegion},
		{"tmd", out.TMD, h.TMDRegion},
		{"meta", out.Meta, h.MetaRegion},
	} {
		if r.path == "" || r.region.Empty() {
			continue
		}
		c.log.WithField("path", r.path).Info("cia: saving " + r.name)
		errs = multierr.Append(errs, saveRegion(fs, "cia", r.path, c.section(r.region), Region{Size: r.region.Size}))
	}

	for i := range c.Contents {
		content := &c.Contents[i]

		if out.Contents != "" {
			name := fmt.Sprintf("%s.%04x.%08x", out.Contents, uint16(content.Index), uint32(content.ID))
			c.log.WithField("path", name).Info("cia: saving content")
			errs = multierr.Append(errs, saveFile(fs, "cia", name, c.ContentReader(*content), int64(content.Size)))
		}

		if c.settings != nil && c.settings.Recurse {
			if ncch := c.nestedNCCH(content); ncch != nil {
				errs = multierr.Append(errs, ncch.Extract(out.forPartition(i)))
			}
		}
	}

	c.stage.advance(Extracted)
	return errs
}
