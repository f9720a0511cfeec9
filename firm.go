package ctrcrypt

import (
	"encoding/binary"
	"fmt"
	"io"
	"path"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const (
	firmHeaderSize   = 0x200
	firmSectionCount = 4
)

// FirmSection is a section of a firmware image, loaded at Address.
type FirmSection struct {
	Index   int
	Offset  Hex32
	Address Hex32
	Size    uint32
	Type    uint32
	Hash    Hex
	Status  Status
}

// FirmHeader is the header of a firmware image.
type FirmHeader struct {
	ARM11Entry Hex32
	ARM9Entry  Hex32
	Sections   []FirmSection
	Signature  Hex

	raw []byte
}

// Firm is a firmware image made of up to 4 sections.
type Firm struct {
	src      io.ReaderAt
	offset   int64
	size     int64
	settings *Settings
	log      *logrus.Entry
	stage    Stage

	Header    *FirmHeader
	Signature Status
}

// NewFirm prepares the parsing of the firmware image located at the given offset of src. If size
// is not positive, it is taken from the section table.
func NewFirm(src io.ReaderAt, offset, size int64, settings *Settings) *Firm {
	return &Firm{
		src:      src,
		offset:   offset,
		size:     size,
		settings: settings,
		log: settings.logger().WithFields(logrus.Fields{
			"container": "firm",
			"offset":    fmt.Sprintf("0x%x", offset),
		}),
	}
}

// Stage reached by the parser.
func (f *Firm) Stage() Stage {
	return f.stage
}

func (f *Firm) region(section FirmSection) Region {
	return Region{Offset: int64(section.Offset), Size: int64(section.Size)}
}

// ReadHeader reads the header and the section table.
func (f *Firm) ReadHeader() error {
	if f.stage >= HeaderRead {
		return nil
	}

	raw, err := readAt(f.src, f.offset, firmHeaderSize)
	if err != nil {
		return fmt.Errorf("firm: failed to read header: %w", err)
	}

	if string(raw[:0x4]) != "FIRM" {
		return formatErrorf("firm", "magic not found")
	}

	h := &FirmHeader{
		ARM11Entry: Hex32(binary.LittleEndian.Uint32(raw[0x8:])),
		ARM9Entry:  Hex32(binary.LittleEndian.Uint32(raw[0xc:])),
		Signature:  raw[0x100:0x200],
		raw:        raw,
	}

	var end int64 = firmHeaderSize
	for i := 0; i < firmSectionCount; i++ {
		entry := raw[0x40+0x30*i:]
		section := FirmSection{
			Index:   i,
			Offset:  Hex32(binary.LittleEndian.Uint32(entry)),
			Address: Hex32(binary.LittleEndian.Uint32(entry[0x4:])),
			Size:    binary.LittleEndian.Uint32(entry[0x8:]),
			Type:    binary.LittleEndian.Uint32(entry[0xc:]),
			Hash:    entry[0x10:0x30],
		}
		if section.Size == 0 {
			continue
		}
		if e := f.region(section).End(); e > end {
			end = e
		}
		h.Sections = append(h.Sections, section)
	}

	if f.size <= 0 {
		f.size = end
	}
	for _, section := range h.Sections {
		if err := f.region(section).check("firm", fmt.Sprintf("section %d", section.Index), f.size); err != nil {
			return err
		}
	}

	f.Header = h
	f.stage.advance(HeaderRead)
	return nil
}

// Verify the signature of the header and the hash of every section.
func (f *Firm) Verify() error {
	if err := f.ReadHeader(); err != nil {
		return err
	}
	f.stage.advance(KeyDerived)

	h := f.Header
	f.Signature = VerifySignature(f.settings.keys().FirmRSA, h.raw[:0x100], h.Signature)

	var errs error
	for i := range h.Sections {
		section := &h.Sections[i]
		status, err := verifyRegionHash(f.section(*section), Region{Size: int64(section.Size)}, section.Hash)
		if err != nil {
			errs = multierr.Append(errs, ioError("firm", fmt.Sprintf("section %d", section.Index), err))
			continue
		}
		section.Status = status
	}

	f.stage.advance(Verified)
	return errs
}

func (f *Firm) section(section FirmSection) *io.SectionReader {
	region := f.region(section)
	return io.NewSectionReader(f.src, f.offset+region.Offset, region.Size)
}

// Extract every section into Outputs.FirmDir, as firm_<index>_<address>.bin.
func (f *Firm) Extract(out Outputs) error {
	if err := f.ReadHeader(); err != nil {
		return err
	}
	f.stage.advance(KeyDerived)

	if out.FirmDir == "" {
		f.stage.advance(Extracted)
		return nil
	}

	fs := out.fs()
	var errs error
	for _, section := range f.Header.Sections {
		name := path.Join(out.FirmDir, fmt.Sprintf("firm_%d_%08X.bin", section.Index, uint32(section.Address)))
		f.log.WithField("path", name).Info("firm: saving section")
		errs = multierr.Append(errs, saveFile(fs, "firm", name, f.section(section), int64(section.Size)))
	}

	f.stage.advance(Extracted)
	return errs
}
