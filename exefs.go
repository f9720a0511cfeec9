package ctrcrypt

import (
	"encoding/binary"
	"fmt"
	"io"
	"path"

	"github.com/connesc/ctrcrypt/ctrutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

const (
	// ExeFSHeaderSize is the size of the section table, which precedes the sections.
	ExeFSHeaderSize = 0x200

	exefsSectionCount = 8
)

// ExeFSSection is a named section of an ExeFS. Offset is relative to the end of the header.
type ExeFSSection struct {
	Name   string
	Offset Hex32
	Size   uint32
	Hash   Hex
	Status Status
}

// ExeFS is a table of up to 8 named sections, each protected by a SHA-256 hash.
type ExeFS struct {
	r    io.ReaderAt
	size int64

	Sections []ExeFSSection
	Icon     *SMDH `json:",omitempty"`
}

// ParseExeFS reads the section table of a decrypted ExeFS of the given size.
//
// Section hashes are stored in reverse order, the hash of section i being the (7-i)th.
func ParseExeFS(r io.ReaderAt, size int64, log logrus.FieldLogger) (*ExeFS, error) {
	header, err := readAt(r, 0, ExeFSHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("exefs: failed to read header: %w", err)
	}

	exefs := &ExeFS{
		r:    r,
		size: size,
	}

	for i := 0; i < exefsSectionCount; i++ {
		entry := header[i*0x10 : (i+1)*0x10]
		name := trimString(entry[:0x8])
		sectionSize := binary.LittleEndian.Uint32(entry[0xc:])
		if name == "" || sectionSize == 0 {
			continue
		}

		section := ExeFSSection{
			Name:   name,
			Offset: Hex32(binary.LittleEndian.Uint32(entry[0x8:])),
			Size:   sectionSize,
			Hash:   header[0x100+0x20*(7-i) : 0x120+0x20*(7-i)],
		}
		if err := exefs.region(section).check("exefs", "section "+name, size); err != nil {
			return nil, err
		}
		exefs.Sections = append(exefs.Sections, section)
	}

	if icon, ok := exefs.Section("icon"); ok {
		data, err := exefs.ReadSection(icon)
		if err != nil {
			return nil, err
		}
		exefs.Icon, err = ParseSMDH(data)
		if err != nil {
			log.WithError(err).Warn("exefs: invalid icon")
		}
	}

	return exefs, nil
}

func (e *ExeFS) region(section ExeFSSection) Region {
	return Region{
		Offset: ExeFSHeaderSize + int64(section.Offset),
		Size:   int64(section.Size),
	}
}

// Section returns the section with the given name.
func (e *ExeFS) Section(name string) (ExeFSSection, bool) {
	for _, section := range e.Sections {
		if section.Name == name {
			return section, true
		}
	}
	return ExeFSSection{}, false
}

// ReadSection reads the whole content of a section.
func (e *ExeFS) ReadSection(section ExeFSSection) ([]byte, error) {
	region := e.region(section)
	data, err := readAt(e.r, region.Offset, region.Size)
	if err != nil {
		return nil, fmt.Errorf("exefs: failed to read section %s: %w", section.Name, err)
	}
	return data, nil
}

// Verify the hash of every section.
func (e *ExeFS) Verify() error {
	var errs error
	for i := range e.Sections {
		section := &e.Sections[i]
		status, err := verifyRegionHash(e.r, e.region(*section), section.Hash)
		if err != nil {
			errs = multierr.Append(errs, ioError("exefs", "section "+section.Name, err))
			continue
		}
		section.Status = status
	}
	return errs
}

// Extract every section into the given directory, as <name>.bin. The .code section is
// decompressed when requested.
func (e *ExeFS) Extract(afs afero.Fs, dir string, decompressCode bool, log logrus.FieldLogger) error {
	if err := afs.MkdirAll(dir, 0755); err != nil {
		return ioError("exefs", dir, err)
	}

	var errs error
	for _, section := range e.Sections {
		target := path.Join(dir, sanitizeName(section.Name)+".bin")
		log.WithField("path", target).Debug("exefs: saving section")

		if section.Name == ".code" && decompressCode {
			errs = multierr.Append(errs, e.extractCode(afs, target, section))
			continue
		}
		errs = multierr.Append(errs, saveRegion(afs, "exefs", target, e.r, e.region(section)))
	}
	return errs
}

func (e *ExeFS) extractCode(afs afero.Fs, target string, section ExeFSSection) error {
	compressed, err := e.ReadSection(section)
	if err != nil {
		return ioError("exefs", section.Name, err)
	}
	code, err := ctrutil.DecompressLZSS(compressed)
	if err != nil {
		return fmt.Errorf("exefs: failed to decompress %s: %w", section.Name, err)
	}
	return afero.WriteFile(afs, target, code, 0644)
}
