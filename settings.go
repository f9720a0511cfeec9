package ctrcrypt

import (
	"fmt"
	"path"

	"github.com/connesc/ctrcrypt/keyset"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Settings shared by all the parsers of a run. They must not be modified once parsing started.
type Settings struct {
	// Keys used for decryption and signature verification. May be nil.
	Keys *keyset.Keyset
	// Plain disables decryption of NCCH regions and CIA contents.
	Plain bool
	// MediaUnitSize overrides the unit size declared by NCSD and NCCH headers when non-zero.
	MediaUnitSize uint32
	// AbortOnMissingKey turns missing keys into KeyError instead of continuing with a zero key.
	AbortOnMissingKey bool
	// Recurse into CIA contents that hold an NCCH.
	Recurse bool
	// Logger receives diagnostics. Defaults to logrus.StandardLogger().
	Logger *logrus.Logger
}

func (s *Settings) keys() *keyset.Keyset {
	if s == nil || s.Keys == nil {
		return &keyset.Keyset{}
	}
	return s.Keys
}

func (s *Settings) logger() *logrus.Logger {
	if s == nil || s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}

func (s *Settings) plain() bool {
	return s != nil && s.Plain
}

func (s *Settings) unitSize(fallback int64) int64 {
	if s != nil && s.MediaUnitSize != 0 {
		return int64(s.MediaUnitSize)
	}
	return fallback
}

// Outputs tells where extracted regions are written. Empty paths are skipped.
type Outputs struct {
	// Fs receiving the files. Defaults to the OS filesystem.
	Fs afero.Fs

	ExHeader string
	ExeFS    string
	ExeFSDir string
	RomFS    string
	RomFSDir string
	Plain    string

	Certs    string
	Ticket   string
	TMD      string
	Meta     string
	Contents string

	FirmDir string

	// DecompressCode decompresses the .code section when saving the ExeFS directory.
	DecompressCode bool
}

func (o Outputs) fs() afero.Fs {
	if o.Fs == nil {
		return afero.NewOsFs()
	}
	return o.Fs
}

// forPartition derives the outputs of an NCSD partition. Partition 0 keeps the given paths,
// others get a suffix.
func (o Outputs) forPartition(index int) Outputs {
	if index == 0 {
		return o
	}

	suffix := func(p string) string {
		if p == "" {
			return ""
		}
		ext := path.Ext(p)
		return fmt.Sprintf("%s.%d%s", p[:len(p)-len(ext)], index, ext)
	}

	o.ExHeader = suffix(o.ExHeader)
	o.ExeFS = suffix(o.ExeFS)
	o.ExeFSDir = suffix(o.ExeFSDir)
	o.RomFS = suffix(o.RomFS)
	o.RomFSDir = suffix(o.RomFSDir)
	o.Plain = suffix(o.Plain)
	return o
}
