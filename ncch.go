package ctrcrypt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/connesc/ctrcrypt/ctrutil"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const (
	ncchHeaderSize      = 0x200
	ncchMaxUnitExponent = 20
)

// NCCHFlags decoded from the 8 flag bytes of an NCCH header.
type NCCHFlags struct {
	CryptoMethod     uint8
	ContentPlatform  uint8
	ContentType      uint8
	UnitSizeExponent uint8
	FixedKey         bool
	NoMountRomFS     bool
	NoCrypto         bool
}

func parseNCCHFlags(flags []byte) NCCHFlags {
	return NCCHFlags{
		CryptoMethod:     flags[3],
		ContentPlatform:  flags[4],
		ContentType:      flags[5],
		UnitSizeExponent: flags[6],
		FixedKey:         flags[7]&0x1 != 0,
		NoMountRomFS:     flags[7]&0x2 != 0,
		NoCrypto:         flags[7]&0x4 != 0,
	}
}

// Executable tells whether the NCCH is a CXI rather than a CFA.
func (f NCCHFlags) Executable() bool {
	return f.ContentType&0x2 != 0
}

// NCCHHeader is the decoded header of an NCCH. Regions are in bytes, relative to the NCCH.
type NCCHHeader struct {
	Signature           Hex
	ContentSize         uint32
	PartitionID         Hex64
	MakerCode           string
	Version             uint16
	ProgramID           Hex64
	TempFlag            Hex8
	ProductCode         string
	ExHeaderHash        Hex
	ExHeaderSize        uint32
	Flags               NCCHFlags
	PlainRegion         Region
	ExeFSRegion         Region
	ExeFSHashRegionSize int64
	RomFSRegion         Region
	RomFSHashRegionSize int64
	ExeFSSuperblockHash Hex
	RomFSSuperblockHash Hex

	raw []byte
}

// NCCHStatus gathers the hash and signature checks of an NCCH.
type NCCHStatus struct {
	Signature  Status
	ExHeader   Status
	AccessDesc Status
	ExeFS      Status
	RomFS      Status
}

// NCCH is a partition holding an extended header, an ExeFS and a RomFS, each encrypted in
// counter mode.
type NCCH struct {
	src       io.ReaderAt
	offset    int64
	size      int64
	settings  *Settings
	log       *logrus.Entry
	stage     Stage
	parsed    bool
	parseErrs error

	Header   *NCCHHeader
	UnitSize int64
	Key      *KeyDerivation `json:",omitempty"`
	ExHeader *ExHeader      `json:",omitempty"`
	ExeFS    *ExeFS         `json:",omitempty"`
	RomFS    *RomFS         `json:",omitempty"`
	Status   NCCHStatus
}

// NewNCCH prepares the parsing of the NCCH located at the given offset of src. If size is not
// positive, it is taken from the header.
func NewNCCH(src io.ReaderAt, offset, size int64, settings *Settings) *NCCH {
	return &NCCH{
		src:      src,
		offset:   offset,
		size:     size,
		settings: settings,
		log: settings.logger().WithFields(logrus.Fields{
			"container": "ncch",
			"offset":    fmt.Sprintf("0x%x", offset),
		}),
	}
}

// Stage reached by the parser.
func (n *NCCH) Stage() Stage {
	return n.stage
}

// ReadHeader reads and decodes the header. It is only read once.
func (n *NCCH) ReadHeader() error {
	if n.stage >= HeaderRead {
		return nil
	}

	raw, err := readAt(n.src, n.offset, ncchHeaderSize)
	if err != nil {
		return fmt.Errorf("ncch: failed to read header: %w", err)
	}

	if string(raw[0x100:0x104]) != "NCCH" {
		return formatErrorf("ncch", "magic not found")
	}

	h := &NCCHHeader{
		Signature:           raw[:0x100],
		ContentSize:         binary.LittleEndian.Uint32(raw[0x104:]),
		PartitionID:         Hex64(binary.LittleEndian.Uint64(raw[0x108:])),
		MakerCode:           trimString(raw[0x110:0x112]),
		Version:             binary.LittleEndian.Uint16(raw[0x112:]),
		ProgramID:           Hex64(binary.LittleEndian.Uint64(raw[0x118:])),
		TempFlag:            Hex8(raw[0x120]),
		ProductCode:         trimString(raw[0x150:0x160]),
		ExHeaderHash:        raw[0x160:0x180],
		ExHeaderSize:        binary.LittleEndian.Uint32(raw[0x180:]),
		Flags:               parseNCCHFlags(raw[0x188:0x190]),
		ExeFSSuperblockHash: raw[0x1c0:0x1e0],
		RomFSSuperblockHash: raw[0x1e0:0x200],
		raw:                 raw,
	}

	if h.Version > 2 {
		return formatErrorf("ncch", "version must be less than 3, got %d", h.Version)
	}
	if h.ExHeaderSize > ExHeaderSize {
		return formatErrorf("ncch", "extended header size must not exceed 0x%x, got 0x%x", ExHeaderSize, h.ExHeaderSize)
	}

	unitSize := int64(1)
	if h.Version != 1 {
		if h.Flags.UnitSizeExponent > ncchMaxUnitExponent {
			return formatErrorf("ncch", "invalid unit size exponent: %d", h.Flags.UnitSizeExponent)
		}
		unitSize = int64(1) << (9 + h.Flags.UnitSizeExponent)
	}
	unitSize = n.settings.unitSize(unitSize)

	field := func(offset int) uint32 {
		return binary.LittleEndian.Uint32(raw[offset:])
	}
	h.PlainRegion = unitRegion(field(0x190), field(0x194), unitSize)
	h.ExeFSRegion = unitRegion(field(0x1a0), field(0x1a4), unitSize)
	h.ExeFSHashRegionSize = int64(field(0x1a8)) * unitSize
	h.RomFSRegion = unitRegion(field(0x1b0), field(0x1b4), unitSize)
	h.RomFSHashRegionSize = int64(field(0x1b8)) * unitSize

	if n.size <= 0 {
		n.size = int64(h.ContentSize) * unitSize
	}

	regions := []struct {
		name   string
		region Region
	}{
		{"extended header", n.exheaderRegion(h)},
		{"plain region", h.PlainRegion},
		{"exefs", h.ExeFSRegion},
		{"romfs", h.RomFSRegion},
	}
	for _, r := range regions {
		if err := r.region.check("ncch", r.name, n.size); err != nil {
			return err
		}
	}

	// Hash regions are prefixes of the area they cover.
	if err := (Region{Size: h.ExeFSHashRegionSize}).check("ncch", "exefs hash region", h.ExeFSRegion.Size); err != nil {
		return err
	}
	if err := (Region{Size: h.RomFSHashRegionSize}).check("ncch", "romfs hash region", h.RomFSRegion.Size); err != nil {
		return err
	}

	n.Header = h
	n.UnitSize = unitSize
	n.stage.advance(HeaderRead)
	return nil
}

func (n *NCCH) exheaderRegion(h *NCCHHeader) Region {
	if h.ExHeaderSize == 0 {
		return Region{}
	}
	return Region{Offset: ncchHeaderSize, Size: ExHeaderSize}
}

// DeriveKey selects the key of the NCCH, reading the header first if needed.
//
// A key that cannot be derived is only an error if Settings.AbortOnMissingKey is set.
func (n *NCCH) DeriveKey() error {
	if n.stage >= KeyDerived {
		return nil
	}
	if err := n.ReadHeader(); err != nil {
		return err
	}

	keys := n.settings.keys()
	in := KeyInput{
		Plain:          n.settings.plain(),
		Override:       keys.NCCHKey,
		Flags:          n.Header.Flags,
		ProgramID:      uint64(n.Header.ProgramID),
		FixedSystemKey: keys.NCCHFixedSystemKey,
	}

	if !in.Plain && !in.Override.Valid() && n.Header.ExHeaderSize > 0 {
		programID, err := readAt(n.src, n.offset+ncchHeaderSize+exheaderProgramIDOffset, 8)
		if err != nil {
			return fmt.Errorf("ncch: failed to read extended header: %w", err)
		}
		in.ProgramIDMatches = bytes.Equal(programID, n.Header.raw[0x118:0x120])
	}

	key := DeriveNCCHKey(in)
	if key.Undecryptable {
		n.log.WithFields(logrus.Fields{
			"program_id": n.Header.ProgramID,
			"method":     key.Method,
		}).Warn("ncch: " + key.Diagnostic)

		if n.settings != nil && n.settings.AbortOnMissingKey {
			return &KeyError{Container: "ncch", Key: key.Method.String(), Msg: key.Diagnostic}
		}
	} else {
		n.log.WithField("method", key.Method).Debug("ncch: key derived")
	}

	n.Key = &key
	n.stage.advance(KeyDerived)
	return nil
}

// regionReader returns a decrypted view of a region.
func (n *NCCH) regionReader(typ ncchRegionType, region Region) io.ReaderAt {
	section := io.NewSectionReader(n.src, n.offset+region.Offset, region.Size)
	if !n.Key.Encrypted {
		return section
	}
	counter := newNCCHCounter(n.Header.Version, uint64(n.Header.PartitionID), typ, region.Offset)
	return ctrutil.NewCTRReaderAt(section, n.Key.Key.Cipher(), counter)
}

// parseRegions parses the extended header, the ExeFS and the RomFS. A region that cannot be
// parsed is skipped, and the error is reported by Verify and Extract.
func (n *NCCH) parseRegions() error {
	if err := n.DeriveKey(); err != nil {
		return err
	}
	if n.parsed {
		return n.parseErrs
	}
	n.parsed = true

	h := n.Header

	if region := n.exheaderRegion(h); !region.Empty() {
		data, err := readAt(n.regionReader(ncchExHeader, region), 0, region.Size)
		if err != nil {
			n.parseErrs = multierr.Append(n.parseErrs, ioError("ncch", "extended header", err))
		} else if n.ExHeader, err = ParseExHeader(data); err != nil {
			n.parseErrs = multierr.Append(n.parseErrs, err)
		} else if n.ExHeader.ProgramID != h.ProgramID {
			n.log.WithFields(logrus.Fields{
				"expected": h.ProgramID,
				"actual":   n.ExHeader.ProgramID,
			}).Warn("ncch: program id mismatch, wrong key?")
		}
	}

	if !h.ExeFSRegion.Empty() {
		exefs, err := ParseExeFS(n.regionReader(ncchExeFS, h.ExeFSRegion), h.ExeFSRegion.Size, n.log)
		if err != nil {
			n.parseErrs = multierr.Append(n.parseErrs, err)
		}
		n.ExeFS = exefs
	}

	if !h.RomFSRegion.Empty() {
		romfs, err := ParseRomFS(n.regionReader(ncchRomFS, h.RomFSRegion), h.RomFSRegion.Size, n.log)
		if err != nil {
			n.parseErrs = multierr.Append(n.parseErrs, err)
		}
		n.RomFS = romfs
	}

	return n.parseErrs
}

// Verify every hash and signature of the NCCH.
//
// Mismatches are reported through Status. The returned error aggregates the regions that could
// not be checked at all.
func (n *NCCH) Verify() error {
	errs := n.parseRegions()
	if n.stage < KeyDerived {
		return errs
	}

	h := n.Header
	keys := n.settings.keys()

	signer := keys.NCCHRSA
	if n.ExHeader != nil {
		signer = n.ExHeader.NCCHPublicKey()
	}
	n.Status.Signature = VerifySignature(signer, h.raw[0x100:0x200], h.raw[:0x100])

	if n.ExHeader != nil {
		n.Status.ExHeader = n.ExHeader.VerifyHash(h.ExHeaderSize, h.ExHeaderHash)
		n.Status.AccessDesc = n.ExHeader.VerifyAccessDesc(keys.NCCHDescRSA)
	}

	if !h.ExeFSRegion.Empty() {
		status, err := verifyRegionHash(n.regionReader(ncchExeFS, h.ExeFSRegion), Region{Size: h.ExeFSHashRegionSize}, h.ExeFSSuperblockHash)
		n.Status.ExeFS = status
		errs = multierr.Append(errs, ioError("ncch", "exefs", err))
		if n.ExeFS != nil {
			errs = multierr.Append(errs, n.ExeFS.Verify())
		}
	}

	if !h.RomFSRegion.Empty() {
		status, err := verifyRegionHash(n.regionReader(ncchRomFS, h.RomFSRegion), Region{Size: h.RomFSHashRegionSize}, h.RomFSSuperblockHash)
		n.Status.RomFS = status
		errs = multierr.Append(errs, ioError("ncch", "romfs", err))
		if n.RomFS != nil {
			errs = multierr.Append(errs, n.RomFS.Verify())
		}
	}

	n.log.WithFields(logrus.Fields{
		"signature": n.Status.Signature,
		"exheader":  n.Status.ExHeader,
		"exefs":     n.Status.ExeFS,
		"romfs":     n.Status.RomFS,
	}).Debug("ncch: verified")

	n.stage.advance(Verified)
	return errs
}

// Extract the decrypted regions to the given outputs. A failing region does not prevent the
// others from being extracted.
func (n *NCCH) Extract(out Outputs) error {
	errs := n.parseRegions()
	if n.stage < KeyDerived {
		return errs
	}

	h := n.Header
	fs := out.fs()

	save := func(name, path string, typ ncchRegionType, region Region) {
		if path == "" || region.Empty() {
			return
		}
		n.log.WithField("path", path).Info("ncch: saving " + name)
		var r io.ReaderAt
		if typ == 0 {
			r = io.NewSectionReader(n.src, n.offset+region.Offset, region.Size)
		} else {
			r = n.regionReader(typ, region)
		}
		errs = multierr.Append(errs, saveRegion(fs, "ncch", path, r, Region{Size: region.Size}))
	}

	save("extended header", out.ExHeader, ncchExHeader, n.exheaderRegion(h))
	save("exefs", out.ExeFS, ncchExeFS, h.ExeFSRegion)
	save("romfs", out.RomFS, ncchRomFS, h.RomFSRegion)
	save("plain region", out.Plain, 0, h.PlainRegion)

	if out.ExeFSDir != "" && n.ExeFS != nil {
		decompress := out.DecompressCode && n.ExHeader != nil && n.ExHeader.CompressedCode
		errs = multierr.Append(errs, n.ExeFS.Extract(fs, out.ExeFSDir, decompress, n.log))
	}
	if out.RomFSDir != "" && n.RomFS != nil && n.RomFS.Root != nil {
		errs = multierr.Append(errs, n.RomFS.Extract(fs, out.RomFSDir, n.log))
	}

	n.stage.advance(Extracted)
	return errs
}
