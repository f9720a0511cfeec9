package ctrcrypt

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const (
	ncsdHeaderSize     = 0x200
	ncsdPartitionCount = 8
)

// NCSDPartition is an entry of the partition table of an NCSD image.
type NCSDPartition struct {
	Index     int
	ID        Hex64
	FSType    Hex8
	CryptType Hex8
	Region    Region
	NCCH      *NCCH `json:",omitempty"`
}

// NCSDHeader is the header of an NCSD image, also known as CCI.
type NCSDHeader struct {
	Signature   Hex
	MediaSize   uint32
	MediaID     Hex64
	Flags       Hex
	Partitions  []NCSDPartition
	SignedBytes Hex `json:"-"`
}

// NCSD is a cartridge image holding up to 8 NCCH partitions.
type NCSD struct {
	src      io.ReaderAt
	offset   int64
	size     int64
	settings *Settings
	log      *logrus.Entry
	stage    Stage

	Header    *NCSDHeader
	UnitSize  int64
	Signature Status
}

// NewNCSD prepares the parsing of the NCSD located at the given offset of src. If size is not
// positive, it is taken from the header.
func NewNCSD(src io.ReaderAt, offset, size int64, settings *Settings) *NCSD {
	return &NCSD{
		src:      src,
		offset:   offset,
		size:     size,
		settings: settings,
		log: settings.logger().WithFields(logrus.Fields{
			"container": "ncsd",
			"offset":    fmt.Sprintf("0x%x", offset),
		}),
	}
}

// Stage reached by the parser.
func (n *NCSD) Stage() Stage {
	return n.stage
}

// ReadHeader reads the header and the partition table. Partitions are not parsed yet.
func (n *NCSD) ReadHeader() error {
	if n.stage >= HeaderRead {
		return nil
	}

	raw, err := readAt(n.src, n.offset, ncsdHeaderSize)
	if err != nil {
		return fmt.Errorf("ncsd: failed to read header: %w", err)
	}

	if string(raw[0x100:0x104]) != "NCSD" {
		return formatErrorf("ncsd", "magic not found")
	}

	h := &NCSDHeader{
		Signature:   raw[:0x100],
		MediaSize:   binary.LittleEndian.Uint32(raw[0x104:]),
		MediaID:     Hex64(binary.LittleEndian.Uint64(raw[0x108:])),
		Flags:       raw[0x188:0x190],
		SignedBytes: raw[0x100:0x200],
	}

	if raw[0x18e] > ncchMaxUnitExponent {
		return formatErrorf("ncsd", "invalid unit size exponent: %d", raw[0x18e])
	}
	unitSize := n.settings.unitSize(int64(1) << (9 + raw[0x18e]))

	if n.size <= 0 {
		n.size = int64(h.MediaSize) * unitSize
	}

	for i := 0; i < ncsdPartitionCount; i++ {
		region := unitRegion(
			binary.LittleEndian.Uint32(raw[0x120+8*i:]),
			binary.LittleEndian.Uint32(raw[0x124+8*i:]),
			unitSize,
		)
		if region.Empty() {
			continue
		}
		if err := region.check("ncsd", fmt.Sprintf("partition %d", i), n.size); err != nil {
			return err
		}

		h.Partitions = append(h.Partitions, NCSDPartition{
			Index:     i,
			ID:        Hex64(binary.LittleEndian.Uint64(raw[0x190+8*i:])),
			FSType:    Hex8(raw[0x110+i]),
			CryptType: Hex8(raw[0x118+i]),
			Region:    region,
		})
	}

	n.Header = h
	n.UnitSize = unitSize
	n.stage.advance(HeaderRead)
	return nil
}

// partitions creates the parser of every partition. The NCCH of each partition is only created
// once.
func (n *NCSD) partitions() error {
	if err := n.ReadHeader(); err != nil {
		return err
	}
	for i := range n.Header.Partitions {
		p := &n.Header.Partitions[i]
		if p.NCCH == nil {
			p.NCCH = NewNCCH(n.src, n.offset+p.Region.Offset, p.Region.Size, n.settings)
		}
	}
	n.stage.advance(KeyDerived)
	return nil
}

// Verify the signature of the header, then every partition.
//
// A partition that cannot be parsed does not prevent the others from being verified.
func (n *NCSD) Verify() error {
	if err := n.partitions(); err != nil {
		return err
	}

	n.Signature = VerifySignature(n.settings.keys().NCSDRSA, n.Header.SignedBytes, n.Header.Signature)

	var errs error
	for _, p := range n.Header.Partitions {
		if err := p.NCCH.Verify(); err != nil {
			n.log.WithError(err).WithField("partition", p.Index).Warn("ncsd: partition verification failed")
			errs = multierr.Append(errs, err)
		}
	}

	n.stage.advance(Verified)
	return errs
}

// Extract every partition. Partition 0 uses the given outputs, other partitions get an index
// suffix.
func (n *NCSD) Extract(out Outputs) error {
	if err := n.partitions(); err != nil {
		return err
	}

	var errs error
	for _, p := range n.Header.Partitions {
		errs = multierr.Append(errs, p.NCCH.Extract(out.forPartition(p.Index)))
	}

	n.stage.advance(Extracted)
	return errs
}
