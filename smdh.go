package ctrcrypt

import (
	"encoding/binary"
	"fmt"
	"image"

	"github.com/connesc/ctrcrypt/ctrutil"
)

// SMDHSize is the size of an SMDH icon file.
const SMDHSize = 0x36c0

var smdhLanguages = [16]string{
	"Japanese", "English", "French", "German", "Italian", "Spanish", "Simplified Chinese", "Korean",
	"Dutch", "Portuguese", "Russian", "Traditional Chinese",
}

// SMDH is the icon and title metadata of an application.
type SMDH struct {
	Version uint16
	// Title in English, also used as a fallback for other languages.
	Title   SMDHTitle
	Titles  map[string]SMDHTitle `json:",omitempty"`
	Regions []string
	Flags   Hex32
	CECID   Hex32

	smallIcon []byte
	largeIcon []byte
}

type SMDHTitle struct {
	ShortDescription string
	LongDescription  string
	Publisher        string
}

// ParseSMDH decodes an SMDH file.
func ParseSMDH(data []byte) (*SMDH, error) {
	if len(data) < SMDHSize {
		return nil, formatErrorf("smdh", "size must be at least 0x%x, got 0x%x", SMDHSize, len(data))
	}

	if string(data[:0x4]) != "SMDH" {
		return nil, formatErrorf("smdh", "magic not found")
	}

	smdh := &SMDH{
		Version:   binary.LittleEndian.Uint16(data[0x4:]),
		Titles:    make(map[string]SMDHTitle),
		Flags:     Hex32(binary.LittleEndian.Uint32(data[0x2028:])),
		CECID:     Hex32(binary.LittleEndian.Uint32(data[0x2034:])),
		smallIcon: data[0x2040:0x24c0],
		largeIcon: data[0x24c0:0x36c0],
	}

	for i, language := range smdhLanguages {
		raw := data[0x8+0x200*i : 0x8+0x200*(i+1)]
		title := SMDHTitle{
			ShortDescription: ctrutil.DecodeUTF16(raw[:0x80], binary.LittleEndian),
			LongDescription:  ctrutil.DecodeUTF16(raw[0x80:0x180], binary.LittleEndian),
			Publisher:        ctrutil.DecodeUTF16(raw[0x180:0x200], binary.LittleEndian),
		}
		if language == "English" {
			smdh.Title = title
		}
		if language != "" && title != (SMDHTitle{}) {
			smdh.Titles[language] = title
		}
	}

	regions, err := decodeRegionLockout(binary.LittleEndian.Uint32(data[0x2018:]))
	if err != nil {
		return nil, err
	}
	smdh.Regions = regions

	return smdh, nil
}

func decodeRegionLockout(flags uint32) ([]string, error) {
	if flags == 0x7fffffff {
		return []string{"World"}, nil
	}
	if flags > 0x7f {
		return nil, formatErrorf("smdh", "unexpected region flags: %s", Hex32(flags))
	}

	regions := make([]string, 0, 1)
	for bit, region := range []string{"Japan", "North America", "Europe", "Australia", "China", "Korea", "Taiwan"} {
		if flags&(1<<bit) != 0 {
			regions = append(regions, region)
		}
	}
	return regions, nil
}

// SmallIcon decodes the 24x24 icon.
func (s *SMDH) SmallIcon() (image.Image, error) {
	img, err := DecodeIconImage(s.smallIcon, 24)
	if err != nil {
		return nil, fmt.Errorf("smdh: failed to decode small icon: %w", err)
	}
	return img, nil
}

// LargeIcon decodes the 48x48 icon.
func (s *SMDH) LargeIcon() (image.Image, error) {
	img, err := DecodeIconImage(s.largeIcon, 48)
	if err != nil {
		return nil, fmt.Errorf("smdh: failed to decode large icon: %w", err)
	}
	return img, nil
}
