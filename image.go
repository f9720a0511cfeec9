package ctrcrypt

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
)

// tileOrder maps the index of a pixel within an 8x8 tile to its coordinates. Pixels are stored in
// Z-order: bits 0, 2, 4 of the index give x, bits 1, 3, 5 give y.
var tileOrder [64]image.Point

func init() {
	for i := range tileOrder {
		tileOrder[i] = image.Pt(i&1|(i&4)>>1|(i&16)>>2, (i&2)>>1|(i&8)>>2|(i&32)>>3)
	}
}

func expandBits(value uint16, bits uint) uint8 {
	max := uint32(1)<<bits - 1
	return uint8((uint32(value)*255 + max/2) / max)
}

// DecodeIconImage decodes an RGB565 icon as found in an SMDH file, made of 8x8 tiles.
func DecodeIconImage(src []byte, width int) (image.Image, error) {
	if width <= 0 || width%8 != 0 {
		return nil, fmt.Errorf("icon width must be positive and multiple of 8, got %d", width)
	}
	n := len(src)
	if n == 0 || n%(16*width) != 0 {
		return nil, fmt.Errorf("icon length must be positive and multiple of %d (16*width), got %d", 16*width, n)
	}

	height := n / 2 / width
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	tilesPerRow := width / 8

	for tile := 0; tile < n/128; tile++ {
		origin := image.Pt(tile%tilesPerRow*8, tile/tilesPerRow*8)
		for i, offset := range tileOrder {
			pixel := binary.LittleEndian.Uint16(src[(tile*64+i)*2:])
			p := origin.Add(offset)
			dst.SetNRGBA(p.X, p.Y, color.NRGBA{
				R: expandBits(pixel>>11, 5),
				G: expandBits((pixel>>5)&0x3f, 6),
				B: expandBits(pixel&0x1f, 5),
				A: 255,
			})
		}
	}

	return dst, nil
}
