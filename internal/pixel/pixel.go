// Package pixel defines the canvas coordinate system and the IPv6
// address encoding that ping-to-pixel is built on (spec.md §3, §6).
package pixel

import "net"

const (
	// Width is the canvas width in pixels.
	Width = 512
	// Height is the canvas height in pixels.
	Height = 512
)

// Size is a brush size in pixels-per-side. Only 1x1 and 2x2 brushes exist.
type Size uint8

const (
	Size1x1 Size = 1
	Size2x2 Size = 2
)

// Color is an 8-bit RGB triple.
type Color struct {
	R, G, B uint8
}

// Pos is a canvas coordinate, always within [0, Width) x [0, Height).
type Pos struct {
	X, Y uint16
}

// Update is a single decoded ping-to-pixel instruction.
type Update struct {
	Source net.IP
	Pos    Pos
	Color  Color
	Size   Size
}

// Encode packs size/x/y/r/g/b into the low-order four segments of a
// 16-byte IPv6 address, leaving the operator-chosen /64 prefix (the
// first four segments) as given. This is the inverse of Decode and is
// exercised by the round-trip property in spec.md §8.
func Encode(prefix [4]uint16, size Size, x, y uint16, c Color) net.IP {
	ip := make(net.IP, 16)
	putSegment(ip, 0, prefix[0])
	putSegment(ip, 1, prefix[1])
	putSegment(ip, 2, prefix[2])
	putSegment(ip, 3, prefix[3])
	putSegment(ip, 4, (uint16(size)<<12)|(x&0x0FFF))
	putSegment(ip, 5, y&0x0FFF)
	putSegment(ip, 6, uint16(c.R)&0x00FF)
	putSegment(ip, 7, (uint16(c.G)<<8)|(uint16(c.B)&0xFF))
	return ip
}

// Decode extracts size/x/y/r/g/b from the destination address of an
// accepted ICMPv6 echo per the bit layout in spec.md §6. It reports
// false when the size nibble or the resulting position is invalid;
// it never inspects the /64 prefix, which is operator-chosen.
func Decode(dst net.IP) (size Size, x, y uint16, c Color, ok bool) {
	ip16 := dst.To16()
	if ip16 == nil {
		return 0, 0, 0, Color{}, false
	}
	s4 := segment(ip16, 4)
	s5 := segment(ip16, 5)
	s6 := segment(ip16, 6)
	s7 := segment(ip16, 7)

	switch (s4 >> 12) & 0xF {
	case 1:
		size = Size1x1
	case 2:
		size = Size2x2
	default:
		return 0, 0, 0, Color{}, false
	}

	x = s4 & 0x0FFF
	y = s5 & 0x0FFF
	if x >= Width || y >= Height {
		return 0, 0, 0, Color{}, false
	}

	c = Color{
		R: uint8(s6 & 0x00FF),
		G: uint8((s7 >> 8) & 0xFF),
		B: uint8(s7 & 0xFF),
	}
	return size, x, y, c, true
}

func segment(ip net.IP, i int) uint16 {
	return uint16(ip[i*2])<<8 | uint16(ip[i*2+1])
}

func putSegment(ip net.IP, i int, v uint16) {
	ip[i*2] = byte(v >> 8)
	ip[i*2+1] = byte(v)
}
