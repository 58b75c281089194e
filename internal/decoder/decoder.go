// Package decoder implements the stateless mapping from a raw captured
// frame to a pixel.Update (spec.md §4.1). It never fails noisily: any
// malformed or uninteresting frame simply yields ok=false.
package decoder

import (
	"encoding/binary"
	"net"

	"github.com/serverscanning/place-ipv6-server/internal/pixel"
)

const (
	ethernetHeaderLen = 12 // dst MAC + src MAC; EtherType follows
	etherTypeIPv6Hi   = 0x86
	etherTypeIPv6Lo   = 0xDD

	ipv6HeaderLen     = 40
	ipv6VersionByte   = 0x60
	ipv6NextHeaderOff = 6
	ipv6PayloadLenOff = 4
	ipv6SrcOff        = 8
	ipv6DstOff        = 24
	nextHeaderICMPv6  = 0x3A

	icmpv6TypeEchoRequest = 0x80
	icmpv6TypeEchoReply   = 0x81
)

// Options controls how a frame is interpreted.
type Options struct {
	// LinkIsEthernet is true when the capture handed us an Ethernet
	// frame (14-byte header including EtherType) rather than a raw
	// IP frame straight off the wire.
	LinkIsEthernet bool
	// VerifyChecksum enables RFC 1071 ICMPv6 checksum validation.
	VerifyChecksum bool
}

// Decode maps a raw captured frame to a pixel.Update. It returns ok=false
// for anything that isn't a well-formed ICMPv6 echo request/reply whose
// destination address encodes a valid pixel.
func Decode(frame []byte, opts Options) (pixel.Update, bool) {
	if opts.LinkIsEthernet {
		if len(frame) < ethernetHeaderLen+2 {
			return pixel.Update{}, false
		}
		if frame[ethernetHeaderLen] != etherTypeIPv6Hi || frame[ethernetHeaderLen+1] != etherTypeIPv6Lo {
			return pixel.Update{}, false
		}
		frame = frame[ethernetHeaderLen+2:]
	}

	if len(frame) < ipv6HeaderLen {
		return pixel.Update{}, false
	}
	if frame[0] != ipv6VersionByte {
		return pixel.Update{}, false
	}
	if frame[ipv6NextHeaderOff] != nextHeaderICMPv6 {
		return pixel.Update{}, false
	}

	payloadLen := binary.BigEndian.Uint16(frame[ipv6PayloadLenOff : ipv6PayloadLenOff+2])
	if payloadLen < 8 {
		return pixel.Update{}, false
	}

	var src, dst [16]byte
	copy(src[:], frame[ipv6SrcOff:ipv6SrcOff+16])
	copy(dst[:], frame[ipv6DstOff:ipv6DstOff+16])

	if len(frame) < ipv6HeaderLen+int(payloadLen) {
		return pixel.Update{}, false
	}
	payload := frame[ipv6HeaderLen : ipv6HeaderLen+int(payloadLen)]

	if payload[0] != icmpv6TypeEchoRequest && payload[0] != icmpv6TypeEchoReply {
		return pixel.Update{}, false
	}
	if payload[1] != 0x00 {
		return pixel.Update{}, false
	}

	if opts.VerifyChecksum && !verifyChecksum(src, dst, payload) {
		return pixel.Update{}, false
	}

	size, x, y, c, ok := pixel.Decode(net.IP(dst[:]))
	if !ok {
		return pixel.Update{}, false
	}

	return pixel.Update{
		Source: net.IP(append([]byte(nil), src[:]...)),
		Pos:    pixel.Pos{X: x, Y: y},
		Color:  c,
		Size:   size,
	}, true
}
