package decoder

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/serverscanning/place-ipv6-server/internal/pixel"
	"github.com/stretchr/testify/require"
)

// buildIPv6Frame assembles a minimal IPv6+ICMPv6 frame (no ethernet header)
// with the given src/dst and ICMPv6 payload.
func buildIPv6Frame(src, dst net.IP, payload []byte) []byte {
	frame := make([]byte, ipv6HeaderLen+len(payload))
	frame[0] = ipv6VersionByte
	binary.BigEndian.PutUint16(frame[ipv6PayloadLenOff:], uint16(len(payload)))
	frame[ipv6NextHeaderOff] = nextHeaderICMPv6
	copy(frame[ipv6SrcOff:ipv6SrcOff+16], src.To16())
	copy(frame[ipv6DstOff:ipv6DstOff+16], dst.To16())
	copy(frame[ipv6HeaderLen:], payload)
	return frame
}

func echoPayload(icmpType byte, extra int) []byte {
	p := make([]byte, 8+extra)
	p[0] = icmpType
	p[1] = 0x00
	return p
}

func TestDecode_Scenario1_SizeOneGreenPixel(t *testing.T) {
	t.Parallel()
	src := net.ParseIP("2001:db8::1")
	dst := net.ParseIP("2602:fa9b:0202:0000:1000:0001:0000:ff00")
	frame := buildIPv6Frame(src, dst, echoPayload(icmpv6TypeEchoRequest, 0))

	upd, ok := Decode(frame, Options{})
	require.True(t, ok)
	require.Equal(t, pixel.Size1x1, upd.Size)
	require.Equal(t, pixel.Pos{X: 0, Y: 1}, upd.Pos)
	require.Equal(t, pixel.Color{R: 0, G: 255, B: 0}, upd.Color)
}

func TestDecode_Scenario2_SizeTwoBlock(t *testing.T) {
	t.Parallel()
	src := net.ParseIP("2001:db8::1")
	dst := net.ParseIP("2602:fa9b:0202:0000:2005:0010:00ff:abcd")
	frame := buildIPv6Frame(src, dst, echoPayload(icmpv6TypeEchoRequest, 0))

	upd, ok := Decode(frame, Options{})
	require.True(t, ok)
	require.Equal(t, pixel.Size2x2, upd.Size)
	require.Equal(t, pixel.Pos{X: 5, Y: 16}, upd.Pos)
	require.Equal(t, pixel.Color{R: 0xFF, G: 0xAB, B: 0xCD}, upd.Color)
}

func TestDecode_Scenario3_InvalidSizeRejected(t *testing.T) {
	t.Parallel()
	dst := net.ParseIP("2602:fa9b:0202:0000:31ff:0010:0000:abcd")
	frame := buildIPv6Frame(net.ParseIP("::1"), dst, echoPayload(icmpv6TypeEchoRequest, 0))
	_, ok := Decode(frame, Options{})
	require.False(t, ok)
}

func TestDecode_Scenario4_OutOfRangeXRejected(t *testing.T) {
	t.Parallel()
	dst := net.ParseIP("2602:fa9b:0202:0000:1200:0200:0000:0000")
	frame := buildIPv6Frame(net.ParseIP("::1"), dst, echoPayload(icmpv6TypeEchoRequest, 0))
	_, ok := Decode(frame, Options{})
	require.False(t, ok)
}

func TestDecode_AcceptsEchoReplyToo(t *testing.T) {
	t.Parallel()
	dst := net.ParseIP("2602:fa9b:0202:0000:1000:0001:0000:ff00")
	frame := buildIPv6Frame(net.ParseIP("::1"), dst, echoPayload(icmpv6TypeEchoReply, 0))
	_, ok := Decode(frame, Options{})
	require.True(t, ok)
}

func TestDecode_RejectsBadVersionNibble(t *testing.T) {
	t.Parallel()
	dst := net.ParseIP("2602:fa9b:0202:0000:1000:0001:0000:ff00")
	frame := buildIPv6Frame(net.ParseIP("::1"), dst, echoPayload(icmpv6TypeEchoRequest, 0))
	frame[0] = 0x40
	_, ok := Decode(frame, Options{})
	require.False(t, ok)
}

func TestDecode_RejectsWrongNextHeader(t *testing.T) {
	t.Parallel()
	dst := net.ParseIP("2602:fa9b:0202:0000:1000:0001:0000:ff00")
	frame := buildIPv6Frame(net.ParseIP("::1"), dst, echoPayload(icmpv6TypeEchoRequest, 0))
	frame[ipv6NextHeaderOff] = 0x06 // TCP
	_, ok := Decode(frame, Options{})
	require.False(t, ok)
}

func TestDecode_RejectsShortPayloadLength(t *testing.T) {
	t.Parallel()
	dst := net.ParseIP("2602:fa9b:0202:0000:1000:0001:0000:ff00")
	frame := buildIPv6Frame(net.ParseIP("::1"), dst, echoPayload(icmpv6TypeEchoRequest, 0))
	binary.BigEndian.PutUint16(frame[ipv6PayloadLenOff:], 4)
	_, ok := Decode(frame, Options{})
	require.False(t, ok)
}

func TestDecode_RejectsNonEchoICMPType(t *testing.T) {
	t.Parallel()
	dst := net.ParseIP("2602:fa9b:0202:0000:1000:0001:0000:ff00")
	frame := buildIPv6Frame(net.ParseIP("::1"), dst, echoPayload(0x01, 0)) // destination unreachable
	_, ok := Decode(frame, Options{})
	require.False(t, ok)
}

func TestDecode_RejectsNonZeroCode(t *testing.T) {
	t.Parallel()
	dst := net.ParseIP("2602:fa9b:0202:0000:1000:0001:0000:ff00")
	frame := buildIPv6Frame(net.ParseIP("::1"), dst, echoPayload(icmpv6TypeEchoRequest, 0))
	frame[ipv6HeaderLen+1] = 0x05
	_, ok := Decode(frame, Options{})
	require.False(t, ok)
}

func TestDecode_EthernetLinkLayer(t *testing.T) {
	t.Parallel()
	dst := net.ParseIP("2602:fa9b:0202:0000:1000:0001:0000:ff00")
	ipFrame := buildIPv6Frame(net.ParseIP("::1"), dst, echoPayload(icmpv6TypeEchoRequest, 0))

	eth := make([]byte, ethernetHeaderLen+2+len(ipFrame))
	eth[ethernetHeaderLen] = etherTypeIPv6Hi
	eth[ethernetHeaderLen+1] = etherTypeIPv6Lo
	copy(eth[ethernetHeaderLen+2:], ipFrame)

	_, ok := Decode(eth, Options{LinkIsEthernet: true})
	require.True(t, ok)

	// Wrong ethertype is rejected.
	eth[ethernetHeaderLen+1] = 0x00
	_, ok = Decode(eth, Options{LinkIsEthernet: true})
	require.False(t, ok)
}

func TestDecode_ChecksumVerification(t *testing.T) {
	t.Parallel()
	src := net.ParseIP("2001:db8::1")
	dst := net.ParseIP("2602:fa9b:0202:0000:1000:0001:0000:ff00")

	payload := echoPayload(icmpv6TypeEchoRequest, 4)
	var srcB, dstB [16]byte
	copy(srcB[:], src.To16())
	copy(dstB[:], dst.To16())

	good := validChecksumBytes(srcB, dstB, payload)
	frame := buildIPv6Frame(src, dst, good)
	_, ok := Decode(frame, Options{VerifyChecksum: true})
	require.True(t, ok)

	bad := append([]byte(nil), good...)
	bad[2] ^= 0xFF
	frameBad := buildIPv6Frame(src, dst, bad)
	_, ok = Decode(frameBad, Options{VerifyChecksum: true})
	require.False(t, ok)
}

// validChecksumBytes computes and embeds a checksum matching the
// byte-order convention verifyChecksum expects (see checksum.go), reusing
// sumWords directly so the test can never drift out of sync with it.
func validChecksumBytes(src, dst [16]byte, payload []byte) []byte {
	out := append([]byte(nil), payload...)
	out[2] = 0
	out[3] = 0

	pseudo := make([]byte, 0, 38)
	pseudo = append(pseudo, src[:]...)
	pseudo = append(pseudo, dst[:]...)
	pseudo = append(pseudo, byte(len(out)>>8), byte(len(out)))
	pseudo = append(pseudo, 0, 0, 0, 0x3A)

	var sum uint32
	sum += sumWords(pseudo)
	sum += sumWords(out)
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	cksum := ^uint16(sum)
	out[2] = byte(cksum)
	out[3] = byte(cksum >> 8)
	return out
}
