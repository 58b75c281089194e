package decoder

import "encoding/binary"

// verifyChecksum implements the RFC 1071 one's-complement checksum over the
// IPv6 pseudo-header and ICMPv6 payload exactly as spec.md §4.1 step 8
// requires, including its non-standard byte order: both the embedded
// checksum field and each summed word are read low-byte-first
// (payload[2] | payload[3]<<8, and data[i] | data[i+1]<<8 per word). This
// mismatch with textbook big-endian RFC 1071 code is deliberate — see
// spec.md §9's open question — and must be replicated verbatim rather
// than "fixed".
func verifyChecksum(src, dst [16]byte, payload []byte) bool {
	if len(payload) < 4 {
		return false
	}

	found := uint16(payload[2]) | uint16(payload[3])<<8

	zeroed := make([]byte, len(payload))
	copy(zeroed, payload)
	zeroed[2] = 0
	zeroed[3] = 0

	pseudo := make([]byte, 0, 40)
	pseudo = append(pseudo, src[:]...)
	pseudo = append(pseudo, dst[:]...)
	var lengthField [4]byte
	binary.BigEndian.PutUint32(lengthField[:], uint32(len(payload)))
	pseudo = append(pseudo, lengthField[:]...)
	pseudo = append(pseudo, 0, 0, 0, 0x3A)

	var sum uint32
	sum += sumWords(pseudo)
	sum += sumWords(zeroed)
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}

	return ^uint16(sum) == found
}

// sumWords accumulates data as 16-bit words with the second byte of each
// pair as the high byte (data[i+1]<<8 | data[i]), padding a missing
// trailing high byte with zero, per the source this is ported from.
func sumWords(data []byte) uint32 {
	var sum uint32
	n := len(data)
	for i := 0; i < n; i += 2 {
		lo := uint32(data[i])
		var hi uint32
		if i+1 < n {
			hi = uint32(data[i+1])
		}
		sum += hi<<8 | lo
	}
	return sum
}
