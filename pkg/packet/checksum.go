package packet

import (
	"encoding/binary"

	"github.com/easzlab/pktlb/pkg/endpoint"
)

// sum adds b to the running ones' complement accumulator, 16 bits at a time.
func sum(b []byte, acc uint32) uint32 {
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		acc += uint32(binary.BigEndian.Uint16(b[i:]))
	}
	if n%2 == 1 {
		acc += uint32(b[n-1]) << 8
	}
	return acc
}

func fold(acc uint32) uint16 {
	for acc>>16 != 0 {
		acc = (acc & 0xffff) + (acc >> 16)
	}
	return uint16(acc)
}

// IPv4Checksum computes the header checksum over hdr, skipping the checksum field.
func IPv4Checksum(hdr []byte) uint16 {
	acc := sum(hdr[:10], 0)
	acc = sum(hdr[12:], acc)
	return ^fold(acc)
}

// TransportChecksum computes the TCP or UDP checksum from scratch, including
// the IPv4 pseudo-header. The checksum field inside seg is ignored.
func TransportChecksum(proto endpoint.Protocol, src, dst endpoint.Addr, seg []byte) uint16 {
	acc := uint32(src>>16) + uint32(src&0xffff) + uint32(dst>>16) + uint32(dst&0xffff)
	acc += uint32(proto) + uint32(len(seg))

	off := checksumOffset(proto)
	acc = sum(seg[:off], acc)
	acc = sum(seg[off+2:], acc)
	csum := ^fold(acc)
	if proto == endpoint.UDP && csum == 0 {
		return 0xffff
	}
	return csum
}

func checksumOffset(proto endpoint.Protocol) int {
	if proto == endpoint.UDP {
		return 6
	}
	return 16
}

// adjust16 applies RFC 1624 eqn. 3: HC' = ~(~HC + ~m + m').
func adjust16(csum, old, new uint16) uint16 {
	acc := uint32(^csum) + uint32(^old) + uint32(new)
	return ^fold(acc)
}

func adjust32(csum uint16, old, new uint32) uint16 {
	csum = adjust16(csum, uint16(old>>16), uint16(new>>16))
	return adjust16(csum, uint16(old), uint16(new))
}
