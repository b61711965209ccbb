package packet

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/easzlab/pktlb/pkg/endpoint"
	"github.com/google/gopacket/layers"
)

const (
	// EthernetHeaderLen is the length of an untagged Ethernet II header.
	EthernetHeaderLen = 14

	ipv4MinHeaderLen = 20
	tcpMinHeaderLen  = 20
	udpHeaderLen     = 8
)

// TCP flag bits.
const (
	FlagFIN = 0x01
	FlagSYN = 0x02
	FlagRST = 0x04
	FlagACK = 0x10
)

var (
	ErrTruncated   = errors.New("frame truncated")
	ErrUnsupported = errors.New("unsupported frame")
	ErrFragment    = errors.New("fragmented datagram")
)

// EtherType returns the EtherType of an Ethernet frame, or 0 if buf is too short.
func EtherType(buf []byte) layers.EthernetType {
	if len(buf) < EthernetHeaderLen {
		return 0
	}
	return layers.EthernetType(binary.BigEndian.Uint16(buf[12:14]))
}

// Frame is a decoded view over an Ethernet/IPv4/TCP|UDP frame. Setters
// rewrite the underlying buffer in place and keep all checksums valid.
type Frame struct {
	buf   []byte
	l4    int
	end   int
	proto endpoint.Protocol
}

// Decode locates the IPv4 and transport headers inside buf. Frames that are
// not IPv4 TCP/UDP, or that are non-first fragments, are rejected.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < EthernetHeaderLen+ipv4MinHeaderLen {
		return Frame{}, ErrTruncated
	}
	if EtherType(buf) != layers.EthernetTypeIPv4 {
		return Frame{}, ErrUnsupported
	}
	ip := buf[EthernetHeaderLen:]
	if ip[0]>>4 != 4 {
		return Frame{}, ErrUnsupported
	}
	ihl := int(ip[0]&0x0f) * 4
	total := int(binary.BigEndian.Uint16(ip[2:4]))
	if ihl < ipv4MinHeaderLen || total < ihl || len(ip) < total {
		return Frame{}, ErrTruncated
	}
	if binary.BigEndian.Uint16(ip[6:8])&0x1fff != 0 {
		return Frame{}, ErrFragment
	}

	f := Frame{
		buf:   buf,
		l4:    EthernetHeaderLen + ihl,
		end:   EthernetHeaderLen + total,
		proto: endpoint.Protocol(ip[9]),
	}
	switch f.proto {
	case endpoint.TCP:
		if total-ihl < tcpMinHeaderLen {
			return Frame{}, ErrTruncated
		}
	case endpoint.UDP:
		if total-ihl < udpHeaderLen {
			return Frame{}, ErrTruncated
		}
	default:
		return Frame{}, ErrUnsupported
	}
	return f, nil
}

// Bytes returns the whole frame including any trailing Ethernet padding.
func (f *Frame) Bytes() []byte { return f.buf }

// Protocol returns the transport protocol.
func (f *Frame) Protocol() endpoint.Protocol { return f.proto }

// DstMAC and SrcMAC alias the Ethernet header; the returned slices change
// with the frame.
func (f *Frame) DstMAC() net.HardwareAddr { return net.HardwareAddr(f.buf[0:6]) }
func (f *Frame) SrcMAC() net.HardwareAddr { return net.HardwareAddr(f.buf[6:12]) }

// SetDstMAC and SetSrcMAC overwrite the Ethernet addresses.
func (f *Frame) SetDstMAC(mac net.HardwareAddr) { copy(f.buf[0:6], mac) }
func (f *Frame) SetSrcMAC(mac net.HardwareAddr) { copy(f.buf[6:12], mac) }

// SrcAddr returns the IPv4 source address.
func (f *Frame) SrcAddr() endpoint.Addr {
	return endpoint.AddrFromSlice(f.buf[EthernetHeaderLen+12:])
}

// DstAddr returns the IPv4 destination address.
func (f *Frame) DstAddr() endpoint.Addr {
	return endpoint.AddrFromSlice(f.buf[EthernetHeaderLen+16:])
}

// SrcPort and DstPort return the transport ports.
func (f *Frame) SrcPort() uint16 { return binary.BigEndian.Uint16(f.buf[f.l4:]) }
func (f *Frame) DstPort() uint16 { return binary.BigEndian.Uint16(f.buf[f.l4+2:]) }

// Source returns the source endpoint of the frame as seen on nic.
func (f *Frame) Source(nic int) endpoint.Endpoint {
	return endpoint.Endpoint{NIC: nic, Protocol: f.proto, Addr: f.SrcAddr(), Port: f.SrcPort()}
}

// Destination returns the destination endpoint of the frame as seen on nic.
func (f *Frame) Destination(nic int) endpoint.Endpoint {
	return endpoint.Endpoint{NIC: nic, Protocol: f.proto, Addr: f.DstAddr(), Port: f.DstPort()}
}

// TCPFlags returns the flag byte of a TCP segment, 0 for UDP.
func (f *Frame) TCPFlags() uint8 {
	if f.proto != endpoint.TCP {
		return 0
	}
	return f.buf[f.l4+13]
}

// HasFIN, HasACK and HasRST test single TCP flags; all are false for UDP.
func (f *Frame) HasFIN() bool { return f.TCPFlags()&FlagFIN != 0 }
func (f *Frame) HasACK() bool { return f.TCPFlags()&FlagACK != 0 }
func (f *Frame) HasRST() bool { return f.TCPFlags()&FlagRST != 0 }

// Checksum returns the transport checksum field.
func (f *Frame) Checksum() uint16 {
	return binary.BigEndian.Uint16(f.buf[f.l4+checksumOffset(f.proto):])
}

// Segment returns the transport header and payload, without Ethernet padding.
func (f *Frame) Segment() []byte { return f.buf[f.l4:f.end] }

// SetSource rewrites the source address and port.
func (f *Frame) SetSource(addr endpoint.Addr, port uint16) {
	f.rewrite(EthernetHeaderLen+12, f.l4, addr, port)
}

// SetDestination rewrites the destination address and port.
func (f *Frame) SetDestination(addr endpoint.Addr, port uint16) {
	f.rewrite(EthernetHeaderLen+16, f.l4+2, addr, port)
}

func (f *Frame) rewrite(addrOff, portOff int, addr endpoint.Addr, port uint16) {
	oldAddr := binary.BigEndian.Uint32(f.buf[addrOff:])
	oldPort := binary.BigEndian.Uint16(f.buf[portOff:])
	if oldAddr == uint32(addr) && oldPort == port {
		return
	}

	csumOff := f.l4 + checksumOffset(f.proto)
	csum := binary.BigEndian.Uint16(f.buf[csumOff:])
	// A zero UDP checksum means none was computed.
	if f.proto == endpoint.TCP || csum != 0 {
		csum = adjust32(csum, oldAddr, uint32(addr))
		csum = adjust16(csum, oldPort, port)
		if f.proto == endpoint.UDP && csum == 0 {
			csum = 0xffff
		}
		binary.BigEndian.PutUint16(f.buf[csumOff:], csum)
	}

	binary.BigEndian.PutUint32(f.buf[addrOff:], uint32(addr))
	binary.BigEndian.PutUint16(f.buf[portOff:], port)

	if oldAddr != uint32(addr) {
		hdr := f.buf[EthernetHeaderLen:f.l4]
		binary.BigEndian.PutUint16(hdr[10:12], IPv4Checksum(hdr))
	}
}
