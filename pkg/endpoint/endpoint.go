package endpoint

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/google/gopacket/layers"
)

// Protocol is the transport protocol of an endpoint. Only TCP and UDP are balanced.
type Protocol = layers.IPProtocol

const (
	TCP = layers.IPProtocolTCP
	UDP = layers.IPProtocolUDP
)

// ParseProtocol converts "tcp" or "udp" into a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "tcp", "":
		return TCP, nil
	case "udp":
		return UDP, nil
	default:
		return 0, fmt.Errorf("unsupported protocol %q", s)
	}
}

// ProtocolName returns the lower-case name used in config and dumps.
func ProtocolName(p Protocol) string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return strconv.Itoa(int(p))
	}
}

// Addr is an IPv4 address in host byte order.
type Addr uint32

// ParseAddr parses a dotted-quad IPv4 address.
func ParseAddr(s string) (Addr, error) {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return 0, err
	}
	if !ip.Is4() {
		return 0, fmt.Errorf("%s is not an IPv4 address", s)
	}
	return AddrFrom(ip), nil
}

// AddrFrom converts a netip.Addr (IPv4 or IPv4-mapped) into an Addr.
func AddrFrom(ip netip.Addr) Addr {
	b := ip.Unmap().As4()
	return Addr(binary.BigEndian.Uint32(b[:]))
}

// AddrFromSlice reads a 4-byte network order address.
func AddrFromSlice(b []byte) Addr {
	return Addr(binary.BigEndian.Uint32(b))
}

// Netip returns the address as a netip.Addr.
func (a Addr) Netip() netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(a))
	return netip.AddrFrom4(b)
}

// IP returns the address as a net.IP.
func (a Addr) IP() net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, uint32(a))
	return ip
}

func (a Addr) String() string {
	return a.Netip().String()
}

// Endpoint identifies one side of a flow on a given interface.
type Endpoint struct {
	NIC      int
	Protocol Protocol
	Addr     Addr
	Port     uint16
}

// Parse builds an Endpoint from "a.b.c.d:port".
func Parse(nic int, proto Protocol, hostport string) (Endpoint, error) {
	ap, err := netip.ParseAddrPort(hostport)
	if err != nil {
		return Endpoint{}, err
	}
	if !ap.Addr().Unmap().Is4() {
		return Endpoint{}, fmt.Errorf("%s is not an IPv4 endpoint", hostport)
	}
	return Endpoint{
		NIC:      nic,
		Protocol: proto,
		Addr:     AddrFrom(ap.Addr()),
		Port:     ap.Port(),
	}, nil
}

// Key packs the endpoint identity into a session key.
func (e Endpoint) Key() uint64 {
	return Key(e.Protocol, e.Addr, e.Port)
}

// HostPort formats the endpoint as "addr:port".
func (e Endpoint) HostPort() string {
	return netip.AddrPortFrom(e.Addr.Netip(), e.Port).String()
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s/%s@%d", e.HostPort(), ProtocolName(e.Protocol), e.NIC)
}

// Key returns proto<<48 | addr<<16 | port. The fields occupy disjoint bit
// ranges so distinct (proto, addr, port) triples never collide.
func Key(proto Protocol, addr Addr, port uint16) uint64 {
	return uint64(proto)<<48 | uint64(addr)<<16 | uint64(port)
}

// SplitKey is the inverse of Key.
func SplitKey(key uint64) (Protocol, Addr, uint16) {
	return Protocol(key >> 48), Addr(key >> 16), uint16(key)
}
