// Package packettest builds Ethernet/IPv4 frames for tests.
package packettest

import (
	"net"

	"github.com/easzlab/pktlb/pkg/endpoint"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Spec describes a frame to build.
type Spec struct {
	SrcMAC, DstMAC net.HardwareAddr
	Src, Dst       endpoint.Endpoint
	Flags          uint8 // TCP flag byte
	Payload        []byte
	NoUDPChecksum  bool
}

var (
	ClientMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	LocalMAC  = net.HardwareAddr{0x02, 0, 0, 0, 0, 0xaa}
)

// Build serializes s with correct lengths and checksums.
func Build(s Spec) []byte {
	srcMAC, dstMAC := s.SrcMAC, s.DstMAC
	if srcMAC == nil {
		srcMAC = ClientMAC
	}
	if dstMAC == nil {
		dstMAC = LocalMAC
	}

	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Id:       0x1234,
		Protocol: s.Src.Protocol,
		SrcIP:    s.Src.Addr.IP(),
		DstIP:    s.Dst.Addr.IP(),
	}

	var l4 gopacket.SerializableLayer
	switch s.Src.Protocol {
	case endpoint.UDP:
		udp := &layers.UDP{SrcPort: layers.UDPPort(s.Src.Port), DstPort: layers.UDPPort(s.Dst.Port)}
		udp.SetNetworkLayerForChecksum(ip)
		l4 = udp
	default:
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(s.Src.Port),
			DstPort: layers.TCPPort(s.Dst.Port),
			Seq:     1000,
			Ack:     2000,
			Window:  65535,
			FIN:     s.Flags&0x01 != 0,
			SYN:     s.Flags&0x02 != 0,
			RST:     s.Flags&0x04 != 0,
			PSH:     s.Flags&0x08 != 0,
			ACK:     s.Flags&0x10 != 0,
		}
		tcp.SetNetworkLayerForChecksum(ip)
		l4 = tcp
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, l4, gopacket.Payload(s.Payload)); err != nil {
		panic(err)
	}
	out := buf.Bytes()
	if s.NoUDPChecksum && s.Src.Protocol == endpoint.UDP {
		l4off := 14 + int(out[14]&0x0f)*4
		out[l4off+6], out[l4off+7] = 0, 0
	}
	return out
}

// Reserialize decodes frame with gopacket and serializes it again with
// freshly computed checksums. Comparing the result with frame checks that the
// checksums in frame are what a full recomputation would produce.
func Reserialize(frame []byte) []byte {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	var ls []gopacket.SerializableLayer
	var ip *layers.IPv4
	for _, l := range pkt.Layers() {
		switch v := l.(type) {
		case *layers.Ethernet:
			ls = append(ls, v)
		case *layers.IPv4:
			ip = v
			ls = append(ls, v)
		case *layers.TCP:
			v.SetNetworkLayerForChecksum(ip)
			ls = append(ls, v)
		case *layers.UDP:
			v.SetNetworkLayerForChecksum(ip)
			ls = append(ls, v)
		case *gopacket.Payload:
			ls = append(ls, v)
		}
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
