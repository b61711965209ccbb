// Package icmp answers echo requests sent to the balancer's own addresses.
package icmp

import (
	"encoding/binary"
	"fmt"

	"github.com/easzlab/pktlb/pkg/endpoint"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"
)

// Sender transmits a complete Ethernet frame.
type Sender interface {
	Send(frame []byte) error
}

// Responder replies to pings for owned addresses on one interface.
type Responder struct {
	owns   func(endpoint.Addr) bool
	tx     Sender
	logger *zap.Logger

	eth     layers.Ethernet
	ip      layers.IPv4
	icmp    layers.ICMPv4
	payload gopacket.Payload
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
	out     gopacket.SerializeBuffer
}

// NewResponder answers echo requests for addresses owns accepts, sending
// replies on tx.
func NewResponder(owns func(endpoint.Addr) bool, tx Sender, logger *zap.Logger) *Responder {
	r := &Responder{
		owns:   owns,
		tx:     tx,
		logger: logger,
		out:    gopacket.NewSerializeBuffer(),
	}
	r.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &r.eth, &r.ip, &r.icmp, &r.payload)
	r.parser.IgnoreUnsupported = true
	return r
}

// Process reports whether frame was an echo request it answered.
func (r *Responder) Process(frame []byte) bool {
	if !isICMPv4(frame) {
		return false
	}
	if err := r.parser.DecodeLayers(frame, &r.decoded); err != nil {
		r.logger.Debug("malformed icmp frame", zap.Error(err))
		return false
	}
	if len(r.decoded) < 3 || r.icmp.TypeCode.Type() != layers.ICMPv4TypeEchoRequest {
		return false
	}
	dst := endpoint.AddrFromSlice(r.ip.DstIP.To4())
	if !r.owns(dst) {
		return false
	}

	if err := r.reply(); err != nil {
		r.logger.Warn("failed to answer echo request",
			zap.Stringer("target", dst),
			zap.Stringer("sender", r.ip.SrcIP),
			zap.Error(err),
		)
	}
	return true
}

func (r *Responder) reply() error {
	eth := layers.Ethernet{
		SrcMAC:       r.eth.DstMAC,
		DstMAC:       r.eth.SrcMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Id:       r.ip.Id,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    r.ip.DstIP,
		DstIP:    r.ip.SrcIP,
	}
	icmp := layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       r.icmp.Id,
		Seq:      r.icmp.Seq,
	}

	if err := r.out.Clear(); err != nil {
		return err
	}
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(r.out, opts, &eth, &ip, &icmp, gopacket.Payload(r.icmp.Payload)); err != nil {
		return fmt.Errorf("failed to serialize echo reply: %w", err)
	}
	return r.tx.Send(r.out.Bytes())
}

func isICMPv4(frame []byte) bool {
	if len(frame) < 14+20 {
		return false
	}
	if layers.EthernetType(binary.BigEndian.Uint16(frame[12:14])) != layers.EthernetTypeIPv4 {
		return false
	}
	return layers.IPProtocol(frame[14+9]) == layers.IPProtocolICMPv4
}
