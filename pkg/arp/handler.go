package arp

import (
	"bytes"

	"github.com/easzlab/pktlb/pkg/endpoint"
	"github.com/mdlayher/arp"
	"github.com/mdlayher/ethernet"
	"go.uber.org/zap"
)

// Handler consumes ARP frames received on one interface. Replies feed the
// cache. A request for an owned address is answered and its sender learned;
// other requests leave the cache alone.
type Handler struct {
	cache  *Cache
	owns   func(endpoint.Addr) bool
	logger *zap.Logger
}

// NewHandler returns a handler answering for every address owns accepts.
func NewHandler(cache *Cache, owns func(endpoint.Addr) bool, logger *zap.Logger) *Handler {
	return &Handler{cache: cache, owns: owns, logger: logger}
}

// Process reports whether frame was an ARP frame. ARP frames are always
// consumed, malformed ones included.
func (h *Handler) Process(frame []byte) bool {
	if len(frame) < 14 || ethernet.EtherType(uint16(frame[12])<<8|uint16(frame[13])) != ethernet.EtherTypeARP {
		return false
	}

	var f ethernet.Frame
	if err := f.UnmarshalBinary(frame); err != nil {
		h.logger.Debug("malformed ethernet frame", zap.Error(err))
		return true
	}
	var pkt arp.Packet
	if err := pkt.UnmarshalBinary(f.Payload); err != nil {
		h.logger.Debug("malformed arp packet", zap.Error(err))
		return true
	}

	sender, ok := addrOf(pkt.SenderIP)
	if !ok {
		return true
	}
	target, _ := addrOf(pkt.TargetIP)

	switch pkt.Operation {
	case arp.OperationReply:
		h.cache.Insert(sender, pkt.SenderHardwareAddr)
	case arp.OperationRequest:
		if !bytes.Equal(f.Destination, ethernet.Broadcast) && !bytes.Equal(f.Destination, h.cache.cfg.MAC) {
			return true
		}
		if !h.owns(target) {
			return true
		}
		// The asker is about to talk to us; remember it.
		h.cache.Insert(sender, pkt.SenderHardwareAddr)
		if err := h.cache.reply(&pkt); err != nil {
			h.logger.Warn("failed to answer arp request",
				zap.Stringer("target", target),
				zap.Stringer("sender", sender),
				zap.Error(err),
			)
		}
	}
	return true
}
