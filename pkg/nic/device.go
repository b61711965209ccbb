// Package nic is the frame I/O boundary: every interface the balancer drives
// is a Device that yields and accepts complete Ethernet frames.
package nic

import (
	"errors"
	"net"
	"net/netip"

	"github.com/easzlab/pktlb/pkg/endpoint"
)

var (
	ErrClosed    = errors.New("device closed")
	ErrQueueFull = errors.New("transmit queue full")
	ErrLinkDown  = errors.New("link is down")
)

// Device is one network interface.
type Device interface {
	Index() int
	Name() string
	HardwareAddr() net.HardwareAddr
	// Poll reads at most one frame into buf. It returns 0 and a nil error
	// when no frame arrived within the device's poll timeout.
	Poll(buf []byte) (int, error)
	// Send transmits a complete frame. The device does not retain frame.
	Send(frame []byte) error
	// Alloc returns a buffer large enough for one frame.
	Alloc() []byte
	Close() error
}

// LinkInfo is the IPv4 configuration found on a link.
type LinkInfo struct {
	Prefix  netip.Prefix
	Gateway endpoint.Addr
}

func frameSize(mtu int) int {
	if mtu <= 0 {
		mtu = 1500
	}
	return mtu + 14 + 4
}
