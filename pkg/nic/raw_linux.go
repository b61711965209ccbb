//go:build linux

package nic

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/easzlab/pktlb/pkg/endpoint"
	"github.com/mdlayher/raw"
	"github.com/vishvananda/netlink"
)

// ethPAll is ETH_P_ALL: ARP and IPv4 arrive on the same socket.
const ethPAll = 0x0003

// RawOptions tunes a raw device.
type RawOptions struct {
	Promiscuous bool
	PollTimeout time.Duration
}

// Raw is a Device on an AF_PACKET socket.
type Raw struct {
	ifi     *net.Interface
	conn    *raw.Conn
	timeout time.Duration
	info    LinkInfo
}

// OpenRaw binds a packet socket to the named link. It fails with
// ErrLinkDown while the link is administratively down.
func OpenRaw(name string, opts RawOptions) (*Raw, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("failed to find link %s: %w", name, err)
	}
	attrs := link.Attrs()
	if attrs.Flags&net.FlagUp == 0 {
		return nil, fmt.Errorf("link %s: %w", name, ErrLinkDown)
	}
	ifi := &net.Interface{
		Index:        attrs.Index,
		MTU:          attrs.MTU,
		Name:         attrs.Name,
		HardwareAddr: attrs.HardwareAddr,
		Flags:        attrs.Flags,
	}

	info, err := linkInfo(link)
	if err != nil {
		return nil, err
	}

	conn, err := raw.ListenPacket(ifi, ethPAll, &raw.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open packet socket on %s: %w", name, err)
	}
	if opts.Promiscuous {
		if err := conn.SetPromiscuous(true); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to enable promiscuous mode on %s: %w", name, err)
		}
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = time.Millisecond
	}
	return &Raw{ifi: ifi, conn: conn, timeout: opts.PollTimeout, info: info}, nil
}

func linkInfo(link netlink.Link) (LinkInfo, error) {
	var info LinkInfo
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return info, fmt.Errorf("failed to list addresses of %s: %w", link.Attrs().Name, err)
	}
	if len(addrs) > 0 && addrs[0].IPNet != nil {
		ip, _ := netip.AddrFromSlice(addrs[0].IPNet.IP.To4())
		ones, _ := addrs[0].IPNet.Mask.Size()
		info.Prefix = netip.PrefixFrom(ip, ones)
	}

	routes, err := netlink.RouteList(link, netlink.FAMILY_V4)
	if err != nil {
		return info, fmt.Errorf("failed to list routes of %s: %w", link.Attrs().Name, err)
	}
	for _, r := range routes {
		if r.Gw == nil {
			continue
		}
		if r.Dst == nil {
			info.Gateway = endpoint.AddrFromSlice(r.Gw.To4())
			break
		}
		if ones, _ := r.Dst.Mask.Size(); ones == 0 {
			info.Gateway = endpoint.AddrFromSlice(r.Gw.To4())
			break
		}
	}
	return info, nil
}

func (r *Raw) Index() int                     { return r.ifi.Index }
func (r *Raw) Name() string                   { return r.ifi.Name }
func (r *Raw) HardwareAddr() net.HardwareAddr { return r.ifi.HardwareAddr }
func (r *Raw) Alloc() []byte                  { return make([]byte, frameSize(r.ifi.MTU)) }

// Info returns the address and default gateway found on the link.
func (r *Raw) Info() LinkInfo { return r.info }

// Poll skips frames this host sent itself, which ETH_P_ALL sockets also see.
func (r *Raw) Poll(buf []byte) (int, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return 0, err
	}
	n, _, err := r.conn.ReadFrom(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0, nil
		}
		return 0, err
	}
	if n >= 12 && bytes.Equal(buf[6:12], r.ifi.HardwareAddr) {
		return 0, nil
	}
	return n, nil
}

func (r *Raw) Send(frame []byte) error {
	if len(frame) < 14 {
		return fmt.Errorf("frame of %d bytes is too short", len(frame))
	}
	_, err := r.conn.WriteTo(frame, &raw.Addr{HardwareAddr: net.HardwareAddr(frame[0:6])})
	return err
}

func (r *Raw) Close() error {
	return r.conn.Close()
}
