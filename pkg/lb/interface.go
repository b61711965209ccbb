package lb

import (
	"net"
	"net/netip"

	"github.com/easzlab/pktlb/pkg/endpoint"
)

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Neighbors resolves next-hop MAC addresses on one interface. On a miss the
// implementation starts resolution and returns the broadcast address.
type Neighbors interface {
	Resolve(src, dst endpoint.Addr) net.HardwareAddr
}

// InterfaceConfig describes a NIC handed to the engine.
type InterfaceConfig struct {
	Index int
	Name  string
	MAC   net.HardwareAddr
	// Prefix is the directly attached subnet. When set together with
	// Gateway, off-link destinations resolve to the gateway's MAC.
	Prefix    netip.Prefix
	Gateway   endpoint.Addr
	Neighbors Neighbors
}

type poolKey struct {
	proto endpoint.Protocol
	addr  endpoint.Addr
}

// Interface is the per-NIC context: it owns the service, server and
// server-side session indexes of one interface plus its NAT port pools.
type Interface struct {
	cfg InterfaceConfig

	services map[uint64]ServiceID
	servers  map[uint64]ServerID
	sessions map[uint64]SessionID
	pools    map[poolKey]*PortPool
	owned    map[endpoint.Addr]int
}

func newInterface(cfg InterfaceConfig) *Interface {
	return &Interface{
		cfg:      cfg,
		services: make(map[uint64]ServiceID),
		servers:  make(map[uint64]ServerID),
		sessions: make(map[uint64]SessionID),
		pools:    make(map[poolKey]*PortPool),
		owned:    make(map[endpoint.Addr]int),
	}
}

func (i *Interface) Index() int                     { return i.cfg.Index }
func (i *Interface) Name() string                   { return i.cfg.Name }
func (i *Interface) HardwareAddr() net.HardwareAddr { return i.cfg.MAC }

func (i *Interface) pool(proto endpoint.Protocol, addr endpoint.Addr, min, max uint16) *PortPool {
	k := poolKey{proto, addr}
	p, ok := i.pools[k]
	if !ok {
		p = NewPortPool(min, max)
		i.pools[k] = p
	}
	return p
}

func (i *Interface) own(addr endpoint.Addr) { i.owned[addr]++ }

func (i *Interface) disown(addr endpoint.Addr) {
	if i.owned[addr] <= 1 {
		delete(i.owned, addr)
		return
	}
	i.owned[addr]--
}

func (i *Interface) nextHop(dst endpoint.Addr) endpoint.Addr {
	if i.cfg.Gateway == 0 || !i.cfg.Prefix.IsValid() {
		return dst
	}
	if i.cfg.Prefix.Contains(dst.Netip()) {
		return dst
	}
	return i.cfg.Gateway
}

// resolve picks the destination MAC for dst. src is the address frames leave
// with and is used as the sender of an ARP request unless the interface has
// its own address.
func (i *Interface) resolve(src, dst endpoint.Addr) net.HardwareAddr {
	if i.cfg.Neighbors == nil {
		return broadcastMAC
	}
	if i.cfg.Prefix.IsValid() {
		src = endpoint.AddrFrom(i.cfg.Prefix.Addr())
	}
	return i.cfg.Neighbors.Resolve(src, i.nextHop(dst))
}
