// Package arp resolves next-hop MAC addresses for one interface and answers
// ARP requests for the addresses the balancer owns on it.
package arp

import (
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/easzlab/pktlb/pkg/endpoint"
	"github.com/mdlayher/arp"
	"github.com/mdlayher/ethernet"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultLifetime     = 60 * time.Second
	DefaultGCInterval   = 10 * time.Second
	DefaultRequestRate  = 100
	DefaultRequestBurst = 16
)

var zeroMAC = net.HardwareAddr{0, 0, 0, 0, 0, 0}

// Sender transmits a complete Ethernet frame.
type Sender interface {
	Send(frame []byte) error
}

// Config tunes a Cache. Zero values select the defaults.
type Config struct {
	Interface    string
	MAC          net.HardwareAddr
	Lifetime     time.Duration
	GCInterval   time.Duration
	RequestRate  rate.Limit
	RequestBurst int
	Now          func() time.Time
}

type entry struct {
	mac     net.HardwareAddr
	expires time.Time
}

// Cache maps IPv4 addresses to MAC addresses for one interface. Expired
// entries are swept lazily: every lookup or insert checks whether the GC
// deadline has passed and, if so, sweeps the whole table once.
//
// A Cache is owned by the worker goroutine. Only the counters may be read
// concurrently.
type Cache struct {
	cfg     Config
	tx      Sender
	logger  *zap.Logger
	limiter *rate.Limiter
	entries map[endpoint.Addr]entry
	nextGC  time.Time

	requests atomic.Uint64
	limited  atomic.Uint64
}

// NewCache creates a cache that sends its requests through tx.
func NewCache(cfg Config, tx Sender, logger *zap.Logger) *Cache {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = DefaultGCInterval
	}
	if cfg.RequestRate == 0 {
		cfg.RequestRate = DefaultRequestRate
	}
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = DefaultRequestBurst
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		cfg:     cfg,
		tx:      tx,
		logger:  logger,
		limiter: rate.NewLimiter(cfg.RequestRate, cfg.RequestBurst),
		entries: make(map[endpoint.Addr]entry),
		nextGC:  cfg.Now().Add(cfg.GCInterval),
	}
}

// Lookup returns the cached MAC for addr if the entry is still valid.
func (c *Cache) Lookup(addr endpoint.Addr) (net.HardwareAddr, bool) {
	now := c.cfg.Now()
	c.gc(now)
	e, ok := c.entries[addr]
	if !ok || !now.Before(e.expires) {
		return nil, false
	}
	return e.mac, true
}

// Resolve returns the MAC of dst. On a miss it sends a request asking for
// dst on behalf of src and returns the broadcast address, so the frame is
// still delivered while the reply is outstanding.
func (c *Cache) Resolve(src, dst endpoint.Addr) net.HardwareAddr {
	if mac, ok := c.Lookup(dst); ok {
		return mac
	}
	if err := c.Request(src, dst); err != nil {
		c.logger.Debug("arp request not sent", zap.Stringer("target", dst), zap.Error(err))
	}
	return ethernet.Broadcast
}

// Insert adds or refreshes an entry.
func (c *Cache) Insert(addr endpoint.Addr, mac net.HardwareAddr) {
	now := c.cfg.Now()
	c.gc(now)
	c.entries[addr] = entry{
		mac:     append(net.HardwareAddr(nil), mac...),
		expires: now.Add(c.cfg.Lifetime),
	}
}

// Len returns the number of entries, expired ones included until swept.
func (c *Cache) Len() int { return len(c.entries) }

// Requests returns how many requests were sent and how many were suppressed
// by the rate limit.
func (c *Cache) Requests() (sent, limited uint64) {
	return c.requests.Load(), c.limited.Load()
}

func (c *Cache) gc(now time.Time) {
	if now.Before(c.nextGC) {
		return
	}
	swept := 0
	for addr, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, addr)
			swept++
		}
	}
	c.nextGC = now.Add(c.cfg.GCInterval)
	if swept > 0 {
		c.logger.Debug("arp entries expired", zap.Int("swept", swept), zap.Int("remaining", len(c.entries)))
	}
}

// Request broadcasts a who-has for dst with src as the sender address.
func (c *Cache) Request(src, dst endpoint.Addr) error {
	if !c.limiter.AllowN(c.cfg.Now(), 1) {
		c.limited.Add(1)
		return fmt.Errorf("request for %s: rate limited", dst)
	}
	pkt, err := arp.NewPacket(arp.OperationRequest, c.cfg.MAC, src.Netip(), zeroMAC, dst.Netip())
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", dst, err)
	}
	if err := c.send(pkt, ethernet.Broadcast); err != nil {
		return err
	}
	c.requests.Add(1)
	return nil
}

// Announce sends a gratuitous reply for addr so neighbours update their
// tables after an address moved to this interface.
func (c *Cache) Announce(addr endpoint.Addr) error {
	ip := addr.Netip()
	pkt, err := arp.NewPacket(arp.OperationReply, c.cfg.MAC, ip, ethernet.Broadcast, ip)
	if err != nil {
		return fmt.Errorf("failed to build announcement for %s: %w", addr, err)
	}
	return c.send(pkt, ethernet.Broadcast)
}

func (c *Cache) reply(req *arp.Packet) error {
	pkt, err := arp.NewPacket(arp.OperationReply, c.cfg.MAC, req.TargetIP, req.SenderHardwareAddr, req.SenderIP)
	if err != nil {
		return fmt.Errorf("failed to build reply for %s: %w", req.TargetIP, err)
	}
	return c.send(pkt, req.SenderHardwareAddr)
}

func (c *Cache) send(pkt *arp.Packet, dst net.HardwareAddr) error {
	payload, err := pkt.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal arp packet: %w", err)
	}
	f := &ethernet.Frame{
		Destination: dst,
		Source:      c.cfg.MAC,
		EtherType:   ethernet.EtherTypeARP,
		Payload:     payload,
	}
	b, err := f.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal ethernet frame: %w", err)
	}
	if err := c.tx.Send(b); err != nil {
		return fmt.Errorf("failed to send arp %s on %s: %w", pkt.Operation, c.cfg.Interface, err)
	}
	return nil
}

func addrOf(ip netip.Addr) (endpoint.Addr, bool) {
	if !ip.Is4() {
		return 0, false
	}
	return endpoint.AddrFrom(ip), true
}
