package lb

import (
	"net"
	"testing"
	"time"

	"github.com/easzlab/pktlb/pkg/endpoint"
	"github.com/easzlab/pktlb/pkg/packet"
	"github.com/easzlab/pktlb/pkg/packet/packettest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const (
	clientNIC = 0
	serverNIC = 1
)

var (
	clientNICMAC = net.HardwareAddr{0x02, 0, 0, 0, 0x00, 0x01}
	serverNICMAC = net.HardwareAddr{0x02, 0, 0, 0, 0x01, 0x01}
	backendMAC   = net.HardwareAddr{0x02, 0, 0, 0, 0x01, 0x10}
	peerMAC      = net.HardwareAddr{0x02, 0, 0, 0, 0x00, 0x99}
)

// staticNeighbors resolves every address to one MAC and records lookups.
type staticNeighbors struct {
	mac     net.HardwareAddr
	lookups []endpoint.Addr
}

func (n *staticNeighbors) Resolve(src, dst endpoint.Addr) net.HardwareAddr {
	n.lookups = append(n.lookups, dst)
	return n.mac
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type testEngine struct {
	*Engine
	clock *fakeClock
}

// advance moves the clock and fires due timers.
func (te *testEngine) advance(d time.Duration) {
	te.clock.now = te.clock.now.Add(d)
	te.Tick(te.clock.now)
}

// newTestEngine returns an engine with a client-facing NIC 0 and a
// server-facing NIC 1. Invariant violations panic.
func newTestEngine(t *testing.T, opts Options) *testEngine {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	opts.Now = clock.Now
	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel), zaptest.WrapOptions(zap.Development()))

	e := New(opts, logger)
	if err := e.AddInterface(InterfaceConfig{Index: clientNIC, Name: "eth0", MAC: clientNICMAC, Neighbors: &staticNeighbors{mac: peerMAC}}); err != nil {
		t.Fatalf("AddInterface failed: %v", err)
	}
	if err := e.AddInterface(InterfaceConfig{Index: serverNIC, Name: "eth1", MAC: serverNICMAC, Neighbors: &staticNeighbors{mac: backendMAC}}); err != nil {
		t.Fatalf("AddInterface failed: %v", err)
	}
	return &testEngine{Engine: e, clock: clock}
}

func ep(t *testing.T, nic int, proto endpoint.Protocol, hostport string) endpoint.Endpoint {
	t.Helper()
	e, err := endpoint.Parse(nic, proto, hostport)
	if err != nil {
		t.Fatalf("failed to parse %q: %v", hostport, err)
	}
	return e
}

func addr(t *testing.T, s string) endpoint.Addr {
	t.Helper()
	a, err := endpoint.ParseAddr(s)
	if err != nil {
		t.Fatalf("failed to parse %q: %v", s, err)
	}
	return a
}

// natService sets up 10.0.0.1:80 with private address 10.0.1.1 on NIC 1 and
// the given NAT backends.
func (te *testEngine) natService(t *testing.T, proto endpoint.Protocol, schedule Schedule, backends ...string) endpoint.Endpoint {
	t.Helper()
	svc := ep(t, clientNIC, proto, "10.0.0.1:80")
	if _, err := te.AddService(svc, schedule, 0); err != nil {
		t.Fatalf("AddService failed: %v", err)
	}
	if err := te.SetPrivateAddr(svc, serverNIC, addr(t, "10.0.1.1")); err != nil {
		t.Fatalf("SetPrivateAddr failed: %v", err)
	}
	for _, b := range backends {
		if _, err := te.AddServer(svc, ep(t, serverNIC, proto, b), ModeNAT, 1); err != nil {
			t.Fatalf("AddServer(%s) failed: %v", b, err)
		}
	}
	return svc
}

// send builds a frame from src to dst, hands it to the engine on nic and
// returns the rewritten frame.
func (te *testEngine) send(t *testing.T, nic int, src, dst endpoint.Endpoint, flags uint8) (packet.Frame, int, Verdict) {
	t.Helper()
	buf := packettest.Build(packettest.Spec{Src: src, Dst: dst, Flags: flags, Payload: []byte("payload")})
	f, err := packet.Decode(buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	egress, verdict := te.Handle(nic, &f)
	return f, egress, verdict
}
