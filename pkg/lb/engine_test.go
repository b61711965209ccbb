package lb

import (
	"bytes"
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/easzlab/pktlb/pkg/endpoint"
	"github.com/easzlab/pktlb/pkg/packet"
	"github.com/easzlab/pktlb/pkg/packet/packettest"
)

type recordingObserver struct {
	opened int
	closed map[CloseReason]int
	failed []error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{closed: make(map[CloseReason]int)}
}

func (o *recordingObserver) SessionOpened(Mode)                  { o.opened++ }
func (o *recordingObserver) SessionClosed(_ Mode, r CloseReason) { o.closed[r]++ }
func (o *recordingObserver) AdmissionFailed(err error)           { o.failed = append(o.failed, err) }

// assertChecksums fails unless every checksum in f equals a full recomputation.
func assertChecksums(t *testing.T, f packet.Frame) {
	t.Helper()
	if want := packettest.Reserialize(f.Bytes()); !bytes.Equal(f.Bytes(), want) {
		t.Errorf("checksums differ from full recomputation:\n got  %x\n want %x", f.Bytes(), want)
	}
}

func assertEndpoints(t *testing.T, f packet.Frame, src, dst string) {
	t.Helper()
	gotSrc := f.Source(0).HostPort()
	gotDst := f.Destination(0).HostPort()
	if gotSrc != src || gotDst != dst {
		t.Errorf("expected %s -> %s, got %s -> %s", src, dst, gotSrc, gotDst)
	}
}

func TestHandle_RoundRobinNAT(t *testing.T) {
	te := newTestEngine(t, Options{})
	svc := te.natService(t, endpoint.TCP, ScheduleRoundRobin, "10.0.1.10:8080", "10.0.1.11:8080")
	c1 := ep(t, clientNIC, endpoint.TCP, "192.168.1.1:40000")
	c2 := ep(t, clientNIC, endpoint.TCP, "192.168.1.2:40000")

	f, egress, verdict := te.send(t, clientNIC, c1, svc, packet.FlagSYN)
	if verdict != VerdictForward || egress != serverNIC {
		t.Fatalf("expected forward on %d, got %s on %d", serverNIC, verdict, egress)
	}
	assertEndpoints(t, f, "10.0.1.1:49152", "10.0.1.10:8080")
	assertChecksums(t, f)
	if !bytes.Equal(f.SrcMAC(), serverNICMAC) || !bytes.Equal(f.DstMAC(), backendMAC) {
		t.Errorf("unexpected MACs %s -> %s", f.SrcMAC(), f.DstMAC())
	}

	f, _, _ = te.send(t, clientNIC, c2, svc, packet.FlagSYN)
	assertEndpoints(t, f, "10.0.1.1:49153", "10.0.1.11:8080")

	f, _, verdict = te.send(t, clientNIC, c1, svc, packet.FlagACK)
	if verdict != VerdictForward {
		t.Fatalf("expected forward, got %s", verdict)
	}
	assertEndpoints(t, f, "10.0.1.1:49152", "10.0.1.10:8080")

	if _, _, sessions := te.Counts(); sessions != 2 {
		t.Errorf("expected 2 sessions, got %d", sessions)
	}
	info, ok := te.LookupSession(svc, c1)
	if !ok {
		t.Fatal("expected session for client 1")
	}
	if info.Mode != ModeNAT || info.Server.HostPort() != "10.0.1.10:8080" || info.Private.Port != 49152 {
		t.Errorf("unexpected session %+v", info)
	}
}

func TestHandle_NATReverse(t *testing.T) {
	te := newTestEngine(t, Options{})
	svc := te.natService(t, endpoint.TCP, ScheduleRoundRobin, "10.0.1.10:8080")
	client := ep(t, clientNIC, endpoint.TCP, "192.168.1.1:40000")
	te.send(t, clientNIC, client, svc, packet.FlagSYN)

	backend := ep(t, serverNIC, endpoint.TCP, "10.0.1.10:8080")
	private := ep(t, serverNIC, endpoint.TCP, "10.0.1.1:49152")
	f, egress, verdict := te.send(t, serverNIC, backend, private, packet.FlagSYN|packet.FlagACK)
	if verdict != VerdictReverse || egress != clientNIC {
		t.Fatalf("expected reverse on %d, got %s on %d", clientNIC, verdict, egress)
	}
	assertEndpoints(t, f, "10.0.0.1:80", "192.168.1.1:40000")
	assertChecksums(t, f)
	if !bytes.Equal(f.SrcMAC(), clientNICMAC) || !bytes.Equal(f.DstMAC(), peerMAC) {
		t.Errorf("unexpected MACs %s -> %s", f.SrcMAC(), f.DstMAC())
	}
}

func TestHandle_UDPWithoutChecksum(t *testing.T) {
	te := newTestEngine(t, Options{})
	svc := te.natService(t, endpoint.UDP, ScheduleRoundRobin, "10.0.1.10:5353")
	client := ep(t, clientNIC, endpoint.UDP, "192.168.1.1:40000")

	buf := packettest.Build(packettest.Spec{Src: client, Dst: svc, Payload: []byte("query"), NoUDPChecksum: true})
	f, err := packet.Decode(buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if _, verdict := te.Handle(clientNIC, &f); verdict != VerdictForward {
		t.Fatalf("expected forward, got %s", verdict)
	}
	assertEndpoints(t, f, "10.0.1.1:49152", "10.0.1.10:5353")
	if f.Checksum() != 0 {
		t.Errorf("expected absent UDP checksum to stay 0, got %#04x", f.Checksum())
	}
}

func TestHandle_DNAT(t *testing.T) {
	te := newTestEngine(t, Options{})
	svc := ep(t, clientNIC, endpoint.TCP, "10.0.0.1:80")
	backend := ep(t, serverNIC, endpoint.TCP, "10.0.1.10:8080")
	if _, err := te.AddService(svc, ScheduleRoundRobin, 0); err != nil {
		t.Fatalf("AddService failed: %v", err)
	}
	if _, err := te.AddServer(svc, backend, ModeDNAT, 1); err != nil {
		t.Fatalf("AddServer failed: %v", err)
	}

	client := ep(t, clientNIC, endpoint.TCP, "192.168.1.1:40000")
	f, egress, verdict := te.send(t, clientNIC, client, svc, packet.FlagSYN)
	if verdict != VerdictForward || egress != serverNIC {
		t.Fatalf("expected forward on %d, got %s on %d", serverNIC, verdict, egress)
	}
	assertEndpoints(t, f, "192.168.1.1:40000", "10.0.1.10:8080")
	assertChecksums(t, f)

	clientOnServerSide := client
	clientOnServerSide.NIC = serverNIC
	f, egress, verdict = te.send(t, serverNIC, backend, clientOnServerSide, packet.FlagSYN|packet.FlagACK)
	if verdict != VerdictReverse || egress != clientNIC {
		t.Fatalf("expected reverse on %d, got %s on %d", clientNIC, verdict, egress)
	}
	assertEndpoints(t, f, "10.0.0.1:80", "192.168.1.1:40000")
	assertChecksums(t, f)
}

func TestHandle_DRRewritesMACsOnly(t *testing.T) {
	te := newTestEngine(t, Options{})
	svc := ep(t, clientNIC, endpoint.TCP, "10.0.0.1:80")
	if _, err := te.AddService(svc, ScheduleRoundRobin, 0); err != nil {
		t.Fatalf("AddService failed: %v", err)
	}
	if _, err := te.AddServer(svc, ep(t, serverNIC, endpoint.TCP, "10.0.1.10:80"), ModeDR, 1); err != nil {
		t.Fatalf("AddServer failed: %v", err)
	}

	client := ep(t, clientNIC, endpoint.TCP, "192.168.1.1:40000")
	buf := packettest.Build(packettest.Spec{Src: client, Dst: svc, Flags: packet.FlagSYN})
	orig := append([]byte(nil), buf...)
	f, _ := packet.Decode(buf)
	if _, verdict := te.Handle(clientNIC, &f); verdict != VerdictForward {
		t.Fatalf("expected forward, got %s", verdict)
	}
	if !bytes.Equal(f.DstMAC(), backendMAC) || !bytes.Equal(f.SrcMAC(), serverNICMAC) {
		t.Errorf("unexpected MACs %s -> %s", f.SrcMAC(), f.DstMAC())
	}
	if !bytes.Equal(f.Bytes()[packet.EthernetHeaderLen:], orig[packet.EthernetHeaderLen:]) {
		t.Error("DR changed bytes beyond the Ethernet header")
	}
}

func TestHandle_Misses(t *testing.T) {
	te := newTestEngine(t, Options{})
	svc := te.natService(t, endpoint.TCP, ScheduleRoundRobin, "10.0.1.10:8080")
	client := ep(t, clientNIC, endpoint.TCP, "192.168.1.1:40000")
	te.send(t, clientNIC, client, svc, packet.FlagSYN)

	other := ep(t, clientNIC, endpoint.TCP, "10.0.0.9:80")
	if _, _, verdict := te.send(t, clientNIC, client, other, packet.FlagSYN); verdict != VerdictMiss {
		t.Errorf("unknown destination: expected miss, got %s", verdict)
	}

	udp := ep(t, clientNIC, endpoint.UDP, "10.0.0.1:80")
	udpClient := ep(t, clientNIC, endpoint.UDP, "192.168.1.1:40000")
	if _, _, verdict := te.send(t, clientNIC, udpClient, udp, 0); verdict != VerdictMiss {
		t.Errorf("other protocol: expected miss, got %s", verdict)
	}

	impostor := ep(t, serverNIC, endpoint.TCP, "10.0.1.99:8080")
	private := ep(t, serverNIC, endpoint.TCP, "10.0.1.1:49152")
	if _, _, verdict := te.send(t, serverNIC, impostor, private, packet.FlagACK); verdict != VerdictMiss {
		t.Errorf("reply from wrong source: expected miss, got %s", verdict)
	}

	if _, _, verdict := te.send(t, 7, client, svc, packet.FlagSYN); verdict != VerdictMiss {
		t.Errorf("unknown interface: expected miss, got %s", verdict)
	}
}

func TestHandle_Drops(t *testing.T) {
	obs := newRecordingObserver()
	te := newTestEngine(t, Options{Observer: obs})
	svc := ep(t, clientNIC, endpoint.TCP, "10.0.0.1:80")
	if _, err := te.AddService(svc, ScheduleRoundRobin, 0); err != nil {
		t.Fatalf("AddService failed: %v", err)
	}
	client := ep(t, clientNIC, endpoint.TCP, "192.168.1.1:40000")

	if _, _, verdict := te.send(t, clientNIC, client, svc, packet.FlagSYN); verdict != VerdictDrop {
		t.Errorf("service without servers: expected drop, got %s", verdict)
	}

	backend := ep(t, serverNIC, endpoint.TCP, "10.0.1.10:8080")
	if _, err := te.AddServer(svc, backend, ModeDNAT, 1); err != nil {
		t.Fatalf("AddServer failed: %v", err)
	}
	if err := te.SetServerHealth(backend, false); err != nil {
		t.Fatalf("SetServerHealth failed: %v", err)
	}
	if _, _, verdict := te.send(t, clientNIC, client, svc, packet.FlagSYN); verdict != VerdictDrop {
		t.Errorf("unhealthy server: expected drop, got %s", verdict)
	}

	te.SetServerHealth(backend, true)
	if _, _, verdict := te.send(t, clientNIC, client, svc, packet.FlagSYN); verdict != VerdictForward {
		t.Errorf("healthy server: expected forward, got %s", verdict)
	}

	if len(obs.failed) != 2 || !errors.Is(obs.failed[0], ErrNoServer) || !errors.Is(obs.failed[1], ErrNoServer) {
		t.Errorf("expected two ErrNoServer admissions, got %v", obs.failed)
	}
	if obs.opened != 1 {
		t.Errorf("expected 1 opened session, got %d", obs.opened)
	}
}

func TestHandle_HealthDoesNotAffectExistingSessions(t *testing.T) {
	te := newTestEngine(t, Options{})
	svc := te.natService(t, endpoint.TCP, ScheduleRoundRobin, "10.0.1.10:8080")
	client := ep(t, clientNIC, endpoint.TCP, "192.168.1.1:40000")
	te.send(t, clientNIC, client, svc, packet.FlagSYN)

	te.SetServerHealth(ep(t, serverNIC, endpoint.TCP, "10.0.1.10:8080"), false)
	if _, _, verdict := te.send(t, clientNIC, client, svc, packet.FlagACK); verdict != VerdictForward {
		t.Errorf("expected existing session to keep forwarding, got %s", verdict)
	}
}

func TestSession_FinLingerReleasesPort(t *testing.T) {
	obs := newRecordingObserver()
	te := newTestEngine(t, Options{PortMin: 50000, PortMax: 50000, Observer: obs})
	svc := te.natService(t, endpoint.TCP, ScheduleRoundRobin, "10.0.1.10:8080")
	c1 := ep(t, clientNIC, endpoint.TCP, "192.168.1.1:40000")
	c2 := ep(t, clientNIC, endpoint.TCP, "192.168.1.2:40000")

	f, _, _ := te.send(t, clientNIC, c1, svc, packet.FlagSYN)
	assertEndpoints(t, f, "10.0.1.1:50000", "10.0.1.10:8080")

	if _, _, verdict := te.send(t, clientNIC, c2, svc, packet.FlagSYN); verdict != VerdictDrop {
		t.Fatalf("expected drop with exhausted pool, got %s", verdict)
	}
	if len(obs.failed) != 1 || !errors.Is(obs.failed[0], ErrPortExhausted) {
		t.Fatalf("expected ErrPortExhausted, got %v", obs.failed)
	}

	backend := ep(t, serverNIC, endpoint.TCP, "10.0.1.10:8080")
	private := ep(t, serverNIC, endpoint.TCP, "10.0.1.1:50000")
	if _, _, verdict := te.send(t, serverNIC, backend, private, packet.FlagFIN|packet.FlagACK); verdict != VerdictReverse {
		t.Fatalf("expected reverse, got %s", verdict)
	}
	info, _ := te.LookupSession(svc, c1)
	if !info.Fin {
		t.Error("expected session to be lingering after FIN")
	}

	te.advance(DefaultOptions().FinLinger)
	if _, ok := te.LookupSession(svc, c1); ok {
		t.Fatal("expected session freed after linger")
	}
	if obs.closed[CloseFin] != 1 {
		t.Errorf("expected one fin close, got %v", obs.closed)
	}

	f, _, verdict := te.send(t, clientNIC, c2, svc, packet.FlagSYN)
	if verdict != VerdictForward {
		t.Fatalf("expected forward after port release, got %s", verdict)
	}
	assertEndpoints(t, f, "10.0.1.1:50000", "10.0.1.10:8080")
}

func TestSession_FinalACKFreesSession(t *testing.T) {
	te := newTestEngine(t, Options{})
	svc := te.natService(t, endpoint.TCP, ScheduleRoundRobin, "10.0.1.10:8080")
	client := ep(t, clientNIC, endpoint.TCP, "192.168.1.1:40000")
	te.send(t, clientNIC, client, svc, packet.FlagSYN)

	backend := ep(t, serverNIC, endpoint.TCP, "10.0.1.10:8080")
	private := ep(t, serverNIC, endpoint.TCP, "10.0.1.1:49152")
	te.send(t, serverNIC, backend, private, packet.FlagFIN|packet.FlagACK)

	f, _, verdict := te.send(t, clientNIC, client, svc, packet.FlagACK)
	if verdict != VerdictForward {
		t.Fatalf("expected the final ACK to be forwarded, got %s", verdict)
	}
	assertEndpoints(t, f, "10.0.1.1:49152", "10.0.1.10:8080")
	if _, _, sessions := te.Counts(); sessions != 0 {
		t.Errorf("expected session freed by the final ACK, %d left", sessions)
	}
	if te.timers.Len() != 0 {
		t.Errorf("expected no armed timers, got %d", te.timers.Len())
	}
}

func TestSession_IdleTimeout(t *testing.T) {
	obs := newRecordingObserver()
	te := newTestEngine(t, Options{Observer: obs})
	svc := te.natService(t, endpoint.TCP, ScheduleRoundRobin, "10.0.1.10:8080")
	client := ep(t, clientNIC, endpoint.TCP, "192.168.1.1:40000")
	te.send(t, clientNIC, client, svc, packet.FlagSYN)

	te.advance(29 * time.Second)
	te.send(t, clientNIC, client, svc, packet.FlagACK)
	te.advance(29 * time.Second)
	if _, ok := te.LookupSession(svc, client); !ok {
		t.Fatal("expected traffic to recharge the idle timer")
	}

	backend := ep(t, serverNIC, endpoint.TCP, "10.0.1.10:8080")
	private := ep(t, serverNIC, endpoint.TCP, "10.0.1.1:49152")
	te.send(t, serverNIC, backend, private, packet.FlagACK)
	te.advance(29 * time.Second)
	if _, ok := te.LookupSession(svc, client); !ok {
		t.Fatal("expected server traffic to recharge the idle timer")
	}

	te.advance(time.Second)
	if _, ok := te.LookupSession(svc, client); ok {
		t.Fatal("expected session to expire after the idle timeout")
	}
	if obs.closed[CloseIdle] != 1 {
		t.Errorf("expected one idle close, got %v", obs.closed)
	}
	if pool := te.ifaces[serverNIC].pool(endpoint.TCP, addr(t, "10.0.1.1"), 49152, 65535); pool.Len() != 0 {
		t.Errorf("expected NAT port released, %d in use", pool.Len())
	}
}

func TestSession_ServiceTimeout(t *testing.T) {
	te := newTestEngine(t, Options{})
	svc := ep(t, clientNIC, endpoint.UDP, "10.0.0.1:53")
	if _, err := te.AddService(svc, ScheduleRoundRobin, 5*time.Second); err != nil {
		t.Fatalf("AddService failed: %v", err)
	}
	te.AddServer(svc, ep(t, serverNIC, endpoint.UDP, "10.0.1.10:53"), ModeDNAT, 1)
	client := ep(t, clientNIC, endpoint.UDP, "192.168.1.1:40000")
	te.send(t, clientNIC, client, svc, 0)

	te.advance(5 * time.Second)
	if _, ok := te.LookupSession(svc, client); ok {
		t.Error("expected the per-service timeout to apply")
	}
}

func TestSession_DNATIndexConflict(t *testing.T) {
	te := newTestEngine(t, Options{})
	backend := ep(t, serverNIC, endpoint.TCP, "10.0.1.10:8080")
	svc1 := ep(t, clientNIC, endpoint.TCP, "10.0.0.1:80")
	svc2 := ep(t, clientNIC, endpoint.TCP, "10.0.0.2:80")
	for _, svc := range []endpoint.Endpoint{svc1, svc2} {
		te.AddService(svc, ScheduleRoundRobin, 0)
		if _, err := te.AddServer(svc, backend, ModeDNAT, 1); err != nil {
			t.Fatalf("AddServer failed: %v", err)
		}
	}

	client := ep(t, clientNIC, endpoint.TCP, "192.168.1.1:40000")
	if _, _, verdict := te.send(t, clientNIC, client, svc1, packet.FlagSYN); verdict != VerdictForward {
		t.Fatalf("expected forward, got %s", verdict)
	}
	// The same client tuple would be indistinguishable on the server side.
	if _, _, verdict := te.send(t, clientNIC, client, svc2, packet.FlagSYN); verdict != VerdictDrop {
		t.Fatalf("expected drop on server-side key conflict, got %s", verdict)
	}
	if _, _, sessions := te.Counts(); sessions != 1 {
		t.Errorf("expected rollback to leave 1 session, got %d", sessions)
	}
}

func TestEngine_Configuration(t *testing.T) {
	te := newTestEngine(t, Options{})
	svc := ep(t, clientNIC, endpoint.TCP, "10.0.0.1:80")
	backend := ep(t, serverNIC, endpoint.TCP, "10.0.1.10:8080")

	if _, err := te.AddServer(svc, backend, ModeNAT, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("server on missing service: expected ErrNotFound, got %v", err)
	}
	if _, err := te.AddService(ep(t, 5, endpoint.TCP, "10.0.0.1:80"), ScheduleRoundRobin, 0); !errors.Is(err, ErrNoInterface) {
		t.Errorf("unknown interface: expected ErrNoInterface, got %v", err)
	}
	if _, err := te.AddService(svc, ScheduleRoundRobin, 0); err != nil {
		t.Fatalf("AddService failed: %v", err)
	}
	if _, err := te.AddService(svc, ScheduleLeastConn, 0); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate service: expected ErrExists, got %v", err)
	}
	if _, err := te.AddServer(svc, backend, ModeNAT, 1); !errors.Is(err, ErrNoPrivateAddr) {
		t.Errorf("NAT without private address: expected ErrNoPrivateAddr, got %v", err)
	}
	if _, err := te.AddServer(svc, ep(t, serverNIC, endpoint.UDP, "10.0.1.10:8080"), ModeDNAT, 1); err == nil {
		t.Error("expected protocol mismatch to fail")
	}

	first, err := te.AddServer(svc, backend, ModeDNAT, 0)
	if err != nil {
		t.Fatalf("AddServer failed: %v", err)
	}
	if _, err := te.AddServer(svc, backend, ModeDNAT, 1); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate server: expected ErrExists, got %v", err)
	}

	other := ep(t, clientNIC, endpoint.TCP, "10.0.0.2:80")
	te.AddService(other, ScheduleRoundRobin, 0)
	if _, err := te.AddServer(other, backend, ModeDR, 1); !errors.Is(err, ErrModeMismatch) {
		t.Errorf("mode mismatch: expected ErrModeMismatch, got %v", err)
	}
	shared, err := te.AddServer(other, backend, ModeDNAT, 3)
	if err != nil {
		t.Fatalf("AddServer on second service failed: %v", err)
	}
	if shared != first {
		t.Errorf("expected shared server handle %d, got %d", first, shared)
	}

	servers := te.Servers()
	if len(servers) != 1 || servers[0].Services != 2 || servers[0].Weight != 3 {
		t.Errorf("unexpected servers %+v", servers)
	}
	if err := te.SetServerWeight(svc, backend, 7); err != nil {
		t.Errorf("SetServerWeight failed: %v", err)
	}
	if err := te.SetSchedule(svc, ScheduleSourceHash); err != nil {
		t.Errorf("SetSchedule failed: %v", err)
	}
	if err := te.SetTimeout(svc, 0); err != nil {
		t.Errorf("SetTimeout failed: %v", err)
	}
	infos := te.Services()
	if infos[0].Schedule != ScheduleSourceHash || infos[0].Timeout != DefaultOptions().IdleTimeout {
		t.Errorf("unexpected service %+v", infos[0])
	}
	if infos[0].Servers[0].Weight != 7 {
		t.Errorf("expected weight 7, got %d", infos[0].Servers[0].Weight)
	}
}

func TestEngine_PrivateAddressOwnership(t *testing.T) {
	te := newTestEngine(t, Options{})
	svc := te.natService(t, endpoint.TCP, ScheduleRoundRobin, "10.0.1.10:8080")
	vip, private := addr(t, "10.0.0.1"), addr(t, "10.0.1.1")

	if !te.Owns(clientNIC, vip) || !te.Owns(serverNIC, private) {
		t.Fatal("expected service and private addresses to be owned")
	}
	if te.Owns(serverNIC, vip) {
		t.Error("service address owned on the wrong interface")
	}

	udp := ep(t, clientNIC, endpoint.UDP, "10.0.0.1:53")
	te.AddService(udp, ScheduleRoundRobin, 0)
	te.SetPrivateAddr(udp, serverNIC, private)

	te.RemoveServiceForce(svc)
	if !te.Owns(clientNIC, vip) || !te.Owns(serverNIC, private) {
		t.Error("addresses still used by the UDP service must stay owned")
	}

	if err := te.RemovePrivateAddr(udp, serverNIC); err != nil {
		t.Fatalf("RemovePrivateAddr failed: %v", err)
	}
	if te.Owns(serverNIC, private) {
		t.Error("expected private address to be released")
	}
	if err := te.RemovePrivateAddr(udp, serverNIC); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	te.RemoveServiceForce(udp)
	if te.Owns(clientNIC, vip) {
		t.Error("expected service address to be released")
	}
}

func TestInterface_NextHop(t *testing.T) {
	neighbors := &staticNeighbors{mac: backendMAC}
	ifc := newInterface(InterfaceConfig{
		Index:     1,
		MAC:       serverNICMAC,
		Prefix:    netip.MustParsePrefix("10.0.1.2/24"),
		Gateway:   addr(t, "10.0.1.254"),
		Neighbors: neighbors,
	})

	ifc.resolve(addr(t, "10.0.1.1"), addr(t, "10.0.1.10"))
	ifc.resolve(addr(t, "10.0.1.1"), addr(t, "172.16.0.5"))
	want := []endpoint.Addr{addr(t, "10.0.1.10"), addr(t, "10.0.1.254")}
	if len(neighbors.lookups) != 2 || neighbors.lookups[0] != want[0] || neighbors.lookups[1] != want[1] {
		t.Errorf("expected lookups %v, got %v", want, neighbors.lookups)
	}

	bare := newInterface(InterfaceConfig{Index: 2})
	if mac := bare.resolve(1, 2); !bytes.Equal(mac, broadcastMAC) {
		t.Errorf("expected broadcast without neighbors, got %s", mac)
	}
}

func TestEngine_Dump(t *testing.T) {
	te := newTestEngine(t, Options{})
	svc := te.natService(t, endpoint.TCP, ScheduleRoundRobin, "10.0.1.10:8080", "10.0.1.11:8080")
	te.send(t, clientNIC, ep(t, clientNIC, endpoint.TCP, "192.168.1.1:40000"), svc, packet.FlagSYN)

	var services, servers strings.Builder
	if err := te.DumpServices(&services); err != nil {
		t.Fatalf("DumpServices failed: %v", err)
	}
	if err := te.DumpServers(&servers); err != nil {
		t.Fatalf("DumpServers failed: %v", err)
	}

	for _, want := range []string{"STATE", "active", "tcp", "10.0.0.1:80", "rr", "1=10.0.1.1", "30s"} {
		if !strings.Contains(services.String(), want) {
			t.Errorf("service dump missing %q:\n%s", want, services.String())
		}
	}
	lines := strings.Split(strings.TrimSpace(servers.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 servers, got:\n%s", servers.String())
	}
	if !strings.Contains(lines[1], "10.0.1.10:8080") || !strings.Contains(lines[1], "nat") {
		t.Errorf("unexpected first server line %q", lines[1])
	}
	if !strings.HasSuffix(strings.TrimSpace(lines[1]), "1") || !strings.HasSuffix(strings.TrimSpace(lines[2]), "0") {
		t.Errorf("unexpected session counts:\n%s", servers.String())
	}

	var attached strings.Builder
	if err := te.DumpServiceServers(&attached, svc); err != nil {
		t.Fatalf("DumpServiceServers failed: %v", err)
	}
	if attached.String() != servers.String() {
		t.Errorf("expected the only service to list every server:\n%s", attached.String())
	}
	other := ep(t, clientNIC, endpoint.TCP, "10.0.0.9:80")
	if err := te.DumpServiceServers(&attached, other); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for an unknown service, got %v", err)
	}
}
