package lb

import (
	"encoding/binary"
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"
	"github.com/easzlab/pktlb/pkg/endpoint"
)

// schedule picks a server from the service's active list, or nil.
func (e *Engine) schedule(svc *Service, client endpoint.Endpoint) *Server {
	candidates := e.scratch[:0]
	for _, id := range svc.active {
		if srv := e.servers.get(id); srv != nil {
			candidates = append(candidates, srv)
		}
	}
	e.scratch = candidates[:0]

	switch svc.schedule {
	case ScheduleWeightedRoundRobin:
		return pickWeighted(candidates, &svc.cursor)
	case ScheduleRandom:
		return pickRandom(candidates, e.opts.Rand)
	case ScheduleLeastConn:
		return pickLeastConn(candidates)
	case ScheduleSourceHash:
		return pickSourceHash(candidates, client.Addr)
	default:
		return pickRoundRobin(candidates, &svc.cursor)
	}
}

// pickRoundRobin returns servers[cursor mod n], skipping ineligible servers
// for at most one full cycle.
func pickRoundRobin(servers []*Server, cursor *uint64) *Server {
	n := uint64(len(servers))
	for i := uint64(0); i < n; i++ {
		srv := servers[*cursor%n]
		*cursor++
		if srv.eligible() {
			return srv
		}
	}
	return nil
}

// pickWeighted maps cursor mod the total eligible weight onto the list.
func pickWeighted(servers []*Server, cursor *uint64) *Server {
	var total uint64
	for _, srv := range servers {
		if srv.eligible() {
			total += uint64(srv.weight)
		}
	}
	if total == 0 {
		return nil
	}
	x := *cursor % total
	*cursor++
	for _, srv := range servers {
		if !srv.eligible() {
			continue
		}
		w := uint64(srv.weight)
		if x < w {
			return srv
		}
		x -= w
	}
	return nil
}

func pickRandom(servers []*Server, rng *rand.Rand) *Server {
	n := 0
	for _, srv := range servers {
		if srv.eligible() {
			n++
		}
	}
	if n == 0 {
		return nil
	}
	k := rng.IntN(n)
	for _, srv := range servers {
		if !srv.eligible() {
			continue
		}
		if k == 0 {
			return srv
		}
		k--
	}
	return nil
}

// pickLeastConn returns the first eligible server with the fewest sessions.
func pickLeastConn(servers []*Server) *Server {
	var best *Server
	for _, srv := range servers {
		if !srv.eligible() {
			continue
		}
		if best == nil || len(srv.sessions) < len(best.sessions) {
			best = srv
		}
	}
	return best
}

// pickSourceHash maps a client address to a fixed slot of the active list,
// so a client sticks to one server while that list is unchanged. An
// ineligible slot hands its clients to the next eligible server.
func pickSourceHash(servers []*Server, addr endpoint.Addr) *Server {
	n := uint64(len(servers))
	if n == 0 {
		return nil
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(addr))
	k := xxhash.Sum64(b[:]) % n
	for i := uint64(0); i < n; i++ {
		if srv := servers[(k+i)%n]; srv.eligible() {
			return srv
		}
	}
	return nil
}
