package lb

import (
	"fmt"
	"slices"
	"time"

	"github.com/easzlab/pktlb/pkg/endpoint"
	"github.com/easzlab/pktlb/pkg/timer"
	"go.uber.org/zap"
)

// Server is a backend. One server may be attached to several services; it
// is destroyed when the last of them lets go of it and its sessions are gone.
type Server struct {
	id       ServerID
	endpoint endpoint.Endpoint
	mode     Mode
	state    ServerState
	healthy  bool
	weight   uint32
	services []ServiceID
	sessions map[uint64]SessionID // by private key
	timer    timer.ID
}

func (s *Server) eligible() bool {
	return s.state == ServerOK && s.healthy
}

func (e *Engine) lookupServer(ep endpoint.Endpoint) *Server {
	ifc, ok := e.ifaces[ep.NIC]
	if !ok {
		return nil
	}
	id, ok := ifc.servers[ep.Key()]
	if !ok {
		return nil
	}
	return e.servers.get(id)
}

// attached returns the server at srvEp if it belongs to the service at svcEp.
func (e *Engine) attached(svcEp, srvEp endpoint.Endpoint) (*Service, *Server, error) {
	svc, err := e.service(svcEp)
	if err != nil {
		return nil, nil, err
	}
	srv := e.lookupServer(srvEp)
	if srv == nil || !slices.Contains(srv.services, svc.id) {
		return nil, nil, fmt.Errorf("server %s of service %s: %w", srvEp, svcEp, ErrNotFound)
	}
	return svc, srv, nil
}

// AddServer attaches the server at srvEp to a service, creating it first if
// no service uses it yet. NAT servers need a private address of the service
// on the server's interface.
func (e *Engine) AddServer(svcEp, srvEp endpoint.Endpoint, mode Mode, weight uint32) (ServerID, error) {
	svc, err := e.service(svcEp)
	if err != nil {
		return 0, err
	}
	if svc.state != ServiceActive {
		return 0, fmt.Errorf("service %s: %w", svcEp, ErrDeactive)
	}
	ifc, err := e.iface(srvEp.NIC)
	if err != nil {
		return 0, err
	}
	if srvEp.Protocol != svcEp.Protocol {
		return 0, fmt.Errorf("server %s: protocol differs from service %s", srvEp, svcEp)
	}
	if mode == ModeNAT {
		if _, ok := svc.private[srvEp.NIC]; !ok {
			return 0, fmt.Errorf("server %s: %w", srvEp, ErrNoPrivateAddr)
		}
	}
	if weight == 0 {
		weight = 1
	}

	if srv := e.lookupServer(srvEp); srv != nil {
		switch {
		case srv.mode != mode:
			return 0, fmt.Errorf("server %s (%s): %w", srvEp, srv.mode, ErrModeMismatch)
		case srv.state == ServerRemoving:
			return 0, fmt.Errorf("server %s: %w", srvEp, ErrRemoving)
		case slices.Contains(srv.services, svc.id):
			return 0, fmt.Errorf("server %s of service %s: %w", srvEp, svcEp, ErrExists)
		}
		srv.weight = weight
		srv.services = append(srv.services, svc.id)
		svc.active = append(svc.active, srv.id)
		e.logger.Info("server attached",
			zap.Stringer("service", svcEp),
			zap.Stringer("server", srvEp),
			zap.Int("services", len(srv.services)),
		)
		return srv.id, nil
	}

	srv := &Server{
		endpoint: srvEp,
		mode:     mode,
		state:    ServerOK,
		healthy:  true,
		weight:   weight,
		services: []ServiceID{svc.id},
		sessions: make(map[uint64]SessionID),
	}
	srv.id = e.servers.insert(srv)
	ifc.servers[srvEp.Key()] = srv.id
	svc.active = append(svc.active, srv.id)

	e.logger.Info("server added",
		zap.Stringer("service", svcEp),
		zap.Stringer("server", srvEp),
		zap.Stringer("mode", mode),
		zap.Uint32("weight", weight),
	)
	return srv.id, nil
}

// SetServerWeight changes the weight used by wrr.
func (e *Engine) SetServerWeight(svcEp, srvEp endpoint.Endpoint, weight uint32) error {
	_, srv, err := e.attached(svcEp, srvEp)
	if err != nil {
		return err
	}
	if weight == 0 {
		weight = 1
	}
	srv.weight = weight
	return nil
}

// SetServerHealth marks a server as able or unable to take new sessions.
// Existing sessions are not affected.
func (e *Engine) SetServerHealth(srvEp endpoint.Endpoint, healthy bool) error {
	srv := e.lookupServer(srvEp)
	if srv == nil {
		return fmt.Errorf("server %s: %w", srvEp, ErrNotFound)
	}
	if srv.healthy != healthy {
		srv.healthy = healthy
		e.logger.Info("server health changed", zap.Stringer("server", srvEp), zap.Bool("healthy", healthy))
	}
	return nil
}

// RemoveServer detaches the server from the service. When no other service
// uses it, the server stops taking sessions and is destroyed once drained;
// a positive wait bounds the drain.
func (e *Engine) RemoveServer(svcEp, srvEp endpoint.Endpoint, wait time.Duration) error {
	svc, srv, err := e.attached(svcEp, srvEp)
	if err != nil {
		return err
	}
	if len(srv.services) > 1 {
		// Sessions already scheduled on it by this service run to completion.
		e.detach(svc, srv)
		e.logger.Info("server detached", zap.Stringer("service", svcEp), zap.Stringer("server", srvEp))
		return nil
	}
	return e.removeServer(srv, wait)
}

func (e *Engine) removeServer(srv *Server, wait time.Duration) error {
	if srv.state == ServerRemoving {
		return fmt.Errorf("server %s: %w", srv.endpoint, ErrRemoving)
	}
	if len(srv.sessions) == 0 {
		e.removeServerForce(srv)
		return nil
	}

	srv.state = ServerRemoving
	for _, sid := range srv.services {
		if svc := e.services.get(sid); svc != nil {
			if i := slices.Index(svc.active, srv.id); i >= 0 {
				svc.active = slices.Delete(svc.active, i, i+1)
				svc.inactive = append(svc.inactive, srv.id)
			}
		}
	}

	id := srv.id
	if wait > 0 {
		srv.timer = e.timers.Add(func() bool {
			if srv := e.servers.get(id); srv != nil {
				srv.timer = 0
				e.removeServerForce(srv)
			}
			return false
		}, wait, 0)
	} else {
		srv.timer = e.timers.Add(func() bool {
			srv := e.servers.get(id)
			if srv == nil {
				return false
			}
			if len(srv.sessions) > 0 {
				return true
			}
			srv.timer = 0
			e.removeServerForce(srv)
			return false
		}, e.opts.RemovalPoll, e.opts.RemovalPoll)
	}

	e.logger.Info("server draining",
		zap.Stringer("server", srv.endpoint),
		zap.Int("sessions", len(srv.sessions)),
		zap.Duration("wait", wait),
	)
	return nil
}

// RemoveServerForce detaches the server from the service and frees the
// sessions the service had on it. A server no other service uses is
// destroyed together with all its sessions.
func (e *Engine) RemoveServerForce(svcEp, srvEp endpoint.Endpoint) error {
	svc, srv, err := e.attached(svcEp, srvEp)
	if err != nil {
		return err
	}
	if len(srv.services) == 1 {
		e.removeServerForce(srv)
		return nil
	}

	for _, id := range srv.sessions {
		if s := e.sessions.get(id); s != nil && s.service == svc.id {
			e.freeSession(s, CloseRemoved)
		}
	}
	e.detach(svc, srv)
	e.logger.Info("server detached", zap.Stringer("service", svcEp), zap.Stringer("server", srvEp))
	return nil
}

// detach removes the association between a service and a server in both
// directions. Sessions are left alone.
func (e *Engine) detach(svc *Service, srv *Server) {
	if i := slices.Index(svc.active, srv.id); i >= 0 {
		svc.active = slices.Delete(svc.active, i, i+1)
	}
	if i := slices.Index(svc.inactive, srv.id); i >= 0 {
		svc.inactive = slices.Delete(svc.inactive, i, i+1)
	}
	if i := slices.Index(srv.services, svc.id); i >= 0 {
		srv.services = slices.Delete(srv.services, i, i+1)
	}
}

func (e *Engine) removeServerForce(srv *Server) {
	if srv.timer != 0 {
		e.timers.Remove(srv.timer)
		srv.timer = 0
	}

	for _, id := range srv.sessions {
		if s := e.sessions.get(id); s != nil {
			e.freeSession(s, CloseRemoved)
		}
	}

	for _, sid := range slices.Clone(srv.services) {
		if svc := e.services.get(sid); svc != nil {
			e.detach(svc, srv)
		}
	}

	if ifc, ok := e.ifaces[srv.endpoint.NIC]; ok {
		delete(ifc.servers, srv.endpoint.Key())
	}
	e.servers.remove(srv.id)

	e.logger.Info("server removed", zap.Stringer("server", srv.endpoint))
}
