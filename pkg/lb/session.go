package lb

import (
	"fmt"

	"github.com/easzlab/pktlb/pkg/endpoint"
	"github.com/easzlab/pktlb/pkg/packet"
	"github.com/easzlab/pktlb/pkg/timer"
	"go.uber.org/zap"
)

// Session is one translated flow.
//
//	client  -> public   as seen on the service interface
//	private -> server   as seen on the server interface
//
// For DNAT and DR the private endpoint is the client itself.
type Session struct {
	id      SessionID
	mode    Mode
	client  endpoint.Endpoint
	public  endpoint.Endpoint
	private endpoint.Endpoint
	server  endpoint.Endpoint
	service ServiceID
	backend ServerID
	fin     bool
	timer   timer.ID
}

// admit schedules a server and builds a session for a new client. Every
// resource acquired is released again if a later step fails.
func (e *Engine) admit(svc *Service, client endpoint.Endpoint) (*Session, error) {
	if svc.state != ServiceActive {
		return nil, ErrDeactive
	}
	srv := e.schedule(svc, client)
	if srv == nil {
		return nil, ErrNoServer
	}
	srvIfc, err := e.iface(srv.endpoint.NIC)
	if err != nil {
		return nil, err
	}

	s := &Session{
		mode:    srv.mode,
		client:  client,
		public:  svc.endpoint,
		server:  srv.endpoint,
		service: svc.id,
		backend: srv.id,
	}

	var undo []func()
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}

	switch srv.mode {
	case ModeNAT:
		addr, ok := svc.private[srv.endpoint.NIC]
		if !ok {
			return nil, ErrNoPrivateAddr
		}
		pool := srvIfc.pool(client.Protocol, addr, e.opts.PortMin, e.opts.PortMax)
		port, err := pool.Allocate()
		if err != nil {
			return nil, err
		}
		undo = append(undo, func() { pool.Release(port) })
		s.private = endpoint.Endpoint{NIC: srv.endpoint.NIC, Protocol: client.Protocol, Addr: addr, Port: port}
	default:
		s.private = client
		s.private.NIC = srv.endpoint.NIC
	}

	privateKey := s.private.Key()
	if _, dup := srvIfc.sessions[privateKey]; dup {
		rollback()
		return nil, fmt.Errorf("%s on interface %d: %w", s.private.HostPort(), s.private.NIC, ErrIndexConflict)
	}
	clientKey := client.Key()
	if _, dup := svc.sessions[clientKey]; dup {
		rollback()
		return nil, fmt.Errorf("client %s: %w", client.HostPort(), ErrIndexConflict)
	}

	s.id = e.sessions.insert(s)
	srvIfc.sessions[privateKey] = s.id
	svc.sessions[clientKey] = s.id
	srv.sessions[privateKey] = s.id
	s.timer = e.timers.Add(e.expireFunc(s.id, CloseIdle), svc.timeout, 0)

	e.opts.Observer.SessionOpened(s.mode)
	if ce := e.logger.Check(zap.DebugLevel, "session created"); ce != nil {
		ce.Write(
			zap.Stringer("client", client),
			zap.Stringer("service", svc.endpoint),
			zap.Stringer("server", srv.endpoint),
			zap.Stringer("private", s.private),
			zap.Stringer("mode", s.mode),
		)
	}
	return s, nil
}

func (e *Engine) expireFunc(id SessionID, reason CloseReason) timer.Func {
	return func() bool {
		s := e.sessions.get(id)
		if s == nil {
			return false
		}
		s.timer = 0
		e.freeSession(s, reason)
		return false
	}
}

// forward rewrites a client frame towards the server and returns the egress NIC.
func (e *Engine) forward(s *Session, f *packet.Frame) int {
	srvIfc := e.ifaces[s.server.NIC]
	src := s.private.Addr
	if s.mode != ModeNAT {
		src = s.public.Addr
	}
	f.SetSrcMAC(srvIfc.cfg.MAC)
	f.SetDstMAC(srvIfc.resolve(src, s.server.Addr))

	switch s.mode {
	case ModeNAT:
		f.SetSource(s.private.Addr, s.private.Port)
		f.SetDestination(s.server.Addr, s.server.Port)
	case ModeDNAT:
		f.SetDestination(s.server.Addr, s.server.Port)
	case ModeDR:
		// MAC rewrite only.
	}

	// The last ACK after the backend's FIN closes the flow.
	if s.fin && f.HasACK() {
		e.freeSession(s, CloseFin)
	} else {
		e.recharge(s)
	}
	return s.server.NIC
}

// reverse rewrites a server frame back towards the client and returns the
// egress NIC. DR servers answer clients directly, so DR frames pass untouched.
func (e *Engine) reverse(s *Session, f *packet.Frame) int {
	switch s.mode {
	case ModeNAT:
		f.SetSource(s.public.Addr, s.public.Port)
		f.SetDestination(s.client.Addr, s.client.Port)
	case ModeDNAT:
		f.SetSource(s.public.Addr, s.public.Port)
	case ModeDR:
		return s.client.NIC
	}

	cliIfc := e.ifaces[s.client.NIC]
	f.SetSrcMAC(cliIfc.cfg.MAC)
	f.SetDstMAC(cliIfc.resolve(s.public.Addr, s.client.Addr))

	if f.HasFIN() {
		e.setFin(s)
	} else {
		e.recharge(s)
	}
	return s.client.NIC
}

// recharge pushes the idle deadline back. Sessions waiting for their final
// ACK are not recharged.
func (e *Engine) recharge(s *Session) {
	if s.fin {
		return
	}
	e.timers.Update(s.timer)
}

// setFin replaces the idle timer with the short linger timer.
func (e *Engine) setFin(s *Session) {
	if s.timer != 0 {
		e.timers.Remove(s.timer)
	}
	s.fin = true
	s.timer = e.timers.Add(e.expireFunc(s.id, CloseFin), e.opts.FinLinger, 0)
}

// freeSession unlinks a session from both indexes and its server, returns
// the NAT port and releases the handle.
func (e *Engine) freeSession(s *Session, reason CloseReason) {
	if s.timer != 0 {
		e.timers.Remove(s.timer)
		s.timer = 0
	}

	clientKey := s.client.Key()
	if svc := e.services.get(s.service); svc == nil || svc.sessions[clientKey] != s.id {
		e.logger.DPanic("session missing from service index", zap.Stringer("client", s.client), zap.Error(ErrInvariant))
	} else {
		delete(svc.sessions, clientKey)
	}

	privateKey := s.private.Key()
	srvIfc := e.ifaces[s.private.NIC]
	if srvIfc == nil || srvIfc.sessions[privateKey] != s.id {
		e.logger.DPanic("session missing from server-side index", zap.Stringer("private", s.private), zap.Error(ErrInvariant))
	} else {
		delete(srvIfc.sessions, privateKey)
	}

	if srv := e.servers.get(s.backend); srv == nil || srv.sessions[privateKey] != s.id {
		e.logger.DPanic("session missing from server", zap.Stringer("server", s.server), zap.Error(ErrInvariant))
	} else {
		delete(srv.sessions, privateKey)
	}

	if s.mode == ModeNAT && srvIfc != nil {
		pool := srvIfc.pool(s.private.Protocol, s.private.Addr, e.opts.PortMin, e.opts.PortMax)
		if !pool.Release(s.private.Port) {
			e.logger.DPanic("NAT port was not allocated", zap.Stringer("private", s.private), zap.Error(ErrInvariant))
		}
	}

	e.sessions.remove(s.id)
	e.opts.Observer.SessionClosed(s.mode, reason)
	if ce := e.logger.Check(zap.DebugLevel, "session freed"); ce != nil {
		ce.Write(zap.Stringer("client", s.client), zap.Stringer("server", s.server), zap.String("reason", string(reason)))
	}
}

// SessionInfo is a read-only view of a session.
type SessionInfo struct {
	Client  endpoint.Endpoint
	Public  endpoint.Endpoint
	Private endpoint.Endpoint
	Server  endpoint.Endpoint
	Mode    Mode
	Fin     bool
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		Client:  s.client,
		Public:  s.public,
		Private: s.private,
		Server:  s.server,
		Mode:    s.mode,
		Fin:     s.fin,
	}
}

// LookupSession finds the session of a client on a service.
func (e *Engine) LookupSession(service, client endpoint.Endpoint) (SessionInfo, bool) {
	svc := e.lookupService(service)
	if svc == nil {
		return SessionInfo{}, false
	}
	s := e.sessions.get(svc.sessions[client.Key()])
	if s == nil {
		return SessionInfo{}, false
	}
	return s.info(), true
}
