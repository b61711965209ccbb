// Package lb is the translation engine: services, servers and sessions of one
// worker, the schedulers that pick servers and the frame rewriting for NAT,
// DNAT and DR. An Engine is owned by a single goroutine; nothing in this
// package locks.
package lb

import (
	"errors"
	"fmt"
	"time"

	"github.com/easzlab/pktlb/pkg/endpoint"
	"github.com/easzlab/pktlb/pkg/packet"
	"github.com/easzlab/pktlb/pkg/timer"
	"go.uber.org/zap"
)

// Engine holds every service, server and session of a worker together with
// the per-interface indexes that reach them.
type Engine struct {
	opts     Options
	logger   *zap.Logger
	timers   *timer.Queue
	ifaces   map[int]*Interface
	services arena[ServiceID, Service]
	servers  arena[ServerID, Server]
	sessions arena[SessionID, Session]

	scratch []*Server
}

// New creates an empty Engine.
func New(opts Options, logger *zap.Logger) *Engine {
	opts.setDefaults()
	return &Engine{
		opts:   opts,
		logger: logger,
		timers: timer.New(opts.Now),
		ifaces: make(map[int]*Interface),
	}
}

// AddInterface registers a NIC. Services and servers may only reference
// registered interfaces.
func (e *Engine) AddInterface(cfg InterfaceConfig) error {
	if _, exists := e.ifaces[cfg.Index]; exists {
		return fmt.Errorf("interface %d: %w", cfg.Index, ErrExists)
	}
	e.ifaces[cfg.Index] = newInterface(cfg)
	e.logger.Info("interface added",
		zap.Int("index", cfg.Index),
		zap.String("name", cfg.Name),
		zap.Stringer("mac", cfg.MAC),
	)
	return nil
}

// Interface returns the context of a registered NIC.
func (e *Engine) Interface(index int) (*Interface, bool) {
	ifc, ok := e.ifaces[index]
	return ifc, ok
}

// Owns reports whether addr is a service or private address on the interface.
func (e *Engine) Owns(nic int, addr endpoint.Addr) bool {
	ifc, ok := e.ifaces[nic]
	if !ok {
		return false
	}
	return ifc.owned[addr] > 0
}

func (e *Engine) iface(nic int) (*Interface, error) {
	ifc, ok := e.ifaces[nic]
	if !ok {
		return nil, fmt.Errorf("interface %d: %w", nic, ErrNoInterface)
	}
	return ifc, nil
}

// Tick fires due timers.
func (e *Engine) Tick(now time.Time) int {
	return e.timers.Poll(now)
}

// NextDeadline returns when the earliest timer is due.
func (e *Engine) NextDeadline() (time.Time, bool) {
	return e.timers.Next()
}

// Handle translates one frame received on nic. On VerdictForward or
// VerdictReverse the frame has been rewritten in place and must be sent on the
// returned egress interface.
func (e *Engine) Handle(nic int, f *packet.Frame) (int, Verdict) {
	ifc, ok := e.ifaces[nic]
	if !ok {
		return -1, VerdictMiss
	}

	dst := f.Destination(nic)
	if id, ok := ifc.services[dst.Key()]; ok {
		svc := e.services.get(id)
		if svc == nil {
			e.logger.DPanic("service index holds a stale handle", zap.Stringer("service", dst))
			return -1, VerdictDrop
		}
		client := f.Source(nic)
		s := e.sessions.get(svc.sessions[client.Key()])
		if s == nil {
			var err error
			s, err = e.admit(svc, client)
			if err != nil {
				e.opts.Observer.AdmissionFailed(err)
				if ce := e.logger.Check(zap.DebugLevel, "session admission failed"); ce != nil {
					ce.Write(zap.Stringer("client", client), zap.Stringer("service", svc.endpoint), zap.Error(err))
				}
				return -1, VerdictDrop
			}
		}
		return e.forward(s, f), VerdictForward
	}

	if id, ok := ifc.sessions[dst.Key()]; ok {
		s := e.sessions.get(id)
		if s == nil {
			e.logger.DPanic("session index holds a stale handle", zap.Stringer("key", dst))
			return -1, VerdictDrop
		}
		if f.SrcAddr() != s.server.Addr || f.SrcPort() != s.server.Port {
			return -1, VerdictMiss
		}
		return e.reverse(s, f), VerdictReverse
	}

	return -1, VerdictMiss
}

// RemoveAll gracefully removes every service.
func (e *Engine) RemoveAll(wait time.Duration) error {
	var errs []error
	for _, svc := range e.services.all() {
		if svc.state == ServiceDeactive {
			continue
		}
		if err := e.removeService(svc, wait); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveAllForce destroys every service, server and session immediately.
func (e *Engine) RemoveAllForce() {
	for _, svc := range e.services.all() {
		e.removeServiceForce(svc)
	}
	for _, srv := range e.servers.all() {
		e.removeServerForce(srv)
	}
}

// Empty reports whether no service, server or session is left.
func (e *Engine) Empty() bool {
	return e.services.len() == 0 && e.servers.len() == 0 && e.sessions.len() == 0
}

// Counts returns the number of live services, servers and sessions.
func (e *Engine) Counts() (services, servers, sessions int) {
	return e.services.len(), e.servers.len(), e.sessions.len()
}
