package lb

import (
	"fmt"
	"slices"
	"time"

	"github.com/easzlab/pktlb/pkg/endpoint"
	"github.com/easzlab/pktlb/pkg/timer"
	"go.uber.org/zap"
)

// Service is a virtual endpoint fronting a pool of servers.
type Service struct {
	id       ServiceID
	endpoint endpoint.Endpoint
	state    ServiceState
	schedule Schedule
	timeout  time.Duration
	cursor   uint64

	// private maps a server-facing NIC to the address NAT sessions use on it.
	private  map[int]endpoint.Addr
	active   []ServerID
	inactive []ServerID
	sessions map[uint64]SessionID // by client key
	timer    timer.ID
}

func (e *Engine) lookupService(ep endpoint.Endpoint) *Service {
	ifc, ok := e.ifaces[ep.NIC]
	if !ok {
		return nil
	}
	id, ok := ifc.services[ep.Key()]
	if !ok {
		return nil
	}
	return e.services.get(id)
}

func (e *Engine) service(ep endpoint.Endpoint) (*Service, error) {
	svc := e.lookupService(ep)
	if svc == nil {
		return nil, fmt.Errorf("service %s: %w", ep, ErrNotFound)
	}
	return svc, nil
}

// AddService creates a service listening on ep. A zero timeout selects the
// engine's default idle timeout.
func (e *Engine) AddService(ep endpoint.Endpoint, schedule Schedule, timeout time.Duration) (ServiceID, error) {
	ifc, err := e.iface(ep.NIC)
	if err != nil {
		return 0, err
	}
	if _, exists := ifc.services[ep.Key()]; exists {
		return 0, fmt.Errorf("service %s: %w", ep, ErrExists)
	}
	if timeout <= 0 {
		timeout = e.opts.IdleTimeout
	}

	svc := &Service{
		endpoint: ep,
		state:    ServiceActive,
		schedule: schedule,
		timeout:  timeout,
		private:  make(map[int]endpoint.Addr),
		sessions: make(map[uint64]SessionID),
	}
	svc.id = e.services.insert(svc)
	ifc.services[ep.Key()] = svc.id
	ifc.own(ep.Addr)

	e.logger.Info("service added",
		zap.Stringer("service", ep),
		zap.Stringer("schedule", schedule),
		zap.Duration("timeout", timeout),
	)
	return svc.id, nil
}

// SetSchedule changes the scheduling policy of a service.
func (e *Engine) SetSchedule(ep endpoint.Endpoint, schedule Schedule) error {
	svc, err := e.service(ep)
	if err != nil {
		return err
	}
	svc.schedule = schedule
	svc.cursor = 0
	return nil
}

// SetTimeout changes the idle timeout used for new sessions of a service.
func (e *Engine) SetTimeout(ep endpoint.Endpoint, timeout time.Duration) error {
	svc, err := e.service(ep)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = e.opts.IdleTimeout
	}
	svc.timeout = timeout
	return nil
}

// SetPrivateAddr binds the address NAT sessions of the service use towards
// servers on nic.
func (e *Engine) SetPrivateAddr(ep endpoint.Endpoint, nic int, addr endpoint.Addr) error {
	svc, err := e.service(ep)
	if err != nil {
		return err
	}
	ifc, err := e.iface(nic)
	if err != nil {
		return err
	}
	if old, ok := svc.private[nic]; ok {
		if old == addr {
			return nil
		}
		ifc.disown(old)
	}
	svc.private[nic] = addr
	ifc.own(addr)
	e.logger.Info("private address set",
		zap.Stringer("service", ep),
		zap.Int("nic", nic),
		zap.Stringer("address", addr),
	)
	return nil
}

// RemovePrivateAddr drops the binding for nic. Existing NAT sessions keep
// their address; new ones towards servers on nic can no longer be created.
func (e *Engine) RemovePrivateAddr(ep endpoint.Endpoint, nic int) error {
	svc, err := e.service(ep)
	if err != nil {
		return err
	}
	addr, ok := svc.private[nic]
	if !ok {
		return fmt.Errorf("service %s private address on interface %d: %w", ep, nic, ErrNotFound)
	}
	delete(svc.private, nic)
	if ifc, ok := e.ifaces[nic]; ok {
		ifc.disown(addr)
	}
	return nil
}

// RemoveService stops admitting sessions on the service and destroys it once
// drained. A positive wait bounds the drain; zero waits as long as it takes.
func (e *Engine) RemoveService(ep endpoint.Endpoint, wait time.Duration) error {
	svc, err := e.service(ep)
	if err != nil {
		return err
	}
	return e.removeService(svc, wait)
}

func (e *Engine) removeService(svc *Service, wait time.Duration) error {
	if svc.state == ServiceDeactive {
		return fmt.Errorf("service %s: %w", svc.endpoint, ErrRemoving)
	}
	if len(svc.sessions) == 0 {
		e.removeServiceForce(svc)
		return nil
	}

	svc.state = ServiceDeactive
	id := svc.id
	if wait > 0 {
		svc.timer = e.timers.Add(func() bool {
			if svc := e.services.get(id); svc != nil {
				svc.timer = 0
				e.removeServiceForce(svc)
			}
			return false
		}, wait, 0)
	} else {
		svc.timer = e.timers.Add(func() bool {
			svc := e.services.get(id)
			if svc == nil {
				return false
			}
			if len(svc.sessions) > 0 {
				return true
			}
			svc.timer = 0
			e.removeServiceForce(svc)
			return false
		}, e.opts.RemovalPoll, e.opts.RemovalPoll)
	}

	e.logger.Info("service draining",
		zap.Stringer("service", svc.endpoint),
		zap.Int("sessions", len(svc.sessions)),
		zap.Duration("wait", wait),
	)
	return nil
}

// RemoveServiceForce destroys the service, its exclusively owned servers and
// every session it still has.
func (e *Engine) RemoveServiceForce(ep endpoint.Endpoint) error {
	svc, err := e.service(ep)
	if err != nil {
		return err
	}
	e.removeServiceForce(svc)
	return nil
}

func (e *Engine) removeServiceForce(svc *Service) {
	if svc.timer != 0 {
		e.timers.Remove(svc.timer)
		svc.timer = 0
	}

	for _, id := range slices.Concat(svc.active, svc.inactive) {
		srv := e.servers.get(id)
		if srv == nil {
			continue
		}
		e.detach(svc, srv)
		if len(srv.services) == 0 {
			e.removeServerForce(srv)
		}
	}

	for _, id := range svc.sessions {
		if s := e.sessions.get(id); s != nil {
			e.freeSession(s, CloseRemoved)
		}
	}

	ifc := e.ifaces[svc.endpoint.NIC]
	for nic, addr := range svc.private {
		if pifc, ok := e.ifaces[nic]; ok {
			pifc.disown(addr)
		}
	}
	delete(ifc.services, svc.endpoint.Key())
	ifc.disown(svc.endpoint.Addr)
	e.services.remove(svc.id)

	e.logger.Info("service removed", zap.Stringer("service", svc.endpoint))
}
