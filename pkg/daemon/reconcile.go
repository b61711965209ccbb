package daemon

import (
	"errors"
	"fmt"
	"time"

	"github.com/easzlab/pktlb/pkg/config"
	"github.com/easzlab/pktlb/pkg/endpoint"
	"github.com/easzlab/pktlb/pkg/lb"
	"go.uber.org/zap"
)

// HealthChecker is the view of backend health the Reconciler needs.
type HealthChecker interface {
	IsHealthy(address string) bool
}

// Reconciler drives the engine towards the configured services. Services
// created through the console are left alone unless the configuration
// names them too.
//
// Reconcile touches the engine and the managed set, so it must only run on
// the worker goroutine.
type Reconciler struct {
	ifaces  map[string]int
	health  HealthChecker
	managed map[endpoint.Endpoint]bool
	logger  *zap.Logger
}

// NewReconciler creates a Reconciler resolving interface names through ifaces.
func NewReconciler(ifaces map[string]int, health HealthChecker, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		ifaces:  ifaces,
		health:  health,
		managed: make(map[endpoint.Endpoint]bool),
		logger:  logger,
	}
}

type desiredServer struct {
	endpoint endpoint.Endpoint
	address  string
	mode     lb.Mode
	weight   uint32
}

type desiredService struct {
	name     string
	endpoint endpoint.Endpoint
	schedule lb.Schedule
	timeout  time.Duration
	private  map[int]endpoint.Addr
	servers  []desiredServer
}

// Reconcile applies the configured services to the engine. Every step is
// attempted; the failures are returned together.
func (r *Reconciler) Reconcile(e *lb.Engine, services []config.ServiceConfig) error {
	desired, err := r.buildDesiredState(services)
	if err != nil {
		return fmt.Errorf("failed to build desired state: %w", err)
	}
	r.logger.Debug("starting reconcile", zap.Int("desired_services", len(desired)))

	var reconcileErrors []error
	wanted := make(map[endpoint.Endpoint]bool, len(desired))
	for _, want := range desired {
		wanted[want.endpoint] = true
		if err := r.reconcileService(e, want); err != nil {
			reconcileErrors = append(reconcileErrors, err)
		}
	}

	for ep := range r.managed {
		if wanted[ep] {
			continue
		}
		err := e.RemoveService(ep, 0)
		switch {
		case err == nil, errors.Is(err, lb.ErrNotFound), errors.Is(err, lb.ErrRemoving):
			delete(r.managed, ep)
		default:
			reconcileErrors = append(reconcileErrors, fmt.Errorf("remove service %s: %w", ep, err))
		}
	}

	if len(reconcileErrors) > 0 {
		r.logger.Error("reconcile completed with errors", zap.Int("error_count", len(reconcileErrors)))
		return errors.Join(reconcileErrors...)
	}
	r.logger.Debug("reconcile completed successfully")
	return nil
}

// Managed reports whether the service at ep was created from configuration.
func (r *Reconciler) Managed(ep endpoint.Endpoint) bool {
	return r.managed[ep]
}

func (r *Reconciler) index(name string) (int, error) {
	index, ok := r.ifaces[name]
	if !ok {
		return 0, fmt.Errorf("unknown interface %q", name)
	}
	return index, nil
}

// buildDesiredState converts the configured services into engine terms,
// keeping the configuration order.
func (r *Reconciler) buildDesiredState(configs []config.ServiceConfig) ([]*desiredService, error) {
	result := make([]*desiredService, 0, len(configs))
	for _, svcCfg := range configs {
		want, err := r.desiredService(svcCfg)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", svcCfg.Name, err)
		}
		result = append(result, want)
	}
	return result, nil
}

func (r *Reconciler) desiredService(svcCfg config.ServiceConfig) (*desiredService, error) {
	proto, err := endpoint.ParseProtocol(svcCfg.Protocol)
	if err != nil {
		return nil, err
	}
	nic, err := r.index(svcCfg.Interface)
	if err != nil {
		return nil, err
	}
	ep, err := endpoint.Parse(nic, proto, svcCfg.Listen)
	if err != nil {
		return nil, err
	}
	schedule, err := lb.ParseSchedule(svcCfg.Scheduler)
	if err != nil {
		return nil, err
	}

	want := &desiredService{
		name:     svcCfg.Name,
		endpoint: ep,
		schedule: schedule,
		timeout:  svcCfg.GetTimeout(),
		private:  make(map[int]endpoint.Addr, len(svcCfg.Private)),
	}
	for _, p := range svcCfg.Private {
		index, err := r.index(p.Interface)
		if err != nil {
			return nil, err
		}
		addr, err := endpoint.ParseAddr(p.Address)
		if err != nil {
			return nil, fmt.Errorf("private address %q: %w", p.Address, err)
		}
		want.private[index] = addr
	}
	for _, backendCfg := range svcCfg.Backends {
		index, err := r.index(svcCfg.InterfaceOf(backendCfg))
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", backendCfg.Address, err)
		}
		srvEp, err := endpoint.Parse(index, proto, backendCfg.Address)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", backendCfg.Address, err)
		}
		mode, err := lb.ParseMode(backendCfg.GetMode())
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", backendCfg.Address, err)
		}
		want.servers = append(want.servers, desiredServer{
			endpoint: srvEp,
			address:  backendCfg.Address,
			mode:     mode,
			weight:   uint32(backendCfg.Weight),
		})
	}
	return want, nil
}

func (r *Reconciler) reconcileService(e *lb.Engine, want *desiredService) error {
	ep := want.endpoint
	info, err := e.Service(ep)
	switch {
	case errors.Is(err, lb.ErrNotFound):
		if _, err := e.AddService(ep, want.schedule, want.timeout); err != nil {
			return fmt.Errorf("create service %s: %w", ep, err)
		}
		info = lb.ServiceInfo{Endpoint: ep}
	case err != nil:
		return fmt.Errorf("get service %s: %w", ep, err)
	case info.State == lb.ServiceDeactive:
		// Re-created once the drain finishes and a later pass runs.
		return fmt.Errorf("service %s: %w", ep, lb.ErrRemoving)
	default:
		if info.Schedule != want.schedule {
			if err := e.SetSchedule(ep, want.schedule); err != nil {
				return fmt.Errorf("update service %s: %w", ep, err)
			}
		}
		if err := e.SetTimeout(ep, want.timeout); err != nil {
			return fmt.Errorf("update service %s: %w", ep, err)
		}
	}
	r.managed[ep] = true

	var reconcileErrors []error

	// Private addresses go in before NAT servers need them and come out
	// after the servers using them are gone.
	for nic, addr := range want.private {
		if have, ok := info.Private[nic]; ok && have == addr {
			continue
		}
		if err := e.SetPrivateAddr(ep, nic, addr); err != nil {
			reconcileErrors = append(reconcileErrors, fmt.Errorf("set private address %s on %d for %s: %w", addr, nic, ep, err))
		}
	}

	if err := r.reconcileServers(e, want, info.Servers); err != nil {
		reconcileErrors = append(reconcileErrors, err)
	}

	for nic := range info.Private {
		if _, ok := want.private[nic]; ok {
			continue
		}
		if err := e.RemovePrivateAddr(ep, nic); err != nil {
			reconcileErrors = append(reconcileErrors, fmt.Errorf("remove private address on %d for %s: %w", nic, ep, err))
		}
	}

	return errors.Join(reconcileErrors...)
}

// reconcileServers performs a diff on the servers of a single service.
func (r *Reconciler) reconcileServers(e *lb.Engine, want *desiredService, actual []lb.ServerInfo) error {
	ep := want.endpoint
	actualMap := make(map[endpoint.Endpoint]lb.ServerInfo, len(actual))
	for _, srv := range actual {
		actualMap[srv.Endpoint] = srv
	}

	var reconcileErrors []error
	desiredMap := make(map[endpoint.Endpoint]bool, len(want.servers))
	for _, dst := range want.servers {
		desiredMap[dst.endpoint] = true
		have, exists := actualMap[dst.endpoint]
		switch {
		case !exists:
			if _, err := e.AddServer(ep, dst.endpoint, dst.mode, dst.weight); err != nil {
				reconcileErrors = append(reconcileErrors, fmt.Errorf("create server %s for %s: %w", dst.endpoint, ep, err))
				continue
			}
		case have.State == lb.ServerRemoving:
			reconcileErrors = append(reconcileErrors, fmt.Errorf("server %s for %s: %w", dst.endpoint, ep, lb.ErrRemoving))
			continue
		case have.Mode != dst.mode:
			if err := e.RemoveServerForce(ep, dst.endpoint); err != nil {
				reconcileErrors = append(reconcileErrors, fmt.Errorf("replace server %s for %s: %w", dst.endpoint, ep, err))
				continue
			}
			if _, err := e.AddServer(ep, dst.endpoint, dst.mode, dst.weight); err != nil {
				reconcileErrors = append(reconcileErrors, fmt.Errorf("replace server %s for %s: %w", dst.endpoint, ep, err))
				continue
			}
		case have.Weight != dst.weight:
			if err := e.SetServerWeight(ep, dst.endpoint, dst.weight); err != nil {
				reconcileErrors = append(reconcileErrors, fmt.Errorf("update server %s for %s: %w", dst.endpoint, ep, err))
			}
		}

		healthy := r.health.IsHealthy(dst.address)
		if !healthy {
			r.logger.Debug("backend is unhealthy, taking no new sessions",
				zap.String("service", want.name),
				zap.String("backend", dst.address),
			)
		}
		if err := e.SetServerHealth(dst.endpoint, healthy); err != nil {
			reconcileErrors = append(reconcileErrors, fmt.Errorf("set health of server %s: %w", dst.endpoint, err))
		}
	}

	for srvEp, have := range actualMap {
		if desiredMap[srvEp] || have.State == lb.ServerRemoving {
			continue
		}
		if err := e.RemoveServer(ep, srvEp, 0); err != nil {
			reconcileErrors = append(reconcileErrors, fmt.Errorf("remove server %s from %s: %w", srvEp, ep, err))
		}
	}

	return errors.Join(reconcileErrors...)
}
