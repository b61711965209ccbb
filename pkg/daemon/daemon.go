// Package daemon wires the balancer together: devices, the engine and its
// worker, configuration reloads, health checks, the kernel guard and the
// admin API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/easzlab/pktlb/pkg/admin"
	"github.com/easzlab/pktlb/pkg/arp"
	"github.com/easzlab/pktlb/pkg/config"
	"github.com/easzlab/pktlb/pkg/console"
	"github.com/easzlab/pktlb/pkg/dispatch"
	"github.com/easzlab/pktlb/pkg/endpoint"
	"github.com/easzlab/pktlb/pkg/guard"
	"github.com/easzlab/pktlb/pkg/healthcheck"
	"github.com/easzlab/pktlb/pkg/icmp"
	"github.com/easzlab/pktlb/pkg/lb"
	"github.com/easzlab/pktlb/pkg/metrics"
	"github.com/easzlab/pktlb/pkg/nic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	memoryQueueDepth = 1024
	openAttempts     = 10
	openDelay        = 500 * time.Millisecond
	resyncDelay      = 5 * time.Second
	drainPoll        = 50 * time.Millisecond
)

type announcement struct {
	iface string
	addr  endpoint.Addr
}

// Daemon coordinates all modules and manages the overall lifecycle.
type Daemon struct {
	configMgr  *config.Manager
	engine     *lb.Engine
	worker     *dispatch.Worker
	devices    []nic.Device
	caches     map[string]*arp.Cache
	ifaces     map[string]int
	reconciler *Reconciler
	healthMgr  *healthcheck.Manager
	guard      guard.Manager
	guarded    bool
	metrics    *metrics.Metrics
	console    *console.Console
	admin      *admin.Server
	announced  map[announcement]bool

	healthChanged chan struct{}
	exit          chan bool
	logger        *zap.Logger
}

// New loads the configuration, opens every interface and returns a Daemon
// ready to Run.
func New(configPath string, logger *zap.Logger) (*Daemon, error) {
	configMgr, err := config.NewManager(configPath, logger.Named("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}
	guardMgr, err := guard.NewManager(logger.Named("guard"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize guard: %w", err)
	}
	return newDaemon(configMgr, guardMgr, logger)
}

func newDaemon(configMgr *config.Manager, guardMgr guard.Manager, logger *zap.Logger) (*Daemon, error) {
	cfg := configMgr.GetConfig()
	global := cfg.Global
	portMin, portMax := global.GetPortRange()

	d := &Daemon{
		configMgr:     configMgr,
		caches:        make(map[string]*arp.Cache),
		ifaces:        make(map[string]int),
		guard:         guardMgr,
		metrics:       metrics.New(),
		announced:     make(map[announcement]bool),
		healthChanged: make(chan struct{}, 1),
		exit:          make(chan bool, 1),
		logger:        logger,
	}
	d.engine = lb.New(lb.Options{
		IdleTimeout: global.GetSessionTimeout(),
		FinLinger:   global.GetFinLinger(),
		RemovalPoll: global.GetRemovalPoll(),
		PortMin:     portMin,
		PortMax:     portMax,
		Observer:    d.metrics,
	}, logger.Named("engine"))

	ports, err := d.openInterfaces(cfg)
	if err != nil {
		d.closeDevices()
		return nil, err
	}
	d.worker = dispatch.New(d.engine, ports, dispatch.Options{
		TickInterval: global.GetTickInterval(),
		Observer:     d.metrics,
	}, logger.Named("worker"))

	d.healthMgr = healthcheck.NewManager(func(address string, healthy bool) {
		select {
		case d.healthChanged <- struct{}{}:
		default:
		}
	}, logger.Named("healthcheck"))
	d.metrics.WatchHealth(d.healthMgr.Unhealthy)

	d.reconciler = NewReconciler(d.ifaces, d.healthMgr, logger.Named("reconciler"))
	d.console = console.New(d.worker, d.ifaces, d.requestExit, logger.Named("console"))
	d.admin = admin.New(global.GetAdminListen(), d.console, d.metrics.Registry(), logger.Named("admin"))
	return d, nil
}

func (d *Daemon) openInterfaces(cfg *config.Config) ([]*dispatch.Port, error) {
	arpCfg := cfg.Global.ARP
	var ports []*dispatch.Port
	for i, ifc := range cfg.Interfaces {
		dev, info, err := d.openDevice(ifc, i)
		if err != nil {
			return nil, err
		}
		d.devices = append(d.devices, dev)

		if ifc.Address != "" {
			if info.Prefix, err = netip.ParsePrefix(ifc.Address); err != nil {
				return nil, fmt.Errorf("interface %s: invalid address %q: %w", ifc.Name, ifc.Address, err)
			}
		}
		if ifc.Gateway != "" {
			if info.Gateway, err = endpoint.ParseAddr(ifc.Gateway); err != nil {
				return nil, fmt.Errorf("interface %s: invalid gateway %q: %w", ifc.Name, ifc.Gateway, err)
			}
		}

		cache := arp.NewCache(arp.Config{
			Interface:    ifc.Name,
			MAC:          dev.HardwareAddr(),
			Lifetime:     arpCfg.GetLifetime(),
			GCInterval:   arpCfg.GetGCInterval(),
			RequestRate:  rate.Limit(arpCfg.GetRequestRate()),
			RequestBurst: arpCfg.GetRequestBurst(),
		}, dev, d.logger.Named("arp").With(zap.String("interface", ifc.Name)))

		index := dev.Index()
		if err := d.engine.AddInterface(lb.InterfaceConfig{
			Index:     index,
			Name:      ifc.Name,
			MAC:       dev.HardwareAddr(),
			Prefix:    info.Prefix,
			Gateway:   info.Gateway,
			Neighbors: cache,
		}); err != nil {
			return nil, fmt.Errorf("interface %s: %w", ifc.Name, err)
		}

		owns := func(addr endpoint.Addr) bool { return d.engine.Owns(index, addr) }
		ports = append(ports, &dispatch.Port{
			Device: dev,
			ARP:    arp.NewHandler(cache, owns, d.logger.Named("arp")),
			ICMP:   icmp.NewResponder(owns, dev, d.logger.Named("icmp")),
		})
		d.ifaces[ifc.Name] = index
		d.caches[ifc.Name] = cache
		d.metrics.NameInterface(index, ifc.Name)
		d.metrics.WatchARP(ifc.Name, cache.Requests)

		d.logger.Info("interface ready",
			zap.String("name", ifc.Name),
			zap.String("driver", ifc.GetDriver()),
			zap.Int("index", index),
			zap.Stringer("mac", dev.HardwareAddr()),
			zap.Stringer("prefix", info.Prefix),
			zap.Stringer("gateway", info.Gateway),
		)
	}
	return ports, nil
}

// openDevice opens one configured interface. Memory devices are numbered
// by their position; raw devices carry the kernel's link index. A raw link
// that is still down is retried for a while.
func (d *Daemon) openDevice(ifc config.InterfaceConfig, position int) (nic.Device, nic.LinkInfo, error) {
	if ifc.GetDriver() == "memory" {
		mac := net.HardwareAddr{0x02, 0, 0, 0, 0, byte(position + 1)}
		if ifc.MAC != "" {
			parsed, err := net.ParseMAC(ifc.MAC)
			if err != nil {
				return nil, nic.LinkInfo{}, fmt.Errorf("interface %s: invalid mac %q: %w", ifc.Name, ifc.MAC, err)
			}
			mac = parsed
		}
		return nic.NewMemory(position+1, ifc.Name, mac, memoryQueueDepth), nic.LinkInfo{}, nil
	}

	var dev *nic.Raw
	err := retry.Do(
		func() error {
			var err error
			dev, err = nic.OpenRaw(ifc.Name, nic.RawOptions{Promiscuous: ifc.IsPromiscuous()})
			return err
		},
		retry.Attempts(openAttempts),
		retry.Delay(openDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, nic.ErrLinkDown) }),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Warn("interface not ready, retrying", zap.String("name", ifc.Name), zap.Uint("attempt", n+1), zap.Error(err))
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, nic.LinkInfo{}, fmt.Errorf("failed to open interface %s: %w", ifc.Name, err)
	}
	return dev, dev.Info(), nil
}

// Run starts the worker and the admin API, applies the configuration and
// then follows configuration and health changes until ctx is cancelled or
// the exit command is given.
func (d *Daemon) Run(ctx context.Context) error {
	workerCtx, stopWorker := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() { workerDone <- d.worker.Run(workerCtx) }()
	defer func() {
		stopWorker()
		<-workerDone
		d.closeDevices()
		d.logger.Info("daemon stopped")
	}()

	if err := d.admin.Start(); err != nil {
		return err
	}

	// Edits made while the first pass runs still trigger a reconcile.
	d.configMgr.WatchConfig()
	d.logger.Info("config watcher started")

	cfg := d.configMgr.GetConfig()
	d.healthMgr.UpdateTargets(ctx, cfg.Services)
	resync := d.sync(ctx, cfg)

	d.logger.Info("daemon started, entering main loop")
	for {
		select {
		case <-d.configMgr.OnChange():
			d.logger.Info("config change detected, triggering reconcile")
			cfg = d.configMgr.GetConfig()
			d.checkInterfaces(cfg)
			d.healthMgr.UpdateTargets(ctx, cfg.Services)
			resync = d.sync(ctx, cfg)

		case <-d.healthChanged:
			resync = d.sync(ctx, d.configMgr.GetConfig())

		case <-resync:
			d.logger.Info("retrying failed reconcile")
			resync = d.sync(ctx, d.configMgr.GetConfig())

		case force := <-d.exit:
			d.logger.Info("exit requested", zap.Bool("force", force))
			d.shutdown(force)
			return nil

		case <-ctx.Done():
			d.logger.Info("shutdown signal received, stopping daemon")
			d.shutdown(false)
			return nil
		}
	}
}

// sync applies cfg: guard rules first so the kernel never answers for an
// address the engine is about to own, then the engine. A failure schedules
// another attempt through the returned channel; success returns nil.
func (d *Daemon) sync(ctx context.Context, cfg *config.Config) <-chan time.Time {
	if err := d.apply(ctx, cfg); err != nil {
		d.logger.Error("reconcile failed", zap.Error(err))
		return time.After(resyncDelay)
	}
	return nil
}

func (d *Daemon) apply(ctx context.Context, cfg *config.Config) error {
	var errs []error
	switch {
	case cfg.Global.IsGuardEnabled():
		if err := d.guard.Reconcile(guard.Desired(cfg)); err != nil {
			errs = append(errs, fmt.Errorf("guard: %w", err))
		}
		d.guarded = true
	case d.guarded:
		if err := d.guard.Cleanup(); err != nil {
			errs = append(errs, fmt.Errorf("guard: %w", err))
		}
		d.guarded = false
	}

	err := d.worker.Do(ctx, func(e *lb.Engine) error {
		err := d.reconciler.Reconcile(e, cfg.Services)
		d.announce(e, cfg)
		return err
	})
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// announce sends a gratuitous ARP for every configured address the engine
// newly owns. It runs on the worker goroutine.
func (d *Daemon) announce(e *lb.Engine, cfg *config.Config) {
	current := make(map[announcement]bool)
	add := func(iface, address string) {
		addr, err := endpoint.ParseAddr(address)
		if err != nil {
			return
		}
		index, ok := d.ifaces[iface]
		if !ok || !e.Owns(index, addr) {
			return
		}
		current[announcement{iface, addr}] = true
	}
	for _, svc := range cfg.Services {
		if host, _, err := net.SplitHostPort(svc.Listen); err == nil {
			add(svc.Interface, host)
		}
		for _, p := range svc.Private {
			add(p.Interface, p.Address)
		}
	}

	for a := range current {
		if d.announced[a] {
			continue
		}
		if err := d.caches[a.iface].Announce(a.addr); err != nil {
			d.logger.Warn("failed to announce address", zap.String("interface", a.iface), zap.Stringer("address", a.addr), zap.Error(err))
			continue
		}
		d.logger.Debug("address announced", zap.String("interface", a.iface), zap.Stringer("address", a.addr))
	}
	d.announced = current
}

// checkInterfaces warns about interface changes; devices are only opened
// at startup.
func (d *Daemon) checkInterfaces(cfg *config.Config) {
	for _, ifc := range cfg.Interfaces {
		if _, ok := d.ifaces[ifc.Name]; !ok {
			d.logger.Warn("new interface ignored until restart", zap.String("name", ifc.Name))
		}
	}
}

// requestExit backs the console's exit command.
func (d *Daemon) requestExit(force bool) {
	select {
	case d.exit <- force:
	default:
	}
}

// shutdown stops health checks and the admin API, drains the engine unless
// force is set, and removes the guard rules. The worker keeps running until
// Run returns.
func (d *Daemon) shutdown(force bool) {
	d.healthMgr.Stop()

	grace := d.configMgr.GetConfig().Global.GetShutdownGrace()
	ctx, cancel := context.WithTimeout(context.Background(), grace+5*time.Second)
	defer cancel()

	if err := d.admin.Shutdown(ctx); err != nil {
		d.logger.Warn("failed to stop admin API", zap.Error(err))
	}
	if !force {
		d.drain(ctx, grace)
	}
	if err := d.worker.Do(ctx, func(e *lb.Engine) error {
		e.RemoveAllForce()
		return nil
	}); err != nil {
		d.logger.Warn("failed to clear engine", zap.Error(err))
	}
	if d.guarded {
		if err := d.guard.Cleanup(); err != nil {
			d.logger.Warn("failed to remove guard rules", zap.Error(err))
		}
		d.guarded = false
	}
}

// drain removes every service gracefully and waits until the engine is
// empty or grace has passed.
func (d *Daemon) drain(ctx context.Context, grace time.Duration) {
	if err := d.worker.Do(ctx, func(e *lb.Engine) error { return e.RemoveAll(grace) }); err != nil {
		d.logger.Warn("graceful removal incomplete", zap.Error(err))
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for {
		var services, servers, sessions int
		err := d.worker.Do(ctx, func(e *lb.Engine) error {
			services, servers, sessions = e.Counts()
			return nil
		})
		if err != nil {
			d.logger.Warn("drain interrupted", zap.Error(err))
			return
		}
		if services+servers+sessions == 0 {
			d.logger.Info("all sessions drained")
			return
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			d.logger.Warn("shutdown grace elapsed, dropping remaining sessions", zap.Int("sessions", sessions))
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Daemon) closeDevices() {
	for _, dev := range d.devices {
		if err := dev.Close(); err != nil && !errors.Is(err, nic.ErrClosed) {
			d.logger.Warn("failed to close device", zap.String("name", dev.Name()), zap.Error(err))
		}
	}
	d.devices = nil
}

// AdminAddr returns the address the admin API listens on.
func (d *Daemon) AdminAddr() string { return d.admin.Addr() }

// Config returns the configuration currently applied.
func (d *Daemon) Config() *config.Config { return d.configMgr.GetConfig() }
