package healthcheck

import (
	"context"
	"sync"
	"time"

	"github.com/easzlab/pktlb/pkg/config"
	"go.uber.org/zap"
)

// ChangeFunc is called, outside the manager's lock, when a backend turns
// healthy or unhealthy.
type ChangeFunc func(address string, healthy bool)

// backendStatus tracks the health state and consecutive check results for a single backend.
type backendStatus struct {
	address          string
	healthy          bool
	consecutiveFails int
	consecutiveOK    int
	cancel           context.CancelFunc
}

// serviceCheckConfig holds the health check parameters for a specific service's backends.
type serviceCheckConfig struct {
	checker   Checker
	interval  time.Duration
	failCount int
	riseCount int
	enabled   bool
}

// Manager runs one probe loop per backend address. A backend shared by
// several services is probed once, with the settings of the first service
// that lists it.
type Manager struct {
	services map[string]*serviceCheckConfig // key: service name
	statuses map[string]*backendStatus      // key: backend address
	mu       sync.RWMutex
	onChange ChangeFunc
	logger   *zap.Logger
}

// NewManager creates a new health check Manager.
// The onChange callback is invoked whenever a backend's health status changes.
func NewManager(onChange ChangeFunc, logger *zap.Logger) *Manager {
	return &Manager{
		services: make(map[string]*serviceCheckConfig),
		statuses: make(map[string]*backendStatus),
		onChange: onChange,
		logger:   logger,
	}
}

// IsHealthy reports the state of a backend. Untracked backends, including
// those of services without health checks, are healthy.
func (m *Manager) IsHealthy(address string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[address]
	if !exists {
		return true
	}
	return status.healthy
}

// Snapshot returns the state of every tracked backend.
func (m *Manager) Snapshot() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]bool, len(m.statuses))
	for address, status := range m.statuses {
		out[address] = status.healthy
	}
	return out
}

// Unhealthy counts the tracked backends currently marked down.
func (m *Manager) Unhealthy() int {
	n := 0
	for _, healthy := range m.Snapshot() {
		if !healthy {
			n++
		}
	}
	return n
}

// UpdateTargets synchronizes the probes with the configured services: new
// backends start healthy and get a probe loop, backends no longer listed or
// whose service disabled health checks are forgotten.
func (m *Manager) UpdateTargets(ctx context.Context, services []config.ServiceConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[string]bool)
	names := make(map[string]bool)

	for _, svcCfg := range services {
		names[svcCfg.Name] = true

		if !svcCfg.HealthCheckEnabled() {
			m.services[svcCfg.Name] = &serviceCheckConfig{enabled: false}
			continue
		}

		svcCheck := &serviceCheckConfig{
			checker:   newChecker(svcCfg.HealthCheck),
			interval:  svcCfg.HealthCheck.GetInterval(),
			failCount: svcCfg.HealthCheck.GetFailCount(),
			riseCount: svcCfg.HealthCheck.GetRiseCount(),
			enabled:   true,
		}
		m.services[svcCfg.Name] = svcCheck

		for _, backend := range svcCfg.Backends {
			if wanted[backend.Address] {
				continue
			}
			wanted[backend.Address] = true
			if _, exists := m.statuses[backend.Address]; !exists {
				m.startBackendCheckLocked(ctx, backend.Address, svcCheck)
			}
		}
	}

	for name := range m.services {
		if !names[name] {
			delete(m.services, name)
		}
	}

	for address, status := range m.statuses {
		if wanted[address] {
			continue
		}
		if status.cancel != nil {
			status.cancel()
		}
		delete(m.statuses, address)
		m.logger.Info("stopped health check", zap.String("address", address))
	}
}

// startBackendCheckLocked starts a health check goroutine for a single backend.
// Must be called with m.mu held.
func (m *Manager) startBackendCheckLocked(ctx context.Context, address string, svcCheck *serviceCheckConfig) {
	checkCtx, cancel := context.WithCancel(ctx)
	m.statuses[address] = &backendStatus{
		address: address,
		healthy: true,
		cancel:  cancel,
	}

	m.logger.Info("started health check for backend", zap.String("address", address))

	go m.runCheck(checkCtx, address, svcCheck)
}

func (m *Manager) runCheck(ctx context.Context, address string, svcCheck *serviceCheckConfig) {
	ticker := time.NewTicker(svcCheck.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := svcCheck.checker.Check(address)
			if ctx.Err() != nil {
				return
			}
			m.handleCheckResult(address, err, svcCheck)
		}
	}
}

// handleCheckResult applies one probe result and reports a transition once
// the fail or rise threshold is crossed.
func (m *Manager) handleCheckResult(address string, checkErr error, svcCheck *serviceCheckConfig) {
	m.mu.Lock()

	status, exists := m.statuses[address]
	if !exists {
		m.mu.Unlock()
		return
	}

	previouslyHealthy := status.healthy

	if checkErr != nil {
		status.consecutiveFails++
		status.consecutiveOK = 0

		if status.healthy && status.consecutiveFails >= svcCheck.failCount {
			status.healthy = false
			m.logger.Warn("backend marked unhealthy",
				zap.String("address", address),
				zap.Int("consecutive_fails", status.consecutiveFails),
				zap.Error(checkErr),
			)
		}
	} else {
		status.consecutiveOK++
		status.consecutiveFails = 0

		if !status.healthy && status.consecutiveOK >= svcCheck.riseCount {
			status.healthy = true
			m.logger.Info("backend marked healthy",
				zap.String("address", address),
				zap.Int("consecutive_ok", status.consecutiveOK),
			)
		}
	}

	healthy := status.healthy
	m.mu.Unlock()

	if previouslyHealthy != healthy && m.onChange != nil {
		m.onChange(address, healthy)
	}
}

// Stop cancels all running health check goroutines and clears state.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for address, status := range m.statuses {
		if status.cancel != nil {
			status.cancel()
		}
		m.logger.Debug("stopped health check", zap.String("address", address))
	}

	m.statuses = make(map[string]*backendStatus)
	m.services = make(map[string]*serviceCheckConfig)
	m.logger.Info("all health checks stopped")
}
