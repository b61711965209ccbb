//go:build integration

package guard

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/coreos/go-iptables/iptables"
	"go.uber.org/zap"
)

const (
	rawTable   = "raw"
	guardChain = "PKTLB-GUARD"
)

// linuxManager installs DROP rules in the raw table so that conntrack never
// sees the traffic either.
type linuxManager struct {
	ipt     *iptables.IPTables
	managed map[string]Rule
	mu      sync.Mutex
	logger  *zap.Logger
}

// NewManager creates an iptables-backed Manager and ensures its chain exists.
func NewManager(logger *zap.Logger) (Manager, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create iptables handle: %w", err)
	}

	mgr := &linuxManager{
		ipt:     ipt,
		managed: make(map[string]Rule),
		logger:  logger,
	}
	if err := mgr.ensureChain(); err != nil {
		return nil, fmt.Errorf("failed to initialize guard chain: %w", err)
	}
	return mgr, nil
}

func (m *linuxManager) ensureChain() error {
	exists, err := m.ipt.ChainExists(rawTable, guardChain)
	if err != nil {
		return fmt.Errorf("failed to check chain existence: %w", err)
	}
	if !exists {
		if err := m.ipt.NewChain(rawTable, guardChain); err != nil {
			return fmt.Errorf("failed to create chain %s: %w", guardChain, err)
		}
		m.logger.Info("created iptables chain", zap.String("table", rawTable), zap.String("chain", guardChain))
	} else if err := m.ipt.ClearChain(rawTable, guardChain); err != nil {
		// Rules left by a previous run are not in m.managed.
		return fmt.Errorf("failed to clear chain %s: %w", guardChain, err)
	}

	if err := m.ipt.AppendUnique(rawTable, "PREROUTING", "-j", guardChain); err != nil {
		return fmt.Errorf("failed to add jump rule to PREROUTING: %w", err)
	}
	return nil
}

func (m *linuxManager) Reconcile(desired []Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[string]Rule, len(desired))
	for _, rule := range desired {
		want[rule.Key()] = rule
	}

	var errs []error
	for key, rule := range m.managed {
		if _, ok := want[key]; ok {
			continue
		}
		if err := m.ipt.DeleteIfExists(rawTable, guardChain, ruleSpec(rule)...); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
			continue
		}
		delete(m.managed, key)
		m.logger.Info("deleted guard rule", zap.String("key", key))
	}
	for key, rule := range want {
		if _, ok := m.managed[key]; ok {
			continue
		}
		if err := m.ipt.AppendUnique(rawTable, guardChain, ruleSpec(rule)...); err != nil {
			errs = append(errs, fmt.Errorf("add %s: %w", key, err))
			continue
		}
		m.managed[key] = rule
		m.logger.Info("added guard rule", zap.String("key", key))
	}
	return errors.Join(errs...)
}

func (m *linuxManager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if err := m.ipt.DeleteIfExists(rawTable, "PREROUTING", "-j", guardChain); err != nil {
		errs = append(errs, fmt.Errorf("delete jump rule: %w", err))
	}
	if err := m.ipt.ClearAndDeleteChain(rawTable, guardChain); err != nil {
		errs = append(errs, fmt.Errorf("delete chain %s: %w", guardChain, err))
	}
	m.managed = make(map[string]Rule)
	m.logger.Info("cleaned up all guard rules")
	return errors.Join(errs...)
}

func ruleSpec(rule Rule) []string {
	ports := strconv.Itoa(int(rule.PortMin))
	if rule.PortMax != rule.PortMin {
		ports += ":" + strconv.Itoa(int(rule.PortMax))
	}
	return []string{
		"-i", rule.Interface,
		"-d", rule.Address + "/32",
		"-p", rule.Protocol,
		"--dport", ports,
		"-j", "DROP",
	}
}
