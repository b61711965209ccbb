//go:build !integration

package guard

import (
	"maps"
	"sync"

	"go.uber.org/zap"
)

// FakeManager keeps guard rules in memory. It stands in for iptables in
// development builds and tests.
type FakeManager struct {
	managed map[string]Rule
	mu      sync.Mutex
	logger  *zap.Logger
}

// NewManager returns an in-memory Manager that records rules without
// touching iptables.
func NewManager(logger *zap.Logger) (Manager, error) {
	return &FakeManager{
		managed: make(map[string]Rule),
		logger:  logger,
	}, nil
}

func (m *FakeManager) Reconcile(desired []Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[string]Rule, len(desired))
	for _, rule := range desired {
		want[rule.Key()] = rule
	}
	for key := range m.managed {
		if _, ok := want[key]; !ok {
			delete(m.managed, key)
			m.logger.Debug("fake: deleted guard rule", zap.String("key", key))
		}
	}
	for key, rule := range want {
		if _, ok := m.managed[key]; ok {
			continue
		}
		m.managed[key] = rule
		m.logger.Debug("fake: added guard rule", zap.String("key", key))
	}
	return nil
}

func (m *FakeManager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.managed = make(map[string]Rule)
	m.logger.Debug("fake: cleaned up all guard rules")
	return nil
}

// GetManaged returns a copy of the installed rules.
func (m *FakeManager) GetManaged() map[string]Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.managed)
}
