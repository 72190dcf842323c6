package providers

import (
	"fmt"

	"agentsim/internal/config"

	"github.com/jonboulle/clockwork"
)

// Manager owns every provider tier for a run.
type Manager struct {
	tiers []*Tier
	index map[string]map[int]*Tier
}

func NewManager(specs []config.TierSpec, clock clockwork.Clock) (*Manager, error) {
	m := &Manager{index: map[string]map[int]*Tier{}}
	for _, spec := range specs {
		t, err := NewTier(spec, clock)
		if err != nil {
			return nil, fmt.Errorf("tier %s/%d: %w", spec.Provider, spec.TierID, err)
		}
		if m.index[spec.Provider] == nil {
			m.index[spec.Provider] = map[int]*Tier{}
		}
		if _, dup := m.index[spec.Provider][spec.TierID]; dup {
			return nil, fmt.Errorf("duplicate tier %s/%d", spec.Provider, spec.TierID)
		}
		m.index[spec.Provider][spec.TierID] = t
		m.tiers = append(m.tiers, t)
	}
	return m, nil
}

func (m *Manager) Tier(provider string, tierID int) (*Tier, bool) {
	byID, ok := m.index[provider]
	if !ok {
		return nil, false
	}
	t, ok := byID[tierID]
	return t, ok
}

func (m *Manager) Tiers() []*Tier {
	return m.tiers
}

// FirstAccepting returns the first tier of the provider with a free
// concurrency slot, in configuration order.
func (m *Manager) FirstAccepting(provider string) (*Tier, bool) {
	for _, t := range m.tiers {
		if t.Provider() == provider && t.CanAccept() {
			return t, true
		}
	}
	return nil, false
}

func (m *Manager) Close() {
	for _, t := range m.tiers {
		t.Close()
	}
}
