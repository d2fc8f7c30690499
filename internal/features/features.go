package features

import (
	"sort"
	"sync"
)

// Flag names.
const (
	// AdminAPI mounts the coupon administration routes.
	AdminAPI = "admin_api"
	// BudgetExtraction lets callers quote from tracker issues instead of a supplied budget.
	BudgetExtraction = "budget_extraction"
	// TrackerTags resolves coupon tags from the tracker when the caller sends none.
	TrackerTags = "tracker_tags"
	// EventHooks enables the in-process event bus.
	EventHooks = "event_hooks"
)

// FeatureFlag represents a feature flag configuration.
type FeatureFlag struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

// Manager manages feature flags. A nil Manager reports every flag as enabled.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]*FeatureFlag
}

// NewManager creates a new feature flag manager.
func NewManager() *Manager {
	return &Manager{flags: make(map[string]*FeatureFlag)}
}

// Register registers a new feature flag.
func (m *Manager) Register(name string, enabled bool, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags[name] = &FeatureFlag{
		Name:        name,
		Enabled:     enabled,
		Description: description,
	}
}

// Apply sets registered flags from overrides. Unknown names are returned.
func (m *Manager) Apply(overrides map[string]bool) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var unknown []string
	for name, enabled := range overrides {
		flag, ok := m.flags[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		flag.Enabled = enabled
	}
	sort.Strings(unknown)
	return unknown
}

// IsEnabled checks if a feature flag is enabled.
func (m *Manager) IsEnabled(name string) bool {
	if m == nil {
		return true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, exists := m.flags[name]
	if !exists {
		return false
	}
	return flag.Enabled
}

// List returns a copy of every flag ordered by name.
func (m *Manager) List() []FeatureFlag {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]FeatureFlag, 0, len(m.flags))
	for _, f := range m.flags {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Defaults registers the service's flags. Tracker-backed features are only on
// when a tracker is configured.
func Defaults(trackerConfigured, eventsEnabled bool) *Manager {
	m := NewManager()
	m.Register(AdminAPI, true, "Coupon administration routes")
	m.Register(BudgetExtraction, trackerConfigured, "Budget extraction from tracker issues")
	m.Register(TrackerTags, trackerConfigured, "Tag lookup on tracker issues")
	m.Register(EventHooks, eventsEnabled, "In-process event hooks")
	return m
}
