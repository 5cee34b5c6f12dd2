package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Manager coordinates limiters for multiple resources. Each resource id has
// independent state and an independent FIFO queue; there is no fairness
// guarantee across resources.
type Manager struct {
	mu            sync.RWMutex
	limiters      map[string]*Limiter
	configured    map[string]Limits
	defaultLimits Limits
	window        time.Duration
}

// ManagerConfig contains configuration for the limiter manager.
type ManagerConfig struct {
	DefaultLimits Limits
	// Window is the trailing admission window (default: one minute).
	Window time.Duration
}

// NewManager creates a limiter manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.DefaultLimits.RequestsPerMinute <= 0 && cfg.DefaultLimits.ConcurrentRequests <= 0 {
		cfg.DefaultLimits = DefaultLimits()
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Manager{
		limiters:      make(map[string]*Limiter),
		configured:    make(map[string]Limits),
		defaultLimits: cfg.DefaultLimits,
		window:        cfg.Window,
	}
}

// Get returns or creates the limiter for the given resource id.
func (m *Manager) Get(resource string) *Limiter {
	m.mu.RLock()
	l, ok := m.limiters[resource]
	m.mu.RUnlock()

	if ok {
		return l
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if l, ok = m.limiters[resource]; ok {
		return l
	}

	limits := m.defaultLimits
	if cfg, ok := m.configured[resource]; ok {
		limits = cfg
	}
	l = NewLimiter(limits, m.window)
	m.limiters[resource] = l
	return l
}

// SetLimits configures ceilings for a resource, replacing any live limiter's limits.
func (m *Manager) SetLimits(resource string, limits Limits) {
	m.mu.Lock()
	m.configured[resource] = limits
	l, ok := m.limiters[resource]
	m.mu.Unlock()

	if ok {
		l.SetLimits(limits)
	}
}

// Acquire admits a call against the resource's limiter, blocking FIFO until
// capacity frees or ctx is cancelled.
func (m *Manager) Acquire(ctx context.Context, resource string) error {
	return m.Get(resource).Acquire(ctx)
}

// Release returns a resource's concurrency slot after a call completes.
func (m *Manager) Release(resource string) {
	m.Get(resource).Release()
}

// Stats returns the current state of a resource's limiter.
func (m *Manager) Stats(resource string) Snapshot {
	return m.Get(resource).Stats()
}

// Saturated reports whether the resource would defer a new call right now.
func (m *Manager) Saturated(resource string) bool {
	m.mu.RLock()
	l, ok := m.limiters[resource]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return l.Saturated()
}

// Close stops pending timers on all limiters.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.limiters {
		l.Close()
	}
}
