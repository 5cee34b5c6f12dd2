package feature

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Notifier receives fire-and-forget lifecycle events. Delivery is best
// effort; a missing listener is not an error.
type Notifier func(event string, payload map[string]any)

// SettingsStore is the slice of the settings surface the manager needs.
type SettingsStore interface {
	Get(path string, def any) any
	Set(path string, value any, persist bool) error
}

// activation is one backlogged activation request. Concurrent callers for
// the same id share a single activation and observe the same outcome.
type activation struct {
	id   string
	ctx  context.Context
	done chan struct{}
	err  error
}

// Manager owns the feature catalog and all live instances.
// It is safe for concurrent use by multiple goroutines.
type Manager struct {
	mu          sync.Mutex
	definitions map[string]*Definition
	instances   map[string]*Instance
	pending     map[string]*activation
	closed      bool

	// lifecycleMu serializes the activation pipeline and deactivation so a
	// permission prompt or hook never runs concurrently with another.
	lifecycleMu sync.Mutex

	// backlog is the FIFO of queued activations, guarded by mu. It is
	// unbounded so enqueueing never blocks a caller that holds mu.
	backlog []*activation
	wake    *sync.Cond

	wg     sync.WaitGroup
	store  SettingsStore
	broker Broker
	logger *slog.Logger
	notify Notifier
}

// ManagerConfig holds construction parameters for the Manager.
type ManagerConfig struct {
	Store  SettingsStore
	Broker Broker
	Logger *slog.Logger
	// Notifier receives feature:activated, feature:deactivated, and
	// features:restored events.
	Notifier Notifier
}

// NewManager creates a feature manager and starts its activation worker.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("feature manager requires a settings store")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		definitions: make(map[string]*Definition),
		instances:   make(map[string]*Instance),
		pending:     make(map[string]*activation),
		store:       cfg.Store,
		broker:      cfg.Broker,
		logger:      cfg.Logger,
		notify:      cfg.Notifier,
	}
	m.wake = sync.NewCond(&m.mu)

	m.wg.Add(1)
	go m.worker()
	return m, nil
}

// worker drains the activation backlog. Exactly one activation pipeline runs
// at a time system-wide. After Close, already-queued activations still
// complete before the worker exits.
func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		for len(m.backlog) == 0 && !m.closed {
			m.wake.Wait()
		}
		if len(m.backlog) == 0 {
			m.mu.Unlock()
			return
		}
		a := m.backlog[0]
		m.backlog = m.backlog[1:]
		m.mu.Unlock()

		m.lifecycleMu.Lock()
		// A queued activation runs to completion even if its requester has
		// gone away; cancellation does not reach in-flight pipelines.
		a.err = m.activate(context.WithoutCancel(a.ctx), a.id, map[string]bool{})
		m.lifecycleMu.Unlock()

		m.mu.Lock()
		delete(m.pending, a.id)
		m.mu.Unlock()
		close(a.done)
	}
}

// Register adds a feature definition to the catalog. It returns a failure
// (never panics) when id, name, or category is missing or the id is taken.
// Registration seeds persisted per-feature settings with the definition's
// defaults; existing persisted values win.
func (m *Manager) Register(def *Definition) error {
	if def == nil || def.ID == "" || def.Name == "" || def.Category == "" {
		return fmt.Errorf("%w: id, name, and category are required", ErrInvalidDefinition)
	}

	m.mu.Lock()
	if _, exists := m.definitions[def.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateFeature, def.ID)
	}
	m.definitions[def.ID] = def
	m.mu.Unlock()

	if len(def.DefaultSettings) > 0 {
		m.seedSettings(def)
	}

	m.logger.Info("feature registered",
		"feature", def.ID,
		"category", def.Category,
		"dependencies", len(def.Dependencies),
	)
	return nil
}

// seedSettings merges the definition's default settings under any persisted
// overrides and writes the result back.
func (m *Manager) seedSettings(def *Definition) {
	path := "features." + def.ID + ".settings"
	persisted := toStringMap(m.store.Get(path, nil))

	merged := make(map[string]any, len(def.DefaultSettings)+len(persisted))
	for k, v := range def.DefaultSettings {
		merged[k] = v
	}
	for k, v := range persisted {
		merged[k] = v
	}
	if err := m.store.Set(path, merged, true); err != nil {
		m.logger.Warn("failed to seed feature settings", "feature", def.ID, "error", err)
	}
}

// Definition returns a registered definition.
func (m *Manager) Definition(id string) (*Definition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.definitions[id]
	return def, ok
}

// IsActive reports whether the feature currently has a live instance.
func (m *Manager) IsActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.instances[id]
	return ok
}

// ActiveFeatures returns the ids of all live instances.
func (m *Manager) ActiveFeatures() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	return ids
}

// IsEnabled resolves the durable enabled state in three tiers: an explicit
// disable wins over an explicit enable wins over the definition's default.
func (m *Manager) IsEnabled(id string) bool {
	if contains(m.idList("features.disabled"), id) {
		return false
	}
	if contains(m.idList("features.enabled"), id) {
		return true
	}
	m.mu.Lock()
	def, ok := m.definitions[id]
	m.mu.Unlock()
	return ok && def.DefaultEnabled
}

// Enable durably marks the feature enabled and attempts activation. A failed
// activation leaves the feature enabled-but-inactive; the persisted flag is
// not rolled back.
func (m *Manager) Enable(ctx context.Context, id string) error {
	m.setListMembership(id, true)
	if err := m.Activate(ctx, id); err != nil {
		m.logger.Warn("feature enabled but activation failed", "feature", id, "error", err)
		return err
	}
	return nil
}

// Disable durably marks the feature disabled and deactivates any live instance.
func (m *Manager) Disable(ctx context.Context, id string) error {
	m.setListMembership(id, false)
	m.Deactivate(ctx, id)
	return nil
}

// setListMembership keeps the persisted enabled/disabled id lists mutually
// exclusive.
func (m *Manager) setListMembership(id string, enabled bool) {
	addTo, removeFrom := "features.enabled", "features.disabled"
	if !enabled {
		addTo, removeFrom = removeFrom, addTo
	}

	add := m.idList(addTo)
	if !contains(add, id) {
		add = append(add, id)
	}
	remove := m.idList(removeFrom)
	filtered := remove[:0]
	for _, cur := range remove {
		if cur != id {
			filtered = append(filtered, cur)
		}
	}

	_ = m.store.Set(addTo, add, true)
	_ = m.store.Set(removeFrom, filtered, true)
}

// Activate transitions a feature to active, resolving dependencies,
// conflicts, and permissions first. Requests are serialized on a FIFO queue;
// concurrent calls for the same id join one shared pending outcome.
func (m *Manager) Activate(ctx context.Context, id string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if _, active := m.instances[id]; active {
		m.mu.Unlock()
		return nil
	}
	a, joined := m.pending[id]
	if !joined {
		a = &activation{id: id, ctx: ctx, done: make(chan struct{})}
		m.pending[id] = a
		m.backlog = append(m.backlog, a)
		m.wake.Signal()
	}
	m.mu.Unlock()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		// The queued activation still runs to completion; only this caller
		// stops waiting for it.
		return ctx.Err()
	}
}

// activate runs the activation pipeline. Caller must hold lifecycleMu.
func (m *Manager) activate(ctx context.Context, id string, visiting map[string]bool) error {
	m.mu.Lock()
	def, ok := m.definitions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownFeature, id)
	}
	if _, active := m.instances[id]; active {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if visiting[id] {
		return fmt.Errorf("%w: involving %s", ErrDependencyCycle, id)
	}
	visiting[id] = true
	defer delete(visiting, id)

	// Dependencies first; a failed dependency fails the parent before any
	// permission prompt or hook runs.
	for _, dep := range def.Dependencies {
		if m.IsActive(dep) {
			continue
		}
		if err := m.activate(ctx, dep, visiting); err != nil {
			return fmt.Errorf("feature %s: activate dependency %s: %w", id, dep, err)
		}
	}

	for _, conflict := range def.Conflicts {
		if m.IsActive(conflict) {
			return fmt.Errorf("feature %s: %w: %s", id, ErrConflictActive, conflict)
		}
	}

	if err := m.checkPermissions(ctx, def); err != nil {
		return err
	}

	inst := &Instance{
		ID:         id,
		Definition: def,
		Settings:   m.resolveSettings(def),
	}

	if def.Activate != nil {
		if err := def.Activate(ctx, inst); err != nil {
			return fmt.Errorf("feature %s: %w: %w", id, ErrHookFailed, err)
		}
	}

	m.mu.Lock()
	m.instances[id] = inst
	m.mu.Unlock()

	m.logger.Info("feature activated", "feature", id)
	m.broadcast("feature:activated", map[string]any{"feature": id})
	return nil
}

// checkPermissions verifies mandatory grants without prompting, then
// interactively requests any missing optional permissions and origins.
func (m *Manager) checkPermissions(ctx context.Context, def *Definition) error {
	if m.broker == nil {
		return nil
	}

	if len(def.RequiredPermissions) > 0 {
		held, err := m.broker.Contains(ctx, Permissions{Permissions: def.RequiredPermissions})
		if err != nil {
			return fmt.Errorf("feature %s: check permissions: %w", def.ID, err)
		}
		if !held {
			return fmt.Errorf("feature %s: %w", def.ID, ErrPermissionRequired)
		}
	}

	optional := Permissions{Permissions: def.OptionalPermissions, Origins: def.Origins}
	if optional.Empty() {
		return nil
	}
	held, err := m.broker.Contains(ctx, optional)
	if err != nil {
		return fmt.Errorf("feature %s: check permissions: %w", def.ID, err)
	}
	if held {
		return nil
	}
	granted, err := m.broker.Request(ctx, optional)
	if err != nil {
		return fmt.Errorf("feature %s: request permissions: %w", def.ID, err)
	}
	if !granted {
		return fmt.Errorf("feature %s: %w", def.ID, ErrPermissionDenied)
	}
	return nil
}

// resolveSettings merges persisted overrides over the definition's defaults.
func (m *Manager) resolveSettings(def *Definition) map[string]any {
	settings := make(map[string]any, len(def.DefaultSettings))
	for k, v := range def.DefaultSettings {
		settings[k] = v
	}
	for k, v := range toStringMap(m.store.Get("features."+def.ID+".settings", nil)) {
		settings[k] = v
	}
	return settings
}

// Deactivate removes a feature's live instance, first cascading to every
// active feature that depends on it. Deactivation hook errors are logged and
// swallowed so the system never sticks in a partially-active state.
func (m *Manager) Deactivate(ctx context.Context, id string) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	m.deactivate(ctx, id)
}

func (m *Manager) deactivate(ctx context.Context, id string) {
	m.mu.Lock()
	inst, active := m.instances[id]
	if !active {
		m.mu.Unlock()
		return
	}
	// Dependents before the dependency.
	var dependents []string
	for depID, def := range m.definitions {
		if _, depActive := m.instances[depID]; !depActive {
			continue
		}
		if contains(def.Dependencies, id) {
			dependents = append(dependents, depID)
		}
	}
	m.mu.Unlock()

	for _, dep := range dependents {
		m.deactivate(ctx, dep)
	}

	if inst.Definition.Deactivate != nil {
		if err := inst.Definition.Deactivate(ctx, inst); err != nil {
			m.logger.Warn("deactivation hook failed", "feature", id, "error", err)
		}
	}

	m.mu.Lock()
	delete(m.instances, id)
	m.mu.Unlock()

	m.logger.Info("feature deactivated", "feature", id)
	m.broadcast("feature:deactivated", map[string]any{"feature": id})
}

// HandlePermissionChange re-checks every active feature whose declared
// permissions or origins intersect the changed set, deactivating features
// that no longer hold their required grants.
func (m *Manager) HandlePermissionChange(ctx context.Context, delta Permissions) {
	m.mu.Lock()
	var affected []*Definition
	for id := range m.instances {
		def := m.definitions[id]
		declared := Permissions{
			Permissions: append(append([]string{}, def.RequiredPermissions...), def.OptionalPermissions...),
			Origins:     def.Origins,
		}
		if declared.Intersects(delta) {
			affected = append(affected, def)
		}
	}
	m.mu.Unlock()

	for _, def := range affected {
		required := Permissions{Permissions: def.RequiredPermissions, Origins: def.Origins}
		if required.Empty() || m.broker == nil {
			continue
		}
		held, err := m.broker.Contains(ctx, required)
		if err != nil {
			m.logger.Warn("permission re-check failed", "feature", def.ID, "error", err)
			continue
		}
		if !held {
			m.logger.Info("revoking feature after permission change", "feature", def.ID)
			m.Deactivate(ctx, def.ID)
		}
	}
}

// RestoreResult reports the outcome of a restart recovery pass.
type RestoreResult struct {
	Restored []string
	Failed   []string
}

// RestoreEnabled re-activates every enabled, inactive feature, collecting
// per-feature outcomes without aborting the batch.
func (m *Manager) RestoreEnabled(ctx context.Context) RestoreResult {
	m.mu.Lock()
	var candidates []string
	for id := range m.definitions {
		if _, active := m.instances[id]; !active {
			candidates = append(candidates, id)
		}
	}
	m.mu.Unlock()

	var result RestoreResult
	for _, id := range candidates {
		if !m.IsEnabled(id) {
			continue
		}
		if err := m.Activate(ctx, id); err != nil {
			m.logger.Warn("failed to restore feature", "feature", id, "error", err)
			result.Failed = append(result.Failed, id)
			continue
		}
		result.Restored = append(result.Restored, id)
	}

	m.logger.Info("feature restore complete",
		"restored", len(result.Restored),
		"failed", len(result.Failed),
	)
	m.broadcast("features:restored", map[string]any{
		"restored": result.Restored,
		"failed":   result.Failed,
	})
	return result
}

// Close stops the activation worker. In-flight and already-queued
// activations complete first.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.wake.Signal()
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Manager) broadcast(event string, payload map[string]any) {
	if m.notify == nil {
		return
	}
	m.notify(event, payload)
}

// idList reads a persisted id list, tolerating both []string and the []any
// shape YAML decoding produces.
func (m *Manager) idList(path string) []string {
	switch v := m.store.Get(path, nil).(type) {
	case []string:
		return append([]string{}, v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toStringMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	default:
		return nil
	}
}

func contains(list []string, id string) bool {
	for _, cur := range list {
		if cur == id {
			return true
		}
	}
	return false
}
