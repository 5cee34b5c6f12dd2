package feature

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textmux/textmux/internal/settings"
)

// stubBroker grants everything in held and records interactive requests.
type stubBroker struct {
	mu       sync.Mutex
	held     map[string]bool
	origins  map[string]bool
	grant    bool
	requests []Permissions
	err      error
}

func newStubBroker() *stubBroker {
	return &stubBroker{
		held:    make(map[string]bool),
		origins: make(map[string]bool),
		grant:   true,
	}
}

func (b *stubBroker) Contains(_ context.Context, p Permissions) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return false, b.err
	}
	for _, perm := range p.Permissions {
		if !b.held[perm] {
			return false, nil
		}
	}
	for _, origin := range p.Origins {
		if !b.origins[origin] {
			return false, nil
		}
	}
	return true, nil
}

func (b *stubBroker) Request(_ context.Context, p Permissions) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return false, b.err
	}
	b.requests = append(b.requests, p)
	if !b.grant {
		return false, nil
	}
	for _, perm := range p.Permissions {
		b.held[perm] = true
	}
	for _, origin := range p.Origins {
		b.origins[origin] = true
	}
	return true, nil
}

func (b *stubBroker) requestCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) notify(event string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := payload["feature"].(string); ok {
		event = event + ":" + id
	}
	r.events = append(r.events, event)
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.events...)
}

func newTestManager(t *testing.T, broker Broker) (*Manager, *settings.MemStore, *recorder) {
	t.Helper()
	store := settings.NewMemStore()
	rec := &recorder{}
	m, err := NewManager(ManagerConfig{
		Store:    store,
		Broker:   broker,
		Notifier: rec.notify,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, store, rec
}

func simpleDef(id string) *Definition {
	return &Definition{ID: id, Name: id, Category: "test"}
}

func TestRegisterValidation(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	require.NoError(t, m.Register(simpleDef("alpha")))

	err := m.Register(simpleDef("alpha"))
	assert.ErrorIs(t, err, ErrDuplicateFeature)

	err = m.Register(&Definition{ID: "beta"})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	err = m.Register(nil)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestRegisterSeedsDefaultSettings(t *testing.T) {
	m, store, _ := newTestManager(t, nil)

	// A persisted override exists before registration.
	require.NoError(t, store.Set("features.fmt.settings", map[string]any{"style": "upper"}, true))

	def := simpleDef("fmt")
	def.DefaultSettings = map[string]any{"style": "lower", "trim": true}
	require.NoError(t, m.Register(def))

	saved, ok := store.Get("features.fmt.settings", nil).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "upper", saved["style"], "persisted value must survive seeding")
	assert.Equal(t, true, saved["trim"])
}

func TestActivateUnknownFeature(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	err := m.Activate(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownFeature)
}

func TestActivateIsIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	var calls atomic.Int32
	def := simpleDef("alpha")
	def.Activate = func(context.Context, *Instance) error {
		calls.Add(1)
		return nil
	}
	require.NoError(t, m.Register(def))

	require.NoError(t, m.Activate(context.Background(), "alpha"))
	require.NoError(t, m.Activate(context.Background(), "alpha"))
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, m.IsActive("alpha"))
}

func TestActivateDependencyOrdering(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	var order []string
	var mu sync.Mutex
	record := func(id string) Hook {
		return func(context.Context, *Instance) error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil
		}
	}

	base := simpleDef("base")
	base.Activate = record("base")
	mid := simpleDef("mid")
	mid.Dependencies = []string{"base"}
	mid.Activate = record("mid")
	top := simpleDef("top")
	top.Dependencies = []string{"mid"}
	top.Activate = record("top")

	require.NoError(t, m.Register(base))
	require.NoError(t, m.Register(mid))
	require.NoError(t, m.Register(top))

	require.NoError(t, m.Activate(context.Background(), "top"))
	assert.Equal(t, []string{"base", "mid", "top"}, order)
	assert.True(t, m.IsActive("base"))
	assert.True(t, m.IsActive("mid"))
}

func TestActivateDependencyFailureStopsParent(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	boom := errors.New("boom")
	dep := simpleDef("dep")
	dep.Activate = func(context.Context, *Instance) error { return boom }

	var parentRan atomic.Bool
	parent := simpleDef("parent")
	parent.Dependencies = []string{"dep"}
	parent.Activate = func(context.Context, *Instance) error {
		parentRan.Store(true)
		return nil
	}

	require.NoError(t, m.Register(dep))
	require.NoError(t, m.Register(parent))

	err := m.Activate(context.Background(), "parent")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHookFailed)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "dep")
	assert.False(t, parentRan.Load())
	assert.False(t, m.IsActive("parent"))
	assert.False(t, m.IsActive("dep"))
}

func TestActivateDependencyCycle(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	a := simpleDef("a")
	a.Dependencies = []string{"b"}
	b := simpleDef("b")
	b.Dependencies = []string{"a"}
	require.NoError(t, m.Register(a))
	require.NoError(t, m.Register(b))

	err := m.Activate(context.Background(), "a")
	assert.ErrorIs(t, err, ErrDependencyCycle)
}

func TestActivateConflict(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	require.NoError(t, m.Register(simpleDef("dark")))
	light := simpleDef("light")
	light.Conflicts = []string{"dark"}
	require.NoError(t, m.Register(light))

	require.NoError(t, m.Activate(context.Background(), "dark"))

	err := m.Activate(context.Background(), "light")
	assert.ErrorIs(t, err, ErrConflictActive)
	assert.True(t, m.IsActive("dark"), "the already-active feature must stay active")
	assert.False(t, m.IsActive("light"))
}

func TestActivateRequiredPermissionsNeverPrompt(t *testing.T) {
	broker := newStubBroker()
	m, _, _ := newTestManager(t, broker)

	def := simpleDef("storage")
	def.RequiredPermissions = []string{"storage"}
	require.NoError(t, m.Register(def))

	err := m.Activate(context.Background(), "storage")
	assert.ErrorIs(t, err, ErrPermissionRequired)
	assert.Zero(t, broker.requestCount(), "mandatory grants must not trigger prompts")

	broker.held["storage"] = true
	require.NoError(t, m.Activate(context.Background(), "storage"))
	assert.Zero(t, broker.requestCount())
}

func TestActivateOptionalPermissionsPrompt(t *testing.T) {
	broker := newStubBroker()
	m, _, _ := newTestManager(t, broker)

	def := simpleDef("lookup")
	def.OptionalPermissions = []string{"clipboardRead"}
	def.Origins = []string{"https://api.example.com/*"}
	require.NoError(t, m.Register(def))

	require.NoError(t, m.Activate(context.Background(), "lookup"))
	require.Equal(t, 1, broker.requestCount())
	assert.Equal(t, []string{"clipboardRead"}, broker.requests[0].Permissions)
	assert.Equal(t, []string{"https://api.example.com/*"}, broker.requests[0].Origins)
}

func TestActivateOptionalPermissionDenied(t *testing.T) {
	broker := newStubBroker()
	broker.grant = false
	m, _, _ := newTestManager(t, broker)

	def := simpleDef("lookup")
	def.OptionalPermissions = []string{"clipboardRead"}
	require.NoError(t, m.Register(def))

	err := m.Activate(context.Background(), "lookup")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.False(t, m.IsActive("lookup"))
}

func TestActivateMergesPersistedSettings(t *testing.T) {
	m, store, _ := newTestManager(t, nil)

	var got map[string]any
	def := simpleDef("fmt")
	def.DefaultSettings = map[string]any{"style": "lower", "trim": true}
	def.Activate = func(_ context.Context, inst *Instance) error {
		got = inst.Settings
		return nil
	}
	require.NoError(t, m.Register(def))
	require.NoError(t, store.Set("features.fmt.settings", map[string]any{"style": "title"}, true))

	require.NoError(t, m.Activate(context.Background(), "fmt"))
	assert.Equal(t, "title", got["style"])
	assert.Equal(t, true, got["trim"])
}

func TestConcurrentActivationCollapses(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	var calls atomic.Int32
	release := make(chan struct{})
	def := simpleDef("slow")
	def.Activate = func(context.Context, *Instance) error {
		calls.Add(1)
		<-release
		return nil
	}
	require.NoError(t, m.Register(def))

	const callers = 8
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			errs <- m.Activate(context.Background(), "slow")
		}()
	}

	// Let every caller enqueue or join before the hook completes.
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < callers; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, int32(1), calls.Load(), "joined callers must share one hook run")
}

func TestActivateWaitCancellation(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	release := make(chan struct{})
	def := simpleDef("slow")
	def.Activate = func(context.Context, *Instance) error {
		<-release
		return nil
	}
	require.NoError(t, m.Register(def))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Activate(ctx, "slow") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)

	// The pipeline itself keeps running and finishes the activation.
	close(release)
	require.Eventually(t, func() bool { return m.IsActive("slow") }, time.Second, 5*time.Millisecond)
}

func TestDeactivateCascadesToDependents(t *testing.T) {
	m, _, rec := newTestManager(t, nil)

	var order []string
	var mu sync.Mutex
	record := func(id string) Hook {
		return func(context.Context, *Instance) error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil
		}
	}

	base := simpleDef("base")
	base.Deactivate = record("base")
	top := simpleDef("top")
	top.Dependencies = []string{"base"}
	top.Deactivate = record("top")
	require.NoError(t, m.Register(base))
	require.NoError(t, m.Register(top))

	require.NoError(t, m.Activate(context.Background(), "top"))

	m.Deactivate(context.Background(), "base")
	assert.Equal(t, []string{"top", "base"}, order)
	assert.False(t, m.IsActive("top"))
	assert.False(t, m.IsActive("base"))
	assert.Contains(t, rec.seen(), "feature:deactivated:top")
	assert.Contains(t, rec.seen(), "feature:deactivated:base")
}

func TestDeactivateSwallowsHookErrors(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	def := simpleDef("flaky")
	def.Deactivate = func(context.Context, *Instance) error {
		return errors.New("teardown failed")
	}
	require.NoError(t, m.Register(def))
	require.NoError(t, m.Activate(context.Background(), "flaky"))

	m.Deactivate(context.Background(), "flaky")
	assert.False(t, m.IsActive("flaky"))
}

func TestDeactivateInactiveIsNoop(t *testing.T) {
	m, _, rec := newTestManager(t, nil)
	require.NoError(t, m.Register(simpleDef("idle")))

	m.Deactivate(context.Background(), "idle")
	assert.Empty(t, rec.seen())
}

func TestEnableDisablePersistence(t *testing.T) {
	m, store, _ := newTestManager(t, nil)
	require.NoError(t, m.Register(simpleDef("alpha")))

	require.NoError(t, m.Enable(context.Background(), "alpha"))
	assert.True(t, m.IsEnabled("alpha"))
	assert.True(t, m.IsActive("alpha"))

	require.NoError(t, m.Disable(context.Background(), "alpha"))
	assert.False(t, m.IsEnabled("alpha"))
	assert.False(t, m.IsActive("alpha"))

	// Lists stay mutually exclusive.
	enabled, _ := store.Get("features.enabled", nil).([]string)
	assert.NotContains(t, enabled, "alpha")
}

func TestEnableKeepsFlagOnActivationFailure(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	def := simpleDef("broken")
	def.Activate = func(context.Context, *Instance) error {
		return errors.New("no backend")
	}
	require.NoError(t, m.Register(def))

	err := m.Enable(context.Background(), "broken")
	require.Error(t, err)
	assert.True(t, m.IsEnabled("broken"), "enabled flag survives a failed activation")
	assert.False(t, m.IsActive("broken"))
}

func TestIsEnabledDefault(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	def := simpleDef("ondefault")
	def.DefaultEnabled = true
	require.NoError(t, m.Register(def))
	require.NoError(t, m.Register(simpleDef("offdefault")))

	assert.True(t, m.IsEnabled("ondefault"))
	assert.False(t, m.IsEnabled("offdefault"))

	// Explicit disable beats the default.
	require.NoError(t, m.Disable(context.Background(), "ondefault"))
	assert.False(t, m.IsEnabled("ondefault"))
}

func TestHandlePermissionChangeDeactivates(t *testing.T) {
	broker := newStubBroker()
	broker.held["storage"] = true
	m, _, _ := newTestManager(t, broker)

	def := simpleDef("vault")
	def.RequiredPermissions = []string{"storage"}
	require.NoError(t, m.Register(def))
	require.NoError(t, m.Register(simpleDef("bystander")))

	require.NoError(t, m.Activate(context.Background(), "vault"))
	require.NoError(t, m.Activate(context.Background(), "bystander"))

	broker.mu.Lock()
	broker.held["storage"] = false
	broker.mu.Unlock()

	m.HandlePermissionChange(context.Background(), Permissions{Permissions: []string{"storage"}})
	assert.False(t, m.IsActive("vault"))
	assert.True(t, m.IsActive("bystander"), "unrelated features are untouched")
}

func TestHandlePermissionChangeIgnoresUnrelatedDelta(t *testing.T) {
	broker := newStubBroker()
	broker.held["storage"] = true
	m, _, _ := newTestManager(t, broker)

	def := simpleDef("vault")
	def.RequiredPermissions = []string{"storage"}
	require.NoError(t, m.Register(def))
	require.NoError(t, m.Activate(context.Background(), "vault"))

	m.HandlePermissionChange(context.Background(), Permissions{Permissions: []string{"tabs"}})
	assert.True(t, m.IsActive("vault"))
}

func TestRestoreEnabled(t *testing.T) {
	m, _, rec := newTestManager(t, nil)

	good := simpleDef("good")
	good.DefaultEnabled = true
	bad := simpleDef("bad")
	bad.DefaultEnabled = true
	bad.Activate = func(context.Context, *Instance) error {
		return errors.New("backend down")
	}
	off := simpleDef("off")

	require.NoError(t, m.Register(good))
	require.NoError(t, m.Register(bad))
	require.NoError(t, m.Register(off))

	result := m.RestoreEnabled(context.Background())
	assert.Equal(t, []string{"good"}, result.Restored)
	assert.Equal(t, []string{"bad"}, result.Failed)
	assert.True(t, m.IsActive("good"))
	assert.False(t, m.IsActive("off"))
	assert.Contains(t, rec.seen(), "features:restored")
}

func TestActivateAfterClose(t *testing.T) {
	store := settings.NewMemStore()
	m, err := NewManager(ManagerConfig{Store: store})
	require.NoError(t, err)
	require.NoError(t, m.Register(simpleDef("alpha")))

	m.Close()
	m.Close() // idempotent

	err = m.Activate(context.Background(), "alpha")
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestInstanceSetting(t *testing.T) {
	inst := &Instance{Settings: map[string]any{"style": "upper"}}
	assert.Equal(t, "upper", inst.Setting("style", "lower"))
	assert.Equal(t, "lower", inst.Setting("missing", "lower"))
}

func ExampleManager_Activate() {
	store := settings.NewMemStore()
	m, _ := NewManager(ManagerConfig{Store: store})
	defer m.Close()

	_ = m.Register(&Definition{
		ID:       "casefmt",
		Name:     "Case Formatter",
		Category: "formatting",
	})
	if err := m.Activate(context.Background(), "casefmt"); err != nil {
		fmt.Println("activate:", err)
		return
	}
	fmt.Println(m.IsActive("casefmt"))
	// Output: true
}

// A slow activation in flight plus a backed-up queue must never wedge the
// manager: enqueueing cannot block a caller holding the state lock, so
// state queries stay responsive and every queued activation completes once
// the pipeline frees up.
func TestBackedUpQueueKeepsManagerResponsive(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	release := make(chan struct{})
	entered := make(chan struct{})
	slow := simpleDef("slow")
	slow.Activate = func(context.Context, *Instance) error {
		close(entered)
		<-release
		return nil
	}
	require.NoError(t, m.Register(slow))

	const queued = 100
	for i := 0; i < queued; i++ {
		require.NoError(t, m.Register(simpleDef(fmt.Sprintf("f%03d", i))))
	}

	slowDone := make(chan error, 1)
	go func() { slowDone <- m.Activate(context.Background(), "slow") }()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("slow activation never started")
	}

	// Back the queue up behind the in-flight pipeline.
	errs := make(chan error, queued)
	for i := 0; i < queued; i++ {
		id := fmt.Sprintf("f%03d", i)
		go func() { errs <- m.Activate(context.Background(), id) }()
	}

	// State queries must not block while the backlog is deep.
	probe := make(chan bool, 1)
	go func() { probe <- m.IsActive("slow") }()
	select {
	case active := <-probe:
		assert.False(t, active)
	case <-time.After(time.Second):
		t.Fatal("IsActive blocked while activations were queued")
	}

	close(release)
	require.NoError(t, <-slowDone)
	for i := 0; i < queued; i++ {
		require.NoError(t, <-errs)
	}
	assert.True(t, m.IsActive("slow"))
	assert.Len(t, m.ActiveFeatures(), queued+1)
}
