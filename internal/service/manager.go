package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"github.com/textmux/textmux/internal/request"
	"github.com/textmux/textmux/pkg/apierror"
)

// Defaults for the tuning constants; both are deliberate knobs, not invariants.
const (
	// DefaultPersistEvery batches stats persistence to every Nth success.
	DefaultPersistEvery = 10
	// DefaultErrorWindow and DefaultErrorThreshold gate availability on
	// recent failures: more than the threshold with the latest inside the
	// window vetoes the service.
	DefaultErrorWindow    = 5 * time.Minute
	DefaultErrorThreshold = 3
)

// ErrorSnapshot records the most recent failure for a service.
type ErrorSnapshot struct {
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
	Kind      string `json:"kind"`
}

// UsageStats accumulates per-service request accounting.
type UsageStats struct {
	RequestCount int64          `json:"request_count"`
	LastRequest  int64          `json:"last_request"`
	ErrorCount   int64          `json:"error_count"`
	LastError    *ErrorSnapshot `json:"last_error,omitempty"`
	QuotaUsage   float64        `json:"quota_usage"`
}

// Availability is the result of a composite availability check.
type Availability struct {
	Available bool
	Reason    string
}

// AuthFlow drives an interactive browser authorization and returns the
// redirect URL the flow ended on. It may fail or be cancelled by the user.
type AuthFlow interface {
	Launch(ctx context.Context, authURL string) (redirectURL string, err error)
}

// Notifier receives fire-and-forget service events (api:ready, api:error).
type Notifier func(event string, payload map[string]any)

// SettingsStore is the slice of the settings surface the manager needs.
type SettingsStore interface {
	Get(path string, def any) any
	Set(path string, value any, persist bool) error
}

type serviceState struct {
	cfg          Config
	apiKey       string
	stats        UsageStats
	successSince int
	token        *oauth2.Token
	refreshTimer *time.Timer
}

// Manager owns per-service runtime state. It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	services map[string]*serviceState

	store    SettingsStore
	client   *request.Client
	authFlow AuthFlow
	logger   *slog.Logger
	notify   Notifier

	offline        bool
	persistEvery   int
	errorWindow    time.Duration
	errorThreshold int
}

// ManagerConfig holds construction parameters for the Manager.
type ManagerConfig struct {
	Store    SettingsStore
	Client   *request.Client
	AuthFlow AuthFlow
	Logger   *slog.Logger
	Notifier Notifier

	// Services extends (or overrides) the built-in catalog.
	Services []Config

	PersistEvery   int
	ErrorWindow    time.Duration
	ErrorThreshold int
}

// NewManager creates a service manager, seeds the catalog, and restores
// persisted credentials, tokens, and usage stats.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("service manager requires a settings store")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("service manager requires a request client")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PersistEvery <= 0 {
		cfg.PersistEvery = DefaultPersistEvery
	}
	if cfg.ErrorWindow <= 0 {
		cfg.ErrorWindow = DefaultErrorWindow
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = DefaultErrorThreshold
	}

	m := &Manager{
		services:       make(map[string]*serviceState),
		store:          cfg.Store,
		client:         cfg.Client,
		authFlow:       cfg.AuthFlow,
		logger:         cfg.Logger,
		notify:         cfg.Notifier,
		persistEvery:   cfg.PersistEvery,
		errorWindow:    cfg.ErrorWindow,
		errorThreshold: cfg.ErrorThreshold,
	}

	for _, sc := range Catalog() {
		m.register(sc)
	}
	for _, sc := range cfg.Services {
		m.register(sc)
	}

	m.offline, _ = m.store.Get("api.offline", false).(bool)

	m.broadcast("api:ready", map[string]any{"services": m.ServiceIDs()})
	return m, nil
}

// register seeds one service and restores its persisted state.
// Not concurrency-safe; only called during construction and RegisterService.
func (m *Manager) register(cfg Config) {
	st := &serviceState{cfg: cfg}

	if key, ok := m.store.Get("api."+cfg.ID+".key", "").(string); ok && key != "" {
		st.apiKey = key
		m.client.SetAuthHeader(cfg.ID, cfg.keyHeader(), key)
	}
	if raw, ok := m.store.Get("api."+cfg.ID+".stats", "").(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &st.stats); err != nil {
			m.logger.Warn("discarding corrupt usage stats", "service", cfg.ID, "error", err)
			st.stats = UsageStats{}
		}
	}
	if raw, ok := m.store.Get("api."+cfg.ID+".token", "").(string); ok && raw != "" {
		var tok oauth2.Token
		if err := json.Unmarshal([]byte(raw), &tok); err == nil && tok.Valid() {
			st.token = &tok
			m.client.SetAuthHeader(cfg.ID, "Authorization", "Bearer "+tok.AccessToken)
		}
	}

	m.client.Limiter().SetLimits(cfg.ID, cfg.Limits)
	m.services[cfg.ID] = st
}

// RegisterService adds a service configuration at runtime.
func (m *Manager) RegisterService(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.services[cfg.ID]; exists {
		return fmt.Errorf("service %s already registered", cfg.ID)
	}
	m.register(cfg)
	return nil
}

// ServiceIDs returns the ids of all registered services.
func (m *Manager) ServiceIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.services))
	for id := range m.services {
		ids = append(ids, id)
	}
	return ids
}

// Service returns a service's static configuration.
func (m *Manager) Service(id string) (Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.services[id]
	if !ok {
		return Config{}, false
	}
	return st.cfg, true
}

// SetAPIKey stores a credential, updates the in-memory table, and forwards
// it to the request client. Key format validation is advisory only.
func (m *Manager) SetAPIKey(id, key string) error {
	m.mu.Lock()
	st, ok := m.services[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown service %s", id)
	}
	if st.cfg.KeyPrefix != "" && !strings.HasPrefix(key, st.cfg.KeyPrefix) {
		m.logger.Warn("api key does not match expected format",
			"service", id,
			"expected_prefix", st.cfg.KeyPrefix,
		)
	}
	st.apiKey = key
	header := st.cfg.keyHeader()
	m.mu.Unlock()

	m.client.SetAuthHeader(id, header, key)
	return m.store.Set("api."+id+".key", key, true)
}

// RemoveAPIKey deletes a service's credential.
func (m *Manager) RemoveAPIKey(id string) error {
	m.mu.Lock()
	st, ok := m.services[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown service %s", id)
	}
	st.apiKey = ""
	m.mu.Unlock()

	m.client.ClearAuthHeader(id)
	return m.store.Set("api."+id+".key", "", true)
}

// SetOffline toggles the global offline-mode flag.
func (m *Manager) SetOffline(offline bool) {
	m.mu.Lock()
	m.offline = offline
	m.mu.Unlock()
	_ = m.store.Set("api.offline", offline, true)
}

// CheckAvailability runs the composite availability check. Each veto carries
// a distinct reason string.
func (m *Manager) CheckAvailability(id string) Availability {
	m.mu.Lock()
	st, ok := m.services[id]
	if !ok {
		m.mu.Unlock()
		return Availability{Reason: "unknown service"}
	}
	offline := m.offline
	stats := st.stats
	cfg := st.cfg
	hasKey := st.apiKey != ""
	hasToken := st.token != nil && st.token.Valid()
	m.mu.Unlock()

	if offline {
		return Availability{Reason: "offline mode enabled"}
	}
	if cfg.AuthType == AuthAPIKey && !hasKey {
		return Availability{Reason: "missing api key"}
	}
	if cfg.AuthType == AuthOAuth && !hasToken {
		return Availability{Reason: "not authenticated"}
	}
	if m.client.Limiter().Saturated(id) {
		return Availability{Reason: "rate limit saturated"}
	}
	if stats.ErrorCount > int64(m.errorThreshold) && stats.LastError != nil {
		last := time.UnixMilli(stats.LastError.Timestamp)
		if time.Since(last) < m.errorWindow {
			return Availability{Reason: "too many recent errors"}
		}
	}
	return Availability{Available: true}
}

// MakeRequest wraps a request thunk with usage accounting. Errors increment
// the error counter, snapshot the failure, persist stats immediately, and
// invalidate cached OAuth tokens on auth failures before rethrowing.
func (m *Manager) MakeRequest(ctx context.Context, id string, fn func(ctx context.Context) (*request.Response, error)) (*request.Response, error) {
	m.mu.Lock()
	st, ok := m.services[id]
	if !ok {
		m.mu.Unlock()
		return nil, apierror.New(apierror.KindUnknown, id, "unknown service")
	}
	st.stats.RequestCount++
	st.stats.LastRequest = time.Now().UnixMilli()
	m.mu.Unlock()

	resp, err := fn(ctx)
	if err != nil {
		m.recordError(id, err)
		return nil, err
	}

	m.recordSuccess(id)
	return resp, nil
}

// Do issues a request against a service endpoint with the service's
// resource id and cache TTL applied, wrapped in usage accounting.
func (m *Manager) Do(ctx context.Context, id, path string, opts request.Options) (*request.Response, error) {
	cfg, ok := m.Service(id)
	if !ok {
		return nil, apierror.New(apierror.KindUnknown, id, "unknown service")
	}
	opts.Resource = id
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = cfg.CacheTTL
	}
	endpoint := strings.TrimSuffix(cfg.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/")

	return m.MakeRequest(ctx, id, func(ctx context.Context) (*request.Response, error) {
		return m.client.Do(ctx, endpoint, opts)
	})
}

func (m *Manager) recordSuccess(id string) {
	m.mu.Lock()
	st := m.services[id]
	st.successSince++
	shouldPersist := st.successSince >= m.persistEvery
	if shouldPersist {
		st.successSince = 0
	}
	stats := st.stats
	m.mu.Unlock()

	if shouldPersist {
		m.persistStats(id, stats)
	}
}

func (m *Manager) recordError(id string, err error) {
	kind := apierror.KindUnknown
	if apiErr := apierror.AsError(err); apiErr != nil {
		kind = apiErr.Kind
	}

	m.mu.Lock()
	st := m.services[id]
	st.stats.ErrorCount++
	st.stats.LastError = &ErrorSnapshot{
		Timestamp: time.Now().UnixMilli(),
		Message:   err.Error(),
		Kind:      string(kind),
	}
	isOAuth := st.cfg.AuthType == AuthOAuth
	stats := st.stats
	m.mu.Unlock()

	if kind == apierror.KindAuth && isOAuth {
		m.invalidateToken(id)
	}

	m.persistStats(id, stats)
	m.broadcast("api:error", map[string]any{
		"service": id,
		"kind":    string(kind),
		"message": err.Error(),
	})
}

// persistStats writes usage stats through the settings store. Persistence
// failures are logged, never propagated: stats are non-critical.
func (m *Manager) persistStats(id string, stats UsageStats) {
	raw, err := json.Marshal(stats)
	if err != nil {
		m.logger.Error("failed to encode usage stats", "service", id, "error", err)
		return
	}
	if err := m.store.Set("api."+id+".stats", string(raw), true); err != nil {
		m.logger.Error("failed to persist usage stats", "service", id, "error", err)
	}
}

// Stats returns a copy of a service's usage stats.
func (m *Manager) Stats(id string) (UsageStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.services[id]
	if !ok {
		return UsageStats{}, false
	}
	return st.stats, true
}

func (m *Manager) broadcast(event string, payload map[string]any) {
	if m.notify == nil {
		return
	}
	m.notify(event, payload)
}

// Close stops scheduled token refreshes.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.services {
		if st.refreshTimer != nil {
			st.refreshTimer.Stop()
			st.refreshTimer = nil
		}
	}
}
