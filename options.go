package textmux

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ClientConfig holds all configuration for the textmux client.
type ClientConfig struct {
	// SettingsPath is the YAML settings file. Empty means settings live in
	// memory only and vanish on Close.
	SettingsPath string
	// SettingsDebounce delays settings persistence so rapid writes coalesce.
	SettingsDebounce time.Duration
	// WatchSettings reloads the settings file when it changes on disk.
	WatchSettings bool

	// Services extends (or overrides) the built-in service catalog.
	Services []ServiceConfig
	// SkipBuiltinFeatures leaves the stock feature set unregistered.
	SkipBuiltinFeatures bool

	Broker   PermissionBroker
	AuthFlow AuthFlow

	HTTPClient *http.Client
	Logger     *slog.Logger
	// Metrics registers request metrics with the given registry when set.
	Metrics prometheus.Registerer

	// PersistEvery batches usage-stat persistence (default: every 10th success).
	PersistEvery int
}

// Option configures the textmux client.
type Option func(*ClientConfig)

func defaultConfig() *ClientConfig {
	return &ClientConfig{
		Logger: slog.Default(),
	}
}

// WithSettingsFile persists settings to a YAML file at path.
func WithSettingsFile(path string) Option {
	return func(c *ClientConfig) {
		c.SettingsPath = path
	}
}

// WithSettingsWatch reloads the settings file when it changes externally.
// Only meaningful together with WithSettingsFile.
func WithSettingsWatch() Option {
	return func(c *ClientConfig) {
		c.WatchSettings = true
	}
}

// WithSettingsDebounce sets the persistence debounce interval.
func WithSettingsDebounce(d time.Duration) Option {
	return func(c *ClientConfig) {
		c.SettingsDebounce = d
	}
}

// WithService adds a remote service to the catalog.
func WithService(cfg ServiceConfig) Option {
	return func(c *ClientConfig) {
		c.Services = append(c.Services, cfg)
	}
}

// WithPermissionBroker sets the permission broker features are checked
// against. Without one, every permission is treated as granted.
func WithPermissionBroker(b PermissionBroker) Option {
	return func(c *ClientConfig) {
		c.Broker = b
	}
}

// WithAuthFlow sets the interactive authorization launcher for OAuth
// services.
func WithAuthFlow(f AuthFlow) Option {
	return func(c *ClientConfig) {
		c.AuthFlow = f
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *ClientConfig) {
		c.HTTPClient = hc
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *ClientConfig) {
		c.Logger = l
	}
}

// WithMetrics registers request metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *ClientConfig) {
		c.Metrics = reg
	}
}

// WithPersistEvery sets how many successes elapse between usage-stat writes.
func WithPersistEvery(n int) Option {
	return func(c *ClientConfig) {
		c.PersistEvery = n
	}
}

// WithoutBuiltinFeatures skips registration of the stock feature set.
func WithoutBuiltinFeatures() Option {
	return func(c *ClientConfig) {
		c.SkipBuiltinFeatures = true
	}
}
