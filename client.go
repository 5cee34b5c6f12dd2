package textmux

import (
	"context"
	"fmt"
	"sync"

	"github.com/textmux/textmux/internal/feature"
	"github.com/textmux/textmux/internal/feature/builtin"
	"github.com/textmux/textmux/internal/ratelimit"
	"github.com/textmux/textmux/internal/request"
	"github.com/textmux/textmux/internal/service"
	"github.com/textmux/textmux/internal/settings"
)

// Client is the assembled core: settings, the request layer, the service
// manager, and the feature manager, sharing one event stream.
type Client struct {
	// Services manages remote-service credentials, availability, and usage.
	Services *service.Manager
	// Features manages the feature catalog and lifecycle.
	Features *feature.Manager
	// Builtin holds the stock features, nil with WithoutBuiltinFeatures.
	Builtin *builtin.Features

	store     settings.Store
	fileStore *settings.FileStore
	requests  *request.Client
	bus       *eventBus

	watchCancel context.CancelFunc
	closeOnce   sync.Once
}

// New creates a fully wired client.
func New(opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	c := &Client{bus: newEventBus()}

	if cfg.SettingsPath != "" {
		fs, err := settings.OpenFileStore(settings.FileStoreConfig{
			Path:     cfg.SettingsPath,
			Logger:   cfg.Logger,
			Debounce: cfg.SettingsDebounce,
		})
		if err != nil {
			return nil, fmt.Errorf("open settings: %w", err)
		}
		c.fileStore = fs
		c.store = fs
	} else {
		c.store = settings.NewMemStore()
	}

	var metrics *request.Metrics
	if cfg.Metrics != nil {
		metrics = request.NewMetrics(cfg.Metrics)
	}
	c.requests = request.New(request.Config{
		HTTPClient: cfg.HTTPClient,
		Limiter:    ratelimit.NewManager(ratelimit.ManagerConfig{}),
		Logger:     cfg.Logger,
		Metrics:    metrics,
	})

	svc, err := service.NewManager(service.ManagerConfig{
		Store:        c.store,
		Client:       c.requests,
		AuthFlow:     cfg.AuthFlow,
		Logger:       cfg.Logger,
		Notifier:     c.bus.emit,
		Services:     cfg.Services,
		PersistEvery: cfg.PersistEvery,
	})
	if err != nil {
		c.teardown()
		return nil, err
	}
	c.Services = svc

	fm, err := feature.NewManager(feature.ManagerConfig{
		Store:    c.store,
		Broker:   cfg.Broker,
		Logger:   cfg.Logger,
		Notifier: c.bus.emit,
	})
	if err != nil {
		c.teardown()
		return nil, err
	}
	c.Features = fm

	if !cfg.SkipBuiltinFeatures {
		c.Builtin, err = builtin.RegisterAll(fm, svc)
		if err != nil {
			c.teardown()
			return nil, err
		}
	}

	if cfg.WatchSettings && c.fileStore != nil {
		var ctx context.Context
		ctx, c.watchCancel = context.WithCancel(context.Background())
		if err := c.fileStore.Watch(ctx); err != nil {
			c.teardown()
			return nil, fmt.Errorf("watch settings: %w", err)
		}
	}

	return c, nil
}

// Settings exposes the live settings store.
func (c *Client) Settings() settings.Store {
	return c.store
}

// On subscribes to lifecycle events ("feature:activated", "api:error", ...).
// The pattern "*" matches every event. The returned function unsubscribes.
func (c *Client) On(event string, fn func(payload map[string]any)) func() {
	return c.bus.on(event, fn)
}

// Restore re-activates every enabled feature, typically right after New on
// process start. Per-feature failures are collected, not fatal.
func (c *Client) Restore(ctx context.Context) feature.RestoreResult {
	return c.Features.RestoreEnabled(ctx)
}

// Close releases every component. Active features are deactivated first so
// their teardown hooks run.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.Features != nil {
			for _, id := range c.Features.ActiveFeatures() {
				c.Features.Deactivate(context.Background(), id)
			}
			c.Features.Close()
		}
		if c.Services != nil {
			c.Services.Close()
		}
		err = c.teardown()
	})
	return err
}

// teardown releases the plumbing below the managers. Used both on failed
// construction and on Close.
func (c *Client) teardown() error {
	if c.watchCancel != nil {
		c.watchCancel()
	}
	if c.requests != nil {
		c.requests.Close()
	}
	if c.fileStore != nil {
		return c.fileStore.Close()
	}
	return nil
}

// eventBus fans lifecycle events out to subscribers. Emission never blocks
// on or panics from a listener.
type eventBus struct {
	mu   sync.RWMutex
	subs map[int]busSub
	next int
}

type busSub struct {
	event string
	fn    func(payload map[string]any)
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]busSub)}
}

func (b *eventBus) on(event string, fn func(payload map[string]any)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = busSub{event: event, fn: fn}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *eventBus) emit(event string, payload map[string]any) {
	b.mu.RLock()
	var targets []func(map[string]any)
	for _, sub := range b.subs {
		if sub.event == event || sub.event == "*" {
			targets = append(targets, sub.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		func() {
			defer func() { _ = recover() }()
			fn(payload)
		}()
	}
}
