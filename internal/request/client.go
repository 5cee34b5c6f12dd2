// Package request implements the outbound API request engine: a retrying
// HTTP client with cache-first reads, exponential backoff with jitter, and
// per-resource rate-limiter gating.
package request

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/textmux/textmux/internal/ratelimit"
	"github.com/textmux/textmux/pkg/apierror"
)

// DefaultResource is the rate-limit resource used when none is specified.
const DefaultResource = "default"

// Defaults for per-request knobs that the caller leaves zero.
const (
	DefaultTimeout       = 10 * time.Second
	DefaultRetries       = 3
	DefaultRetryDelay    = time.Second
	DefaultBackoffFactor = 2.0
	DefaultCacheTTL      = 5 * time.Minute
	DefaultJitter        = 0.2
)

// CacheMode controls whether a request may be served from the response cache.
type CacheMode int

const (
	// CacheDefault caches GET requests only.
	CacheDefault CacheMode = iota
	// CacheOn opts any request into caching.
	CacheOn
	// CacheOff disables caching for the request.
	CacheOff
)

// Options holds per-request parameters. The zero value issues a GET against
// the default resource with standard timeout, retry, and cache settings.
type Options struct {
	Method  string
	Body    any // marshaled with go-json; []byte and json.RawMessage pass through
	Headers map[string]string

	// Resource partitions rate-limit state; empty means DefaultResource.
	Resource string

	Timeout time.Duration
	// Retries is the maximum retry count after the first attempt.
	// Zero means DefaultRetries; negative disables retries.
	Retries       int
	RetryDelay    time.Duration
	BackoffFactor float64

	Cache      CacheMode
	ForceFresh bool
	CacheTTL   time.Duration
}

// Response is the parsed result of a logical request.
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	RequestID string
	FromCache bool
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Config holds construction parameters for the Client.
type Config struct {
	HTTPClient *http.Client
	Limiter    *ratelimit.Manager
	Logger     *slog.Logger
	Metrics    *Metrics

	// Jitter is the maximum random fraction added to each backoff delay.
	Jitter float64
	// CacheCleanupInterval controls expired-entry sweeping (default: 1 minute).
	CacheCleanupInterval time.Duration
}

// Client performs logical requests with caching, rate limiting, and retries.
// It is safe for concurrent use by multiple goroutines.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Manager
	cache      *gocache.Cache
	logger     *slog.Logger
	metrics    *Metrics
	jitter     float64

	auth   map[string]authHeader // resource -> credential header
	authMu sync.RWMutex

	backoffRand *rand.Rand
	randMu      sync.Mutex
}

type authHeader struct {
	name  string
	value string
}

// New creates a request client.
func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.NewManager(ratelimit.ManagerConfig{})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = DefaultJitter
	}
	cleanup := cfg.CacheCleanupInterval
	if cleanup <= 0 {
		cleanup = time.Minute
	}

	return &Client{
		httpClient:  cfg.HTTPClient,
		limiter:     cfg.Limiter,
		cache:       gocache.New(DefaultCacheTTL, cleanup),
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		jitter:      cfg.Jitter,
		auth:        make(map[string]authHeader),
		backoffRand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Limiter returns the rate-limiter manager the client gates through.
func (c *Client) Limiter() *ratelimit.Manager {
	return c.limiter
}

// SetAuthHeader attaches a credential header to every request for a resource.
func (c *Client) SetAuthHeader(resource, name, value string) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	c.auth[resource] = authHeader{name: name, value: value}
}

// ClearAuthHeader removes a resource's credential header.
func (c *Client) ClearAuthHeader(resource string) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	delete(c.auth, resource)
}

func (c *Client) resolveOptions(opts Options) Options {
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	if opts.Resource == "" {
		opts.Resource = DefaultResource
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries == 0 {
		opts.Retries = DefaultRetries
	} else if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.BackoffFactor <= 0 {
		opts.BackoffFactor = DefaultBackoffFactor
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	return opts
}

func cacheable(opts Options) bool {
	switch opts.Cache {
	case CacheOn:
		return true
	case CacheOff:
		return false
	default:
		return opts.Method == http.MethodGet
	}
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return json.Marshal(b)
	}
}

// Do performs one logical request: cache-first read, rate-limiter admission,
// then bounded retries with exponential backoff. On success the parsed
// response is stored under the cache key before returning. The classified
// error carries kind, status, details, and the original cause.
func (c *Client) Do(ctx context.Context, endpoint string, opts Options) (*Response, error) {
	opts = c.resolveOptions(opts)
	requestID := uuid.NewString()

	body, err := encodeBody(opts.Body)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindBadRequest, opts.Resource, "encode request body", err)
	}

	key := cacheKey(opts.Method, endpoint, opts.Headers, body)
	useCache := cacheable(opts)

	if useCache && !opts.ForceFresh {
		if cached, ok := c.cache.Get(key); ok {
			if resp, ok := cached.(*Response); ok {
				c.metrics.recordCacheHit()
				c.logger.Debug("response served from cache",
					"request_id", requestID,
					"resource", opts.Resource,
					"endpoint", endpoint,
				)
				return cloneCached(resp, requestID), nil
			}
		}
		c.metrics.recordCacheMiss()
	}

	// Gate through the rate limiter: admit immediately or wait FIFO.
	if err := c.limiter.Acquire(ctx, opts.Resource); err != nil {
		return nil, apierror.Wrap(apierror.KindTimeout, opts.Resource, "cancelled while awaiting admission", err)
	}
	defer c.limiter.Release(opts.Resource)

	c.metrics.inFlightAdd(opts.Resource, 1)
	defer c.metrics.inFlightAdd(opts.Resource, -1)

	start := time.Now()
	resp, err := c.doWithRetry(ctx, endpoint, opts, body, requestID)
	if err != nil {
		c.metrics.recordOutcome(opts.Resource, "error", time.Since(start).Seconds())
		return nil, err
	}
	c.metrics.recordOutcome(opts.Resource, "success", time.Since(start).Seconds())

	if useCache {
		stored := *resp
		c.cache.Set(key, &stored, opts.CacheTTL)
	}
	return resp, nil
}

func (c *Client) doWithRetry(ctx context.Context, endpoint string, opts Options, body []byte, requestID string) (*Response, error) {
	var lastErr *apierror.Error

	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 {
			c.metrics.recordRetry(opts.Resource)
			delay := c.backoff(opts.RetryDelay, opts.BackoffFactor, attempt-1)
			c.logger.Debug("retrying request",
				"request_id", requestID,
				"endpoint", endpoint,
				"attempt", attempt,
				"delay", delay,
			)
			select {
			case <-ctx.Done():
				return nil, apierror.Wrap(apierror.KindTimeout, opts.Resource, "cancelled during backoff", ctx.Err())
			case <-time.After(delay):
			}
		}

		resp, err := c.executeOnce(ctx, endpoint, opts, body, requestID)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if !err.Retryable() {
			return nil, err
		}
	}

	return nil, lastErr
}

// backoff computes delay = base * factor^attempt plus up to jitter fraction
// of random spread.
func (c *Client) backoff(base time.Duration, factor float64, attempt int) time.Duration {
	delay := time.Duration(float64(base) * math.Pow(factor, float64(attempt)))

	c.randMu.Lock()
	spread := c.backoffRand.Float64()
	c.randMu.Unlock()

	return delay + time.Duration(spread*c.jitter*float64(delay))
}

func (c *Client) executeOnce(ctx context.Context, endpoint string, opts Options, body []byte, requestID string) (*Response, *apierror.Error) {
	attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(attemptCtx, opts.Method, endpoint, reader)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindBadRequest, opts.Resource, "build request", err)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if len(body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	c.authMu.RLock()
	if cred, ok := c.auth[opts.Resource]; ok {
		req.Header.Set(cred.name, cred.value)
	}
	c.authMu.RUnlock()

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err, opts.Resource)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindNetwork, opts.Resource, "read response body", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		apiErr := apierror.FromStatus(httpResp.StatusCode, opts.Resource,
			fmt.Sprintf("%s %s returned %d", opts.Method, endpoint, httpResp.StatusCode))
		apiErr.Details = string(respBody)
		return nil, apiErr
	}

	return &Response{
		Status:    httpResp.StatusCode,
		Header:    httpResp.Header,
		Body:      respBody,
		RequestID: requestID,
	}, nil
}

// classifyTransport maps a transport failure to timeout or network.
func classifyTransport(err error, resource string) *apierror.Error {
	var urlErr *url.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apierror.Wrap(apierror.KindTimeout, resource, "request aborted", err)
	case errors.As(err, &urlErr) && urlErr.Timeout():
		return apierror.Wrap(apierror.KindTimeout, resource, "request timed out", err)
	default:
		return apierror.Wrap(apierror.KindNetwork, resource, "transport failure", err)
	}
}

func cloneCached(resp *Response, requestID string) *Response {
	bodyCopy := make([]byte, len(resp.Body))
	copy(bodyCopy, resp.Body)
	return &Response{
		Status:    resp.Status,
		Header:    resp.Header,
		Body:      bodyCopy,
		RequestID: requestID,
		FromCache: true,
	}
}

// InvalidateCache removes every cached response. Intended for credential
// changes where previously cached authenticated responses may be stale.
func (c *Client) InvalidateCache() {
	c.cache.Flush()
}

// Close releases idle transport connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
	c.limiter.Close()
}
