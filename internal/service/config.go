// Package service implements service-level policy on top of the request
// client: per-service configuration and credentials, usage accounting,
// availability gating, and OAuth token lifecycle.
package service

import (
	"time"

	"github.com/textmux/textmux/internal/ratelimit"
)

// AuthType describes how a service authenticates requests.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "apiKey"
	AuthOAuth  AuthType = "oauth"
)

// Config is the static description of one upstream service.
type Config struct {
	// ID keys rate-limit state, credentials, and stats for the service.
	ID          string
	Name        string
	Description string

	BaseURL  string
	AuthType AuthType

	// KeyHeader carries the API key on outbound requests (default: X-Api-Key).
	KeyHeader string
	// KeyPrefix is an advisory expected prefix for keys; a mismatch is
	// logged, never enforced.
	KeyPrefix string

	Limits   ratelimit.Limits
	CacheTTL time.Duration

	// OAuth fields (AuthOAuth only).
	AuthURL     string
	ClientID    string
	RedirectURL string
	Scopes      []string
}

func (c Config) keyHeader() string {
	if c.KeyHeader == "" {
		return "X-Api-Key"
	}
	return c.KeyHeader
}

// Catalog returns the built-in service configurations.
func Catalog() []Config {
	return []Config{
		{
			ID:          "dictionary",
			Name:        "Dictionary",
			Description: "Word definitions and phonetics",
			BaseURL:     "https://api.dictionaryapi.dev/api/v2",
			AuthType:    AuthNone,
			Limits:      ratelimit.Limits{RequestsPerMinute: 30, ConcurrentRequests: 3},
			CacheTTL:    time.Hour,
		},
		{
			ID:          "translate",
			Name:        "Translate",
			Description: "Text translation",
			BaseURL:     "https://translation.example.com/v1",
			AuthType:    AuthOAuth,
			Limits:      ratelimit.Limits{RequestsPerMinute: 60, ConcurrentRequests: 5},
			CacheTTL:    30 * time.Minute,
			AuthURL:     "https://translation.example.com/oauth/authorize",
			Scopes:      []string{"translate"},
		},
		{
			ID:          "summarize",
			Name:        "Summarize",
			Description: "Text summarization",
			BaseURL:     "https://summarize.example.com/v1",
			AuthType:    AuthAPIKey,
			KeyPrefix:   "sm-",
			Limits:      ratelimit.Limits{RequestsPerMinute: 20, ConcurrentRequests: 2},
			CacheTTL:    10 * time.Minute,
		},
	}
}
