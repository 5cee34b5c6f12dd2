package service

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"github.com/textmux/textmux/pkg/apierror"
)

// refreshFraction schedules a background token refresh at this fraction of
// the token's lifetime.
const refreshFraction = 0.9

// Authenticate obtains an access token for an OAuth-type service. A cached
// unexpired token is reused; otherwise the interactive authorization flow
// runs, the token is parsed from the redirect fragment, persisted, and a
// background refresh is scheduled. Failures clear any stale token and
// surface as auth-classified errors.
func (m *Manager) Authenticate(ctx context.Context, id string) (*oauth2.Token, error) {
	m.mu.Lock()
	st, ok := m.services[id]
	if !ok {
		m.mu.Unlock()
		return nil, apierror.New(apierror.KindUnknown, id, "unknown service")
	}
	cfg := st.cfg
	if cfg.AuthType != AuthOAuth {
		m.mu.Unlock()
		return nil, apierror.New(apierror.KindBadRequest, id, "service does not use oauth")
	}
	if st.token != nil && st.token.Valid() {
		tok := st.token
		m.mu.Unlock()
		return tok, nil
	}
	m.mu.Unlock()

	if m.authFlow == nil {
		return nil, apierror.New(apierror.KindAuth, id, "no interactive auth flow available")
	}

	authURL := buildAuthURL(cfg)
	redirect, err := m.authFlow.Launch(ctx, authURL)
	if err != nil {
		m.invalidateToken(id)
		return nil, apierror.Wrap(apierror.KindAuth, id, "authorization flow failed", err)
	}

	tok, err := parseImplicitToken(redirect)
	if err != nil {
		m.invalidateToken(id)
		return nil, apierror.Wrap(apierror.KindAuth, id, "parse redirect token", err)
	}

	m.storeToken(id, tok)
	m.logger.Info("service authenticated", "service", id, "expires_at", tok.Expiry)
	return tok, nil
}

// buildAuthURL constructs the implicit-grant authorization URL.
func buildAuthURL(cfg Config) string {
	oc := oauth2.Config{
		ClientID:    cfg.ClientID,
		RedirectURL: cfg.RedirectURL,
		Scopes:      cfg.Scopes,
		Endpoint:    oauth2.Endpoint{AuthURL: cfg.AuthURL},
	}
	return oc.AuthCodeURL("", oauth2.SetAuthURLParam("response_type", "token"))
}

// parseImplicitToken extracts the access token from a redirect URL fragment
// (#access_token=...&expires_in=...&token_type=...).
func parseImplicitToken(redirect string) (*oauth2.Token, error) {
	u, err := url.Parse(redirect)
	if err != nil {
		return nil, err
	}
	frag, err := url.ParseQuery(u.Fragment)
	if err != nil {
		return nil, err
	}
	access := frag.Get("access_token")
	if access == "" {
		return nil, errors.New("missing access_token in redirect fragment")
	}

	tok := &oauth2.Token{
		AccessToken: access,
		TokenType:   frag.Get("token_type"),
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	if raw := frag.Get("expires_in"); raw != "" {
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
			tok.Expiry = time.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	return tok, nil
}

// storeToken caches, persists, and forwards the token, then schedules a
// background refresh at 90% of its lifetime.
func (m *Manager) storeToken(id string, tok *oauth2.Token) {
	m.mu.Lock()
	st, ok := m.services[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	st.token = tok
	if st.refreshTimer != nil {
		st.refreshTimer.Stop()
		st.refreshTimer = nil
	}
	if !tok.Expiry.IsZero() {
		lifetime := time.Until(tok.Expiry)
		if lifetime > 0 {
			delay := time.Duration(float64(lifetime) * refreshFraction)
			st.refreshTimer = time.AfterFunc(delay, func() { m.refreshToken(id) })
		}
	}
	m.mu.Unlock()

	m.client.SetAuthHeader(id, "Authorization", "Bearer "+tok.AccessToken)
	if raw, err := json.Marshal(tok); err == nil {
		_ = m.store.Set("api."+id+".token", string(raw), true)
	}
}

// refreshToken re-runs the authorization flow in the background shortly
// before expiry. A failed refresh leaves the service unauthenticated; the
// next call surfaces the auth error.
func (m *Manager) refreshToken(id string) {
	m.mu.Lock()
	if st, ok := m.services[id]; ok {
		st.token = nil
	}
	m.mu.Unlock()

	if _, err := m.Authenticate(context.Background(), id); err != nil {
		m.logger.Warn("background token refresh failed", "service", id, "error", err)
	}
}

// invalidateToken drops the cached token, its persisted copy, and the
// forwarded credential header.
func (m *Manager) invalidateToken(id string) {
	m.mu.Lock()
	st, ok := m.services[id]
	if ok {
		st.token = nil
		if st.refreshTimer != nil {
			st.refreshTimer.Stop()
			st.refreshTimer = nil
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.client.ClearAuthHeader(id)
	_ = m.store.Set("api."+id+".token", "", true)
}

// Token returns the cached token for a service, if any.
func (m *Manager) Token(id string) (*oauth2.Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.services[id]
	if !ok || st.token == nil {
		return nil, false
	}
	return st.token, true
}
