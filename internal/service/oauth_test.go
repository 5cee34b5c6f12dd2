package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textmux/textmux/internal/request"
	"github.com/textmux/textmux/pkg/apierror"
)

// stubFlow is an AuthFlow returning a canned redirect or error.
type stubFlow struct {
	redirect string
	err      error
	launches int
}

func (f *stubFlow) Launch(ctx context.Context, authURL string) (string, error) {
	f.launches++
	if f.err != nil {
		return "", f.err
	}
	return f.redirect, nil
}

func TestParseImplicitToken(t *testing.T) {
	tok, err := parseImplicitToken("https://app.example.com/callback#access_token=tok-1&expires_in=3600&token_type=Bearer")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.Expiry, 5*time.Second)
}

func TestParseImplicitToken_MissingToken(t *testing.T) {
	_, err := parseImplicitToken("https://app.example.com/callback#error=access_denied")
	assert.Error(t, err)
}

func TestAuthenticate_StoresAndReusesToken(t *testing.T) {
	flow := &stubFlow{redirect: "https://app.example.com/cb#access_token=tok-9&expires_in=3600"}
	m, store := newTestManager(t, func(cfg *ManagerConfig) {
		cfg.AuthFlow = flow
	})

	tok, err := m.Authenticate(context.Background(), "translate")
	require.NoError(t, err)
	assert.Equal(t, "tok-9", tok.AccessToken)
	assert.NotEqual(t, "", store.Get("api.translate.token", ""))

	// Second call reuses the unexpired token without relaunching the flow.
	again, err := m.Authenticate(context.Background(), "translate")
	require.NoError(t, err)
	assert.Equal(t, tok.AccessToken, again.AccessToken)
	assert.Equal(t, 1, flow.launches)

	avail := m.CheckAvailability("translate")
	assert.True(t, avail.Available)
}

func TestAuthenticate_UserDenied(t *testing.T) {
	flow := &stubFlow{err: errors.New("user cancelled")}
	m, _ := newTestManager(t, func(cfg *ManagerConfig) {
		cfg.AuthFlow = flow
	})

	_, err := m.Authenticate(context.Background(), "translate")
	require.Error(t, err)
	assert.True(t, apierror.IsKind(err, apierror.KindAuth))

	_, hasToken := m.Token("translate")
	assert.False(t, hasToken)
}

func TestAuthenticate_NonOAuthService(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_, err := m.Authenticate(context.Background(), "dictionary")
	require.Error(t, err)
	assert.True(t, apierror.IsKind(err, apierror.KindBadRequest))
}

func TestAuthError_InvalidatesOAuthToken(t *testing.T) {
	flow := &stubFlow{redirect: "https://app.example.com/cb#access_token=tok-x&expires_in=3600"}
	m, store := newTestManager(t, func(cfg *ManagerConfig) {
		cfg.AuthFlow = flow
	})

	_, err := m.Authenticate(context.Background(), "translate")
	require.NoError(t, err)

	_, err = m.MakeRequest(context.Background(), "translate", func(ctx context.Context) (*request.Response, error) {
		return nil, apierror.FromStatus(401, "translate", "token rejected")
	})
	require.Error(t, err)

	_, hasToken := m.Token("translate")
	assert.False(t, hasToken, "auth error on oauth service must clear the cached token")
	assert.Equal(t, "", store.Get("api.translate.token", "missing"))
}

func TestBuildAuthURL(t *testing.T) {
	url := buildAuthURL(Config{
		ID:       "translate",
		AuthType: AuthOAuth,
		AuthURL:  "https://auth.example.com/authorize",
		ClientID: "client-1",
		Scopes:   []string{"translate"},
	})
	assert.Contains(t, url, "https://auth.example.com/authorize")
	assert.Contains(t, url, "response_type=token")
	assert.Contains(t, url, "client_id=client-1")
	assert.Contains(t, url, fmt.Sprintf("scope=%s", "translate"))
}
