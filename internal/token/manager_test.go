// ABOUTME: Tests for the token manager lifecycle
// ABOUTME: Covers bootstrap, proactive refresh, coalescing, failed-refresh immutability, revocation

package token

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rookery-hq/rookery/internal/fault"
	"github.com/rookery-hq/rookery/internal/keystore"
)

func newTestManager(t *testing.T) (*Manager, *keystore.Memory) {
	t.Helper()
	ks := keystore.NewMemory()
	m := NewManager(ks, Config{RefreshBuffer: 300 * time.Second}, nil)
	return m, ks
}

// tokenEndpoint fakes an OAuth2 token endpoint. Each exchange mints
// access-N and bumps the hit counter.
func tokenEndpoint(t *testing.T, hits *atomic.Int64, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))

		if delay > 0 {
			time.Sleep(delay)
		}
		n := hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"access-%d","token_type":"Bearer","expires_in":3600,"refresh_token":"refresh-%d"}`, n, n)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func oauthConfig(endpoint string) AuthConfig {
	return AuthConfig{
		Variant:       AuthOAuth2,
		ClientID:      "hub",
		ClientSecret:  "shh",
		TokenEndpoint: endpoint,
		AccessToken:   "seed-access",
		RefreshToken:  "seed-refresh",
	}
}

func TestBootstrapValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name string
		auth AuthConfig
		ok   bool
	}{
		{"api key", AuthConfig{Variant: AuthAPIKey, APIKey: "k-1"}, true},
		{"bearer", AuthConfig{Variant: AuthBearer, BearerToken: "b-1"}, true},
		{"oauth2", oauthConfig("https://idp.example/token"), true},
		{"missing variant", AuthConfig{}, false},
		{"unknown variant", AuthConfig{Variant: "kerberos"}, false},
		{"api key empty", AuthConfig{Variant: AuthAPIKey}, false},
		{"oauth2 no endpoint", AuthConfig{Variant: AuthOAuth2, RefreshToken: "r"}, false},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Bootstrap(ctx, fmt.Sprintf("agent-%d", i), tt.auth)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, fault.InvalidRequest, fault.ClassOf(err))
			}
		})
	}
}

func TestGetReturnsSeededAPIKey(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Bootstrap(ctx, "agent-1", AuthConfig{Variant: AuthAPIKey, APIKey: "k-123"}))

	tok, err := m.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "k-123", tok.AccessToken)
	assert.Equal(t, "api-key", tok.Scheme)
	assert.True(t, tok.ExpiresAt.IsZero(), "api keys do not expire")
}

func TestBearerJWTExpiryIntrospection(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	exp := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	jt := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "rookery",
		"exp": exp.Unix(),
	})
	signed, err := jt.SignedString([]byte("agent-side-secret"))
	require.NoError(t, err)

	require.NoError(t, m.Bootstrap(ctx, "agent-1", AuthConfig{Variant: AuthBearer, BearerToken: signed}))

	tok, err := m.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, tok.ExpiresAt.Equal(exp), "expiry should come from the exp claim, got %v want %v", tok.ExpiresAt, exp)
}

func TestGetRefreshesInsideBuffer(t *testing.T) {
	var hits atomic.Int64
	srv := tokenEndpoint(t, &hits, 0)

	m, ks := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Bootstrap(ctx, "agent-1", oauthConfig(srv.URL)))

	// Stored token expires 200s out; the 300s buffer must trigger a refresh.
	seedStored(t, ks, "agent-1", &Token{
		AccessToken:  "stale",
		RefreshToken: "seed-refresh",
		ExpiresAt:    time.Now().Add(200 * time.Second),
		Scheme:       "bearer",
	})

	tok, err := m.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.EqualValues(t, 1, hits.Load())
}

func TestGetSkipsRefreshOutsideBuffer(t *testing.T) {
	var hits atomic.Int64
	srv := tokenEndpoint(t, &hits, 0)

	m, ks := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Bootstrap(ctx, "agent-1", oauthConfig(srv.URL)))

	seedStored(t, ks, "agent-1", &Token{
		AccessToken:  "fresh-enough",
		RefreshToken: "seed-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
		Scheme:       "bearer",
	})

	tok, err := m.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "fresh-enough", tok.AccessToken)
	assert.EqualValues(t, 0, hits.Load(), "a token outside the buffer must not refresh")
}

func TestConcurrentGetsCoalesceIntoOneRefresh(t *testing.T) {
	var hits atomic.Int64
	srv := tokenEndpoint(t, &hits, 100*time.Millisecond)

	m, ks := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Bootstrap(ctx, "agent-1", oauthConfig(srv.URL)))

	seedStored(t, ks, "agent-1", &Token{
		AccessToken:  "stale",
		RefreshToken: "seed-refresh",
		ExpiresAt:    time.Now().Add(100 * time.Second),
		Scheme:       "bearer",
	})

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]*Token, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Go(func() {
			tokens[i], errs[i] = m.Get(ctx, "agent-1")
		})
	}
	wg.Wait()

	assert.EqualValues(t, 1, hits.Load(), "concurrent gets must share one exchange")
	for i := range callers {
		require.NoError(t, errs[i], "caller %d", i)
		assert.Equal(t, "access-1", tokens[i].AccessToken, "caller %d", i)
	}
}

func TestFailedRefreshLeavesStoredTokenUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}))
	t.Cleanup(srv.Close)

	m, ks := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Bootstrap(ctx, "agent-1", oauthConfig(srv.URL)))

	stale := &Token{
		AccessToken:  "stale",
		RefreshToken: "revoked-refresh",
		ExpiresAt:    time.Now().Add(100 * time.Second),
		Scheme:       "bearer",
	}
	seedStored(t, ks, "agent-1", stale)

	_, err := m.Refresh(ctx, "agent-1")
	require.Error(t, err)
	assert.Equal(t, fault.Authentication, fault.ClassOf(err))

	blob, err := ks.GetItem(ctx, "agent-1")
	require.NoError(t, err)
	var after Token
	require.NoError(t, json.Unmarshal(blob, &after))
	assert.Equal(t, "stale", after.AccessToken, "failed refresh must not mutate the stored token")
	assert.Equal(t, "revoked-refresh", after.RefreshToken)
}

func TestUnreachableEndpointIsNetworkFault(t *testing.T) {
	m, ks := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Bootstrap(ctx, "agent-1", oauthConfig("http://127.0.0.1:1/token")))

	seedStored(t, ks, "agent-1", &Token{
		AccessToken:  "stale",
		RefreshToken: "seed-refresh",
		ExpiresAt:    time.Now().Add(time.Second),
		Scheme:       "bearer",
	})

	_, err := m.Refresh(ctx, "agent-1")
	require.Error(t, err)
	assert.Equal(t, fault.Network, fault.ClassOf(err))
}

func TestRefreshOnStaticVariantFails(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Bootstrap(ctx, "agent-1", AuthConfig{Variant: AuthAPIKey, APIKey: "k"}))

	_, err := m.Refresh(ctx, "agent-1")
	require.Error(t, err)
	assert.Equal(t, fault.Authentication, fault.ClassOf(err))
}

func TestExpiredStaticCredentialSurfaces(t *testing.T) {
	m, ks := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Bootstrap(ctx, "agent-1", AuthConfig{Variant: AuthBearer, BearerToken: "b"}))

	seedStored(t, ks, "agent-1", &Token{
		AccessToken: "b",
		ExpiresAt:   time.Now().Add(-time.Minute),
		Scheme:      "bearer",
	})

	_, err := m.Get(ctx, "agent-1")
	require.Error(t, err)
	assert.Equal(t, fault.Authentication, fault.ClassOf(err))
}

func TestRevokeDeletesLocalEvenWhenRemoteFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	m, ks := newTestManager(t)
	ctx := context.Background()
	auth := oauthConfig("https://idp.example/token")
	auth.RevokeEndpoint = srv.URL
	require.NoError(t, m.Bootstrap(ctx, "agent-1", auth))

	require.NoError(t, m.Revoke(ctx, "agent-1"))

	_, err := ks.GetItem(ctx, "agent-1")
	assert.ErrorIs(t, err, keystore.ErrNotFound)
	assert.False(t, m.Registered("agent-1"))
}

func TestRevokeHitsRemoteEndpoint(t *testing.T) {
	var revoked atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "seed-refresh", r.Form.Get("token"))
		revoked.Store(true)
	}))
	t.Cleanup(srv.Close)

	m, _ := newTestManager(t)
	ctx := context.Background()
	auth := oauthConfig("https://idp.example/token")
	auth.RevokeEndpoint = srv.URL
	require.NoError(t, m.Bootstrap(ctx, "agent-1", auth))

	require.NoError(t, m.Revoke(ctx, "agent-1"))
	assert.True(t, revoked.Load(), "revocation endpoint should have been called")
}

func TestGetUnknownAgent(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Get(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, fault.Authentication, fault.ClassOf(err))
}

// seedStored writes a token straight into the keystore, bypassing the
// manager, to set up expiry scenarios.
func seedStored(t *testing.T, ks *keystore.Memory, agentID string, tok *Token) {
	t.Helper()
	blob, err := json.Marshal(tok)
	require.NoError(t, err)
	require.NoError(t, ks.SetItem(context.Background(), agentID, blob))
}
