// ABOUTME: Token manager with keystore-backed persistence and coalesced refresh.
// ABOUTME: Single writer per agent credential; failed refreshes never mutate stored state.

package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/rookery-hq/rookery/internal/fault"
	"github.com/rookery-hq/rookery/internal/keystore"
)

// Config tunes the Manager.
type Config struct {
	// RefreshBuffer is how close to expiry a token may get before Get
	// refreshes it.
	RefreshBuffer time.Duration

	// HTTPTimeout bounds each token endpoint exchange.
	HTTPTimeout time.Duration
}

// DefaultConfig returns the standard manager tuning.
func DefaultConfig() Config {
	return Config{
		RefreshBuffer: 5 * time.Minute,
		HTTPTimeout:   30 * time.Second,
	}
}

// Manager owns per-agent credentials. All mutation of a given agent's
// token flows through here; concurrent refreshes coalesce per agent.
type Manager struct {
	store  keystore.Keystore
	cfg    Config
	logger *slog.Logger

	group  singleflight.Group
	client *http.Client

	mu      sync.RWMutex
	configs map[string]AuthConfig

	now func() time.Time
}

// NewManager builds a Manager over the given keystore.
func NewManager(store keystore.Keystore, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.RefreshBuffer <= 0 {
		cfg.RefreshBuffer = def.RefreshBuffer
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = def.HTTPTimeout
	}
	return &Manager{
		store:   store,
		cfg:     cfg,
		logger:  logger.With("component", "token"),
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		configs: make(map[string]AuthConfig),
		now:     time.Now,
	}
}

// Bootstrap validates the auth config, seeds the initial credential into
// the keystore, and registers the agent with the manager.
func (m *Manager) Bootstrap(ctx context.Context, agentID string, auth AuthConfig) error {
	if err := auth.Validate(); err != nil {
		return fault.Wrap(fault.InvalidRequest, err, "validating auth config")
	}

	seed := seedToken(auth)
	if err := m.save(ctx, agentID, seed); err != nil {
		return err
	}

	m.mu.Lock()
	m.configs[agentID] = auth
	m.mu.Unlock()

	m.logger.Info("credentials bootstrapped", "agent_id", agentID, "variant", auth.Variant)
	return nil
}

// Get returns a token valid for at least the refresh buffer, refreshing
// transparently when possible. Non-refreshable credentials are returned
// until they actually expire.
func (m *Manager) Get(ctx context.Context, agentID string) (*Token, error) {
	auth, ok := m.authConfig(agentID)
	if !ok {
		return nil, fault.Newf(fault.Authentication, "no credentials registered for agent %s", agentID)
	}

	tok, err := m.load(ctx, agentID)
	if err != nil {
		return nil, err
	}

	if tok.Expired(m.now()) && !auth.Refreshable() {
		return nil, fault.Newf(fault.Authentication, "credential for agent %s expired with no refresh path", agentID)
	}
	if !tok.ExpiresWithin(m.cfg.RefreshBuffer, m.now()) || !auth.Refreshable() {
		return tok, nil
	}
	return m.Refresh(ctx, agentID)
}

// Refresh forces a credential exchange. Concurrent callers for the same
// agent share a single exchange. On failure the stored token is left
// untouched and an authentication fault surfaces (network faults only
// when the endpoint was unreachable).
func (m *Manager) Refresh(ctx context.Context, agentID string) (*Token, error) {
	v, err, _ := m.group.Do(agentID, func() (any, error) {
		return m.refresh(ctx, agentID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Token), nil
}

func (m *Manager) refresh(ctx context.Context, agentID string) (*Token, error) {
	auth, ok := m.authConfig(agentID)
	if !ok {
		return nil, fault.Newf(fault.Authentication, "no credentials registered for agent %s", agentID)
	}
	if auth.Variant != AuthOAuth2 {
		return nil, fault.Newf(fault.Authentication, "%s credential for agent %s has no refresh path", auth.Variant, agentID)
	}

	stored, err := m.load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if stored.RefreshToken == "" {
		return nil, fault.Newf(fault.Authentication, "agent %s has no refresh credential", agentID)
	}

	conf := &oauth2.Config{
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: auth.TokenEndpoint},
		Scopes:       auth.Scopes,
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, m.cfg.HTTPTimeout)
	defer cancel()
	exchangeCtx = context.WithValue(exchangeCtx, oauth2.HTTPClient, m.client)

	// Seeding the source with only the refresh credential forces a real
	// exchange instead of returning the stale access token.
	src := conf.TokenSource(exchangeCtx, &oauth2.Token{RefreshToken: stored.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		return nil, classifyExchangeError(agentID, err)
	}

	next := &Token{
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		ExpiresAt:    fresh.Expiry,
		Scopes:       stored.Scopes,
		Scheme:       "bearer",
	}
	// Endpoints that do not rotate refresh credentials omit them from the
	// response; keep the one we have.
	if next.RefreshToken == "" {
		next.RefreshToken = stored.RefreshToken
	}

	if err := m.save(ctx, agentID, next); err != nil {
		return nil, err
	}

	m.logger.Info("token refreshed", "agent_id", agentID, "expires_at", next.ExpiresAt)
	return next, nil
}

// Revoke performs best-effort remote revocation, then deletes the local
// credential and forgets the agent unconditionally.
func (m *Manager) Revoke(ctx context.Context, agentID string) error {
	auth, ok := m.authConfig(agentID)
	if ok && auth.Variant == AuthOAuth2 && auth.RevokeEndpoint != "" {
		if stored, err := m.load(ctx, agentID); err == nil {
			m.revokeRemote(ctx, agentID, auth, stored)
		}
	}

	m.mu.Lock()
	delete(m.configs, agentID)
	m.mu.Unlock()

	if err := m.store.RemoveItem(ctx, agentID); err != nil && !errors.Is(err, keystore.ErrNotFound) {
		return fault.Wrap(fault.ResourceExhausted, err, "removing stored credential")
	}

	m.logger.Info("credentials revoked", "agent_id", agentID)
	return nil
}

// revokeRemote notifies the agent's revocation endpoint. Failures are
// logged, never surfaced; local deletion proceeds regardless.
func (m *Manager) revokeRemote(ctx context.Context, agentID string, auth AuthConfig, tok *Token) {
	form := url.Values{"token": {tok.RefreshToken}, "token_type_hint": {"refresh_token"}}
	if tok.RefreshToken == "" {
		form = url.Values{"token": {tok.AccessToken}, "token_type_hint": {"access_token"}}
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, auth.RevokeEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		m.logger.Warn("building revocation request failed", "agent_id", agentID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if auth.ClientID != "" {
		req.SetBasicAuth(auth.ClientID, auth.ClientSecret)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Warn("remote revocation failed", "agent_id", agentID, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		m.logger.Warn("remote revocation rejected", "agent_id", agentID, "status", resp.StatusCode)
	}
}

// Registered reports whether the agent has bootstrapped credentials.
func (m *Manager) Registered(agentID string) bool {
	_, ok := m.authConfig(agentID)
	return ok
}

func (m *Manager) authConfig(agentID string) (AuthConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	auth, ok := m.configs[agentID]
	return auth, ok
}

func (m *Manager) load(ctx context.Context, agentID string) (*Token, error) {
	blob, err := m.store.GetItem(ctx, agentID)
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			return nil, fault.Newf(fault.Authentication, "no credential stored for agent %s", agentID)
		}
		return nil, fault.Wrap(fault.ResourceExhausted, err, "reading credential store")
	}

	var tok Token
	if err := json.Unmarshal(blob, &tok); err != nil {
		return nil, fault.Wrap(fault.Authentication, err, "decoding stored credential")
	}
	return &tok, nil
}

func (m *Manager) save(ctx context.Context, agentID string, tok *Token) error {
	blob, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}
	if err := m.store.SetItem(ctx, agentID, blob); err != nil {
		return fault.Wrap(fault.ResourceExhausted, err, "writing credential store")
	}
	return nil
}

func classifyExchangeError(agentID string, err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		return fault.Wrap(fault.Authentication, err,
			fmt.Sprintf("token endpoint rejected refresh for agent %s", agentID))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.Timeout, err,
			fmt.Sprintf("token endpoint timed out for agent %s", agentID))
	}
	return fault.Wrap(fault.Network, err,
		fmt.Sprintf("reaching token endpoint for agent %s", agentID))
}
