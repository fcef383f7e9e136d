// ABOUTME: Token and auth-variant types shared between the manager and agent descriptors.
// ABOUTME: Closed variant set (oauth2, api-key, bearer) with per-variant validation.

package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthVariant selects how the hub authenticates to an agent.
type AuthVariant string

const (
	AuthOAuth2 AuthVariant = "oauth2"
	AuthAPIKey AuthVariant = "api-key"
	AuthBearer AuthVariant = "bearer"
)

// AuthConfig is the authentication block of an agent descriptor. Exactly
// the fields for its Variant are consulted; the rest stay empty.
type AuthConfig struct {
	Variant AuthVariant `yaml:"variant" json:"variant"`

	// oauth2
	ClientID       string   `yaml:"client_id,omitempty" json:"clientId,omitempty"`
	ClientSecret   string   `yaml:"client_secret,omitempty" json:"clientSecret,omitempty"`
	TokenEndpoint  string   `yaml:"token_endpoint,omitempty" json:"tokenEndpoint,omitempty"`
	RevokeEndpoint string   `yaml:"revoke_endpoint,omitempty" json:"revokeEndpoint,omitempty"`
	Scopes         []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
	AccessToken    string   `yaml:"access_token,omitempty" json:"accessToken,omitempty"`
	RefreshToken   string   `yaml:"refresh_token,omitempty" json:"refreshToken,omitempty"`

	// api-key
	APIKey string `yaml:"api_key,omitempty" json:"apiKey,omitempty"`

	// bearer
	BearerToken string `yaml:"bearer_token,omitempty" json:"bearerToken,omitempty"`
}

// Validate checks that the variant is known and its required fields are
// present.
func (c AuthConfig) Validate() error {
	switch c.Variant {
	case AuthOAuth2:
		if c.TokenEndpoint == "" {
			return fmt.Errorf("oauth2 auth requires token_endpoint")
		}
		if c.AccessToken == "" && c.RefreshToken == "" {
			return fmt.Errorf("oauth2 auth requires access_token or refresh_token")
		}
	case AuthAPIKey:
		if c.APIKey == "" {
			return fmt.Errorf("api-key auth requires api_key")
		}
	case AuthBearer:
		if c.BearerToken == "" {
			return fmt.Errorf("bearer auth requires bearer_token")
		}
	case "":
		return fmt.Errorf("auth variant is required")
	default:
		return fmt.Errorf("unknown auth variant %q", c.Variant)
	}
	return nil
}

// Refreshable reports whether the variant has a refresh path.
func (c AuthConfig) Refreshable() bool {
	return c.Variant == AuthOAuth2 && c.RefreshToken != ""
}

// Token is the stored credential for one agent. A zero ExpiresAt means
// the credential never expires.
type Token struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Scopes       []string  `json:"scopes,omitempty"`
	Scheme       string    `json:"scheme"`
}

// ExpiresWithin reports whether the token's expiry falls inside buffer
// from now. Never-expiring tokens report false.
func (t *Token) ExpiresWithin(buffer time.Duration, now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !t.ExpiresAt.After(now.Add(buffer))
}

// Expired reports whether the token is already past its expiry.
func (t *Token) Expired(now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !t.ExpiresAt.After(now)
}

// seedToken builds the initial Token for a freshly registered agent.
func seedToken(c AuthConfig) *Token {
	switch c.Variant {
	case AuthAPIKey:
		return &Token{AccessToken: c.APIKey, Scheme: "api-key"}
	case AuthBearer:
		t := &Token{AccessToken: c.BearerToken, Scheme: "bearer"}
		if exp, ok := jwtExpiry(c.BearerToken); ok {
			t.ExpiresAt = exp
		}
		return t
	default:
		return &Token{
			AccessToken:  c.AccessToken,
			RefreshToken: c.RefreshToken,
			Scopes:       c.Scopes,
			Scheme:       "bearer",
		}
	}
}

// jwtExpiry extracts the exp claim from a bearer credential that happens
// to be a JWT. The hub is the token's client, not its issuer, so the
// signature is not checked here; expiry introspection only schedules
// refresh warnings, the agent still verifies the token itself.
func jwtExpiry(raw string) (time.Time, bool) {
	parser := jwt.NewParser()
	tok, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := tok.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
