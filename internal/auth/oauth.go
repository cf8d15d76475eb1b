// Package auth verifies bearer tokens for the fluxline API. The service is
// a resource server only: tokens are issued elsewhere and their role claims
// are mapped onto run and task permissions here. It never drives the
// authorization code flow itself.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Provider validates tokens against an OIDC issuer's discovery document.
type Provider struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
}

// Config holds the issuer to trust and the audience to accept.
type Config struct {
	// Issuer is the OIDC provider URL, e.g. https://auth.example.com.
	Issuer string

	// ClientID is the audience tokens must be issued for.
	ClientID string

	// SkipIssuerCheck and SkipExpiryCheck loosen validation for tests only.
	SkipIssuerCheck bool
	SkipExpiryCheck bool
}

// NewProvider fetches the issuer's discovery document and prepares a
// verifier for its signing keys.
func NewProvider(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("create oidc provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID:        cfg.ClientID,
		SkipIssuerCheck: cfg.SkipIssuerCheck,
		SkipExpiryCheck: cfg.SkipExpiryCheck,
	})

	return &Provider{provider: provider, verifier: verifier}, nil
}

// VerifyToken validates a signed ID token and extracts its claims.
func (p *Provider) VerifyToken(ctx context.Context, rawToken string) (*Claims, error) {
	rawToken = stripBearer(rawToken)

	idToken, err := p.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("extract claims: %w", err)
	}
	return &claims, nil
}

// VerifyAccessToken resolves an opaque access token through the issuer's
// userinfo endpoint. Role claims come back in the extra claim set.
func (p *Provider) VerifyAccessToken(ctx context.Context, accessToken string) (*Claims, error) {
	accessToken = stripBearer(accessToken)

	userInfo, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
	}))
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}

	claims := &Claims{
		Subject: userInfo.Subject,
		Email:   userInfo.Email,
	}
	var extra map[string]interface{}
	if err := userInfo.Claims(&extra); err == nil {
		if name, ok := extra["name"].(string); ok {
			claims.Name = name
		}
		if roles, ok := extra["roles"].([]interface{}); ok {
			for _, role := range roles {
				if rs, ok := role.(string); ok {
					claims.Roles = append(claims.Roles, rs)
				}
			}
		}
	}
	return claims, nil
}

func stripBearer(token string) string {
	token = strings.TrimPrefix(token, "Bearer ")
	return strings.TrimPrefix(token, "bearer ")
}

// Claims is the subset of OIDC claims the control plane acts on.
type Claims struct {
	Subject  string    `json:"sub"`
	Name     string    `json:"name,omitempty"`
	Email    string    `json:"email,omitempty"`
	Roles    []string  `json:"roles,omitempty"`
	Issuer   string    `json:"iss,omitempty"`
	Expiry   time.Time `json:"exp,omitempty"`
	IssuedAt time.Time `json:"iat,omitempty"`
}

// HasRole reports whether the token carries the given role claim.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsExpired reports whether the token's expiry has passed. Tokens without
// an exp claim never expire here; the verifier already enforced validity.
func (c *Claims) IsExpired() bool {
	if c.Expiry.IsZero() {
		return false
	}
	return time.Now().After(c.Expiry)
}
