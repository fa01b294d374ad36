package vault

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"credproxy/internal/clock"
	"credproxy/internal/models"
)

// defaultLifetime is the token lifetime applied when a refresh response
// does not specify one, mirroring the source gateway's hour-long
// simulation window.
const defaultLifetime = 3600

// SimulatedRefresher extends a credential's expiry without contacting an
// upstream token endpoint. It exists because the source gateway documents
// real OAuth2 refresh as unimplemented; the access token and refresh token
// are carried over unchanged, and only token_expires_at moves forward.
//
// The shape matches golang.org/x/oauth2.Token so swapping in a real
// *oauth2.Config-backed exchange later only means replacing Refresh's body.
type SimulatedRefresher struct {
	clock        clock.Clock
	lifetimeSecs int
}

// NewSimulatedRefresher builds a SimulatedRefresher extending tokens by
// lifetimeSecs on each refresh (0 selects the default of 3600s).
func NewSimulatedRefresher(clk clock.Clock, lifetimeSecs int) *SimulatedRefresher {
	if lifetimeSecs <= 0 {
		lifetimeSecs = defaultLifetime
	}
	return &SimulatedRefresher{clock: clk, lifetimeSecs: lifetimeSecs}
}

// Refresh extends cred's expiry by the configured lifetime. It fails if
// cred has no refresh token, matching the vault's own precondition that
// Refresh is only ever called on credentials with one.
func (s *SimulatedRefresher) Refresh(serviceID string, cred models.StoredCredential) (models.StoredCredential, error) {
	if cred.RefreshToken == nil {
		return models.StoredCredential{}, fmt.Errorf("vault: credential for service %s has no refresh token", serviceID)
	}
	next := cred
	expiresAt := s.clock.Now().Add(time.Duration(s.lifetimeSecs) * time.Second)
	next.TokenExpiresAt = &expiresAt
	return next, nil
}

// OAuth2Refresher is the production-shaped alternative to SimulatedRefresher:
// it exchanges a refresh token for a new access token via a real token
// endpoint using golang.org/x/oauth2's TokenSource machinery. The default
// bootstrap (cmd/server) does not construct it; it is the upgrade path from
// the simulated refresh.
type OAuth2Refresher struct {
	ctx    context.Context
	config oauth2.Config
}

// NewOAuth2Refresher builds an OAuth2Refresher bound to cfg, used to mint a
// TokenSource per refresh call from the stored refresh token.
func NewOAuth2Refresher(ctx context.Context, cfg oauth2.Config) *OAuth2Refresher {
	return &OAuth2Refresher{ctx: ctx, config: cfg}
}

// Refresh exchanges cred's refresh token for a new access token via the
// configured token endpoint.
func (o *OAuth2Refresher) Refresh(serviceID string, cred models.StoredCredential) (models.StoredCredential, error) {
	if cred.RefreshToken == nil {
		return models.StoredCredential{}, fmt.Errorf("vault: credential for service %s has no refresh token", serviceID)
	}
	src := o.config.TokenSource(o.ctx, &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: *cred.RefreshToken,
		TokenType:    cred.TokenType,
	})
	tok, err := src.Token()
	if err != nil {
		return models.StoredCredential{}, fmt.Errorf("vault: oauth2 refresh for service %s: %w", serviceID, err)
	}
	next := cred
	next.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		next.RefreshToken = &tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		next.TokenExpiresAt = &expiry
	}
	if tok.TokenType != "" {
		next.TokenType = tok.TokenType
	}
	return next, nil
}
