// Package identity validates bearer tokens against the identity provider's
// rotating key set and extracts the verified subject and role claims.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/example/chat-core/internal/model"
)

// Claims are the verified fields other components rely on.
type Claims struct {
	Subject   string
	Username  string
	Email     string
	Roles     []string
	ExpiresAt time.Time
}

type realmAccess struct {
	Roles []string `json:"roles"`
}

type tokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string      `json:"preferred_username"`
	Email             string      `json:"email"`
	RealmAccessField  realmAccess `json:"realm_access"`
}

// Verifier validates access tokens using a cached, background-refreshed JWKS.
type Verifier struct {
	jwks      *keyfunc.JWKS
	issuerURL string
}

// NewVerifier fetches the provider's JWKS with retries (the provider may
// still be starting) and keeps it refreshed. issuerOverride replaces the
// derived issuer when the browser-facing URL differs from the internal one.
func NewVerifier(providerURL, realm, issuerOverride string) (*Verifier, error) {
	jwksURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", providerURL, realm)
	issuerURL := fmt.Sprintf("%s/realms/%s", providerURL, realm)
	if issuerOverride != "" {
		issuerURL = issuerOverride
	}

	slog.Info("Initializing JWKS verifier", "jwks_url", jwksURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 context.Background(),
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for identity provider JWKS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS after retries: %w", err)
	}

	return &Verifier{jwks: jwks, issuerURL: issuerURL}, nil
}

// NewVerifierFromJWKS builds a verifier from raw JWKS JSON without any
// network fetch. Used in tests.
func NewVerifierFromJWKS(raw json.RawMessage, issuerURL string) (*Verifier, error) {
	jwks, err := keyfunc.NewJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("parse JWKS: %w", err)
	}
	return &Verifier{jwks: jwks, issuerURL: issuerURL}, nil
}

// Verify parses and validates a bearer token. It fails with
// model.ErrUnauthenticated on a malformed token, unknown key id, bad
// signature, or an expiry that is not strictly in the future.
func (v *Verifier) Verify(tokenString string) (Claims, error) {
	claims := &tokenClaims{}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuerURL != "" {
		opts = append(opts, jwt.WithIssuer(v.issuerURL))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc, opts...)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", model.ErrUnauthenticated, err)
	}
	if !token.Valid || claims.Subject == "" {
		return Claims{}, fmt.Errorf("%w: token rejected", model.ErrUnauthenticated)
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return Claims{
		Subject:   claims.Subject,
		Username:  claims.PreferredUsername,
		Email:     claims.Email,
		Roles:     claims.RealmAccessField.Roles,
		ExpiresAt: expiresAt,
	}, nil
}

// Close stops the JWKS background refresh.
func (v *Verifier) Close() {
	v.jwks.EndBackground()
}
