// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token validates incoming bearer tokens and turns their claims
// into user assertions for the client pool. Signing keys are fetched from a
// JWKS endpoint, either configured directly or discovered from the issuer's
// OIDC well-known document, and refreshed automatically.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/clientpool/pkg/auth"
	clienterrors "github.com/stacklok/clientpool/pkg/errors"
)

// Common errors
var (
	ErrNoToken                 = errors.New("no token provided")
	ErrInvalidToken            = errors.New("invalid token")
	ErrInvalidIssuer           = errors.New("invalid issuer")
	ErrInvalidAudience         = errors.New("invalid audience")
	ErrFailedToDiscoverOIDC    = errors.New("failed to discover OIDC configuration")
	ErrMissingIssuerAndJWKSURL = errors.New("either issuer or JWKS URL must be provided")
)

const jwksRegistrationTimeout = 5 * time.Second

// oidcDiscoveryDocument is the subset of the OIDC discovery document we need.
type oidcDiscoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// ValidatorConfig contains configuration for the assertion validator.
type ValidatorConfig struct {
	// Issuer is the expected token issuer. When JWKSURL is empty, the JWKS
	// endpoint is discovered from the issuer's well-known document.
	Issuer string

	// Audience is the expected audience for the token. Empty skips the
	// audience check.
	Audience string

	// JWKSURL is the URL to fetch signing keys from.
	JWKSURL string

	// HTTPClient is used for JWKS fetches and discovery. Defaults to a
	// client with a 10-second timeout.
	HTTPClient *http.Client

	// Clock is the time source for expiry checks. Defaults to the real
	// clock; tests inject a fake one.
	Clock clockwork.Clock
}

// Validator verifies bearer JWTs against a JWKS endpoint and extracts the
// user assertion the pool keys on.
type Validator struct {
	issuer   string
	audience string
	jwksURL  string
	jwks     *jwk.Cache
	clock    clockwork.Clock

	// Lazy JWKS registration
	jwksRegistered      bool
	jwksRegistrationMu  sync.Mutex
	jwksRegistrationErr error
}

// NewValidator creates a Validator. The JWKS endpoint is not contacted here:
// registration happens lazily on first validation.
func NewValidator(ctx context.Context, cfg ValidatorConfig) (*Validator, error) {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" && cfg.Issuer != "" {
		doc, err := discoverOIDCConfiguration(ctx, httpClient, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailedToDiscoverOIDC, err)
		}
		jwksURL = doc.JWKSURI
	}
	if jwksURL == "" {
		return nil, ErrMissingIssuerAndJWKSURL
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	httprcClient := httprc.NewClient(httprc.WithHTTPClient(httpClient))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	return &Validator{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		jwksURL:  jwksURL,
		jwks:     cache,
		clock:    clock,
	}, nil
}

// discoverOIDCConfiguration fetches the issuer's well-known document and
// returns the advertised JWKS endpoint.
func discoverOIDCConfiguration(ctx context.Context, client *http.Client, issuer string) (*oidcDiscoveryDocument, error) {
	wellKnownURL := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnownURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch OIDC configuration: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OIDC discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc oidcDiscoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode OIDC configuration: %w", err)
	}
	if doc.JWKSURI == "" {
		return nil, fmt.Errorf("OIDC configuration missing jwks_uri")
	}

	return &doc, nil
}

// ensureJWKSRegistered registers the JWKS URL with the cache on first use so
// that construction never blocks on the network.
func (v *Validator) ensureJWKSRegistered(ctx context.Context) error {
	v.jwksRegistrationMu.Lock()
	defer v.jwksRegistrationMu.Unlock()

	if v.jwksRegistered {
		return v.jwksRegistrationErr
	}

	registrationCtx, cancel := context.WithTimeout(ctx, jwksRegistrationTimeout)
	defer cancel()

	if err := v.jwks.Register(registrationCtx, v.jwksURL); err != nil {
		v.jwksRegistrationErr = fmt.Errorf("failed to register JWKS URL: %w", err)
	} else {
		v.jwksRegistrationErr = nil
	}

	v.jwksRegistered = true
	return v.jwksRegistrationErr
}

// getKeyFromJWKS resolves the verification key for token from the JWKS.
func (v *Validator) getKeyFromJWKS(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureJWKSRegistered(ctx); err != nil {
		return nil, fmt.Errorf("JWKS registration failed: %w", err)
	}

	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}

	keySet, err := v.jwks.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}

	return rawKey, nil
}

// validateClaims checks issuer and audience against the configured values.
func (v *Validator) validateClaims(claims jwt.MapClaims) error {
	if v.issuer != "" {
		issuerClaim, err := claims.GetIssuer()
		if err != nil {
			return fmt.Errorf("failed to get issuer from claims: %w", err)
		}
		if strings.TrimSpace(issuerClaim) != strings.TrimSpace(v.issuer) {
			return ErrInvalidIssuer
		}
	}

	if v.audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return ErrInvalidAudience
		}

		found := false
		for _, aud := range audiences {
			if aud == v.audience {
				found = true
				break
			}
		}
		if !found {
			return ErrInvalidAudience
		}
	}

	return nil
}

// ValidateAssertion verifies tokenString and extracts the user assertion
// from its claims: the user object id ("oid", falling back to "sub"), the
// tenant id ("tid") and the expiry. Expired tokens fail with a token_expired
// error; tokens missing identity claims fail with missing_user or
// missing_tenant.
func (v *Validator) ValidateAssertion(ctx context.Context, tokenString string) (*auth.UserAssertion, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}

	token, err := jwt.Parse(tokenString,
		func(token *jwt.Token) (any, error) {
			return v.getKeyFromJWKS(ctx, token)
		},
		jwt.WithTimeFunc(v.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, clienterrors.NewTokenExpiredError("bearer token expired")
		}
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("failed to get claims from token")
	}
	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}

	return assertionFromClaims(tokenString, claims)
}

func assertionFromClaims(tokenString string, claims jwt.MapClaims) (*auth.UserAssertion, error) {
	userID := stringClaim(claims, "oid")
	if userID == "" {
		sub, err := claims.GetSubject()
		if err != nil || sub == "" {
			return nil, clienterrors.NewMissingUserError("token carries neither oid nor sub claim")
		}
		userID = sub
	}

	tenantID := stringClaim(claims, "tid")
	if tenantID == "" {
		return nil, clienterrors.NewMissingTenantError("token missing tid claim")
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: missing exp claim", ErrInvalidToken)
	}

	return &auth.UserAssertion{
		Token:        tokenString,
		UserObjectID: userID,
		TenantID:     tenantID,
		ExpiresAt:    exp.Time,
	}, nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return strings.TrimSpace(s)
}
