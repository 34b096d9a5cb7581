// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth defines the auth request variants accepted by the client pool
// and the validation that turns them into a normalized auth context.
//
// This package is the only place where a user assertion is accepted;
// downstream components (credential manager, client pool, key builder)
// operate on pre-validated data.
package auth

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stacklok/clientpool/pkg/errors"
)

// Mode identifies the credential posture of an auth request.
type Mode string

const (
	// ModeApplication requests act with the process's own identity only.
	ModeApplication Mode = "application"

	// ModeDelegated requests act on behalf of the user identified by the
	// attached assertion.
	ModeDelegated Mode = "delegated"

	// ModeComposite requests carry a user assertion but allow the downstream
	// client factory to ask for either credential kind.
	ModeComposite Mode = "composite"
)

// UserAssertion is an opaque bearer token delegating a user's identity to
// this service, together with its verified claims.
type UserAssertion struct {
	// Token is the raw bearer string. Redacted in String() and MarshalJSON()
	// to prevent leakage.
	Token string

	// UserObjectID is the unique identifier of the user (oid claim, falling
	// back to sub).
	UserObjectID string

	// TenantID is the tenant the user belongs to (tid claim).
	TenantID string

	// ExpiresAt is the absolute expiry of the assertion (exp claim).
	ExpiresAt time.Time
}

// String returns a representation of the assertion with the token redacted.
func (a *UserAssertion) String() string {
	if a == nil {
		return "<nil>"
	}
	return fmt.Sprintf("UserAssertion{Tenant:%q, User:%q, ExpiresAt:%s}",
		a.TenantID, a.UserObjectID, a.ExpiresAt.UTC().Format(time.RFC3339))
}

// MarshalJSON implements json.Marshaler to redact the raw token during JSON
// serialization. This prevents accidental token leakage in structured logs.
func (a *UserAssertion) MarshalJSON() ([]byte, error) {
	if a == nil {
		return []byte("null"), nil
	}

	type safeAssertion struct {
		Token        string    `json:"token"`
		UserObjectID string    `json:"userObjectId"`
		TenantID     string    `json:"tenantId"`
		ExpiresAt    time.Time `json:"expiresAt"`
	}

	token := a.Token
	if token != "" {
		token = "REDACTED"
	}

	return json.Marshal(&safeAssertion{
		Token:        token,
		UserObjectID: a.UserObjectID,
		TenantID:     a.TenantID,
		ExpiresAt:    a.ExpiresAt,
	})
}

// Request is a tagged auth request variant. Application requests carry no
// payload; delegated and composite requests carry a user assertion.
type Request struct {
	Mode      Mode
	Assertion *UserAssertion
}

// NewApplicationRequest returns a request acting with the process identity.
func NewApplicationRequest() Request {
	return Request{Mode: ModeApplication}
}

// NewDelegatedRequest returns a request acting on behalf of the user
// identified by the assertion.
func NewDelegatedRequest(assertion *UserAssertion) Request {
	return Request{Mode: ModeDelegated, Assertion: assertion}
}

// NewCompositeRequest returns a request that carries a user assertion but
// allows the client factory to ask for application credentials as well.
func NewCompositeRequest(assertion *UserAssertion) Request {
	return Request{Mode: ModeComposite, Assertion: assertion}
}

// TokenBound reports whether the request's lifetime is tied to a user
// assertion.
func (r Request) TokenBound() bool {
	return r.Mode == ModeDelegated || r.Mode == ModeComposite
}

// Context is the validated, normalized form of a Request. For
// non-application modes the tenant and user fields are non-empty and
// ExpiresAt was strictly in the future at validation time.
type Context struct {
	Mode         Mode
	TenantID     string
	UserObjectID string
	ExpiresAt    time.Time
	Assertion    *UserAssertion
}

// Validate checks the request against the rules for its mode and returns the
// normalized auth context. now is the moment validation is performed;
// callers should pass their clock's current time.
func (r Request) Validate(now time.Time) (*Context, error) {
	switch r.Mode {
	case ModeApplication:
		return &Context{Mode: ModeApplication}, nil
	case ModeDelegated, ModeComposite:
	default:
		return nil, errors.NewInternalError(fmt.Sprintf("unknown auth mode %q", r.Mode), nil)
	}

	if r.Assertion == nil {
		return nil, errors.NewMissingUserError(fmt.Sprintf("%s request carries no user assertion", r.Mode))
	}
	if r.Assertion.TenantID == "" {
		return nil, errors.NewMissingTenantError("user assertion has no tenant id")
	}
	if r.Assertion.UserObjectID == "" {
		return nil, errors.NewMissingUserError("user assertion has no user object id")
	}
	if !r.Assertion.ExpiresAt.After(now) {
		return nil, errors.NewTokenExpiredError(fmt.Sprintf(
			"user assertion expired at %s", r.Assertion.ExpiresAt.UTC().Format(time.RFC3339)))
	}

	return &Context{
		Mode:         r.Mode,
		TenantID:     r.Assertion.TenantID,
		UserObjectID: r.Assertion.UserObjectID,
		ExpiresAt:    r.Assertion.ExpiresAt,
		Assertion:    r.Assertion,
	}, nil
}
