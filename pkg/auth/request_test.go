// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/clientpool/pkg/errors"
)

func validAssertion(now time.Time) *UserAssertion {
	return &UserAssertion{
		Token:        "opaque-bearer",
		UserObjectID: "user-1",
		TenantID:     "tenant-1",
		ExpiresAt:    now.Add(time.Hour),
	}
}

func TestValidateApplication(t *testing.T) {
	t.Parallel()

	actx, err := NewApplicationRequest().Validate(time.Now())
	require.NoError(t, err)
	assert.Equal(t, ModeApplication, actx.Mode)
	assert.Empty(t, actx.TenantID)
	assert.Empty(t, actx.UserObjectID)
	assert.Nil(t, actx.Assertion)
}

func TestValidateDelegated(t *testing.T) {
	t.Parallel()
	now := time.Now()

	tests := []struct {
		name     string
		mutate   func(a *UserAssertion)
		wantType string
	}{
		{
			name:   "valid",
			mutate: func(*UserAssertion) {},
		},
		{
			name:     "missing tenant",
			mutate:   func(a *UserAssertion) { a.TenantID = "" },
			wantType: errors.ErrMissingTenant,
		},
		{
			name:     "missing user",
			mutate:   func(a *UserAssertion) { a.UserObjectID = "" },
			wantType: errors.ErrMissingUser,
		},
		{
			name:     "expired",
			mutate:   func(a *UserAssertion) { a.ExpiresAt = now.Add(-time.Millisecond) },
			wantType: errors.ErrTokenExpired,
		},
		{
			name:     "expiry exactly now",
			mutate:   func(a *UserAssertion) { a.ExpiresAt = now },
			wantType: errors.ErrTokenExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := validAssertion(now)
			tt.mutate(a)

			actx, err := NewDelegatedRequest(a).Validate(now)
			if tt.wantType != "" {
				require.Error(t, err)
				assert.True(t, errors.IsType(err, tt.wantType), "expected %s, got %v", tt.wantType, err)
				assert.Nil(t, actx)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, ModeDelegated, actx.Mode)
			assert.Equal(t, "tenant-1", actx.TenantID)
			assert.Equal(t, "user-1", actx.UserObjectID)
			assert.Same(t, a, actx.Assertion)
		})
	}
}

func TestValidateDelegatedWithoutAssertion(t *testing.T) {
	t.Parallel()

	_, err := NewDelegatedRequest(nil).Validate(time.Now())
	assert.True(t, errors.IsType(err, errors.ErrMissingUser))

	_, err = NewCompositeRequest(nil).Validate(time.Now())
	assert.True(t, errors.IsType(err, errors.ErrMissingUser))
}

func TestValidateComposite(t *testing.T) {
	t.Parallel()
	now := time.Now()

	actx, err := NewCompositeRequest(validAssertion(now)).Validate(now)
	require.NoError(t, err)
	assert.Equal(t, ModeComposite, actx.Mode)
	assert.True(t, NewCompositeRequest(validAssertion(now)).TokenBound())
	assert.False(t, NewApplicationRequest().TokenBound())
}

func TestAssertionRedaction(t *testing.T) {
	t.Parallel()

	a := validAssertion(time.Now())
	assert.NotContains(t, a.String(), "opaque-bearer")

	raw, err := json.Marshal(a)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "opaque-bearer")
	assert.Contains(t, string(raw), "REDACTED")

	var nilAssertion *UserAssertion
	assert.Equal(t, "<nil>", nilAssertion.String())
	raw, err = nilAssertion.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))
}
