// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stacklok/clientpool/pkg/auth"
)

// DefaultKeyPrefix is the raw-key prefix used when none is configured.
const DefaultKeyPrefix = "client"

// maxLoggedKeyLength bounds raw keys in log messages.
const maxLoggedKeyLength = 50

// KeyBuilder derives deterministic cache keys from an auth context plus an
// optional factory fingerprint or options value.
type KeyBuilder struct {
	prefix string
}

// NewKeyBuilder returns a KeyBuilder using prefix, or DefaultKeyPrefix when
// prefix is empty.
func NewKeyBuilder(prefix string) *KeyBuilder {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &KeyBuilder{prefix: prefix}
}

// Key is a derived cache key. Stable is the fixed-width hashed form used as
// the stored key; Raw is kept only for log messages.
type Key struct {
	Raw    string
	Stable string
}

// Build derives the key for the given auth context. fingerprint, when
// non-empty, identifies the options value; otherwise a canonical hash of
// options is used when options is non-nil.
//
// The raw key is the "::"-separated concatenation of the prefix, the auth
// mode, tenant and user identifiers for non-application modes, and the
// options component. The stable key is a 128-bit digest of the raw key in
// URL-safe base64.
func (b *KeyBuilder) Build(actx *auth.Context, fingerprint string, options any) (Key, error) {
	parts := []string{b.prefix, string(actx.Mode)}

	if actx.Mode != auth.ModeApplication {
		parts = append(parts,
			"tenant:"+actx.TenantID,
			"user:"+actx.UserObjectID,
		)
	}

	switch {
	case fingerprint != "":
		parts = append(parts, "fingerprint:"+fingerprint)
	case options != nil:
		h, err := canonicalHash(options)
		if err != nil {
			return Key{}, fmt.Errorf("hashing options: %w", err)
		}
		parts = append(parts, "options:"+h)
	}

	raw := strings.Join(parts, "::")
	return Key{Raw: raw, Stable: stableHash(raw)}, nil
}

// canonicalHash serializes options deterministically and hashes the result.
// Two deeply equal values produce identical hashes regardless of key order:
// the value is round-tripped through generic JSON, where object keys are
// always emitted sorted.
func canonicalHash(options any) (string, error) {
	raw, err := json.Marshal(options)
	if err != nil {
		return "", err
	}

	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return "", err
	}

	canonical, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}

	return stableHash(string(canonical)), nil
}

// stableHash maps s to a fixed-width 128-bit digest in URL-safe base64.
func stableHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return base64.RawURLEncoding.EncodeToString(sum[:16])
}

// TruncateKey shortens a raw key for log messages.
func TruncateKey(raw string) string {
	if len(raw) <= maxLoggedKeyLength {
		return raw
	}
	return raw[:maxLoggedKeyLength] + "..."
}
