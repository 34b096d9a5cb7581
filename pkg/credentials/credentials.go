// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package credentials manages identity-provider credentials for the client
// pool: long-lived application credentials cached per process, and
// short-lived delegated credentials constructed on demand from a user
// assertion and never cached.
package credentials

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/stacklok/clientpool/pkg/auth"
)

// Kind selects which credential a client factory asks the provider for.
type Kind string

const (
	// KindApplication is the process's own identity, reusable across users.
	KindApplication Kind = "application"

	// KindDelegated is a credential bound to one user assertion.
	KindDelegated Kind = "delegated"
)

// ApplicationStrategy constructs application credentials. Implementations
// talk to the identity provider; construction may suspend on I/O.
type ApplicationStrategy interface {
	Create(ctx context.Context) (azcore.TokenCredential, error)
}

// DelegatedStrategy constructs a credential bound to the given user
// assertion. Implementations must be cheap enough to call once per request:
// results are never cached above them.
type DelegatedStrategy interface {
	Create(ctx context.Context, assertion *auth.UserAssertion) (azcore.TokenCredential, error)
}

// Provider is the credential capability handed to client factories. It is
// bound to the auth request the client is being built for, so factories
// cannot reach credentials for any other identity.
type Provider interface {
	GetCredential(ctx context.Context, kind Kind) (azcore.TokenCredential, error)
}
