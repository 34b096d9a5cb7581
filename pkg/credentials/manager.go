// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/stacklok/clientpool/pkg/auth"
	"github.com/stacklok/clientpool/pkg/cache"
	"github.com/stacklok/clientpool/pkg/errors"
	"github.com/stacklok/clientpool/pkg/logger"
)

// applicationRetryTries bounds retries around application-credential
// construction; transient failures against metadata endpoints are common
// enough that a single shot would surface spurious errors to every caller.
const applicationRetryTries = 3

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// KeyPrefix prefixes the application-credential cache key.
	KeyPrefix string

	// SlidingTTL is the application-credential sliding TTL. Required.
	SlidingTTL time.Duration

	// AbsoluteTTL is the hard expiry for application credentials. Required.
	AbsoluteTTL time.Duration

	// MaxSize bounds the application-credential cache. Required.
	MaxSize int

	// Application constructs application credentials. Required.
	Application ApplicationStrategy

	// Delegated constructs delegated credentials. Optional; requesting
	// delegated credentials without one fails.
	Delegated DelegatedStrategy

	// Clock defaults to the real clock.
	Clock clockwork.Clock

	// Logger defaults to the process logger.
	Logger *zap.SugaredLogger
}

// Manager caches application credentials and constructs delegated
// credentials on demand. Delegated credentials are deliberately never cached:
// their lifetime must be tied to nothing but the assertion they were built
// from.
type Manager struct {
	appCache    *cache.Cache[azcore.TokenCredential]
	appKey      string
	application ApplicationStrategy
	delegated   DelegatedStrategy
	clock       clockwork.Clock
	log         *zap.SugaredLogger
}

// NewManager creates a Manager from cfg.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Application == nil {
		return nil, errors.NewInvalidConfigError("application credential strategy is required", nil)
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = cache.DefaultKeyPrefix
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Get()
	}

	appCache, err := cache.New[azcore.TokenCredential](cache.Config{
		Name:        "credentials",
		SlidingTTL:  cfg.SlidingTTL,
		AbsoluteTTL: cfg.AbsoluteTTL,
		MaxSize:     cfg.MaxSize,
		Clock:       cfg.Clock,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, errors.NewInvalidConfigError("invalid credential cache settings", err)
	}

	return &Manager{
		appCache:    appCache,
		appKey:      cfg.KeyPrefix + "::" + string(KindApplication),
		application: cfg.Application,
		delegated:   cfg.Delegated,
		clock:       cfg.Clock,
		log:         cfg.Logger,
	}, nil
}

// GetCredential returns a credential of the requested kind for req.
// Application credentials are cached; concurrent first requests share a
// single construction. Delegated credentials are rebuilt from the assertion
// on every call.
func (m *Manager) GetCredential(ctx context.Context, req auth.Request, kind Kind) (azcore.TokenCredential, error) {
	switch kind {
	case KindApplication:
		return m.getApplicationCredential(ctx)
	case KindDelegated:
		return m.getDelegatedCredential(ctx, req)
	default:
		return nil, errors.NewInternalError(fmt.Sprintf("unknown credential kind %q", kind), nil)
	}
}

func (m *Manager) getApplicationCredential(ctx context.Context) (azcore.TokenCredential, error) {
	cred, err := m.appCache.GetOrCreate(ctx, m.appKey, func(ctx context.Context) (azcore.TokenCredential, error) {
		expBackoff := backoff.NewExponentialBackOff()
		expBackoff.InitialInterval = 250 * time.Millisecond

		return backoff.Retry(ctx, func() (azcore.TokenCredential, error) {
			return m.application.Create(ctx)
		},
			backoff.WithBackOff(expBackoff),
			backoff.WithMaxTries(applicationRetryTries),
			backoff.WithNotify(func(err error, duration time.Duration) {
				m.log.Debugw("retrying application credential construction",
					"error", err, "after", duration)
			}),
		)
	})
	if err != nil {
		if errors.TypeOf(err) != "" {
			return nil, err
		}
		return nil, errors.NewCredentialFailureError("failed to construct application credential", err)
	}
	return cred, nil
}

func (m *Manager) getDelegatedCredential(ctx context.Context, req auth.Request) (azcore.TokenCredential, error) {
	// An application request carries no assertion; handing it a delegated
	// credential would smuggle a user identity into application-only code.
	if !req.TokenBound() || req.Assertion == nil {
		return nil, errors.NewAuthModeMismatchError(
			"delegated credential requested for a request without a user assertion")
	}

	if m.delegated == nil {
		return nil, errors.NewInvalidConfigError("no delegated credential strategy configured", nil)
	}

	assertion := req.Assertion
	if !assertion.ExpiresAt.After(m.clock.Now()) {
		return nil, errors.NewTokenExpiredError(fmt.Sprintf(
			"user assertion expired at %s", assertion.ExpiresAt.UTC().Format(time.RFC3339)))
	}

	cred, err := m.delegated.Create(ctx, assertion)
	if err != nil {
		if errors.TypeOf(err) != "" {
			return nil, err
		}
		return nil, errors.NewCredentialFailureError("failed to construct delegated credential", err)
	}
	return cred, nil
}

// ProviderFor returns a credential provider view bound to req, suitable for
// handing to a client factory.
func (m *Manager) ProviderFor(req auth.Request) Provider {
	return &boundProvider{manager: m, req: req}
}

// Stats returns occupancy of the application-credential cache.
func (m *Manager) Stats() cache.Stats {
	return m.appCache.Stats()
}

// Close releases the application-credential cache.
func (m *Manager) Close() {
	m.appCache.Close()
}

type boundProvider struct {
	manager *Manager
	req     auth.Request
}

func (p *boundProvider) GetCredential(ctx context.Context, kind Kind) (azcore.TokenCredential, error) {
	return p.manager.GetCredential(ctx, p.req, kind)
}
