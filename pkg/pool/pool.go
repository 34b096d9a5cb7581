// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package pool provides a client pool with authenticated-credential caching
// for services performing many short-lived operations against an
// identity-provider-backed API. For a given (auth request, options) pair it
// returns a ready-to-use client, reusing previously constructed instances
// whenever safe, and ties the lifetime of cached entries to the lifetime of
// the user assertions that authorize them.
package pool

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/stacklok/clientpool/pkg/auth"
	"github.com/stacklok/clientpool/pkg/cache"
	"github.com/stacklok/clientpool/pkg/config"
	"github.com/stacklok/clientpool/pkg/credentials"
	"github.com/stacklok/clientpool/pkg/errors"
	"github.com/stacklok/clientpool/pkg/logger"
)

// Factory constructs clients on behalf of the pool. The pool owns the
// lifetime of everything the factory returns: clients implementing
// cache.Disposable are disposed when their cache entry is evicted.
//
// CreateClient must be a pure constructor. The supplied credential provider
// is bound to the auth request the client is being built for and defers
// credential acquisition until the client first asks.
type Factory[C any] interface {
	CreateClient(ctx context.Context, creds credentials.Provider, options any) (C, error)
}

// Fingerprinter is an optional Factory capability. When implemented and
// returning a non-empty string for an options value, the fingerprint is used
// for cache keying in place of a canonical serialization of the options.
type Fingerprinter interface {
	Fingerprint(options any) string
}

// Pool caches clients per (auth context, options). A client returned from
// GetClient is only guaranteed safe for the current call; callers that
// retain it across a possible eviction accept the associated risk.
type Pool[C any] struct {
	id      string
	factory Factory[C]
	creds   *credentials.Manager
	clients *cache.Cache[C]
	keys    *cache.KeyBuilder
	buffer  time.Duration
	clock   clockwork.Clock
	log     *zap.SugaredLogger
}

type poolOptions struct {
	clock       clockwork.Clock
	log         *zap.SugaredLogger
	application credentials.ApplicationStrategy
	delegated   credentials.DelegatedStrategy
}

// Option customizes pool construction.
type Option func(*poolOptions)

// WithClock injects a time source; tests use a fake clock.
func WithClock(clock clockwork.Clock) Option {
	return func(o *poolOptions) { o.clock = clock }
}

// WithLogger injects a logger for the pool and its caches.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *poolOptions) { o.log = log }
}

// WithApplicationStrategy overrides the application credential strategy
// selected by the configuration.
func WithApplicationStrategy(s credentials.ApplicationStrategy) Option {
	return func(o *poolOptions) { o.application = s }
}

// WithDelegatedStrategy overrides the delegated credential strategy derived
// from the configuration.
func WithDelegatedStrategy(s credentials.DelegatedStrategy) Option {
	return func(o *poolOptions) { o.delegated = s }
}

// New creates a Pool around factory. A nil cfg uses config.DefaultConfig().
// Configuration is resolved once here; later changes are not observed.
func New[C any](factory Factory[C], cfg *config.Config, opts ...Option) (*Pool[C], error) {
	if factory == nil {
		return nil, errors.NewInvalidConfigError("client factory is required", nil)
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := poolOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.log == nil {
		o.log = logger.Get()
	}

	id := uuid.NewString()
	log := o.log.With("pool", id)

	if o.application == nil {
		strategy, err := credentials.NewApplicationStrategy(cfg.Auth)
		if err != nil {
			return nil, err
		}
		o.application = strategy
	}
	if o.delegated == nil && (cfg.Auth.ClientSecret != "" || cfg.Auth.CertificatePath != "") {
		strategy, err := credentials.NewOnBehalfOfStrategy(cfg.Auth)
		if err != nil {
			return nil, err
		}
		o.delegated = strategy
	}

	creds, err := credentials.NewManager(credentials.ManagerConfig{
		KeyPrefix:   cfg.Cache.KeyPrefix,
		SlidingTTL:  cfg.Cache.CredentialSlidingTTL(),
		AbsoluteTTL: cfg.Cache.CredentialAbsoluteTTL(),
		MaxSize:     cfg.Cache.CredentialCacheMaxSize,
		Application: o.application,
		Delegated:   o.delegated,
		Clock:       o.clock,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	clients, err := cache.New[C](cache.Config{
		Name:       "clients",
		SlidingTTL: cfg.Cache.ClientSlidingTTL(),
		MaxSize:    cfg.Cache.ClientCacheMaxSize,
		Clock:      o.clock,
		Logger:     log,
	})
	if err != nil {
		creds.Close()
		return nil, errors.NewInvalidConfigError("invalid client cache settings", err)
	}

	return &Pool[C]{
		id:      id,
		factory: factory,
		creds:   creds,
		clients: clients,
		keys:    cache.NewKeyBuilder(cfg.Cache.KeyPrefix),
		buffer:  cfg.Cache.ClientBuffer(),
		clock:   o.clock,
		log:     log,
	}, nil
}

// GetClient returns a client for req, constructing one through the factory
// on a cache miss. Concurrent calls for the same (auth context, options)
// share a single construction.
//
// For token-bound requests the cached entry's TTL is capped at the
// assertion's remaining lifetime minus the configured buffer; when no
// lifetime remains beyond the buffer, the client is constructed and served
// without being cached.
func (p *Pool[C]) GetClient(ctx context.Context, req auth.Request, options any) (C, error) {
	var zero C

	key, getOpts, err := p.deriveKey(req, options)
	if err != nil {
		return zero, err
	}

	client, err := p.clients.GetOrCreate(ctx, key.Stable, func(ctx context.Context) (C, error) {
		c, err := p.factory.CreateClient(ctx, p.creds.ProviderFor(req), options)
		if err != nil {
			if errors.TypeOf(err) != "" {
				return zero, err
			}
			return zero, errors.NewFactoryFailureError("client factory failed", err)
		}
		return c, nil
	}, getOpts...)
	if err != nil {
		return zero, err
	}
	return client, nil
}

// InvalidateClientCache removes the cached client for (req, options),
// reporting whether a matching entry was present. The removed client is
// disposed if it exposes a disposal capability.
func (p *Pool[C]) InvalidateClientCache(req auth.Request, options any) (bool, error) {
	key, _, err := p.deriveKey(req, options)
	if err != nil {
		return false, err
	}

	removed := p.clients.Delete(key.Stable)
	p.log.Debugw("invalidated client cache entry", "key", cache.TruncateKey(key.Raw), "removed", removed)
	return removed, nil
}

// deriveKey validates req and computes its cache key plus the per-call cache
// options (log key, token-bound TTL cap).
func (p *Pool[C]) deriveKey(req auth.Request, options any) (cache.Key, []cache.GetOption, error) {
	now := p.clock.Now()
	actx, err := req.Validate(now)
	if err != nil {
		return cache.Key{}, nil, err
	}

	var fingerprint string
	if f, ok := p.factory.(Fingerprinter); ok && options != nil {
		fingerprint = f.Fingerprint(options)
	}

	key, err := p.keys.Build(actx, fingerprint, options)
	if err != nil {
		return cache.Key{}, nil, errors.NewInternalError("failed to derive cache key", err)
	}

	getOpts := []cache.GetOption{cache.WithLogKey(key.Raw)}
	if req.TokenBound() {
		ttl := actx.ExpiresAt.Sub(now) - p.buffer
		getOpts = append(getOpts, cache.WithCustomTTL(ttl))
		if ttl <= 0 {
			p.log.Debugw("assertion lifetime within safety buffer, client will not be cached",
				"key", cache.TruncateKey(key.Raw), "expires_at", actx.ExpiresAt)
		}
	}

	return key, getOpts, nil
}

// ClientCacheStats returns occupancy of the client cache.
func (p *Pool[C]) ClientCacheStats() cache.Stats {
	return p.clients.Stats()
}

// CredentialCacheStats returns occupancy of the application-credential cache.
func (p *Pool[C]) CredentialCacheStats() cache.Stats {
	return p.creds.Stats()
}

// Close releases both caches, disposing all cached clients and credentials.
func (p *Pool[C]) Close() {
	p.clients.Close()
	p.creds.Close()
}
