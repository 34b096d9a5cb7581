// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"

	"github.com/stacklok/clientpool/pkg/auth"
	"github.com/stacklok/clientpool/pkg/errors"
)

// Extractor pulls the optional user assertion and optional client options
// out of a caller-defined request type. It must be pure with respect to r:
// extraction alone never performs I/O or mutates the request.
type Extractor[R any] func(r R) (*auth.UserAssertion, any)

// Resolver maps an optional user assertion to an auth request.
type Resolver func(assertion *auth.UserAssertion) (auth.Request, error)

// ResolveDelegated resolves a present assertion to a delegated request and
// an absent one to an application request.
func ResolveDelegated(assertion *auth.UserAssertion) (auth.Request, error) {
	if assertion == nil {
		return auth.NewApplicationRequest(), nil
	}
	return auth.NewDelegatedRequest(assertion), nil
}

// ResolveComposite resolves a present assertion to a composite request and
// an absent one to an application request.
func ResolveComposite(assertion *auth.UserAssertion) (auth.Request, error) {
	if assertion == nil {
		return auth.NewApplicationRequest(), nil
	}
	return auth.NewCompositeRequest(assertion), nil
}

// Facade adapts a caller-defined request type R to the pool by composing
// extract, resolve and the pool operation.
type Facade[R any, C any] struct {
	pool    *Pool[C]
	extract Extractor[R]
	resolve Resolver
}

// NewFacade wraps pool with an extractor and resolver for request type R.
func NewFacade[R any, C any](p *Pool[C], extract Extractor[R], resolve Resolver) (*Facade[R, C], error) {
	if p == nil {
		return nil, errors.NewInvalidConfigError("pool is required", nil)
	}
	if extract == nil {
		return nil, errors.NewInvalidConfigError("extractor is required", nil)
	}
	if resolve == nil {
		return nil, errors.NewInvalidConfigError("resolver is required", nil)
	}
	return &Facade[R, C]{pool: p, extract: extract, resolve: resolve}, nil
}

// GetClient extracts auth material and options from r and delegates to the
// pool.
func (f *Facade[R, C]) GetClient(ctx context.Context, r R) (C, error) {
	var zero C

	assertion, options := f.extract(r)
	req, err := f.resolve(assertion)
	if err != nil {
		return zero, err
	}
	return f.pool.GetClient(ctx, req, options)
}

// InvalidateClientCache extracts auth material and options from r and
// invalidates the matching pool entry.
func (f *Facade[R, C]) InvalidateClientCache(r R) (bool, error) {
	assertion, options := f.extract(r)
	req, err := f.resolve(assertion)
	if err != nil {
		return false, err
	}
	return f.pool.InvalidateClientCache(req, options)
}
