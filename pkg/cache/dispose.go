// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache

import "io"

// Disposable is the single disposal capability recognized by the cache. A
// cached value that implements it is disposed exactly once after it is
// removed, whatever the removal reason (TTL, LRU pressure, explicit delete,
// clear). Disposal errors are logged at warn level and swallowed.
//
// Values with other teardown surfaces (io.Closer, release hooks) are adapted
// into this interface at the seam where they enter the cache.
type Disposable interface {
	Dispose() error
}

// DisposeFunc adapts a plain function into a Disposable.
type DisposeFunc func() error

// Dispose calls the underlying function.
func (f DisposeFunc) Dispose() error {
	return f()
}

type closerDisposable struct {
	c io.Closer
}

func (d closerDisposable) Dispose() error {
	return d.c.Close()
}

// NewCloserDisposable adapts an io.Closer into a Disposable.
func NewCloserDisposable(c io.Closer) Disposable {
	return closerDisposable{c: c}
}
