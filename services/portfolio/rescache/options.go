// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rescache

import (
	"log/slog"
	"time"
)

// Default configuration values.
const (
	// DefaultBuildTimeout bounds a single BuildFunc call.
	DefaultBuildTimeout = 30 * time.Second

	// DefaultMaxEntries of zero leaves the session map unbounded.
	DefaultMaxEntries = 0
)

// Options configures a Manager.
type Options struct {
	// MaxEntries caps the number of cached sessions. When the cap is
	// reached the least recently used entry that is not in use is evicted.
	// Zero means unbounded.
	MaxEntries int

	// BuildTimeout bounds every build. A timed-out build fails with
	// ErrBuildTimeout and frees the session key for a retry.
	BuildTimeout time.Duration

	// Logger receives eviction failures and lifecycle events.
	Logger *slog.Logger

	// Clock returns the current time. Tests replace it.
	Clock func() time.Time
}

// DefaultOptions returns the default Manager configuration.
func DefaultOptions() Options {
	return Options{
		MaxEntries:   DefaultMaxEntries,
		BuildTimeout: DefaultBuildTimeout,
		Logger:       slog.Default(),
		Clock:        time.Now,
	}
}

// Option is a functional option for configuring a Manager.
type Option func(*Options)

// WithMaxEntries sets the LRU capacity. Negative values are ignored.
func WithMaxEntries(n int) Option {
	return func(o *Options) {
		if n >= 0 {
			o.MaxEntries = n
		}
	}
}

// WithBuildTimeout sets the per-build timeout.
func WithBuildTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.BuildTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		if now != nil {
			o.Clock = now
		}
	}
}
