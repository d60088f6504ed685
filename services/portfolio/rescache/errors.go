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
	"errors"
	"fmt"
)

// Sentinel errors returned by Manager operations.
var (
	// ErrBuildFailure is matched by every *BuildError.
	ErrBuildFailure = errors.New("resource build failed")

	// ErrBuildTimeout is wrapped inside a *BuildError when the builder
	// did not finish within the configured build timeout.
	ErrBuildTimeout = errors.New("resource build timed out")

	// ErrSessionNotInitialized is returned by GetExisting when no handle
	// has been acquired for the session key.
	ErrSessionNotInitialized = errors.New("session not initialized")

	// ErrScopeConflict is matched by every *ScopeConflictError.
	ErrScopeConflict = errors.New("session scope conflict")

	// ErrEvictionRaceFailure marks a failure to release an underlying
	// resource during eviction. It is only ever logged.
	ErrEvictionRaceFailure = errors.New("eviction release failed")

	// ErrManagerClosed is returned by every operation after Close.
	ErrManagerClosed = errors.New("resource cache closed")

	// ErrEmptySessionKey is returned when an operation receives "".
	ErrEmptySessionKey = errors.New("session key must not be empty")

	// ErrNilBuilder is returned when an operation receives a nil BuildFunc.
	ErrNilBuilder = errors.New("build function must not be nil")

	// ErrEmptyFilterKeys is returned by FilterKeySet.RequireNonEmpty.
	ErrEmptyFilterKeys = errors.New("filter key set must not be empty")
)

// BuildError reports that the builder could not construct a resource.
//
// No cache entry exists for the session when a BuildError is returned;
// a later call may retry the build.
type BuildError struct {
	// SessionKey is empty for ephemeral builds.
	SessionKey string
	Keys       FilterKeySet
	Err        error
}

func (e *BuildError) Error() string {
	if e.SessionKey == "" {
		return fmt.Sprintf("build ephemeral resource for [%s]: %v", e.Keys, e.Err)
	}
	return fmt.Sprintf("build resource for session %q [%s]: %v", e.SessionKey, e.Keys, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrBuildFailure) true for any BuildError.
func (e *BuildError) Is(target error) bool { return target == ErrBuildFailure }

// ScopeConflictError is returned when a session is acquired with filter
// keys that differ from the ones its cached handle was built for.
//
// The cached handle is never replaced by the call that produced this
// error. Use Manager.Rescope to change a session's scope.
type ScopeConflictError struct {
	SessionKey string
	Cached     FilterKeySet
	Requested  FilterKeySet
}

func (e *ScopeConflictError) Error() string {
	return fmt.Sprintf("session %q is scoped to [%s], requested [%s]", e.SessionKey, e.Cached, e.Requested)
}

// Is makes errors.Is(err, ErrScopeConflict) true for any ScopeConflictError.
func (e *ScopeConflictError) Is(target error) bool { return target == ErrScopeConflict }
