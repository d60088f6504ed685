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
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

// maxAcquireAttempts bounds how often an acquisition retries when the
// freshly built entry is evicted before the caller could lease it.
const maxAcquireAttempts = 3

// entry is one session's cached handle.
type entry struct {
	sessionKey string
	handle     *Handle

	// lastAccess is unix nanoseconds of the last lease.
	lastAccess atomic.Int64

	// refCount tracks outstanding leases.
	refCount atomic.Int32

	// evicted is set once the entry has left the map. The handle is
	// released when evicted is set and refCount reaches zero.
	evicted      atomic.Bool
	finalizeOnce sync.Once

	// lruElement is the position in the LRU list. Guarded by Manager.mu.
	lruElement *list.Element
}

func (e *entry) InUse() bool { return e.refCount.Load() > 0 }

// Stats contains statistics about the cache.
type Stats struct {
	Entries         int           `json:"entries"`
	InUse           int           `json:"in_use"`
	Hits            int64         `json:"hits"`
	Misses          int64         `json:"misses"`
	Builds          int64         `json:"builds"`
	BuildFailures   int64         `json:"build_failures"`
	EphemeralBuilds int64         `json:"ephemeral_builds"`
	Evictions       int64         `json:"evictions"`
	ScopeConflicts  int64         `json:"scope_conflicts"`
	ReleaseFailures int64         `json:"release_failures"`
	MaxEntries      int           `json:"max_entries"`
	BuildTimeout    time.Duration `json:"build_timeout"`
}

// HitRate returns hits / (hits + misses), or 0 before any acquisition.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Manager maps session keys to built resources.
//
// Description:
//
//	Manager is the only component that constructs session-scoped
//	resources. A session's handle is built once by AcquireForSession,
//	reused by later acquisitions with the same filter keys and by
//	GetExisting, and released by Evict, EvictIdle, LRU reclamation or
//	Close. Ephemeral handles from CreateEphemeral never enter the map.
//
// Concurrency:
//
//	Builds are deduplicated per session key with singleflight and run
//	without holding the map lock, so builds for unrelated sessions and
//	ephemeral builds proceed in parallel. Every build is bounded by the
//	build timeout. Handles are reference counted through Lease, and an
//	evicted handle is released only after its last lease is released.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry
	lru     *list.List
	closed  bool

	flight  singleflight.Group
	options Options
	logger  *slog.Logger
	seq     atomic.Uint64

	hits            atomic.Int64
	misses          atomic.Int64
	builds          atomic.Int64
	buildFailures   atomic.Int64
	ephemeralBuilds atomic.Int64
	evictions       atomic.Int64
	conflicts       atomic.Int64
	releaseFailures atomic.Int64
}

// NewManager creates a Manager with the given options.
func NewManager(opts ...Option) *Manager {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Manager{
		entries: make(map[string]*entry),
		lru:     list.New(),
		options: options,
		logger:  options.Logger.With("component", "rescache"),
	}
}

// Lease is a borrowed reference to a session's handle.
//
// The handle stays valid until Release is called, even if the session is
// evicted or rescoped in the meantime. Release must be called exactly
// once; further calls are no-ops.
type Lease struct {
	m        *Manager
	e        *entry
	released atomic.Bool
}

// Handle returns the leased handle.
func (l *Lease) Handle() *Handle { return l.e.handle }

// SessionKey returns the key the lease was taken for.
func (l *Lease) SessionKey() string { return l.e.sessionKey }

// Release returns the lease to the manager.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	if l.e.refCount.Add(-1) == 0 && l.e.evicted.Load() {
		l.m.finalize(context.Background(), l.e)
	}
}

// AcquireForSession returns a lease on the session's handle, building it
// if the session has none.
//
// Description:
//
//	If the session is cached with the same filter keys, the cached handle
//	is leased and its last access time updated. If it is cached with
//	different keys, a *ScopeConflictError is returned and the entry is
//	left untouched. Otherwise build is called once, however many callers
//	race on the same key, and every waiter receives the same handle or
//	the same *BuildError.
//
// Inputs:
//
//	ctx - Cancelling ctx stops this caller waiting. The build itself runs
//	      on a detached context bounded by the build timeout.
//	sessionKey - Opaque session identifier. Must not be empty.
//	keys - Filter keys the handle must be scoped to.
//	build - Constructs the resource on a miss.
//
// Outputs:
//
//	*Lease - Must be released by the caller.
//	error - *BuildError, *ScopeConflictError, ErrManagerClosed or ctx error.
func (m *Manager) AcquireForSession(ctx context.Context, sessionKey string, keys FilterKeySet, build BuildFunc) (*Lease, error) {
	if sessionKey == "" {
		return nil, ErrEmptySessionKey
	}
	if build == nil {
		return nil, ErrNilBuilder
	}

	ctx, span := startSpan(ctx, "AcquireForSession", sessionKey)
	defer span.End()
	span.SetAttributes(attribute.String("rescache.filter_keys", keys.String()))

	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		lease, err := m.leaseExisting(ctx, sessionKey, &keys)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if lease != nil {
			if attempt == 0 {
				m.hits.Add(1)
				recordHit(ctx)
			}
			span.SetAttributes(
				attribute.Bool("rescache.hit", attempt == 0),
				attribute.Int64("rescache.sequence", int64(lease.Handle().Sequence())),
			)
			return lease, nil
		}

		if attempt == 0 {
			m.misses.Add(1)
			recordMiss(ctx)
		}

		ch := m.flight.DoChan(sessionKey, func() (any, error) {
			return nil, m.buildAndStore(ctx, sessionKey, keys, build)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				span.RecordError(res.Err)
				span.SetStatus(codes.Error, res.Err.Error())
				return nil, res.Err
			}
		}
	}

	err := fmt.Errorf("%w: session %q was evicted while it was being acquired", ErrSessionNotInitialized, sessionKey)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

// GetExisting returns a lease on the session's cached handle without
// building. It returns ErrSessionNotInitialized if the session has no
// handle.
func (m *Manager) GetExisting(ctx context.Context, sessionKey string) (*Lease, error) {
	if sessionKey == "" {
		return nil, ErrEmptySessionKey
	}
	ctx, span := startSpan(ctx, "GetExisting", sessionKey)
	defer span.End()

	lease, err := m.leaseExisting(ctx, sessionKey, nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if lease == nil {
		span.SetAttributes(attribute.Bool("rescache.hit", false))
		return nil, fmt.Errorf("%w: %s", ErrSessionNotInitialized, sessionKey)
	}
	span.SetAttributes(attribute.Bool("rescache.hit", true))
	return lease, nil
}

// CreateEphemeral always builds a fresh handle for keys. The session map
// is neither read nor written. The caller owns the result and must Close
// it.
func (m *Manager) CreateEphemeral(ctx context.Context, keys FilterKeySet, build BuildFunc) (*Ephemeral, error) {
	if build == nil {
		return nil, ErrNilBuilder
	}
	if m.isClosed() {
		return nil, ErrManagerClosed
	}

	ctx, span := startSpan(ctx, "CreateEphemeral", "")
	defer span.End()
	span.SetAttributes(attribute.String("rescache.filter_keys", keys.String()))

	h, err := m.build(ctx, "ephemeral", "", keys, build)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	seq := h.Sequence()
	return &Ephemeral{
		Handle: h,
		onClose: func(err error) {
			if err != nil {
				m.logger.Warn("failed to release ephemeral resource",
					"sequence", seq,
					"error", err,
				)
			}
		},
	}, nil
}

// Rescope replaces the session's handle with one built for keys.
//
// Description:
//
//	Rescope is the only operation that changes the filter keys of a
//	cached session. The new handle is built first; if the build fails the
//	old handle stays cached and the *BuildError is returned. On success
//	the new handle is swapped in and the old one is evicted, releasing it
//	once its outstanding leases are released. A session that is not
//	cached is simply built, and a session already scoped to keys is
//	leased as is.
//
// Outputs:
//
//	*Lease - A lease on the new handle. Must be released by the caller.
//	error - *BuildError, ErrManagerClosed, ctx error, or a
//	        *ScopeConflictError if another Rescope won the race.
func (m *Manager) Rescope(ctx context.Context, sessionKey string, keys FilterKeySet, build BuildFunc) (*Lease, error) {
	if sessionKey == "" {
		return nil, ErrEmptySessionKey
	}
	if build == nil {
		return nil, ErrNilBuilder
	}

	ctx, span := startSpan(ctx, "Rescope", sessionKey)
	defer span.End()
	span.SetAttributes(attribute.String("rescache.filter_keys", keys.String()))

	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		ch := m.flight.DoChan(rescopeFlightKey(sessionKey), func() (any, error) {
			return nil, m.rebuild(ctx, sessionKey, keys, build)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				span.RecordError(res.Err)
				span.SetStatus(codes.Error, res.Err.Error())
				return nil, res.Err
			}
		}

		lease, err := m.leaseExisting(ctx, sessionKey, &keys)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if lease != nil {
			span.SetAttributes(attribute.Int64("rescache.sequence", int64(lease.Handle().Sequence())))
			return lease, nil
		}
	}
	return nil, fmt.Errorf("%w: session %q was evicted while it was being rescoped", ErrSessionNotInitialized, sessionKey)
}

// Evict removes the session's entry. It is idempotent and never fails.
//
// The handle is released immediately if no lease is outstanding, or when
// the last lease is released otherwise. Release failures are logged.
func (m *Manager) Evict(ctx context.Context, sessionKey string) {
	ctx, span := startSpan(ctx, "Evict", sessionKey)
	defer span.End()

	m.mu.Lock()
	e, ok := m.entries[sessionKey]
	if ok {
		m.removeLocked(e)
	}
	m.mu.Unlock()

	span.SetAttributes(attribute.Bool("rescache.found", ok))
	if !ok {
		return
	}

	m.evictions.Add(1)
	recordEviction(ctx, "explicit")
	m.logger.Debug("evicted session resource",
		"session_key", sessionKey,
		"sequence", e.handle.Sequence(),
		"deferred", e.InUse(),
	)
	m.finalize(ctx, e)
}

// EvictIdle evicts every entry whose last access is older than maxIdle
// and that has no outstanding lease. It returns the number evicted.
func (m *Manager) EvictIdle(ctx context.Context, maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	ctx, span := startSpan(ctx, "EvictIdle", "")
	defer span.End()

	cutoff := m.options.Clock().Add(-maxIdle).UnixNano()

	var idle []*entry
	m.mu.Lock()
	for _, e := range m.entries {
		if !e.InUse() && e.lastAccess.Load() < cutoff {
			idle = append(idle, e)
		}
	}
	for _, e := range idle {
		m.removeLocked(e)
	}
	m.mu.Unlock()

	for _, e := range idle {
		m.evictions.Add(1)
		recordEviction(ctx, "idle")
		m.finalize(ctx, e)
	}

	span.SetAttributes(attribute.Int("rescache.evicted", len(idle)))
	return len(idle)
}

// Contains reports whether the session currently has a cached handle.
func (m *Manager) Contains(sessionKey string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[sessionKey]
	return ok
}

// Len returns the number of cached sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Stats returns current cache statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	entries := len(m.entries)
	inUse := 0
	for _, e := range m.entries {
		if e.InUse() {
			inUse++
		}
	}
	m.mu.RUnlock()

	return Stats{
		Entries:         entries,
		InUse:           inUse,
		Hits:            m.hits.Load(),
		Misses:          m.misses.Load(),
		Builds:          m.builds.Load(),
		BuildFailures:   m.buildFailures.Load(),
		EphemeralBuilds: m.ephemeralBuilds.Load(),
		Evictions:       m.evictions.Load(),
		ScopeConflicts:  m.conflicts.Load(),
		ReleaseFailures: m.releaseFailures.Load(),
		MaxEntries:      m.options.MaxEntries,
		BuildTimeout:    m.options.BuildTimeout,
	}
}

// Close evicts every entry and rejects further acquisitions. Handles
// with outstanding leases are released when those leases are released.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	all := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e)
	}
	for _, e := range all {
		m.removeLocked(e)
	}
	m.mu.Unlock()

	for _, e := range all {
		m.evictions.Add(1)
		recordEviction(ctx, "shutdown")
		m.finalize(ctx, e)
	}
	m.logger.Info("resource cache closed", "released", len(all))
}

// =============================================================================
// Internal
// =============================================================================

func rescopeFlightKey(sessionKey string) string {
	return "rescope\x00" + sessionKey
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// leaseExisting leases the cached entry for sessionKey. It returns
// (nil, nil) on a miss. When want is non-nil the cached keys must equal
// it, otherwise a *ScopeConflictError is returned.
func (m *Manager) leaseExisting(ctx context.Context, sessionKey string, want *FilterKeySet) (*Lease, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrManagerClosed
	}
	e, ok := m.entries[sessionKey]
	if !ok {
		m.mu.RUnlock()
		return nil, nil
	}
	if want != nil && !e.handle.keys.Equal(*want) {
		cached := e.handle.keys
		m.mu.RUnlock()
		m.conflicts.Add(1)
		recordConflict(ctx)
		return nil, &ScopeConflictError{SessionKey: sessionKey, Cached: cached, Requested: *want}
	}
	e.refCount.Add(1)
	e.lastAccess.Store(m.options.Clock().UnixNano())
	m.mu.RUnlock()

	m.mu.Lock()
	if e.lruElement != nil && !e.evicted.Load() {
		m.lru.MoveToFront(e.lruElement)
	}
	m.mu.Unlock()

	return &Lease{m: m, e: e}, nil
}

// buildAndStore runs inside the session's singleflight. It builds and
// stores a handle unless one was stored after the caller's lookup.
func (m *Manager) buildAndStore(ctx context.Context, sessionKey string, keys FilterKeySet, build BuildFunc) error {
	if m.Contains(sessionKey) {
		return nil
	}

	h, err := m.build(ctx, "session", sessionKey, keys, build)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.discard(ctx, h)
		return ErrManagerClosed
	}
	if _, ok := m.entries[sessionKey]; ok {
		// A concurrent Rescope stored a handle while this one was building.
		m.mu.Unlock()
		m.discard(ctx, h)
		return nil
	}
	displaced := m.makeRoomLocked()
	m.insertLocked(sessionKey, h)
	m.mu.Unlock()

	m.finalizeDisplaced(ctx, displaced)
	m.logger.Debug("built session resource",
		"session_key", sessionKey,
		"keys", keys.String(),
		"sequence", h.Sequence(),
	)
	return nil
}

// rebuild runs inside the session's rescope singleflight.
func (m *Manager) rebuild(ctx context.Context, sessionKey string, keys FilterKeySet, build BuildFunc) error {
	m.mu.RLock()
	if cur, ok := m.entries[sessionKey]; ok && cur.handle.keys.Equal(keys) {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()

	h, err := m.build(ctx, "session", sessionKey, keys, build)
	if err != nil {
		return err
	}

	var displaced []*entry
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.discard(ctx, h)
		return ErrManagerClosed
	}
	old, hadOld := m.entries[sessionKey]
	if hadOld {
		if old.handle.keys.Equal(keys) {
			m.mu.Unlock()
			m.discard(ctx, h)
			return nil
		}
		m.removeLocked(old)
	} else {
		displaced = m.makeRoomLocked()
	}
	m.insertLocked(sessionKey, h)
	m.mu.Unlock()

	m.finalizeDisplaced(ctx, displaced)
	if hadOld {
		m.evictions.Add(1)
		recordEviction(ctx, "rescope")
		m.finalize(ctx, old)
		m.logger.Info("rescoped session resource",
			"session_key", sessionKey,
			"from", old.handle.keys.String(),
			"to", keys.String(),
			"sequence", h.Sequence(),
		)
	}
	return nil
}

type buildResult struct {
	resource any
	err      error
}

// build runs the BuildFunc under the build timeout on a context that is
// detached from the caller's cancellation.
func (m *Manager) build(ctx context.Context, kind, sessionKey string, keys FilterKeySet, build BuildFunc) (*Handle, error) {
	ctx, span := startSpan(ctx, "build", sessionKey)
	defer span.End()

	buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.options.BuildTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan buildResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- buildResult{err: fmt.Errorf("builder panic: %v", r)}
			}
		}()
		res, err := build(buildCtx, keys)
		done <- buildResult{resource: res, err: err}
	}()

	var r buildResult
	select {
	case r = <-done:
	case <-buildCtx.Done():
		go m.discardLate(done)
		r = buildResult{err: fmt.Errorf("%w after %s", ErrBuildTimeout, m.options.BuildTimeout)}
	}
	if r.err == nil && r.resource == nil {
		r.err = errors.New("builder returned a nil resource")
	}

	recordBuild(ctx, kind, time.Since(start), r.err)
	if r.err != nil {
		m.buildFailures.Add(1)
		span.RecordError(r.err)
		span.SetStatus(codes.Error, r.err.Error())
		m.logger.Warn("resource build failed",
			"kind", kind,
			"session_key", sessionKey,
			"keys", keys.String(),
			"error", r.err,
		)
		return nil, &BuildError{SessionKey: sessionKey, Keys: keys, Err: r.err}
	}

	if kind == "ephemeral" {
		m.ephemeralBuilds.Add(1)
	} else {
		m.builds.Add(1)
	}
	h := newHandle(r.resource, keys, m.seq.Add(1), m.options.Clock())
	span.SetAttributes(attribute.Int64("rescache.sequence", int64(h.Sequence())))
	return h, nil
}

// discardLate waits for an abandoned builder and releases whatever it
// eventually produces.
func (m *Manager) discardLate(done <-chan buildResult) {
	r := <-done
	if r.err != nil || r.resource == nil {
		return
	}
	m.discard(context.Background(), newHandle(r.resource, FilterKeySet{}, 0, m.options.Clock()))
}

// discard releases a handle that never entered the map.
func (m *Manager) discard(ctx context.Context, h *Handle) {
	if err := h.release(); err != nil {
		m.releaseFailures.Add(1)
		recordReleaseError(ctx)
		m.logger.Warn("failed to release discarded resource",
			"sequence", h.Sequence(),
			"error", err,
		)
	}
}

// finalize releases an evicted entry's handle once no lease remains.
func (m *Manager) finalize(ctx context.Context, e *entry) {
	if e.InUse() {
		return
	}
	e.finalizeOnce.Do(func() {
		if err := e.handle.release(); err != nil {
			m.releaseFailures.Add(1)
			recordReleaseError(ctx)
			m.logger.Warn("failed to release evicted resource",
				"session_key", e.sessionKey,
				"sequence", e.handle.Sequence(),
				"error", fmt.Errorf("%w: %w", ErrEvictionRaceFailure, err),
			)
		}
	})
}

func (m *Manager) finalizeDisplaced(ctx context.Context, displaced []*entry) {
	for _, e := range displaced {
		m.evictions.Add(1)
		recordEviction(ctx, "capacity")
		m.logger.Debug("evicted least recently used session resource", "session_key", e.sessionKey)
		m.finalize(ctx, e)
	}
}

// insertLocked stores a new entry. Caller holds the write lock.
func (m *Manager) insertLocked(sessionKey string, h *Handle) {
	e := &entry{sessionKey: sessionKey, handle: h}
	e.lastAccess.Store(m.options.Clock().UnixNano())
	e.lruElement = m.lru.PushFront(e)
	m.entries[sessionKey] = e
}

// removeLocked takes an entry out of the map. Caller holds the write lock.
func (m *Manager) removeLocked(e *entry) {
	e.evicted.Store(true)
	if e.lruElement != nil {
		m.lru.Remove(e.lruElement)
		e.lruElement = nil
	}
	delete(m.entries, e.sessionKey)
}

// makeRoomLocked evicts least recently used entries that are not in use
// until a new entry fits. If every entry is in use the map may exceed
// MaxEntries until leases are released. Caller holds the write lock.
func (m *Manager) makeRoomLocked() []*entry {
	if m.options.MaxEntries <= 0 {
		return nil
	}
	var removed []*entry
	for len(m.entries) >= m.options.MaxEntries {
		victim := m.lruVictimLocked()
		if victim == nil {
			break
		}
		m.removeLocked(victim)
		removed = append(removed, victim)
	}
	return removed
}

func (m *Manager) lruVictimLocked() *entry {
	for el := m.lru.Back(); el != nil; el = el.Prev() {
		if e := el.Value.(*entry); !e.InUse() {
			return e
		}
	}
	return nil
}
