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
	"context"
	"io"
	"sync"
	"time"
)

// BuildFunc constructs the underlying resource for a set of filter keys.
//
// It may be slow and may fail. The context carries the manager's build
// timeout; builders that ignore it are still abandoned when it expires.
// If the returned value implements io.Closer, it is closed when the
// handle is evicted or, for ephemeral handles, when Close is called.
type BuildFunc func(ctx context.Context, keys FilterKeySet) (any, error)

// Handle is an immutable, built resource bound to the filter keys it was
// built for.
//
// Handles are safe to share across goroutines. A Handle obtained through
// a Lease must not be used after the lease is released.
type Handle struct {
	resource  any
	keys      FilterKeySet
	sequence  uint64
	createdAt time.Time

	closeOnce sync.Once
	closeErr  error
}

func newHandle(resource any, keys FilterKeySet, seq uint64, createdAt time.Time) *Handle {
	return &Handle{
		resource:  resource,
		keys:      keys,
		sequence:  seq,
		createdAt: createdAt,
	}
}

// Resource returns the value produced by the BuildFunc.
func (h *Handle) Resource() any { return h.resource }

// Keys returns the filter keys the handle was built for.
func (h *Handle) Keys() FilterKeySet { return h.keys }

// Sequence returns the build sequence number. Sequence numbers are unique
// per Manager and increase with every successful build.
func (h *Handle) Sequence() uint64 { return h.sequence }

// CreatedAt returns when the build completed.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// release closes the resource once. Later calls return the first result.
func (h *Handle) release() error {
	h.closeOnce.Do(func() {
		if c, ok := h.resource.(io.Closer); ok {
			h.closeErr = c.Close()
		}
	})
	return h.closeErr
}

// Ephemeral is a handle owned by a single request. It is never stored in
// the session map and has no effect on any session's cached handle.
type Ephemeral struct {
	*Handle
	once    sync.Once
	onClose func(error)
}

// Close releases the underlying resource. It is safe to call more than once.
func (e *Ephemeral) Close() error {
	err := e.release()
	e.once.Do(func() {
		if e.onClose != nil {
			e.onClose(err)
		}
	})
	return err
}
