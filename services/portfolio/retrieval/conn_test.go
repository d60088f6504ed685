// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDial_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "weaviate:8080", "://bad"} {
		_, err := Dial(ConnConfig{URL: u})
		assert.Error(t, err, "url %q", u)
	}
}

func TestConn_CircuitOpensAndCoolsDown(t *testing.T) {
	conn, err := Dial(ConnConfig{
		URL:              "http://localhost:1",
		CircuitThreshold: 2,
		CircuitCooldown:  50 * time.Millisecond,
	})
	require.NoError(t, err)

	calls := 0
	failing := func(context.Context) error { calls++; return errors.New("bad request") }

	ctx := context.Background()
	assert.Error(t, conn.Do(ctx, "op", failing))
	assert.Equal(t, StateDegraded, conn.State())
	assert.Error(t, conn.Do(ctx, "op", failing))
	assert.Equal(t, StateCircuitOpen, conn.State())

	err = conn.Do(ctx, "op", failing)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, calls, "open circuit must not call through")

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, conn.Do(ctx, "op", func(context.Context) error { return nil }))
	assert.Equal(t, StateConnected, conn.State())
}

func TestConn_RetriesRetryableErrors(t *testing.T) {
	conn, err := Dial(ConnConfig{
		URL:           "http://localhost:1",
		RetryAttempts: 2,
		RetryBackoff:  time.Millisecond,
	})
	require.NoError(t, err)

	calls := 0
	err = conn.Do(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return &net.OpError{Op: "dial", Err: errors.New("refused")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestConn_RetryLimits(t *testing.T) {
	conn, err := Dial(ConnConfig{
		URL:           "http://localhost:1",
		RetryAttempts: 1,
		RetryBackoff:  time.Millisecond,
	})
	require.NoError(t, err)

	t.Run("retryable failures stop after the budget", func(t *testing.T) {
		calls := 0
		err := conn.Do(context.Background(), "op", func(context.Context) error {
			calls++
			return &net.OpError{Op: "dial", Err: errors.New("refused")}
		})
		var opErr *net.OpError
		assert.ErrorAs(t, err, &opErr)
		assert.Equal(t, 2, calls)
	})

	t.Run("application errors are not retried", func(t *testing.T) {
		calls := 0
		appErr := errors.New("invalid class")
		err := conn.Do(context.Background(), "op", func(context.Context) error {
			calls++
			return appErr
		})
		assert.ErrorIs(t, err, appErr)
		assert.Equal(t, 1, calls)
	})
}

func TestConn_Closed(t *testing.T) {
	conn, err := Dial(ConnConfig{URL: "http://localhost:1"})
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Do(context.Background(), "op", func(context.Context) error { return nil }), ErrConnClosed)
	assert.ErrorIs(t, conn.Ready(context.Background()), ErrConnClosed)
}

func TestConn_Ready(t *testing.T) {
	f, conn := newFakeWeaviate(t)
	require.NoError(t, conn.Ready(context.Background()))

	f.mu.Lock()
	f.ready = false
	f.mu.Unlock()
	err := conn.Ready(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, StateDegraded, conn.State())
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"op error", &net.OpError{Op: "read", Err: errors.New("reset")}, true},
		{"application", errors.New("invalid class"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestEnsureSchema_CreatesMissingClasses(t *testing.T) {
	f, conn := newFakeWeaviate(t)
	f.classes[ClassAnswerCache] = true

	require.NoError(t, EnsureSchema(context.Background(), conn))
	assert.True(t, f.classes[ClassFinancialDocument])
	assert.True(t, f.classes[ClassAnswerCache])
}
