// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval owns everything the portfolio service stores in
// Weaviate: the financial document schema, scoped search indexes built per
// session, document ingestion and the semantic answer cache.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.portfolio.retrieval")

var (
	// ErrUnavailable is returned when Weaviate does not report ready.
	ErrUnavailable = errors.New("vector store is not available")

	// ErrCircuitOpen is returned while the breaker blocks requests.
	ErrCircuitOpen = errors.New("vector store circuit open")

	// ErrConnClosed is returned after Close.
	ErrConnClosed = errors.New("vector store connection closed")
)

// ConnState is the health of the Weaviate connection.
type ConnState int32

const (
	StateConnected ConnState = iota
	StateDegraded
	StateCircuitOpen
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// ConnConfig configures Dial.
type ConnConfig struct {
	// URL is the Weaviate endpoint, e.g. http://weaviate:8080.
	URL string

	// RetryAttempts is how many times a retryable failure is retried.
	RetryAttempts int

	// RetryBackoff is the first backoff; it grows exponentially up to
	// MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration

	// CircuitThreshold failures within CircuitWindow open the breaker for
	// CircuitCooldown.
	CircuitThreshold int
	CircuitWindow    time.Duration
	CircuitCooldown  time.Duration

	// HealthTimeout bounds each readiness probe.
	HealthTimeout time.Duration

	Logger *slog.Logger
}

// DefaultConnConfig returns production defaults for url.
func DefaultConnConfig(url string) ConnConfig {
	return ConnConfig{
		URL:              url,
		RetryAttempts:    2,
		RetryBackoff:     100 * time.Millisecond,
		MaxRetryBackoff:  2 * time.Second,
		CircuitThreshold: 5,
		CircuitWindow:    30 * time.Second,
		CircuitCooldown:  15 * time.Second,
		HealthTimeout:    5 * time.Second,
		Logger:           slog.Default(),
	}
}

func (c *ConnConfig) applyDefaults() {
	d := DefaultConnConfig(c.URL)
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = d.MaxRetryBackoff
	}
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = d.CircuitThreshold
	}
	if c.CircuitWindow <= 0 {
		c.CircuitWindow = d.CircuitWindow
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = d.CircuitCooldown
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = d.HealthTimeout
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
}

// Conn wraps the Weaviate client with retries and a circuit breaker.
//
// # Description
//
// Every Weaviate call made by this package goes through Do. Retryable
// failures (timeouts and network errors) are retried with jittered
// exponential backoff. When CircuitThreshold calls fail within
// CircuitWindow the breaker opens and calls fail fast with ErrCircuitOpen
// until CircuitCooldown has passed. A single probe call is then let
// through; its outcome closes or reopens the breaker.
//
// # Thread Safety
//
// Safe for concurrent use.
type Conn struct {
	client  *weaviate.Client
	config  ConnConfig
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker

	// degraded is set by a failed call or readiness probe while the
	// breaker is closed, and cleared by the next success.
	degraded atomic.Bool
	closed   atomic.Bool
}

// Dial creates a connection. It does not require Weaviate to be up; the
// first Ready or Do call reports that.
func Dial(cfg ConnConfig) (*Conn, error) {
	cfg.applyDefaults()

	raw := strings.Trim(cfg.URL, "\"' ")
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid Weaviate URL: %q", cfg.URL)
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: u.Host, Scheme: u.Scheme})
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}
	c := &Conn{
		client: client,
		config: cfg,
		logger: cfg.Logger.With("component", "weaviate"),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "weaviate",
		MaxRequests: 1,
		Interval:    cfg.CircuitWindow,
		Timeout:     cfg.CircuitCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= uint32(cfg.CircuitThreshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: c.onBreakerChange,
	})
	return c, nil
}

// Client returns the underlying Weaviate client.
func (c *Conn) Client() *weaviate.Client {
	return c.client
}

// State returns the connection health.
func (c *Conn) State() ConnState {
	switch c.breaker.State() {
	case gobreaker.StateOpen:
		return StateCircuitOpen
	case gobreaker.StateHalfOpen:
		return StateDegraded
	}
	if c.degraded.Load() {
		return StateDegraded
	}
	return StateConnected
}

// Ready probes Weaviate's readiness endpoint.
func (c *Conn) Ready(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.HealthTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "Conn.Ready")
	defer span.End()

	ready, err := c.client.Misc().ReadyChecker().Do(ctx)
	if err == nil && !ready {
		err = ErrUnavailable
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "not ready")
		c.setDegraded(true)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.setDegraded(false)
	return nil
}

// Do runs fn with retry and circuit breaker protection. The retries of
// one call count as a single breaker request.
func (c *Conn) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	ctx, span := tracer.Start(ctx, "weaviate."+op,
		trace.WithAttributes(attribute.String("weaviate.state", c.State().String())))
	defer span.End()

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.retry(ctx, span, fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		span.SetStatus(codes.Error, "circuit open")
		return ErrCircuitOpen
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.setDegraded(true)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
		return fmt.Errorf("weaviate %s: %w", op, err)
	}
	c.setDegraded(false)
	return nil
}

// retry runs fn until it succeeds, fails with a non-retryable error or
// RetryAttempts retries have been spent.
func (c *Conn) retry(ctx context.Context, span trace.Span, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryBackoff
	b.MaxInterval = c.config.MaxRetryBackoff
	b.RandomizationFactor = 0.25

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			span.AddEvent("retry", trace.WithAttributes(attribute.Int("attempt", attempt)))
		}
		err := fn(ctx)
		if err != nil && !isRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(c.config.RetryAttempts+1)))

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// Close marks the connection closed. It is idempotent.
func (c *Conn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *Conn) setDegraded(degraded bool) {
	if c.degraded.Swap(degraded) == degraded || c.breaker.State() != gobreaker.StateClosed {
		return
	}
	from, to := StateConnected, StateDegraded
	if !degraded {
		from, to = to, from
	}
	c.logger.Info("weaviate state transition", "from", from.String(), "to", to.String())
}

func (c *Conn) onBreakerChange(_ string, from, to gobreaker.State) {
	switch to {
	case gobreaker.StateOpen:
		c.logger.Warn("circuit breaker opened",
			"threshold", c.config.CircuitThreshold,
			"window", c.config.CircuitWindow,
			"cooldown", c.config.CircuitCooldown)
	case gobreaker.StateClosed:
		c.degraded.Store(false)
		c.logger.Info("circuit breaker closed", "from", from.String())
	default:
		c.logger.Info("circuit breaker probing", "from", from.String())
	}
}

func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
