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
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SweeperConfig configures the idle sweeper.
type SweeperConfig struct {
	// Interval is how often EvictIdle runs.
	Interval time.Duration

	// MaxIdle is the idle threshold passed to EvictIdle.
	MaxIdle time.Duration
}

// DefaultSweeperConfig returns sensible defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval: 5 * time.Minute,
		MaxIdle:  30 * time.Minute,
	}
}

// SweepResult describes one sweep cycle.
type SweepResult struct {
	Evicted   int
	Remaining int
	StartTime time.Time
	EndTime   time.Time
}

// Duration returns how long the cycle took.
func (r SweepResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Sweeper periodically evicts idle sessions from a Manager.
//
// Thread Safety:
//
//	Start, Stop and RunNow are safe for concurrent use.
type Sweeper struct {
	manager *Manager
	config  SweeperConfig
	logger  *slog.Logger

	// onSweep is called after every cycle. Used for metrics.
	onSweep func(SweepResult)

	done    chan struct{}
	mu      sync.Mutex
	running bool
}

// NewSweeper creates a sweeper for m. onSweep may be nil.
func NewSweeper(m *Manager, config SweeperConfig, onSweep func(SweepResult)) *Sweeper {
	defaults := DefaultSweeperConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.MaxIdle <= 0 {
		config.MaxIdle = defaults.MaxIdle
	}
	return &Sweeper{
		manager: m,
		config:  config,
		logger:  m.logger.With("component", "rescache.sweeper"),
		onSweep: onSweep,
		done:    make(chan struct{}),
	}
}

// Start launches the sweep loop. It returns an error if already running.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.logger.Info("idle sweeper starting",
		"interval", s.config.Interval.String(),
		"max_idle", s.config.MaxIdle.String(),
	)

	go s.runLoop(ctx, done)
	return nil
}

// Stop ends the sweep loop. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.logger.Info("idle sweeper stopping")
	close(s.done)
	s.running = false
}

// Running reports whether the loop is active.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunNow runs one sweep cycle synchronously.
func (s *Sweeper) RunNow(ctx context.Context) SweepResult {
	return s.sweep(ctx)
}

func (s *Sweeper) runLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("idle sweeper stopped (context cancelled)")
			return
		case <-done:
			s.logger.Info("idle sweeper stopped (stop requested)")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) SweepResult {
	result := SweepResult{StartTime: time.Now()}
	result.Evicted = s.manager.EvictIdle(ctx, s.config.MaxIdle)
	result.Remaining = s.manager.Len()
	result.EndTime = time.Now()

	if result.Evicted > 0 {
		s.logger.Info("idle sweep completed",
			"evicted", result.Evicted,
			"remaining", result.Remaining,
			"duration_ms", result.Duration().Milliseconds(),
		)
	} else {
		s.logger.Debug("idle sweep completed (no idle sessions)")
	}

	if s.onSweep != nil {
		s.onSweep(result)
	}
	return result
}
