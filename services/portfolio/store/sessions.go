// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/rescache"
)

// ErrSessionExists is returned when a thread ID is already bound to a
// different portfolio.
var ErrSessionExists = errors.New("thread is bound to another portfolio")

// NewThreadID returns a thread ID for a portfolio session.
func NewThreadID(portfolioID string) string {
	return "portfolio_" + portfolioID + "_" + uuid.NewString()
}

// CreateSession binds a thread to a portfolio. Re-creating an existing
// binding for the same portfolio returns the stored session.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ThreadID == "" {
		sess.ThreadID = NewThreadID(sess.PortfolioID)
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		var p Portfolio
		if err := getJSON(txn, prefixPortfolio+sess.PortfolioID, &p); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("portfolio %s: %w", sess.PortfolioID, ErrNotFound)
			}
			return err
		}

		var existing Session
		err := getJSON(txn, prefixSession+sess.ThreadID, &existing)
		switch {
		case err == nil && existing.PortfolioID != sess.PortfolioID:
			return ErrSessionExists
		case err == nil:
			existing.LastAccessed = s.now().UTC()
			*sess = existing
			return putJSON(txn, prefixSession+sess.ThreadID, sess)
		case !errors.Is(err, ErrNotFound):
			return err
		}

		now := s.now().UTC()
		sess.CreatedAt, sess.LastAccessed = now, now
		if err := putJSON(txn, prefixSession+sess.ThreadID, sess); err != nil {
			return err
		}
		return putIndex(txn, prefixPortfolioSession+sess.PortfolioID+"/"+sess.ThreadID)
	})
}

// GetSession returns the session or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, threadID string) (*Session, error) {
	var sess Session
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, prefixSession+threadID, &sess)
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// TouchSession updates the session's last access time.
func (s *Store) TouchSession(ctx context.Context, threadID string) error {
	unlock := s.lockRecord(prefixSession + threadID)
	defer unlock()
	return s.update(ctx, func(txn *badger.Txn) error {
		var sess Session
		if err := getJSON(txn, prefixSession+threadID, &sess); err != nil {
			return err
		}
		sess.LastAccessed = s.now().UTC()
		return putJSON(txn, prefixSession+threadID, &sess)
	})
}

// DeleteSession removes a session binding. Missing sessions are not an
// error.
func (s *Store) DeleteSession(ctx context.Context, threadID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var sess Session
		if err := getJSON(txn, prefixSession+threadID, &sess); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		if err := txn.Delete([]byte(prefixPortfolioSession + sess.PortfolioID + "/" + threadID)); err != nil {
			return err
		}
		return txn.Delete([]byte(prefixSession + threadID))
	})
}

// ListSessions returns a portfolio's sessions, most recently used first.
func (s *Store) ListSessions(ctx context.Context, portfolioID string) ([]*Session, error) {
	var out []*Session
	err := s.view(ctx, func(txn *badger.Txn) error {
		for _, thread := range scanKeys(txn, prefixPortfolioSession+portfolioID+"/") {
			var sess Session
			if err := getJSON(txn, prefixSession+thread, &sess); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			out = append(out, &sess)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b *Session) int { return b.LastAccessed.Compare(a.LastAccessed) })
	return out, nil
}

// SessionScope resolves a thread to its portfolio and that portfolio's
// filter keys. This is the registry the resource cache is fed from; the
// cache never derives filter keys on its own.
func (s *Store) SessionScope(ctx context.Context, threadID string) (*Session, *Portfolio, rescache.FilterKeySet, error) {
	var (
		sess Session
		p    Portfolio
	)
	err := s.view(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, prefixSession+threadID, &sess); err != nil {
			return err
		}
		if err := getJSON(txn, prefixPortfolio+sess.PortfolioID, &p); err != nil {
			return fmt.Errorf("portfolio %s of session %s: %w", sess.PortfolioID, threadID, err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, rescache.FilterKeySet{}, err
	}
	return &sess, &p, p.FilterKeys(), nil
}
