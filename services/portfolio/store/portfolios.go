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
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/rescache"
)

// ErrEmptyPortfolio is returned when a portfolio has no companies left
// after normalization.
var ErrEmptyPortfolio = errors.New("portfolio must contain at least one company")

// normalizeCompanies lower-cases, trims and de-duplicates company names,
// keeping first-seen order.
func normalizeCompanies(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = rescache.NormalizeKey(n)
		if n != "" && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}

// CreatePortfolio stores a new portfolio and assigns its ID.
func (s *Store) CreatePortfolio(ctx context.Context, p *Portfolio) error {
	p.Name = strings.TrimSpace(p.Name)
	p.CompanyNames = normalizeCompanies(p.CompanyNames)
	if len(p.CompanyNames) == 0 {
		return ErrEmptyPortfolio
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := s.now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	return s.update(ctx, func(txn *badger.Txn) error {
		if err := putJSON(txn, prefixPortfolio+p.ID, p); err != nil {
			return err
		}
		return putIndex(txn, prefixUserPortfolio+p.UserID+"/"+p.ID)
	})
}

// GetPortfolio returns the portfolio or ErrNotFound.
func (s *Store) GetPortfolio(ctx context.Context, id string) (*Portfolio, error) {
	var p Portfolio
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, prefixPortfolio+id, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPortfolios returns a user's portfolios, newest first.
func (s *Store) ListPortfolios(ctx context.Context, userID string) ([]*Portfolio, error) {
	var out []*Portfolio
	err := s.view(ctx, func(txn *badger.Txn) error {
		for _, id := range scanKeys(txn, prefixUserPortfolio+userID+"/") {
			var p Portfolio
			if err := getJSON(txn, prefixPortfolio+id, &p); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			out = append(out, &p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b *Portfolio) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

// UpdatePortfolio applies u and returns the updated portfolio together
// with whether its company scope changed.
func (s *Store) UpdatePortfolio(ctx context.Context, id string, u PortfolioUpdate) (*Portfolio, bool, error) {
	var (
		p            Portfolio
		scopeChanged bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		p = Portfolio{}
		if err := getJSON(txn, prefixPortfolio+id, &p); err != nil {
			return err
		}
		if u.Name != nil {
			p.Name = strings.TrimSpace(*u.Name)
		}
		if u.Description != nil {
			p.Description = *u.Description
		}
		if u.CompanyNames != nil {
			companies := normalizeCompanies(u.CompanyNames)
			if len(companies) == 0 {
				return ErrEmptyPortfolio
			}
			before := p.FilterKeys()
			p.CompanyNames = companies
			scopeChanged = !before.Equal(p.FilterKeys())
		}
		p.UpdatedAt = s.now().UTC()
		return putJSON(txn, prefixPortfolio+id, &p)
	})
	if err != nil {
		return nil, false, err
	}
	return &p, scopeChanged, nil
}

// DeletePortfolio removes a portfolio and its sessions. It returns the
// thread IDs of the removed sessions so their cached resources can be
// evicted.
func (s *Store) DeletePortfolio(ctx context.Context, id string) ([]string, error) {
	var threads []string
	err := s.update(ctx, func(txn *badger.Txn) error {
		var p Portfolio
		if err := getJSON(txn, prefixPortfolio+id, &p); err != nil {
			return err
		}
		threads = scanKeys(txn, prefixPortfolioSession+id+"/")
		for _, thread := range threads {
			if err := txn.Delete([]byte(prefixSession + thread)); err != nil {
				return fmt.Errorf("delete session %s: %w", thread, err)
			}
		}
		if _, err := deletePrefix(txn, prefixPortfolioSession+id+"/"); err != nil {
			return err
		}
		if err := txn.Delete([]byte(prefixUserPortfolio + p.UserID + "/" + id)); err != nil {
			return err
		}
		return txn.Delete([]byte(prefixPortfolio + id))
	})
	if err != nil {
		return nil, err
	}
	return threads, nil
}
