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
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// integrationRecord is the stored form of an Integration. When a Sealer
// is configured the credentials live only in SealedCredentials.
type integrationRecord struct {
	Integration
	SealedCredentials []byte `json:"sealed_credentials,omitempty"`
}

func (s *Store) seal(in *Integration) (*integrationRecord, error) {
	rec := &integrationRecord{Integration: *in}
	if s.sealer == nil || len(in.Credentials) == 0 {
		return rec, nil
	}
	plain, err := json.Marshal(in.Credentials)
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}
	sealed, err := s.sealer.Seal(plain)
	if err != nil {
		return nil, fmt.Errorf("seal credentials: %w", err)
	}
	rec.Credentials = nil
	rec.SealedCredentials = sealed
	return rec, nil
}

func (s *Store) unseal(rec *integrationRecord) (*Integration, error) {
	out := rec.Integration
	if len(rec.SealedCredentials) == 0 {
		return &out, nil
	}
	if s.sealer == nil {
		return nil, errors.New("integration credentials are sealed but no sealer is configured")
	}
	plain, err := s.sealer.Open(rec.SealedCredentials)
	if err != nil {
		return nil, fmt.Errorf("open credentials: %w", err)
	}
	if err := json.Unmarshal(plain, &out.Credentials); err != nil {
		return nil, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return &out, nil
}

func (s *Store) getIntegration(txn *badger.Txn, id string) (*Integration, error) {
	var rec integrationRecord
	if err := getJSON(txn, prefixIntegration+id, &rec); err != nil {
		return nil, err
	}
	return s.unseal(&rec)
}

func (s *Store) putIntegration(txn *badger.Txn, in *Integration) error {
	rec, err := s.seal(in)
	if err != nil {
		return err
	}
	return putJSON(txn, prefixIntegration+in.ID, rec)
}

// CreateIntegration stores a new integration and assigns its ID. New
// integrations start active.
func (s *Store) CreateIntegration(ctx context.Context, in *Integration) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Status == "" {
		in.Status = StatusActive
	}
	now := s.now().UTC()
	in.CreatedAt, in.UpdatedAt = now, now

	return s.update(ctx, func(txn *badger.Txn) error {
		if err := s.putIntegration(txn, in); err != nil {
			return err
		}
		return putIndex(txn, prefixUserIntegration+in.UserID+"/"+in.ID)
	})
}

// GetIntegration returns the integration with decrypted credentials.
func (s *Store) GetIntegration(ctx context.Context, id string) (*Integration, error) {
	var out *Integration
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = s.getIntegration(txn, id)
		return err
	})
	return out, err
}

// ListIntegrations returns a user's integrations, newest first.
func (s *Store) ListIntegrations(ctx context.Context, userID string) ([]*Integration, error) {
	var out []*Integration
	err := s.view(ctx, func(txn *badger.Txn) error {
		for _, id := range scanKeys(txn, prefixUserIntegration+userID+"/") {
			in, err := s.getIntegration(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, in)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b *Integration) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

// UpdateIntegration applies u. Credentials in u are merged into the
// stored credentials.
func (s *Store) UpdateIntegration(ctx context.Context, id string, u IntegrationUpdate) (*Integration, error) {
	var out *Integration
	err := s.update(ctx, func(txn *badger.Txn) error {
		in, err := s.getIntegration(txn, id)
		if err != nil {
			return err
		}
		if u.Name != nil {
			in.Name = *u.Name
		}
		if u.URL != nil {
			in.URL = *u.URL
		}
		if u.Description != nil {
			in.Description = *u.Description
		}
		if u.Status != nil {
			in.Status = *u.Status
		}
		if u.Credentials != nil {
			if in.Credentials == nil {
				in.Credentials = make(map[string]string, len(u.Credentials))
			}
			maps.Copy(in.Credentials, u.Credentials)
		}
		in.UpdatedAt = s.now().UTC()
		out = in
		return s.putIntegration(txn, in)
	})
	return out, err
}

// SetIntegrationStatus records a connection test or disconnect. When
// synced is true the last sync time is set to now.
func (s *Store) SetIntegrationStatus(ctx context.Context, id string, status IntegrationStatus, synced bool) (*Integration, error) {
	var out *Integration
	err := s.update(ctx, func(txn *badger.Txn) error {
		in, err := s.getIntegration(txn, id)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		in.Status = status
		in.UpdatedAt = now
		if synced {
			in.LastSync = &now
		}
		out = in
		return s.putIntegration(txn, in)
	})
	return out, err
}

// DeleteIntegration removes an integration.
func (s *Store) DeleteIntegration(ctx context.Context, id string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var rec integrationRecord
		if err := getJSON(txn, prefixIntegration+id, &rec); err != nil {
			return err
		}
		if err := txn.Delete([]byte(prefixUserIntegration + rec.UserID + "/" + id)); err != nil {
			return err
		}
		return txn.Delete([]byte(prefixIntegration + id))
	})
}
