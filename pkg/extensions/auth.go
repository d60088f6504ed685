// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"slices"
)

// ErrUnauthorized is returned (possibly wrapped) when a token is rejected.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo is the identity behind a request.
type AuthInfo struct {
	UserID string
	Email  string
	Roles  []string
}

// HasRole reports whether the identity holds role.
func (a *AuthInfo) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// AuthProvider validates a bearer token.
//
// Implementations return ErrUnauthorized (or an error wrapping it) for bad
// tokens and other errors for provider failures.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every request as the local admin user.
type NopAuthProvider struct{}

func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user", Roles: []string{"admin"}}, nil
}

// TokenAuthProvider accepts a fixed set of API keys, each bound to a user.
type TokenAuthProvider struct {
	tokens map[string]string
}

// NewTokenAuthProvider returns a provider for the token to user id map.
func NewTokenAuthProvider(tokens map[string]string) *TokenAuthProvider {
	cp := make(map[string]string, len(tokens))
	for tok, user := range tokens {
		if tok != "" && user != "" {
			cp[tok] = user
		}
	}
	return &TokenAuthProvider{tokens: cp}
}

func (p *TokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	for tok, user := range p.tokens {
		if subtle.ConstantTimeCompare([]byte(tok), []byte(token)) == 1 {
			return &AuthInfo{UserID: user, Roles: []string{"user"}}, nil
		}
	}
	return nil, ErrUnauthorized
}

var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*TokenAuthProvider)(nil)
)
