// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package secrets

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return bytes.Repeat([]byte{7}, KeySize)
}

func TestVault_RoundTrip(t *testing.T) {
	v, err := NewVault(testKey())
	require.NoError(t, err)

	secret := []byte(`{"client_secret":"s3cr3t"}`)
	sealed, err := v.Seal(secret)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(sealed, []byte("s3cr3t")))

	opened, err := v.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, secret, opened)
}

func TestVault_NoncesDiffer(t *testing.T) {
	v := NewEphemeralVault()
	a, err := v.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := v.Seal([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.True(t, v.Ephemeral())
}

func TestVault_RejectsTampering(t *testing.T) {
	v, err := NewVault(testKey())
	require.NoError(t, err)
	sealed, err := v.Seal([]byte("payload"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = v.Open(sealed)
	assert.ErrorIs(t, err, ErrCiphertext)

	_, err = v.Open([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrCiphertext)
}

func TestVault_WrongKey(t *testing.T) {
	a, err := NewVault(testKey())
	require.NoError(t, err)
	b := NewEphemeralVault()

	sealed, err := a.Seal([]byte("payload"))
	require.NoError(t, err)
	_, err = b.Open(sealed)
	assert.ErrorIs(t, err, ErrCiphertext)
}

func TestNewVault_InvalidKey(t *testing.T) {
	_, err := NewVault([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestVault_Destroy(t *testing.T) {
	v := NewEphemeralVault()
	v.Destroy()
	_, err := v.Seal([]byte("x"))
	assert.ErrorIs(t, err, ErrVaultDestroyed)
}

func TestLoadVault(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString(testKey())

	t.Run("from env", func(t *testing.T) {
		t.Setenv("TEST_VAULT_KEY", encoded)
		v, err := LoadVault("TEST_VAULT_KEY", "")
		require.NoError(t, err)
		assert.False(t, v.Ephemeral())
	})

	t.Run("from file", func(t *testing.T) {
		t.Setenv("TEST_VAULT_KEY", "")
		path := filepath.Join(t.TempDir(), "vault.key")
		require.NoError(t, os.WriteFile(path, []byte(encoded+"\n"), 0o600))
		v, err := LoadVault("TEST_VAULT_KEY", path)
		require.NoError(t, err)
		assert.False(t, v.Ephemeral())
	})

	t.Run("ephemeral fallback", func(t *testing.T) {
		t.Setenv("TEST_VAULT_KEY", "")
		v, err := LoadVault("TEST_VAULT_KEY", filepath.Join(t.TempDir(), "missing"))
		require.NoError(t, err)
		assert.True(t, v.Ephemeral())
	})

	t.Run("bad encoding", func(t *testing.T) {
		t.Setenv("TEST_VAULT_KEY", "!!not base64!!")
		_, err := LoadVault("TEST_VAULT_KEY", "")
		assert.Error(t, err)
	})
}
