// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secrets encrypts integration credentials at rest.
//
// The data key never lives in ordinary heap memory: it is held in a
// memguard Enclave and only decrypted into a locked buffer for the duration
// of a single Seal or Open call.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// sealVersion prefixes every ciphertext so the format can change later.
const sealVersion byte = 1

var (
	// ErrInvalidKey is returned when a key is not KeySize bytes.
	ErrInvalidKey = errors.New("vault key must be 32 bytes")

	// ErrCiphertext is returned when Open is given data it did not seal.
	ErrCiphertext = errors.New("malformed or tampered ciphertext")

	// ErrVaultDestroyed is returned after Destroy.
	ErrVaultDestroyed = errors.New("vault destroyed")
)

var interruptOnce sync.Once

// Vault seals and opens small secrets with AES-256-GCM.
//
// # Thread Safety
//
// Safe for concurrent use. Destroy must not race with Seal or Open.
type Vault struct {
	mu        sync.RWMutex
	key       *memguard.Enclave
	ephemeral bool
}

// NewVault creates a vault from a raw key. The caller's slice is wiped.
func NewVault(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		memguard.WipeBytes(key)
		return nil, ErrInvalidKey
	}
	interruptOnce.Do(memguard.CatchInterrupt)
	return &Vault{key: memguard.NewEnclave(key)}, nil
}

// NewEphemeralVault creates a vault with a random key. Anything it seals
// is unreadable after the process exits.
func NewEphemeralVault() *Vault {
	interruptOnce.Do(memguard.CatchInterrupt)
	return &Vault{key: memguard.NewEnclaveRandom(KeySize), ephemeral: true}
}

// LoadVault reads a base64 key from the env variable, falling back to the
// file at keyFile. When neither is set it returns an ephemeral vault and
// logs a warning.
func LoadVault(env, keyFile string) (*Vault, error) {
	encoded := os.Getenv(env)
	if encoded == "" && keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read vault key file: %w", err)
		}
		encoded = strings.TrimSpace(string(data))
	}
	if encoded == "" {
		slog.Warn("no credential vault key configured, using an ephemeral key",
			"env", env, "file", keyFile)
		return NewEphemeralVault(), nil
	}

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode vault key: %w", err)
	}
	return NewVault(key)
}

// Ephemeral reports whether the key was generated at startup.
func (v *Vault) Ephemeral() bool {
	return v.ephemeral
}

// Seal encrypts plaintext. The output is version || nonce || ciphertext.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	gcm, done, err := v.aead()
	if err != nil {
		return nil, err
	}
	defer done()

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, sealVersion)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, []byte{sealVersion}), nil
}

// Open decrypts data produced by Seal.
func (v *Vault) Open(sealed []byte) ([]byte, error) {
	gcm, done, err := v.aead()
	if err != nil {
		return nil, err
	}
	defer done()

	ns := gcm.NonceSize()
	if len(sealed) < 1+ns+gcm.Overhead() || sealed[0] != sealVersion {
		return nil, ErrCiphertext
	}
	nonce, ct := sealed[1:1+ns], sealed[1+ns:]
	pt, err := gcm.Open(nil, nonce, ct, []byte{sealVersion})
	if err != nil {
		return nil, ErrCiphertext
	}
	return pt, nil
}

// Destroy drops the key. Later calls to Seal and Open fail.
func (v *Vault) Destroy() {
	v.mu.Lock()
	v.key = nil
	v.mu.Unlock()
}

// aead opens the enclave and returns a cipher built on the key. done
// destroys the locked buffer holding the key.
func (v *Vault) aead() (cipher.AEAD, func(), error) {
	v.mu.RLock()
	enclave := v.key
	v.mu.RUnlock()
	if enclave == nil {
		return nil, nil, ErrVaultDestroyed
	}

	buf, err := enclave.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("open key enclave: %w", err)
	}
	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		buf.Destroy()
		return nil, nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		buf.Destroy()
		return nil, nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, buf.Destroy, nil
}

// Purge wipes all memguard memory. Call it once during shutdown.
func Purge() {
	memguard.Purge()
	slog.Info("purged secure memory")
}
