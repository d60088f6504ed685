// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package companies

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectory_Ticker(t *testing.T) {
	d := New(map[string]string{"Apple": "aapl", "Bank of America": "BAC"})

	tests := []struct {
		name    string
		company string
		want    string
	}{
		{"mapped", "apple", "AAPL"},
		{"case and spacing", "  BANK   of america ", "BAC"},
		{"short fallback", "xyz", "XYZ"},
		{"five chars fallback", "abcde", "ABCDE"},
		{"too long", "abcdef", ""},
		{"contains space", "ab cd", ""},
		{"empty", "  ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.Ticker(tt.company); got != tt.want {
				t.Errorf("Ticker(%q) = %q, want %q", tt.company, got, tt.want)
			}
		})
	}
}

func TestDirectory_Company(t *testing.T) {
	d := Default()
	assert.Equal(t, "apple", d.Company("aapl"))
	assert.Equal(t, "zzzz", d.Company("ZZZZ"))
}

func TestDirectory_Tickers(t *testing.T) {
	d := Default()
	got := d.Tickers([]string{"google", "alphabet", "tesla", "some long company"})
	assert.Equal(t, []string{"GOOGL", "TSLA"}, got)
}

func TestLoad_OverlaysBuiltin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "companies.yaml")
	require.NoError(t, os.WriteFile(path, []byte("companies:\n  acme corp: ACME\n  apple: APL2\n"), 0o600))

	d, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "ACME", d.Ticker("Acme Corp"))
	assert.Equal(t, "APL2", d.Ticker("apple"))
	assert.Equal(t, "MSFT", d.Ticker("microsoft"))
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("companies: [not, a, map"), 0o600))
	_, err = Load(path, nil)
	assert.Error(t, err)
}

func TestDirectory_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "companies.yaml")
	require.NoError(t, os.WriteFile(path, []byte("companies:\n  acme corp: ACME\n"), 0o600))
	d, err := Load(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Watch(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("companies:\n  acme corp: ACM2\n"), 0o600))

	assert.Eventually(t, func() bool { return d.Ticker("acme corp") == "ACM2" }, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestDirectory_WatchWithoutFile(t *testing.T) {
	assert.Error(t, Default().Watch(context.Background()))
}
