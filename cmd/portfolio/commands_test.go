// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPortfolio/pkg/logging"
	"github.com/AleutianAI/AleutianPortfolio/services/portfolio"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "portfolio dev\n", out)
}

func TestConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portfolio.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9001\nlog:\n  level: debug\n"), 0600))
	t.Setenv("WEAVIATE_SERVICE_URL", "http://weaviate:8080")

	out, err := execute(t, "config", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "port: 9001")
	assert.Contains(t, out, "weaviate_url: http://weaviate:8080")
	assert.Contains(t, out, "level: debug")
}

func TestConfigCommand_LogLevelFlag(t *testing.T) {
	out, err := execute(t, "config", "--log-level", "warn")
	require.NoError(t, err)
	assert.Contains(t, out, "level: warn")
}

func TestConfigCommand_BadFile(t *testing.T) {
	_, err := execute(t, "config", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     portfolio.LogConfig
		wantErr bool
	}{
		{"defaults", portfolio.LogConfig{}, false},
		{"json", portfolio.LogConfig{Level: "debug", Format: "json"}, false},
		{"bad level", portfolio.LogConfig{Level: "chatty"}, true},
		{"bad format", portfolio.LogConfig{Format: "xml"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := newLogger(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, logger.Close())
		})
	}
}

func TestNewLogger_WritesToDir(t *testing.T) {
	dir := t.TempDir()
	logger, err := newLogger(portfolio.LogConfig{Level: "info", Format: string(logging.FormatJSON), Dir: dir})
	require.NoError(t, err)
	logger.Info("hello")
	require.NoError(t, logger.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "portfolio_")
}
