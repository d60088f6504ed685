// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package companies maps portfolio company names to stock tickers.
//
// The directory starts from a built-in table and can be overlaid with a YAML
// file that is reloaded when it changes on disk.
package companies

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// maxBareTickerLen is the longest name treated as a ticker when there is no
// mapping for it.
const maxBareTickerLen = 5

// File is the on-disk layout of a company directory.
//
//	companies:
//	  apple: AAPL
//	  microsoft: MSFT
type File struct {
	Companies map[string]string `yaml:"companies"`
}

// Directory resolves company names to tickers and back.
//
// # Thread Safety
//
// Safe for concurrent use. Reload swaps the tables under a write lock.
type Directory struct {
	mu       sync.RWMutex
	byName   map[string]string
	byTicker map[string]string
	path     string
	logger   *slog.Logger
}

// New returns a directory holding the given name to ticker entries.
func New(entries map[string]string) *Directory {
	d := &Directory{logger: slog.Default()}
	d.swap(entries)
	return d
}

// Default returns a directory holding the built-in table.
func Default() *Directory {
	return New(builtin)
}

// Load returns the built-in table overlaid with the YAML file at path.
func Load(path string, logger *slog.Logger) (*Directory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Directory{path: path, logger: logger.With("component", "companies")}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-reads the YAML file. A directory without a file keeps the
// built-in table.
func (d *Directory) Reload() error {
	entries := maps.Clone(builtin)
	if d.path != "" {
		data, err := os.ReadFile(d.path)
		if err != nil {
			return fmt.Errorf("read company directory %s: %w", d.path, err)
		}
		var f File
		if err := yaml.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("parse company directory %s: %w", d.path, err)
		}
		maps.Copy(entries, f.Companies)
	}
	d.swap(entries)
	d.logger.Info("company directory loaded", "path", d.path, "companies", d.Len())
	return nil
}

func (d *Directory) swap(entries map[string]string) {
	byName := make(map[string]string, len(entries))
	byTicker := make(map[string]string, len(entries))

	// Sorted so that when two names share a ticker the reverse lookup is
	// stable.
	names := slices.Sorted(maps.Keys(entries))
	for _, name := range names {
		n := normalizeName(name)
		t := strings.ToUpper(strings.TrimSpace(entries[name]))
		if n == "" || t == "" {
			continue
		}
		byName[n] = t
		if _, ok := byTicker[t]; !ok {
			byTicker[t] = n
		}
	}

	d.mu.Lock()
	d.byName = byName
	d.byTicker = byTicker
	d.mu.Unlock()
}

// Ticker returns the ticker for a company name. Names without a mapping
// that look like a ticker (at most five characters, no spaces) are
// upper-cased and returned as is. Otherwise it returns "".
func (d *Directory) Ticker(company string) string {
	n := normalizeName(company)
	if n == "" {
		return ""
	}
	d.mu.RLock()
	t, ok := d.byName[n]
	d.mu.RUnlock()
	if ok {
		return t
	}
	if len(n) <= maxBareTickerLen && !strings.Contains(n, " ") {
		return strings.ToUpper(n)
	}
	return ""
}

// Company returns the company name for a ticker, or the lower-cased ticker
// when it is unknown.
func (d *Directory) Company(ticker string) string {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	d.mu.RLock()
	n, ok := d.byTicker[t]
	d.mu.RUnlock()
	if ok {
		return n
	}
	return strings.ToLower(t)
}

// Tickers maps each name to its ticker, dropping names that have none.
// The result is de-duplicated and keeps the input order.
func (d *Directory) Tickers(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		t := d.Ticker(name)
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Len returns the number of mapped names.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byName)
}

// Entries returns a copy of the name to ticker table.
func (d *Directory) Entries() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.byName)
}

// Watch reloads the directory whenever its file changes. It blocks until
// ctx is cancelled and should be run in a goroutine. The parent directory
// is watched so that editors which replace the file are picked up too.
func (d *Directory) Watch(ctx context.Context) error {
	if d.path == "" {
		return errors.New("company directory has no file to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(d.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(d.path), err)
	}
	target := filepath.Clean(d.path)
	d.logger.Debug("watching company directory", "path", target)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := d.Reload(); err != nil {
				// Keep serving the previous table.
				d.logger.Warn("company directory reload failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("company directory watcher error", "error", err)
		case <-ctx.Done():
			return nil
		}
	}
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
