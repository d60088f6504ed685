// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package connectors reads files from the external sources a user has
// configured as integrations.
package connectors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/store"
)

// Vendors that can be stored as integrations.
const (
	VendorGCS         = "gcs"
	VendorSharePoint  = "sharepoint"
	VendorGoogleDrive = "google_drive"
	VendorAzureBlob   = "azure_blob"
	VendorAWSS3       = "aws_s3"
	VendorSFTP        = "sftp"
	VendorOneDrive    = "onedrive"
	VendorConfluence  = "confluence"
)

const (
	maskedPlaceholder  = "••••••••"
	maxDownloadBytes   = 20 << 20
	defaultListResults = 500
)

// KnownVendors lists every vendor an integration may name.
var KnownVendors = []string{
	VendorGCS, VendorSharePoint, VendorGoogleDrive, VendorAzureBlob,
	VendorAWSS3, VendorSFTP, VendorOneDrive, VendorConfluence,
}

var sensitiveFields = []string{"client_secret", "password", "secret_key", "access_token", "refresh_token"}

var (
	// ErrUnsupportedVendor is returned for vendors that can be stored but
	// have no connector.
	ErrUnsupportedVendor = errors.New("vendor not supported for file access")

	// ErrFileTooLarge is returned when a download exceeds the size limit.
	ErrFileTooLarge = errors.New("file exceeds download limit")

	// ErrMissingCredential is returned when a required credential is absent.
	ErrMissingCredential = errors.New("missing credential")
)

// RemoteFile is an entry of a remote listing.
type RemoteFile struct {
	Name         string     `json:"name"`
	Path         string     `json:"path"`
	Size         int64      `json:"size"`
	LastModified *time.Time `json:"last_modified"`
	MimeType     string     `json:"mime_type,omitempty"`
	IsDirectory  bool       `json:"is_directory"`
}

// Connector is an open connection to one integration.
type Connector interface {
	// TestConnection checks that the credentials reach the source.
	TestConnection(ctx context.Context) error

	// ListFiles lists the entries under path whose name contains search.
	ListFiles(ctx context.Context, path, search string) ([]RemoteFile, error)

	// Download returns the file content.
	Download(ctx context.Context, path string) ([]byte, error)

	Close() error
}

// Factory opens a Connector for an integration.
type Factory func(ctx context.Context, in *store.Integration) (Connector, error)

// Registry maps vendors to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in connectors.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(VendorGCS, func(ctx context.Context, in *store.Integration) (Connector, error) {
		return NewGCSConnector(ctx, in)
	})
	return r
}

// Register sets the factory for vendor, replacing any existing one.
func (r *Registry) Register(vendor string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(vendor)] = f
}

// Supported returns the vendors with a connector, sorted.
func (r *Registry) Supported() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// Open returns a connector for in.
func (r *Registry) Open(ctx context.Context, in *store.Integration) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(in.Vendor)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVendor, in.Vendor)
	}
	return f(ctx, in)
}

// KnownVendor reports whether vendor may be stored.
func KnownVendor(vendor string) bool {
	return slices.Contains(KnownVendors, strings.ToLower(vendor))
}

// MaskCredentials returns a copy of creds with sensitive values hidden.
func MaskCredentials(creds map[string]string) map[string]string {
	if creds == nil {
		return nil
	}
	out := maps.Clone(creds)
	for _, k := range sensitiveFields {
		if v, ok := out[k]; ok && v != "" {
			out[k] = maskedPlaceholder
		}
	}
	return out
}

// StripMasked drops fields that still hold the mask placeholder, so that an
// update echoing a masked response does not overwrite the stored secret.
func StripMasked(creds map[string]string) map[string]string {
	if creds == nil {
		return nil
	}
	out := make(map[string]string, len(creds))
	for k, v := range creds {
		if v != maskedPlaceholder {
			out[k] = v
		}
	}
	return out
}

// readLimited reads r up to maxDownloadBytes.
func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxDownloadBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxDownloadBytes {
		return nil, ErrFileTooLarge
	}
	return data, nil
}
