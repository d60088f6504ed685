// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package connectors

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/AleutianAI/AleutianPortfolio/services/portfolio/store"
)

// GCS credential fields.
const (
	credServiceAccountJSON = "service_account_json"
	credServiceAccountFile = "service_account_file"
	credBucket             = "bucket"
	credPrefix             = "prefix"
)

// GCSConnector lists and downloads objects from a Cloud Storage bucket.
//
// The bucket comes from the integration URL (gs://bucket/prefix) or the
// "bucket" credential. Authentication uses "service_account_json",
// "service_account_file" or, when neither is set, application default
// credentials.
type GCSConnector struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSConnector opens a connector for in. Extra client options are
// appended after the credential options.
func NewGCSConnector(ctx context.Context, in *store.Integration, extra ...option.ClientOption) (*GCSConnector, error) {
	bucket, prefix, err := gcsLocation(in)
	if err != nil {
		return nil, err
	}

	opts := []option.ClientOption{storage.WithJSONReads()}
	switch {
	case in.Credentials[credServiceAccountJSON] != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(in.Credentials[credServiceAccountJSON])))
	case in.Credentials[credServiceAccountFile] != "":
		opts = append(opts, option.WithCredentialsFile(in.Credentials[credServiceAccountFile]))
	}
	opts = append(opts, extra...)

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSConnector{client: client, bucket: bucket, prefix: prefix}, nil
}

func gcsLocation(in *store.Integration) (bucket, prefix string, err error) {
	if in.URL != "" {
		u, perr := url.Parse(in.URL)
		if perr != nil || u.Scheme != "gs" || u.Host == "" {
			return "", "", fmt.Errorf("invalid GCS url %q, want gs://bucket/prefix", in.URL)
		}
		return u.Host, strings.Trim(u.Path, "/"), nil
	}
	if b := in.Credentials[credBucket]; b != "" {
		return b, strings.Trim(in.Credentials[credPrefix], "/"), nil
	}
	return "", "", fmt.Errorf("%w: %s", ErrMissingCredential, credBucket)
}

// TestConnection reads the bucket attributes.
func (g *GCSConnector) TestConnection(ctx context.Context) error {
	if _, err := g.client.Bucket(g.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("gs://%s: %w", g.bucket, err)
	}
	return nil
}

// ListFiles lists one level under dir. Sub-prefixes are returned as
// directories.
func (g *GCSConnector) ListFiles(ctx context.Context, dir, search string) ([]RemoteFile, error) {
	prefix := g.objectName(dir)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})

	search = strings.ToLower(search)
	var files []RemoteFile
	for len(files) < defaultListResults {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", g.bucket, prefix, err)
		}

		var f RemoteFile
		if attrs.Prefix != "" {
			f = RemoteFile{
				Name:        path.Base(strings.TrimSuffix(attrs.Prefix, "/")),
				Path:        g.relative(attrs.Prefix),
				IsDirectory: true,
			}
		} else {
			updated := attrs.Updated
			f = RemoteFile{
				Name:         path.Base(attrs.Name),
				Path:         g.relative(attrs.Name),
				Size:         attrs.Size,
				LastModified: &updated,
				MimeType:     attrs.ContentType,
			}
		}
		if search != "" && !strings.Contains(strings.ToLower(f.Name), search) {
			continue
		}
		files = append(files, f)
	}
	return files, nil
}

// Download reads an object.
func (g *GCSConnector) Download(ctx context.Context, p string) ([]byte, error) {
	r, err := g.client.Bucket(g.bucket).Object(g.objectName(p)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open gs://%s/%s: %w", g.bucket, g.objectName(p), err)
	}
	defer r.Close()
	return readLimited(r)
}

// Close closes the storage client.
func (g *GCSConnector) Close() error {
	return g.client.Close()
}

// objectName maps a path relative to the integration prefix to an object
// name.
func (g *GCSConnector) objectName(p string) string {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if g.prefix == "" {
		return p
	}
	if p == "" {
		return g.prefix
	}
	return g.prefix + "/" + p
}

func (g *GCSConnector) relative(name string) string {
	if g.prefix == "" {
		return name
	}
	return strings.TrimPrefix(strings.TrimPrefix(name, g.prefix), "/")
}
