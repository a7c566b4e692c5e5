// Package blob stores snapshot archives in object storage.
//
// A Store is a thin S3-like key/value surface with three drivers: the
// local filesystem ("fs"), process memory ("memory") and S3 or any
// S3-compatible service ("s3"). Archive lays snapshots out on a Store as
// <prefix>/<namespace>/<id>/<seq>.automerge and carries the snapshot
// metadata as object metadata.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// Driver identifies a Store implementation.
type Driver string

const (
	DriverNone   Driver = "none"
	DriverFS     Driver = "fs"
	DriverMemory Driver = "memory"
	DriverS3     Driver = "s3"
)

// Sentinel errors. Drivers wrap them so callers can use errors.Is.
var (
	ErrNotFound = errors.New("blob not found")
	ErrExists   = errors.New("blob already exists")
)

// PutOptions carries optional object attributes.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Info describes a stored object.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// Store is the object storage surface the archive needs.
//
// Put is create-only: writing an existing key fails with ErrExists.
// List returns objects whose key starts with prefix, sorted by key.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

func cloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
