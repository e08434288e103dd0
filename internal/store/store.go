// Package store wraps the object store behind a minimal, total interface.
// Canonical job state lives here: the bucket is the queue, the status
// record, and the result sink. Rate-limit and retry policy live in this
// package, not in the business logic.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotExist reports that the requested object is not in the store. Move
// returns it when the source vanished, which is how a lost claim race is
// detected.
var ErrNotExist = errors.New("object does not exist")

// Object is metadata about one stored object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is the minimal object-store surface the orchestrator depends on.
// Every operation either succeeds fully or returns an error; multi-object
// helpers (Mirror, Pull) are not atomic and callers must tolerate partial
// transfers.
type Store interface {
	// List returns all objects under prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Object, error)
	// Get returns the object bytes, or ErrNotExist.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes the object, overwriting any previous version.
	Put(ctx context.Context, key string, data []byte) error
	// Delete removes the object, or returns ErrNotExist.
	Delete(ctx context.Context, key string) error
	// Exists reports whether the object is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Stat returns object metadata without fetching content, or ErrNotExist.
	Stat(ctx context.Context, key string) (*Object, error)
	// Move relocates an object via copy-then-delete. ErrNotExist means the
	// source was gone, i.e. someone else moved it first.
	Move(ctx context.Context, src, dst string) error
}

// Config selects and parameterizes a store backend.
type Config struct {
	Provider        string // "s3" or "local"
	Bucket          string // bucket name, or root directory for "local"
	Endpoint        string // custom endpoint for S3-compatible services
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	MaxAttempts     int // transport retry budget, default 5
	OpsPerMinute    int // 0 disables op rate limiting
}

// ParseRemote splits a remote spec of shape "name:bucket" (the rclone
// convention the original deployment used) into its parts.
func ParseRemote(remote string) (name, bucket string, err error) {
	i := strings.Index(remote, ":")
	if i <= 0 || i == len(remote)-1 {
		return "", "", fmt.Errorf("remote %q is not of shape name:bucket", remote)
	}
	return remote[:i], remote[i+1:], nil
}

// Open connects the configured backend and applies the op rate limit.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Provider {
	case "local", "filesystem":
		s, err = NewFileSystem(cfg.Bucket)
	case "s3", "":
		s, err = NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported store provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if cfg.OpsPerMinute > 0 {
		s = WithRateLimit(s, cfg.OpsPerMinute)
	}
	return s, nil
}

// Mirror recursively uploads localDir under prefix. Objects whose size
// already matches the local file are skipped, which makes repeated script
// mirrors cheap.
func Mirror(ctx context.Context, s Store, localDir, prefix string) error {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	return filepath.WalkDir(localDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		key := prefix + filepath.ToSlash(rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		if obj, err := s.Stat(ctx, key); err == nil && obj.Size == info.Size() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return s.Put(ctx, key, data)
	})
}

// Pull recursively downloads prefix into localDir, preserving relative
// paths. Files already present with a matching size are skipped.
func Pull(ctx context.Context, s Store, prefix, localDir string) error {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	objects, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		rel := strings.TrimPrefix(obj.Key, prefix)
		local := filepath.Join(localDir, filepath.FromSlash(rel))
		if info, err := os.Stat(local); err == nil && info.Size() == obj.Size {
			continue
		}
		data, err := s.Get(ctx, obj.Key)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(local, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
