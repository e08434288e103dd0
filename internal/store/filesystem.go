package store

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"pose-factory/internal/errdefs"
)

// FileSystem implements Store over a local directory tree. Keys map to
// slash-separated paths under the root. Used for tests and local
// single-machine development.
type FileSystem struct {
	root string
}

// NewFileSystem creates the root directory if needed and returns a
// filesystem-backed store.
func NewFileSystem(root string) (*FileSystem, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &FileSystem{root: abs}, nil
}

func (f *FileSystem) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(filepath.Clean("/"+key)))
}

func (f *FileSystem) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, Object{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, errdefs.Transport("list "+prefix, err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (f *FileSystem) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, errdefs.Transport("get "+key, err)
	}
	return data, nil
}

func (f *FileSystem) Put(ctx context.Context, key string, data []byte) error {
	path := f.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errdefs.Transport("put "+key, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errdefs.Transport("put "+key, err)
	}
	return nil
}

func (f *FileSystem) Delete(ctx context.Context, key string) error {
	err := os.Remove(f.path(key))
	if os.IsNotExist(err) {
		return ErrNotExist
	}
	if err != nil {
		return errdefs.Transport("delete "+key, err)
	}
	return nil
}

func (f *FileSystem) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(f.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errdefs.Transport("exists "+key, err)
	}
	return true, nil
}

func (f *FileSystem) Stat(ctx context.Context, key string) (*Object, error) {
	info, err := os.Stat(f.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, errdefs.Transport("stat "+key, err)
	}
	return &Object{Key: key, Size: info.Size(), LastModified: info.ModTime()}, nil
}

// Move copies then deletes, mirroring the remote claim protocol: a missing
// source at either step reports ErrNotExist so callers can detect a lost
// race.
func (f *FileSystem) Move(ctx context.Context, src, dst string) error {
	data, err := f.Get(ctx, src)
	if err != nil {
		return err
	}
	if err := f.Put(ctx, dst, data); err != nil {
		return err
	}
	return f.Delete(ctx, src)
}
