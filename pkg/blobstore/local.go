package blobstore

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

const tmpPrefix = ".tmp-"

// Local stores objects as files under a root directory.
type Local struct {
	root string
}

// NewLocal creates the root directory if needed.
func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &Local{root: abs}, nil
}

// Name implements Tier.
func (l *Local) Name() string { return "local" }

// Root returns the absolute cache directory.
func (l *Local) Root() string { return l.root }

// Path returns the file path for key.
func (l *Local) Path(key string) (string, error) {
	if key == "" || !filepath.IsLocal(filepath.FromSlash(key)) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(l.root, filepath.FromSlash(key)), nil
}

// Get implements Tier.
func (l *Local) Get(_ context.Context, key string) (Object, error) {
	p, err := l.Path(key)
	if err != nil {
		return Object{}, l.err("get", key, err)
	}
	info, err := os.Stat(p)
	if err != nil {
		return Object{}, l.err("get", key, notFound(err))
	}
	body, err := os.ReadFile(p)
	if err != nil {
		return Object{}, l.err("get", key, notFound(err))
	}
	return Object{Key: key, Body: body, ModTime: info.ModTime()}, nil
}

// Stat implements Stater.
func (l *Local) Stat(_ context.Context, key string) (time.Time, error) {
	p, err := l.Path(key)
	if err != nil {
		return time.Time{}, l.err("stat", key, err)
	}
	info, err := os.Stat(p)
	if err != nil {
		return time.Time{}, l.err("stat", key, notFound(err))
	}
	return info.ModTime(), nil
}

// Put implements Tier. The write is atomic: a temp file in the target
// directory is renamed over the destination.
func (l *Local) Put(_ context.Context, key string, body []byte) error {
	p, err := l.Path(key)
	if err != nil {
		return l.err("put", key, err)
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return l.err("put", key, err)
	}
	f, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return l.err("put", key, err)
	}
	tmp := f.Name()
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(tmp)
		return l.err("put", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return l.err("put", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return l.err("put", key, err)
	}
	return nil
}

// Delete implements Tier.
func (l *Local) Delete(_ context.Context, key string) error {
	p, err := l.Path(key)
	if err != nil {
		return l.err("delete", key, err)
	}
	if err := os.Remove(p); err != nil {
		return l.err("delete", key, notFound(err))
	}
	return nil
}

// List implements Tier.
func (l *Local) List(ctx context.Context, prefix string, modifiedAfter time.Time) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
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
		if info.ModTime().After(modifiedAfter) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, l.err("list", prefix, err)
	}
	return keys, nil
}

func (l *Local) err(op, key string, err error) error {
	return &TierError{Tier: l.Name(), Op: op, Key: key, Err: err}
}

func notFound(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}
