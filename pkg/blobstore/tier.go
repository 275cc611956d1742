// Package blobstore provides the storage tiers behind the blob cache: a local
// directory and an S3 bucket. Tier methods return explicit errors; deciding
// that an error means "miss" is left to the caller.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned (wrapped in a *TierError) when a key has no object.
var ErrNotFound = errors.New("object not found")

// Object is a stored blob and its last modification time.
type Object struct {
	Key     string
	Body    []byte
	ModTime time.Time
}

// Tier is one storage backend of the blob cache.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) (Object, error)
	Put(ctx context.Context, key string, body []byte) error
	Delete(ctx context.Context, key string) error
	// List returns keys under prefix modified strictly after modifiedAfter.
	List(ctx context.Context, prefix string, modifiedAfter time.Time) ([]string, error)
}

// Stater is implemented by tiers that can report an object's modification
// time without reading its body.
type Stater interface {
	Stat(ctx context.Context, key string) (time.Time, error)
}

// TierError records which tier and operation failed for which key.
type TierError struct {
	Tier string
	Op   string
	Key  string
	Err  error
}

func (e *TierError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s %s: %v", e.Tier, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %q: %v", e.Tier, e.Op, e.Key, e.Err)
}

func (e *TierError) Unwrap() error { return e.Err }

// IsNotFound reports whether err means the object is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
