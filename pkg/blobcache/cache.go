// Package blobcache implements a content-addressed blob cache over a local
// tier and an optional remote tier, with a freshness window and per-entry
// error status.
package blobcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/blobstore"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/logging"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/metrics"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/models"
)

// Options configures a Cache.
type Options struct {
	Key                 KeyFunc
	Validity            time.Duration
	ErrorCounterEnabled bool
	ErrorThreshold      int
	MemoryEntries       int
	// ListPrefix limits the construction-time listing of each tier.
	ListPrefix string
}

// status of a key in a tier; statusListed means present but not yet read.
type status uint8

const (
	statusListed status = iota + 1
	statusOK
	statusError
)

type memEntry struct {
	body    string
	modTime time.Time
}

// Cache is a two-tier blob cache. One Cache should own a directory and
// bucket pairing at a time.
type Cache struct {
	opts   Options
	local  blobstore.Tier
	remote blobstore.Tier
	mem    *lru.Cache[string, memEntry]
	stat   blobstore.Stater
	logger *slog.Logger
	rec    *metrics.Recorder

	mu          sync.Mutex
	localKnown  map[string]status
	remoteKnown map[string]status

	hits   atomic.Int64
	misses atomic.Int64
}

// New lists both tiers once to seed the known-key sets. A remote listing
// failure disables the remote tier for this Cache; it never fails New.
func New(ctx context.Context, opts Options, local, remote blobstore.Tier, logger *slog.Logger, rec *metrics.Recorder) (*Cache, error) {
	if opts.Key == nil {
		return nil, errors.New("blobcache: key function is required")
	}
	if local == nil {
		return nil, errors.New("blobcache: local tier is required")
	}
	if opts.Validity <= 0 {
		opts.Validity = 30 * 24 * time.Hour
	}
	if opts.ErrorCounterEnabled && opts.ErrorThreshold <= 0 {
		opts.ErrorThreshold = 1
	}

	c := &Cache{
		opts:        opts,
		local:       local,
		logger:      logging.OrDiscard(logger),
		rec:         rec,
		localKnown:  make(map[string]status),
		remoteKnown: make(map[string]status),
	}
	if opts.MemoryEntries > 0 {
		// Memory hits are confirmed against the local file's mtime, so the
		// memory tier needs a local tier that can stat.
		stat, ok := local.(blobstore.Stater)
		if !ok {
			c.logger.Warn("local tier cannot stat, memory tier disabled", "tier", local.Name())
		} else {
			mem, err := lru.New[string, memEntry](opts.MemoryEntries)
			if err != nil {
				return nil, fmt.Errorf("create memory tier: %w", err)
			}
			c.mem, c.stat = mem, stat
		}
	}

	since := time.Now().Add(-opts.Validity)
	keys, err := local.List(ctx, opts.ListPrefix, since)
	if err != nil {
		return nil, fmt.Errorf("list local cache: %w", err)
	}
	for _, k := range keys {
		c.localKnown[k] = statusListed
	}

	if remote != nil {
		keys, err := remote.List(ctx, opts.ListPrefix, since)
		if err != nil {
			c.logger.Warn("remote tier unavailable, continuing with local only", "error", err)
		} else {
			c.remote = remote
			for _, k := range keys {
				c.remoteKnown[k] = statusListed
			}
		}
	}
	c.logger.Debug("blob cache ready", "local_keys", len(c.localKnown), "remote_keys", len(c.remoteKnown), "remote", c.remote != nil)
	return c, nil
}

// Key returns the storage key for id.
func (c *Cache) Key(id string) string { return c.opts.Key(id) }

// RemoteEnabled reports whether the remote tier is in use.
func (c *Cache) RemoteEnabled() bool { return c.remote != nil }

// Store writes body under id. The local tier is skipped when it already holds
// a good entry and force is false; likewise the remote tier. Only a local
// failure is returned.
func (c *Cache) Store(ctx context.Context, id, body string, force bool) error {
	key := c.Key(id)
	raw, err := encode(models.BlobEntry{Status: models.StatusOK, Body: body})
	if err != nil {
		return err
	}

	if force || !c.holdsOK(ctx, c.local, c.localKnown, key) {
		if err := c.local.Put(ctx, key, raw); err != nil {
			c.rec.BlobWrite(c.local.Name(), metrics.ResultError)
			return fmt.Errorf("store %s: %w", key, err)
		}
		c.rec.BlobWrite(c.local.Name(), metrics.ResultOK)
		c.setKnown(c.localKnown, key, statusOK)
		c.rememberLocal(ctx, key, body)
	}

	if c.remote != nil && (force || !c.holdsOK(ctx, c.remote, c.remoteKnown, key)) {
		if err := c.remote.Put(ctx, key, raw); err != nil {
			c.rec.BlobWrite(c.remote.Name(), metrics.ResultError)
			c.logger.Warn("remote store failed", "key", key, "error", err)
		} else {
			c.rec.BlobWrite(c.remote.Name(), metrics.ResultOK)
			c.setKnown(c.remoteKnown, key, statusOK)
		}
	}
	return nil
}

// Get returns the fresh body stored under id. Tier errors, stale entries and
// error entries all count as a miss for that tier. A remote hit is copied to
// the local tier.
func (c *Cache) Get(ctx context.Context, id string) (string, bool) {
	key := c.Key(id)

	if c.mem != nil {
		if e, ok := c.mem.Get(key); ok {
			// The local file backs every memory entry: it must still be the
			// same object and still fresh.
			mt, err := c.stat.Stat(ctx, key)
			if err == nil && mt.Equal(e.modTime) && c.fresh(mt) {
				c.rec.BlobLookup("memory", metrics.ResultHit)
				c.hits.Add(1)
				return e.body, true
			}
			c.rec.BlobLookup("memory", metrics.ResultStale)
			c.mem.Remove(key)
		}
	}

	if entry, obj, ok := c.lookup(ctx, c.local, key); ok && entry.Status == models.StatusOK {
		c.setKnown(c.localKnown, key, statusOK)
		c.remember(key, entry.Body, obj.ModTime)
		c.hits.Add(1)
		return entry.Body, true
	}

	if c.remote != nil && c.isKnown(c.remoteKnown, key) {
		if entry, obj, ok := c.lookup(ctx, c.remote, key); ok && entry.Status == models.StatusOK {
			c.setKnown(c.remoteKnown, key, statusOK)
			if err := c.local.Put(ctx, key, obj.Body); err != nil {
				c.logger.Warn("local backfill failed", "key", key, "error", err)
			} else {
				c.setKnown(c.localKnown, key, statusOK)
				c.rememberLocal(ctx, key, entry.Body)
			}
			c.hits.Add(1)
			return entry.Body, true
		}
	}

	c.misses.Add(1)
	return "", false
}

// IsError reports whether id carries an error entry. With error counting on,
// only entries that failed at least ErrorThreshold times count.
func (c *Cache) IsError(ctx context.Context, id string) bool {
	entry, ok := c.current(ctx, c.Key(id))
	if !ok || entry.Status != models.StatusError {
		return false
	}
	if c.opts.ErrorCounterEnabled {
		return entry.ErrorCount >= c.opts.ErrorThreshold
	}
	return true
}

// SaveAsError replaces id with an error entry. With error counting on, the
// count continues from any existing error entry.
func (c *Cache) SaveAsError(ctx context.Context, id string) error {
	key := c.Key(id)
	next := models.BlobEntry{Status: models.StatusError, ErrorCount: 1}
	if c.opts.ErrorCounterEnabled {
		if prev, ok := c.current(ctx, key); ok && prev.Status == models.StatusError {
			next.ErrorCount = prev.ErrorCount + 1
		}
	}
	raw, err := encode(next)
	if err != nil {
		return err
	}
	if c.mem != nil {
		c.mem.Remove(key)
	}

	if err := c.local.Put(ctx, key, raw); err != nil {
		c.rec.BlobWrite(c.local.Name(), metrics.ResultError)
		return fmt.Errorf("mark error %s: %w", key, err)
	}
	c.rec.BlobWrite(c.local.Name(), metrics.ResultOK)
	c.setKnown(c.localKnown, key, statusError)

	if c.remote != nil {
		if err := c.remote.Put(ctx, key, raw); err != nil {
			c.rec.BlobWrite(c.remote.Name(), metrics.ResultError)
			c.logger.Warn("remote error marker failed", "key", key, "error", err)
		} else {
			c.rec.BlobWrite(c.remote.Name(), metrics.ResultOK)
			c.setKnown(c.remoteKnown, key, statusError)
		}
	}
	return nil
}

// Delete removes id from every tier. Missing objects are only logged.
func (c *Cache) Delete(ctx context.Context, id string) error {
	key := c.Key(id)
	if c.mem != nil {
		c.mem.Remove(key)
	}
	c.forget(c.localKnown, key)
	c.forget(c.remoteKnown, key)

	var localErr error
	if err := c.local.Delete(ctx, key); err != nil {
		if blobstore.IsNotFound(err) {
			c.logger.Info("delete: not in local tier", "key", key)
		} else {
			localErr = fmt.Errorf("delete %s: %w", key, err)
		}
	}
	if c.remote != nil {
		if err := c.remote.Delete(ctx, key); err != nil {
			if blobstore.IsNotFound(err) {
				c.logger.Info("delete: not in remote tier", "key", key)
			} else {
				c.logger.Warn("remote delete failed", "key", key, "error", err)
			}
		}
	}
	return localErr
}

// Stats returns hit and miss counts and the number of locally known keys.
func (c *Cache) Stats() models.CacheStats {
	c.mu.Lock()
	n := len(c.localKnown)
	c.mu.Unlock()
	return models.CacheStats{
		Entries: int64(n),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

// lookup reads and decodes key from tier, reporting false for any tier error
// or a stale entry.
func (c *Cache) lookup(ctx context.Context, tier blobstore.Tier, key string) (models.BlobEntry, blobstore.Object, bool) {
	obj, err := tier.Get(ctx, key)
	if err != nil {
		if blobstore.IsNotFound(err) {
			c.rec.BlobLookup(tier.Name(), metrics.ResultMiss)
		} else {
			c.rec.BlobLookup(tier.Name(), metrics.ResultError)
			c.logger.Warn("tier lookup failed, treating as miss", "tier", tier.Name(), "key", key, "error", err)
		}
		return models.BlobEntry{}, obj, false
	}
	if !c.fresh(obj.ModTime) {
		c.rec.BlobLookup(tier.Name(), metrics.ResultStale)
		return models.BlobEntry{}, obj, false
	}
	entry := decode(obj.Body)
	if entry.Status == models.StatusError {
		c.rec.BlobLookup(tier.Name(), metrics.ResultError)
	} else {
		c.rec.BlobLookup(tier.Name(), metrics.ResultHit)
	}
	return entry, obj, true
}

// current returns the fresh entry for key from the local tier, falling back
// to the remote tier when the key is known there.
func (c *Cache) current(ctx context.Context, key string) (models.BlobEntry, bool) {
	if entry, _, ok := c.lookup(ctx, c.local, key); ok {
		return entry, true
	}
	if c.remote != nil && c.isKnown(c.remoteKnown, key) {
		if entry, _, ok := c.lookup(ctx, c.remote, key); ok {
			return entry, true
		}
	}
	return models.BlobEntry{}, false
}

// holdsOK reports whether tier is known to hold a fresh ok entry for key,
// reading the entry once if it was only seen in a listing.
func (c *Cache) holdsOK(ctx context.Context, tier blobstore.Tier, known map[string]status, key string) bool {
	c.mu.Lock()
	st := known[key]
	c.mu.Unlock()
	switch st {
	case statusOK:
		return true
	case statusListed:
		entry, _, ok := c.lookup(ctx, tier, key)
		if !ok {
			c.forget(known, key)
			return false
		}
		if entry.Status == models.StatusOK {
			c.setKnown(known, key, statusOK)
			return true
		}
		c.setKnown(known, key, statusError)
	}
	return false
}

func (c *Cache) fresh(modTime time.Time) bool {
	return time.Since(modTime) < c.opts.Validity
}

func (c *Cache) remember(key, body string, modTime time.Time) {
	if c.mem != nil {
		c.mem.Add(key, memEntry{body: body, modTime: modTime})
	}
}

// rememberLocal keeps body in memory stamped with the local file's mtime.
func (c *Cache) rememberLocal(ctx context.Context, key, body string) {
	if c.mem == nil {
		return
	}
	mt, err := c.stat.Stat(ctx, key)
	if err != nil {
		c.mem.Remove(key)
		return
	}
	c.remember(key, body, mt)
}

func (c *Cache) isKnown(known map[string]status, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return known[key] != 0
}

func (c *Cache) setKnown(known map[string]status, key string, st status) {
	c.mu.Lock()
	known[key] = st
	c.mu.Unlock()
}

func (c *Cache) forget(known map[string]status, key string) {
	c.mu.Lock()
	delete(known, key)
	c.mu.Unlock()
}

func encode(e models.BlobEntry) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode blob entry: %w", err)
	}
	return raw, nil
}

// decode reads an envelope. Bytes that are not an envelope are treated as a
// plain ok body, which keeps files written by other tools readable.
func decode(raw []byte) models.BlobEntry {
	var e models.BlobEntry
	if err := json.Unmarshal(raw, &e); err == nil && (e.Status == models.StatusOK || e.Status == models.StatusError) {
		return e
	}
	return models.BlobEntry{Status: models.StatusOK, Body: string(raw)}
}
