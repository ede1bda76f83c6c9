// Package shard implements the Hot-Tier Shard Router (spec §4.E): a
// concurrent map from a resource key to a file-backed embedded SQL
// database holding that resource's permissions, sessions, pending
// invites, collaborators, and edit-graph mirror for low-latency access.
// The analytical tier remains authoritative; a shard is a read-through
// cache with idle eviction, per spec §9 "Shard routing concurrency".
package shard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/weaverproto/weaver-core/internal/config"
	"github.com/weaverproto/weaver-core/internal/federation"
	"github.com/weaverproto/weaver-core/internal/sqlite"
)

// Shard is one resource's hot-tier database.
type Shard struct {
	db       *sqlite.DB
	Resource federation.ResourceRef
	path     string
}

func (s *Shard) close() error {
	return s.db.Close()
}

// Router opens, caches, and evicts per-resource shards (spec §4.E
// "Policies"). Opening a shard acquires a per-resource lock only long
// enough to create or load the file handle (spec §9 "Shard routing
// concurrency").
type Router struct {
	baseDir     string
	idleTimeout time.Duration
	logger      *slog.Logger

	locksMu sync.Mutex
	locks   map[federation.ResourceRef]*sync.Mutex

	cache *gocache.Cache
}

// New creates a Router rooted at cfg.BaseDir. Shards idle longer than
// cfg.IdleTimeout are evicted from memory; the underlying file is left
// in place (spec §4.E "the underlying file remains").
func New(cfg config.ShardConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 10 * time.Minute
	}

	r := &Router{
		baseDir:     cfg.BaseDir,
		idleTimeout: idle,
		logger:      logger,
		locks:       make(map[federation.ResourceRef]*sync.Mutex),
		cache:       gocache.New(idle, idle/2),
	}
	r.cache.OnEvicted(func(key string, value interface{}) {
		sh, ok := value.(*Shard)
		if !ok {
			return
		}
		if err := sh.close(); err != nil {
			r.logger.Warn("shard: close evicted shard failed", "resource", sh.Resource.URI(), "error", err)
		}
	})
	return r
}

// shardKey renders the cache key for a resource.
func shardKey(resource federation.ResourceRef) string {
	return resource.URI().String()
}

// shardPath computes the directory-sharded file path for a resource:
// {base}/{hash(key)[0..2]}/{rkey}/shard.db (spec §4.E "Contract").
func (r *Router) shardPath(resource federation.ResourceRef) string {
	sum := sha256.Sum256([]byte(shardKey(resource)))
	prefix := hex.EncodeToString(sum[:])[:2]
	return filepath.Join(r.baseDir, prefix, resource.RKey, "shard.db")
}

func (r *Router) lockFor(resource federation.ResourceRef) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[resource]
	if !ok {
		l = &sync.Mutex{}
		r.locks[resource] = l
	}
	return l
}

// Open returns the shard for resource, opening and migrating its file
// on first access and refreshing its idle-eviction deadline on every
// access (spec §4.E "A shard access refreshes its last-access
// timestamp").
func (r *Router) Open(ctx context.Context, resource federation.ResourceRef) (*Shard, error) {
	key := shardKey(resource)

	if cached, ok := r.cache.Get(key); ok {
		sh := cached.(*Shard)
		r.cache.SetDefault(key, sh)
		return sh, nil
	}

	lock := r.lockFor(resource)
	lock.Lock()
	defer lock.Unlock()

	if cached, ok := r.cache.Get(key); ok {
		sh := cached.(*Shard)
		r.cache.SetDefault(key, sh)
		return sh, nil
	}

	path := r.shardPath(resource)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("shard: create directory for %s: %w", resource.URI(), err)
	}

	db, err := sqlite.New(path)
	if err != nil {
		return nil, fmt.Errorf("shard: open %s: %w", path, err)
	}
	if err := db.RunShardMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("shard: migrate %s: %w", path, err)
	}

	sh := &Shard{db: db, Resource: resource, path: path}
	r.cache.SetDefault(key, sh)
	return sh, nil
}

// Evict removes resource's shard from memory immediately, closing its
// file handle. The file on disk is untouched.
func (r *Router) Evict(resource federation.ResourceRef) {
	r.cache.Delete(shardKey(resource))
}

// Close shuts down every cached shard. Call during process shutdown.
func (r *Router) Close() error {
	var firstErr error
	for key, item := range r.cache.Items() {
		sh, ok := item.Object.(*Shard)
		if !ok {
			continue
		}
		if err := sh.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shard: close %s: %w", key, err)
		}
	}
	r.cache.Flush()
	return firstErr
}
