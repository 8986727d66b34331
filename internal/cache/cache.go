// Package cache stores catalog, listing and robots.txt responses between runs.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/numberforty/cc-codex-crawler/internal/model"
)

// Cache defines the interface for caching
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Clear() error
}

// Key generates a cache key for a URL within a namespace such as
// "catalog", "listing" or "robots"
func Key(namespace, url string) string {
	hash := sha256.Sum256([]byte(url))
	return "ccfetch:v1:" + namespace + ":" + hex.EncodeToString(hash[:])
}

// New builds the cache described by cfg. A disabled cache never stores
// anything.
func New(cfg model.CacheConfig) Cache {
	if !cfg.Enabled {
		return Nop{}
	}
	if cfg.Dir == "" {
		return NewMemoryCache(cfg.TTL, 10*time.Minute)
	}
	return NewLayeredCache(cfg.TTL, cfg.Dir, cfg.TTL)
}

// GetOrLoad returns the cached value for key, calling load and storing
// its result on a miss. Store failures are not reported to the caller.
func GetOrLoad(c Cache, key string, ttl time.Duration, load func() ([]byte, error)) ([]byte, bool, error) {
	if val, ok := c.Get(key); ok {
		return val, true, nil
	}
	val, err := load()
	if err != nil {
		return nil, false, err
	}
	_ = c.Set(key, val, ttl)
	return val, false, nil
}

// Nop is a cache that stores nothing
type Nop struct{}

func (Nop) Get(string) ([]byte, bool) { return nil, false }
func (Nop) Set(string, []byte, time.Duration) error { return nil }
func (Nop) Delete(string) error { return nil }
func (Nop) Clear() error { return nil }
