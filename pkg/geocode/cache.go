package geocode

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
)

// cacheKey returns SHA-256 hex of the normalized location string. NFC
// normalization keeps accented city names ("Añasco, PR") stable regardless
// of how the source encoded them.
func cacheKey(location string) string {
	normalized := strings.ToLower(norm.NFC.String(strings.Join(strings.Fields(location), " ")))
	if normalized == "" {
		return ""
	}
	h := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", h)
}

// Cache is a shared geocode cache (e.g. redis) behind the in-process one.
type Cache interface {
	Get(ctx context.Context, key string) (*Result, bool, error)
	Set(ctx context.Context, key string, r *Result) error
}

// MemoryCache is a process-lifetime cache keyed by normalized location hash.
// It stores non-matches too.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*Result
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]*Result)}
}

// Get returns the cached result for key, if any.
func (c *MemoryCache) Get(key string) (*Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.entries[key]
	return r, ok
}

// Set stores a result for key.
func (c *MemoryCache) Set(key string, r *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = r
}

// Len returns the number of cached entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RedisCache implements Cache on a shared redis instance with TTL, so
// corrected addresses eventually re-resolve.
type RedisCache struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisCache creates a RedisCache. A zero ttl means entries never expire.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, keyPrefix: "loadhunt:geocode:", ttl: ttl}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) (*Result, bool, error) {
	data, err := c.rdb.Get(ctx, c.keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "geocode: redis cache get")
	}

	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, false, eris.Wrap(err, "geocode: redis cache decode")
	}
	return &r, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, r *Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "geocode: redis cache encode")
	}
	if err := c.rdb.Set(ctx, c.keyPrefix+key, data, c.ttl).Err(); err != nil {
		return eris.Wrap(err, "geocode: redis cache set")
	}
	return nil
}
