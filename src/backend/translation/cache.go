package translation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	bolt "go.etcd.io/bbolt"

	"github.com/hannes/piibridge/src/backend/metrics"
)

// Cache stores finished translations by key. All implementations must be
// safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Close() error
}

// Cache backends accepted by NewCache.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendBolt   = "bbolt"
	BackendRedis  = "redis"
)

// CacheConfig selects and configures a cache backend.
type CacheConfig struct {
	Backend    string
	Path       string
	RedisURL   string
	TTL        time.Duration
	MaxEntries int // memory backend only
}

// NewCache opens the configured backend. BackendNone returns nil.
func NewCache(cfg CacheConfig) (Cache, error) {
	switch cfg.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendMemory:
		return NewMemoryCache(cfg.MaxEntries, cfg.TTL), nil
	case BackendBolt:
		return NewBoltCache(cfg.Path)
	case BackendRedis:
		return NewRedisCache(cfg.RedisURL, cfg.TTL)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// --- memoryCache ---------------------------------------------------------

// DefaultMemoryCacheEntries bounds the memory backend when no limit is set.
const DefaultMemoryCacheEntries = 10000

type memoryEntry struct {
	value   string
	expires time.Time
}

// memoryCache evicts in insertion order once maxEntries is reached.
type memoryCache struct {
	mu         sync.Mutex
	store      map[string]memoryEntry
	order      []string
	next       int
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

// NewMemoryCache returns a process-local cache holding at most maxEntries
// translations, each kept for ttl. Zero ttl keeps entries until evicted.
func NewMemoryCache(maxEntries int, ttl time.Duration) Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryCacheEntries
	}
	return &memoryCache{
		store:      make(map[string]memoryEntry),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}
}

func (c *memoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.store[key]
	if !ok {
		return "", false, nil
	}
	if !e.expires.IsZero() && c.now().After(e.expires) {
		// the key stays in order and is dropped when its slot is reused
		delete(c.store, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *memoryCache) Set(_ context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := memoryEntry{value: value}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	if _, ok := c.store[key]; ok {
		c.store[key] = e
		return nil
	}

	if len(c.order) < c.maxEntries {
		c.order = append(c.order, key)
	} else {
		if evicted := c.order[c.next]; evicted != key {
			delete(c.store, evicted)
		}
		c.order[c.next] = key
		c.next = (c.next + 1) % c.maxEntries
	}
	c.store[key] = e
	return nil
}

func (c *memoryCache) Close() error { return nil }

// --- boltCache -----------------------------------------------------------

const boltBucket = "translations"

type boltCache struct {
	db *bolt.DB
}

// NewBoltCache opens (or creates) a bbolt database at path.
func NewBoltCache(path string) (Cache, error) {
	if path == "" {
		return nil, errors.New("bbolt cache: empty path")
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt cache %q: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create bbolt bucket: %w", err)
	}

	slog.Info("translation cache opened", "backend", BackendBolt, "path", path)
	return &boltCache{db: db}, nil
}

func (c *boltCache) Get(_ context.Context, key string) (string, bool, error) {
	var value []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("bbolt get: %w", err)
	}
	return string(value), value != nil, nil
}

func (c *boltCache) Set(_ context.Context, key, value string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", boltBucket)
		}
		return b.Put([]byte(key), []byte(value))
	})
}

func (c *boltCache) Close() error {
	return c.db.Close()
}

// --- redisCache ----------------------------------------------------------

const redisKeyPrefix = "piibridge:translation:"

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to the Redis server at url. Entries expire after
// ttl; zero keeps them forever.
func NewRedisCache(url string, ttl time.Duration) (Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &redisCache{client: client, ttl: ttl}, nil
}

func (c *redisCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, redisKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return v, true, nil
}

func (c *redisCache) Set(ctx context.Context, key, value string) error {
	return c.client.Set(ctx, redisKeyPrefix+key, value, c.ttl).Err()
}

func (c *redisCache) Close() error {
	return c.client.Close()
}

// --- CachedTranslator ----------------------------------------------------

// CachedTranslator memoises translations out of one source language. The
// bridge sends raw user text source->pivot and anonymized text
// pivot->source, so only the pivot is configured as cacheable and raw
// input never reaches the cache. Cache failures are logged and fall
// through to the wrapped translator.
type CachedTranslator struct {
	next    Translator
	cache   Cache
	source  string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewCachedTranslator wraps next with cache for translations whose source
// language is source. Every other direction goes straight to next.
func NewCachedTranslator(next Translator, cache Cache, source string, m *metrics.Metrics) *CachedTranslator {
	return &CachedTranslator{
		next:    next,
		cache:   cache,
		source:  source,
		metrics: m,
		logger:  slog.Default().With("component", "translation_cache"),
	}
}

// CacheKey derives the cache key of a translation. Only a digest of the
// text is stored as key.
func CacheKey(text, from, to string) string {
	sum := sha256.Sum256([]byte(from + "\x00" + to + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Translate returns the cached translation or calls the wrapped translator.
func (c *CachedTranslator) Translate(ctx context.Context, text, from, to string) (string, error) {
	if from != c.source {
		c.metrics.IncrementCache("bypass")
		return c.next.Translate(ctx, text, from, to)
	}

	key := CacheKey(text, from, to)
	if v, ok, err := c.cache.Get(ctx, key); err != nil {
		c.metrics.IncrementCache("error")
		c.logger.Warn("cache lookup failed", "error", err)
	} else if ok {
		c.metrics.IncrementCache("hit")
		return v, nil
	} else {
		c.metrics.IncrementCache("miss")
	}

	out, err := c.next.Translate(ctx, text, from, to)
	if err != nil {
		return "", err
	}
	if err := c.cache.Set(ctx, key, out); err != nil {
		c.logger.Warn("cache store failed", "error", err)
	}
	return out, nil
}

// Close closes the cache.
func (c *CachedTranslator) Close() error {
	return c.cache.Close()
}
