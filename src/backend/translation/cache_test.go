package translation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hannes/piibridge/src/backend/metrics"
)

func exerciseCache(t *testing.T, c Cache) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", "<ANONYMOUS> ζει στην <HIDDEN_LOCATION>."))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "<ANONYMOUS> ζει στην <HIDDEN_LOCATION>.", v)

	require.NoError(t, c.Set(ctx, "k", "overwritten"))
	v, _, _ = c.Get(ctx, "k")
	assert.Equal(t, "overwritten", v)
}

func TestMemoryCache(t *testing.T) {
	exerciseCache(t, NewMemoryCache(0, 0))
}

func TestMemoryCache_EvictsOldestBeyondLimit(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(2, 0)

	require.NoError(t, c.Set(ctx, "a", "1"))
	require.NoError(t, c.Set(ctx, "b", "2"))
	require.NoError(t, c.Set(ctx, "a", "1'"))
	require.NoError(t, c.Set(ctx, "c", "3"))

	_, ok, _ := c.Get(ctx, "a")
	assert.False(t, ok, "oldest key is evicted first")
	v, ok, _ := c.Get(ctx, "b")
	assert.True(t, ok)
	assert.Equal(t, "2", v)
	v, ok, _ = c.Get(ctx, "c")
	assert.True(t, ok)
	assert.Equal(t, "3", v)

	for i := 0; i < 100; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("k%d", i), "v"))
	}
	assert.Len(t, c.(*memoryCache).store, 2)
}

func TestMemoryCache_ExpiresEntries(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(10, time.Minute).(*memoryCache)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "k", "v"))
	_, ok, _ := c.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Empty(t, c.store)
}

func TestBoltCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := NewBoltCache(path)
	require.NoError(t, err)
	exerciseCache(t, c)
	require.NoError(t, c.Close())

	// entries survive reopening
	c, err = NewBoltCache(path)
	require.NoError(t, err)
	defer c.Close()
	v, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "overwritten", v)
}

func TestRedisCache(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	c, err := NewRedisCache(url, time.Minute)
	require.NoError(t, err)
	defer c.Close()
	exerciseCache(t, c)
}

func TestNewCache(t *testing.T) {
	c, err := NewCache(CacheConfig{Backend: BackendNone})
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = NewCache(CacheConfig{Backend: BackendMemory})
	require.NoError(t, err)
	assert.NotNil(t, c)

	_, err = NewCache(CacheConfig{Backend: BackendBolt})
	assert.Error(t, err)

	_, err = NewCache(CacheConfig{Backend: "memcached"})
	assert.Error(t, err)
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, CacheKey("a", "el", "en"), CacheKey("a", "el", "en"))
	assert.NotEqual(t, CacheKey("a", "el", "en"), CacheKey("a", "en", "el"))
	assert.Len(t, CacheKey("a", "el", "en"), 64)
}

func TestCachedTranslator(t *testing.T) {
	var calls atomic.Int32
	next := TranslatorFunc(func(ctx context.Context, text, from, to string) (string, error) {
		calls.Add(1)
		return "[" + to + "] " + text, nil
	})
	m := metrics.New(prometheus.NewRegistry())
	ct := NewCachedTranslator(next, NewMemoryCache(0, 0), "en", m)

	for i := 0; i < 3; i++ {
		out, err := ct.Translate(context.Background(), "<ANONYMOUS> lives in <HIDDEN_LOCATION>", "en", "el")
		require.NoError(t, err)
		assert.Equal(t, "[el] <ANONYMOUS> lives in <HIDDEN_LOCATION>", out)
	}

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TranslationCache.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TranslationCache.WithLabelValues("miss")))
}

func TestCachedTranslator_RawInputIsNeverStored(t *testing.T) {
	const text = "Με λένε Γιάννη Παπαδόπουλο, κάρτα 4111111111111111"
	var calls atomic.Int32
	next := TranslatorFunc(func(ctx context.Context, text, from, to string) (string, error) {
		calls.Add(1)
		return "My name is Giannis Papadopoulos, card 4111111111111111", nil
	})
	cache := NewMemoryCache(0, 0)
	m := metrics.New(prometheus.NewRegistry())
	ct := NewCachedTranslator(next, cache, "en", m)

	for i := 0; i < 2; i++ {
		_, err := ct.Translate(context.Background(), text, "el", "en")
		require.NoError(t, err)
	}

	assert.Equal(t, int32(2), calls.Load())
	_, ok, err := cache.Get(context.Background(), CacheKey(text, "el", "en"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, cache.(*memoryCache).store)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TranslationCache.WithLabelValues("bypass")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.TranslationCache.WithLabelValues("miss")))
}

func TestCachedTranslator_ErrorsAreNotCached(t *testing.T) {
	var calls atomic.Int32
	next := TranslatorFunc(func(ctx context.Context, text, from, to string) (string, error) {
		calls.Add(1)
		return "", &TranslationUnavailableError{From: from, To: to, Err: errors.New("down")}
	})
	ct := NewCachedTranslator(next, NewMemoryCache(0, 0), "en", nil)

	for i := 0; i < 2; i++ {
		_, err := ct.Translate(context.Background(), "<ANONYMOUS>", "en", "el")
		var tue *TranslationUnavailableError
		require.ErrorAs(t, err, &tue)
	}
	assert.Equal(t, int32(2), calls.Load())
}
