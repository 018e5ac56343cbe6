package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/kart-io/logger"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rhao5556-beep/peiban-sub000/pkg/utils/json"
)

// CacheConfig configures the Redis-backed embedding cache.
//
// Grounded on the reference's internal/rag/biz/cache.go QueryCache: SHA256
// hash keys, a TTL, goredis.Nil-as-miss handling, and self-healing on a
// corrupt cache entry (delete and recompute rather than fail the turn).
type CacheConfig struct {
	Enabled   bool
	TTL       time.Duration
	KeyPrefix string
}

// DefaultCacheConfig returns the default embedding-cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{Enabled: true, TTL: 24 * time.Hour, KeyPrefix: "companion:emb:"}
}

// CachedEmbeddingProvider wraps an EmbeddingProvider with a Redis read-through
// cache keyed by a hash of the input text, since embeddings are expensive to
// recompute but stable for identical text.
type CachedEmbeddingProvider struct {
	inner EmbeddingProvider
	redis *goredis.Client
	cfg   CacheConfig
}

// NewCachedEmbeddingProvider wraps inner with a cache backed by redis.
func NewCachedEmbeddingProvider(inner EmbeddingProvider, redis *goredis.Client, cfg CacheConfig) *CachedEmbeddingProvider {
	return &CachedEmbeddingProvider{inner: inner, redis: redis, cfg: cfg}
}

var _ EmbeddingProvider = (*CachedEmbeddingProvider)(nil)

func (c *CachedEmbeddingProvider) Dimension() int { return c.inner.Dimension() }

func (c *CachedEmbeddingProvider) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.cfg.KeyPrefix + hex.EncodeToString(sum[:])
}

func (c *CachedEmbeddingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if !c.cfg.Enabled || c.redis == nil {
		return c.inner.Embed(ctx, text)
	}

	key := c.cacheKey(text)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err == nil {
		var vec []float32
		if err := json.Unmarshal(data, &vec); err == nil {
			return vec, nil
		}
		logger.Warnw("corrupt embedding cache entry, evicting", "key", key)
		_ = c.redis.Del(ctx, key).Err()
	} else if err != goredis.Nil {
		logger.Warnw("embedding cache read failed, falling back to provider", "error", err.Error())
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(vec); err == nil {
		if err := c.redis.Set(ctx, key, data, c.cfg.TTL).Err(); err != nil {
			logger.Warnw("failed to write embedding cache entry", "error", err.Error(), "key", key)
		}
	}
	return vec, nil
}
