package encoder

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/prometheus-v2/daily-engine/pkg/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// historicalStore is the subset of *store.HistoricalStore the cache needs;
// declared locally so encoder does not import store and create a cycle.
type historicalStore interface {
	ReadEmbedding(ctx context.Context, entityType, entityID, asOf, modelID string) (types.Vector, bool, error)
	UpsertNumericEmbedding(ctx context.Context, e types.NumericWindowEmbedding) error
	UpsertTextEmbedding(ctx context.Context, e types.TextEmbedding) error
	UpsertJointEmbedding(ctx context.Context, e types.JointEmbedding) error
}

// Cache fronts the historical store's embedding tables with an optional
// Redis read-through layer keyed "entity:asof:model_id", skipping
// regeneration unless explicitly forced.
type Cache struct {
	logger  *zap.Logger
	store   historicalStore
	redis   *redis.Client
	ttl     time.Duration
}

// NewCache builds a Cache. redisClient may be nil, in which case the cache
// degrades to the historical store alone.
func NewCache(logger *zap.Logger, store historicalStore, redisClient *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{logger: logger, store: store, redis: redisClient, ttl: ttl}
}

func cacheKey(entityID, asOfDate, modelID string) string {
	return fmt.Sprintf("emb:%s:%s:%s", entityID, asOfDate, modelID)
}

// GetOrEncode returns a cached/persisted vector for (entityType, entityID,
// asOfDate, modelID) if present, otherwise runs enc and persists the result.
// force=true skips both cache layers and always re-encodes.
func (c *Cache) GetOrEncode(ctx context.Context, enc Encoder, entityType, entityID, asOfDate string, w Window, force bool) (types.Vector, error) {
	modelID := enc.ModelID()
	key := cacheKey(entityID, asOfDate, modelID)

	if !force {
		if c.redis != nil {
			if raw, err := c.redis.Get(ctx, key).Bytes(); err == nil {
				vec, decErr := decodeRedisVector(raw)
				if decErr == nil {
					return vec, nil
				}
				c.logger.Warn("encoder cache: corrupt redis entry, falling through", zap.String("key", key))
			}
		}
		if vec, found, err := c.store.ReadEmbedding(ctx, entityType, entityID, asOfDate, modelID); err != nil {
			return nil, fmt.Errorf("encoder cache read: %w", err)
		} else if found {
			c.writeRedis(ctx, key, vec)
			return vec, nil
		}
	}

	vec, err := enc.Encode(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s@%s: %w", modelID, entityID, asOfDate, err)
	}

	if err := c.store.UpsertNumericEmbedding(ctx, types.NumericWindowEmbedding{
		EntityType: entityType, EntityID: entityID, AsOfDate: asOfDate,
		ModelID: modelID, Vector: vec, Dim: len(vec),
	}); err != nil {
		return nil, fmt.Errorf("persist embedding: %w", err)
	}
	c.writeRedis(ctx, key, vec)
	return vec, nil
}

func (c *Cache) writeRedis(ctx context.Context, key string, vec types.Vector) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, key, encodeRedisVector(vec), c.ttl).Err(); err != nil {
		c.logger.Warn("encoder cache: redis set failed", zap.String("key", key), zap.Error(err))
	}
}

// encodeRedisVector/decodeRedisVector reuse the store's little-endian
// float32 wire format so a cache entry and its persisted row are
// byte-identical.
func encodeRedisVector(v types.Vector) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeRedisVector(raw []byte) (types.Vector, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("decode cached vector: length %d not a multiple of 4", len(raw))
	}
	n := len(raw) / 4
	out := make(types.Vector, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}
