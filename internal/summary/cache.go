package summary

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/model"
)

const keyPrefix = "catalog:summary:"

// Cache holds summaries in front of the offer_summaries table. Misses are
// simply absent from GetMany's result.
type Cache interface {
	GetMany(ctx context.Context, productIDs []string) (map[string]*model.OfferSummary, error)
	SetMany(ctx context.Context, sums []*model.OfferSummary) error
	Delete(ctx context.Context, productIDs ...string) error
}

// NoopCache never hits.
type NoopCache struct{}

func (NoopCache) GetMany(context.Context, []string) (map[string]*model.OfferSummary, error) {
	return nil, nil
}
func (NoopCache) SetMany(context.Context, []*model.OfferSummary) error { return nil }
func (NoopCache) Delete(context.Context, ...string) error             { return nil }

// RedisCache stores each summary as JSON under catalog:summary:<productID>.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache connects to addr and verifies it with a PING.
func NewRedisCache(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, eris.Wrapf(err, "summary: redis ping %s", addr)
	}
	return &RedisCache{rdb: rdb, ttl: ttl}, nil
}

func key(productID string) string { return keyPrefix + productID }

// GetMany implements Cache. Undecodable entries count as misses.
func (c *RedisCache) GetMany(ctx context.Context, productIDs []string) (map[string]*model.OfferSummary, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}
	keys := make([]string, len(productIDs))
	for i, id := range productIDs {
		keys[i] = key(id)
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, eris.Wrap(err, "summary: redis mget")
	}

	out := make(map[string]*model.OfferSummary, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var sum model.OfferSummary
		if err := json.Unmarshal([]byte(s), &sum); err != nil {
			zap.L().Warn("summary: dropping undecodable cache entry",
				zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		out[productIDs[i]] = &sum
	}
	return out, nil
}

// SetMany implements Cache with one pipelined round trip.
func (c *RedisCache) SetMany(ctx context.Context, sums []*model.OfferSummary) error {
	if len(sums) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	for _, s := range sums {
		b, err := json.Marshal(s)
		if err != nil {
			return eris.Wrapf(err, "summary: encode %s", s.ProductID)
		}
		pipe.Set(ctx, key(s.ProductID), b, c.ttl)
	}
	_, err := pipe.Exec(ctx)
	return eris.Wrap(err, "summary: redis set")
}

// Delete implements Cache.
func (c *RedisCache) Delete(ctx context.Context, productIDs ...string) error {
	if len(productIDs) == 0 {
		return nil
	}
	keys := make([]string, len(productIDs))
	for i, id := range productIDs {
		keys[i] = key(id)
	}
	return eris.Wrap(c.rdb.Del(ctx, keys...).Err(), "summary: redis del")
}

// Close closes the client.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
