package report

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/lox/klima/internal/models"
)

// Cache stores finished reports. Keys embed the data generation, so a sync
// makes earlier entries unreachable rather than stale.
type Cache interface {
	Get(ctx context.Context, key string) (*models.Report, bool, error)
	Set(ctx context.Context, key string, report *models.Report) error
}

// RedisCache keeps reports as JSON strings with a TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: "klima:report:", ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*models.Report, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var r models.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, false, fmt.Errorf("decode cached report: %w", err)
	}
	return &r, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, report *models.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+key, data, c.ttl).Err()
}

// cacheKey identifies a validated request at a data generation under one
// engine configuration.
func cacheKey(req Request, limit int, generation int64, configTag string) string {
	radius := "nearest"
	if req.RadiusKM != nil {
		radius = fmt.Sprintf("%g", *req.RadiusKM)
	}
	raw := fmt.Sprintf("%d|%.6f|%.6f|%s|%d|%s|%s|%s|%s|%s",
		generation, req.Lat, req.Lon, radius, limit,
		req.Start.Format(models.DateLayout), req.End.Format(models.DateLayout),
		req.Granularity, req.Metric, configTag)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:16])
}
