package cache

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openscribe/fhirlink/config"
	"github.com/openscribe/fhirlink/internal/helpers"
)

// Connect opens a redis client and verifies the connection.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.Timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

// DocCache stores fetched documentation text keyed by URL fingerprint, so
// repeated discovery runs against the same vendor skip the fetch. Lookups
// are best-effort: redis trouble degrades to a miss, never to a failed run.
type DocCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

const defaultDocTTL = 24 * time.Hour

func NewDocCache(client *redis.Client, ttl time.Duration) *DocCache {
	if ttl <= 0 {
		ttl = defaultDocTTL
	}
	return &DocCache{
		client: client,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[DOCCACHE] ", log.LstdFlags),
	}
}

func (c *DocCache) Get(ctx context.Context, url string) (string, bool) {
	key, err := docKey(url)
	if err != nil {
		return "", false
	}
	text, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		c.logger.Printf("get %s: %v", url, err)
		return "", false
	}
	return text, true
}

func (c *DocCache) Set(ctx context.Context, url, text string) {
	if text == "" {
		return
	}
	key, err := docKey(url)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, text, c.ttl).Err(); err != nil {
		c.logger.Printf("set %s: %v", url, err)
	}
}

func docKey(url string) (string, error) {
	fp, err := helpers.URLFingerprint(url)
	if err != nil {
		return "", err
	}
	return "doc:" + fp, nil
}
