package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRouter publishes the intent document under a redis key that an
// edge proxy (OpenResty, a Lua balancer) consults per request. Disable
// deletes the key.
type RedisRouter struct {
	Site   string
	Key    string
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewRedisRouter(siteName, addr, key string, logger *slog.Logger) *RedisRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRouter{
		Site:   siteName,
		Key:    key,
		client: redis.NewClient(&redis.Options{Addr: addr}),
		logger: logger,
		now:    time.Now,
	}
}

func (r *RedisRouter) Enable(ctx context.Context, route Route) error {
	if err := validate(route); err != nil {
		return err
	}
	data, err := json.Marshal(newIntent(r.Site, &route, r.now()))
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.Key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to publish routing key %s: %w", r.Key, err)
	}
	r.logger.Info("Canary routing key set", "site", r.Site, "key", r.Key, "percent", route.Percent)
	return nil
}

func (r *RedisRouter) Disable(ctx context.Context) error {
	if err := r.client.Del(ctx, r.Key).Err(); err != nil {
		return fmt.Errorf("failed to delete routing key %s: %w", r.Key, err)
	}
	r.logger.Info("Canary routing key deleted", "site", r.Site, "key", r.Key)
	return nil
}

func (r *RedisRouter) Close() error {
	return r.client.Close()
}
