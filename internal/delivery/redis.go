package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Redis is a Guard shared by every worker replica.
type Redis struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(addr, password string, db int, ttl time.Duration, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Redis{
		client:  client,
		logger:  logger,
		prefix:  "nur:delivery:",
		ttl:     ttl,
		timeout: 500 * time.Millisecond,
	}, nil
}

// Claim sets the delivery key only if absent. Redis errors let the delivery
// through so an outage does not drop builds.
func (r *Redis) Claim(ctx context.Context, deliveryID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ok, err := r.client.SetNX(ctx, r.prefix+deliveryID, time.Now().UTC().Format(time.RFC3339), r.ttl).Result()
	if err != nil {
		if r.logger != nil {
			r.logger.Error("redis delivery guard error", "delivery_id", deliveryID, "error", err)
		}
		return true, err
	}
	return ok, nil
}

func (r *Redis) Release(ctx context.Context, deliveryID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Del(ctx, r.prefix+deliveryID).Err(); err != nil {
		return fmt.Errorf("redis release delivery: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
