package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/meridian-dex/liquidityd/pkg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const leaseKeyPrefix = "settler:lease:"

// releaseScript deletes a lease key only if it is still owned by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client wraps Redis for real-time settlement event notifications (Pub/Sub)
// and for the cross-replica settlement lease.
type Client struct {
	client  *redis.Client
	logger  *zap.Logger
	ownerID string
}

// NewClient creates a new Redis client using environment variables for configuration.
// Environment variables:
//   - REDIS_HOST: Redis host (default: "localhost")
//   - REDIS_PORT: Redis port (default: "6379")
//   - REDIS_PASSWORD: Redis password (default: "")
//   - REDIS_DB: Redis database number (default: "0")
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	host := utils.Env("REDIS_HOST", "localhost")
	port := utils.Env("REDIS_PORT", "6379")
	password := utils.Env("REDIS_PASSWORD", "")
	db := utils.EnvInt("REDIS_DB", 0)

	addr := fmt.Sprintf("%s:%s", host, port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	owner := uuid.NewString()
	logger.Info("Connected to Redis",
		zap.String("addr", addr),
		zap.Int("db", db),
		zap.String("leaseOwner", owner))

	return &Client{
		client:  rdb,
		logger:  logger,
		ownerID: owner,
	}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Publish publishes a message to a Redis Pub/Sub channel.
// This is a best-effort operation - errors are logged but not returned
// to prevent notification failures from affecting settlement.
func (c *Client) Publish(ctx context.Context, channel string, message interface{}) {
	if err := c.client.Publish(ctx, channel, message).Err(); err != nil {
		c.logger.Warn("Failed to publish Redis message",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// Subscribe subscribes to one or more Redis Pub/Sub channels.
// The caller is responsible for closing the PubSub object when done.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.client.Subscribe(ctx, channels...)
}

// AcquireLease takes the named lease for ttl if no other replica holds it.
// Returns false when another owner currently holds the lease.
func (c *Client) AcquireLease(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, leaseKeyPrefix+name, c.ownerID, ttl).Result()
}

// ReleaseLease releases the named lease if this client still owns it.
func (c *Client) ReleaseLease(ctx context.Context, name string) error {
	return releaseScript.Run(ctx, c.client, []string{leaseKeyPrefix + name}, c.ownerID).Err()
}

// Health checks if Redis is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
