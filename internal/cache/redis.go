package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis wraps the shared redis client
type Redis struct {
	Client *redis.Client
}

// New creates a redis client from a URL. Returns nil (not an error) when the
// URL is empty: redis is a defense-in-depth dependency and its absence must
// not prevent startup.
func New(redisURL string) (*Redis, error) {
	if redisURL == "" {
		log.Warn().Msg("REDIS_URL not set, rate limiting disabled")
		return nil, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	log.Info().Msg("Redis connection established")
	return &Redis{Client: client}, nil
}

// Close closes the redis connection
func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}

// Health checks if redis is reachable
func (r *Redis) Health(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}
