package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/utpmesh/utpd/utp"
)

// RedisDirectory is a Directory backed by a Redis key per peer, each
// set with a TTL so a daemon that goes offline without announcing a
// clean departure ages out of the directory on its own.
type RedisDirectory struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisConfig configures the Redis connection NewRedisDirectory dials.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// NewRedisDirectory dials Redis and verifies connectivity with a Ping
// before returning, the same eager-connect shape as the teacher's
// cache constructors.
func NewRedisDirectory(ctx context.Context, cfg RedisConfig) (*RedisDirectory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("discovery: connect to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}

	return &RedisDirectory{client: client, ttl: ttl}, nil
}

// Announce implements Directory.
func (d *RedisDirectory) Announce(ctx context.Context, peer utp.PeerID, addr string) error {
	entry := Endpoint{PeerID: peer, Addr: addr, LastSeen: time.Now()}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("discovery: marshal endpoint: %w", err)
	}
	if err := d.client.Set(ctx, peerKey(peer), data, d.ttl).Err(); err != nil {
		return fmt.Errorf("discovery: announce: %w", err)
	}
	return nil
}

// Resolve implements Directory.
func (d *RedisDirectory) Resolve(ctx context.Context, peer utp.PeerID) (Endpoint, error) {
	data, err := d.client.Get(ctx, peerKey(peer)).Bytes()
	if err == redis.Nil {
		return Endpoint{}, ErrNotFound
	}
	if err != nil {
		return Endpoint{}, fmt.Errorf("discovery: resolve: %w", err)
	}

	var entry Endpoint
	if err := json.Unmarshal(data, &entry); err != nil {
		return Endpoint{}, fmt.Errorf("discovery: unmarshal endpoint: %w", err)
	}
	return entry, nil
}

// Close releases the underlying Redis client.
func (d *RedisDirectory) Close() error {
	return d.client.Close()
}
