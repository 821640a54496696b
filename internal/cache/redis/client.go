// Package redis implements the shared price mirror, the cross-instance signal
// bus, the proxy rate limiter and order-submission locks on go-redis/v9.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	// Namespace prefixes the keys of every store built on the client so
	// several desks can share one Redis. Pub/Sub channels are not prefixed.
	Namespace string
}

// keyspace builds namespaced keys: keyspace("desk").key("price", "SPY") is
// "desk:price:SPY". The empty keyspace adds no prefix.
type keyspace string

func (k keyspace) key(parts ...string) string {
	s := strings.Join(parts, ":")
	if k == "" {
		return s
	}
	return string(k) + ":" + s
}

// Client wraps a go-redis Client with the key namespace of this deployment.
type Client struct {
	rdb *redis.Client
	ns  keyspace
}

// New creates a new Redis Client and pings it to verify connectivity.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	c := NewFromClient(redis.NewClient(opts), cfg.Namespace)
	if err := c.Ping(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// NewFromClient wraps an existing go-redis client without pinging it.
func NewFromClient(rdb *redis.Client, namespace string) *Client {
	return &Client{rdb: rdb, ns: keyspace(strings.TrimSuffix(strings.TrimSpace(namespace), ":"))}
}

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying returns the raw *redis.Client.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
