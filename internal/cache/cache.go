// Package cache connects to the password-protected Redis store and keeps the
// latest dependency report in it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("cache: not found")

const (
	DefaultPort        = 6379
	DefaultDialTimeout = 5 * time.Second
	// DefaultStatusKey holds the latest probe report.
	DefaultStatusKey = "socialsense:status"
)

// Settings locates the cache.
type Settings struct {
	Host        string
	Port        int
	Password    string
	DB          int
	DialTimeout time.Duration
}

func (s Settings) Addr() string {
	port := s.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

// Validate requires a host and a password; the store runs with
// requirepass set.
func (s Settings) Validate() error {
	switch {
	case s.Host == "":
		return errors.New("cache: host is required")
	case s.Password == "":
		return errors.New("cache: password is required")
	case s.Port < 0 || s.Port > 65535:
		return fmt.Errorf("cache: port %d out of range", s.Port)
	case s.DB < 0:
		return fmt.Errorf("cache: db %d must not be negative", s.DB)
	}
	return nil
}

// Client is a go-redis client bound to Settings.
type Client struct {
	rdb *redis.Client
}

// New validates s and creates a client. It does not dial.
func New(s Settings) (*Client, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	timeout := s.DialTimeout
	if timeout == 0 {
		timeout = DefaultDialTimeout
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        s.Addr(),
		Password:    s.Password,
		DB:          s.DB,
		DialTimeout: timeout,
	})
	return &Client{rdb: rdb}, nil
}

// Ping checks connectivity and authentication.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping cache %s: %w", c.rdb.Options().Addr, err)
	}
	return nil
}

func (c *Client) Redis() *redis.Client { return c.rdb }

func (c *Client) Close() error { return c.rdb.Close() }

// StatusCache stores one JSON document under a fixed key with a TTL.
type StatusCache struct {
	rdb redis.Cmdable
	key string
	ttl time.Duration
}

func NewStatusCache(c *Client, key string, ttl time.Duration) *StatusCache {
	if key == "" {
		key = DefaultStatusKey
	}
	return &StatusCache{rdb: c.rdb, key: key, ttl: ttl}
}

// Put replaces the stored document.
func (s *StatusCache) Put(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store status: %w", err)
	}
	return nil
}

// Get decodes the stored document into dest.
func (s *StatusCache) Get(ctx context.Context, dest any) error {
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("load status: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	return nil
}

func (s *StatusCache) Clear(ctx context.Context) error {
	return s.rdb.Del(ctx, s.key).Err()
}
