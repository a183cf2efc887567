package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps redis for the small set of cache concerns bookguard has:
// block-status lookups on the hot booking path and idempotent POST replay.
type Client struct {
	rdb *redis.Client
}

func New(url, password string, db int) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	opts.DB = db

	return &Client{rdb: redis.NewClient(opts)}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

const blockStatusTTL = 5 * time.Minute

func blockKey(tenantID int64, phone string) string {
	return fmt.Sprintf("block:%d:%s", tenantID, phone)
}

// GetBlockStatus returns the cached block reason for a phone number.
// Empty reason with found=true means a cached "not blocked".
func (c *Client) GetBlockStatus(ctx context.Context, tenantID int64, phone string) (reason string, found bool, err error) {
	val, err := c.rdb.Get(ctx, blockKey(tenantID, phone)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if val == "-" {
		return "", true, nil
	}
	return val, true, nil
}

func (c *Client) SetBlockStatus(ctx context.Context, tenantID int64, phone, reason string) error {
	val := reason
	if val == "" {
		val = "-"
	}
	return c.rdb.Set(ctx, blockKey(tenantID, phone), val, blockStatusTTL).Err()
}

func (c *Client) InvalidateBlockStatus(ctx context.Context, tenantID int64, phone string) error {
	return c.rdb.Del(ctx, blockKey(tenantID, phone)).Err()
}
