package enforcement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror publishes enforcement state to Redis where the checkout and
// shipping services read it. Each write sets the key and announces it on
// the changes channel in one transaction.
type RedisMirror struct {
	client *redis.Client
	prefix string
}

// NewRedisMirror connects to Redis and verifies the connection.
func NewRedisMirror(addr string, db int, prefix string) (*RedisMirror, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	if prefix == "" {
		prefix = "storeguard"
	}

	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisMirror{client: client, prefix: prefix}, nil
}

// ChangesChannel is the pub/sub channel carrying the key of every change.
func (m *RedisMirror) ChangesChannel() string {
	return m.prefix + ":changes"
}

func (m *RedisMirror) PublishUser(ctx context.Context, f *UserFlags) error {
	return m.set(ctx, "user:"+f.SubjectID, f)
}

func (m *RedisMirror) PublishCity(ctx context.Context, p *CityPolicy) error {
	return m.set(ctx, "city:"+p.City, p)
}

func (m *RedisMirror) RemoveCity(ctx context.Context, city string) error {
	key := m.key("city:" + city)
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.Publish(ctx, m.ChangesChannel(), key)
		return nil
	})
	return err
}

func (m *RedisMirror) PublishConfig(ctx context.Context, c *Config) error {
	return m.set(ctx, "config", c)
}

// Get reads a mirrored value into dst. It reports false when the key is absent.
func (m *RedisMirror) Get(ctx context.Context, suffix string, dst any) (bool, error) {
	data, err := m.client.Get(ctx, m.key(suffix)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(data, dst)
}

// PingContext lets the health registry probe Redis.
func (m *RedisMirror) PingContext(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

func (m *RedisMirror) set(ctx context.Context, suffix string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	key := m.key(suffix)
	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		pipe.Publish(ctx, m.ChangesChannel(), key)
		return nil
	})
	return err
}

func (m *RedisMirror) key(suffix string) string {
	return m.prefix + ":" + suffix
}

var _ Publisher = (*RedisMirror)(nil)
