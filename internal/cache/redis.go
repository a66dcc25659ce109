package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures NewRedis. Addr may be host:port or a redis:// URL.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Namespace prefixes every key; defaults to "rag".
	Namespace string
}

// Redis caches retrieval results as JSON strings. Each document owns a set listing
// the result keys derived from it.
type Redis struct {
	rdb *redis.Client
	ns  string
}

func NewRedis(opts RedisOptions) (*Redis, error) {
	ro := &redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}
	if strings.HasPrefix(opts.Addr, "redis://") || strings.HasPrefix(opts.Addr, "rediss://") {
		parsed, err := redis.ParseURL(opts.Addr)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		ro = parsed
	}
	ns := opts.Namespace
	if ns == "" {
		ns = "rag"
	}

	rdb := redis.NewClient(ro)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", ro.Addr, err)
	}
	return &Redis{rdb: rdb, ns: ns}, nil
}

func (c *Redis) resultKey(key string) string { return c.ns + ":ctx:" + key }
func (c *Redis) docKey(id string) string     { return c.ns + ":doc:" + id }

func (c *Redis) GetContext(ctx context.Context, key string) (*ContextResult, error) {
	raw, err := c.rdb.Get(ctx, c.resultKey(key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, err
	}
	out := new(ContextResult)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	return out, nil
}

func (c *Redis) SetContext(ctx context.Context, documentID, key string, result *ContextResult, ttl time.Duration) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	docKey := c.docKey(documentID)
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, c.resultKey(key), raw, ttl)
		p.SAdd(ctx, docKey, key)
		if ttl > 0 {
			p.Expire(ctx, docKey, ttl)
		}
		return nil
	})
	return err
}

// InvalidateDocument drops every result recorded under documentID.
func (c *Redis) InvalidateDocument(ctx context.Context, documentID string) error {
	docKey := c.docKey(documentID)
	members, err := c.rdb.SMembers(ctx, docKey).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(members)+1)
	for _, m := range members {
		keys = append(keys, c.resultKey(m))
	}
	keys = append(keys, docKey)
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *Redis) Close() error { return c.rdb.Close() }
