package extract

import (
	"context"
	"encoding/json"
	"time"

	"readaloud/internal/redis"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// Entry is one cached extraction.
type Entry struct {
	Text  string `json:"text"`
	Pages int    `json:"pages"`
}

// TextCache stores extractions by content hash.
type TextCache interface {
	Get(ctx context.Context, key string) (Entry, bool)
	Put(ctx context.Context, key string, e Entry)
}

// MemoryCache keeps the most recently used extractions in process.
type MemoryCache struct {
	lru *lru.Cache[string, Entry]
}

func NewMemoryCache(size int) (*MemoryCache, error) {
	if size <= 0 {
		size = 128
	}
	c, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{lru: c}, nil
}

func (m *MemoryCache) Get(_ context.Context, key string) (Entry, bool) {
	return m.lru.Get(key)
}

func (m *MemoryCache) Put(_ context.Context, key string, e Entry) {
	m.lru.Add(key, e)
}

func (m *MemoryCache) Len() int { return m.lru.Len() }

const redisKeyPrefix = "extract:entry:"

// RedisCache persists extractions across restarts and instances.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (r *RedisCache) Get(ctx context.Context, key string) (Entry, bool) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+key)
	if err != nil {
		if err != redis.ErrCacheMiss {
			logrus.WithError(err).Debug("extraction cache read failed")
		}
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		logrus.WithError(err).Debug("extraction cache entry unreadable")
		return Entry{}, false
	}
	return e, true
}

func (r *RedisCache) Put(ctx context.Context, key string, e Entry) {
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, redisKeyPrefix+key, string(raw), r.ttl); err != nil {
		logrus.WithError(err).Debug("extraction cache write failed")
	}
}

// Tiered checks each cache in order and back-fills the faster ones on a hit.
type Tiered []TextCache

func (t Tiered) Get(ctx context.Context, key string) (Entry, bool) {
	for i, c := range t {
		if c == nil {
			continue
		}
		if e, ok := c.Get(ctx, key); ok {
			for _, front := range t[:i] {
				if front != nil {
					front.Put(ctx, key, e)
				}
			}
			return e, true
		}
	}
	return Entry{}, false
}

func (t Tiered) Put(ctx context.Context, key string, e Entry) {
	for _, c := range t {
		if c != nil {
			c.Put(ctx, key, e)
		}
	}
}
