// Package cache stores the queue projections served to polling clients.
// Redis is used when reachable; otherwise an in-process map takes over so
// the service keeps working on a single node.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Backend stores projections under a generation. Invalidate bumps the
// generation, so a fill that read the store before it cannot cache its result.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Generation(ctx context.Context) (int64, error)
	// SetAt stores value only while the generation still equals gen.
	SetAt(ctx context.Context, key string, value []byte, ttl time.Duration, gen int64) (bool, error)
	Invalidate(ctx context.Context, keys ...string) error
}

type ProjectionCache struct {
	backend Backend
	ttl     time.Duration
	keys    []string
	logger  zerolog.Logger
}

// New returns a cache over backend whose Invalidate drops keys.
func New(backend Backend, ttl time.Duration, logger zerolog.Logger, keys ...string) *ProjectionCache {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &ProjectionCache{
		backend: backend,
		ttl:     ttl,
		keys:    keys,
		logger:  logger,
	}
}

// Load decodes the cached value for key into dest, calling fill on a miss.
// Backend errors degrade to a fill; they are logged, not returned.
func (c *ProjectionCache) Load(ctx context.Context, key string, dest interface{}, fill func(context.Context) (interface{}, error)) error {
	raw, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache get failed")
	}
	if ok {
		if err := json.Unmarshal(raw, dest); err == nil {
			return nil
		}
		c.logger.Warn().Str("key", key).Msg("discarding undecodable cache entry")
	}

	return c.Refresh(ctx, key, dest, fill)
}

// Refresh always calls fill and replaces the cached value for key, unless an
// Invalidate happened while fill was running.
func (c *ProjectionCache) Refresh(ctx context.Context, key string, dest interface{}, fill func(context.Context) (interface{}, error)) error {
	gen, genErr := c.backend.Generation(ctx)
	if genErr != nil {
		c.logger.Warn().Err(genErr).Str("key", key).Msg("cache generation unavailable")
	}
	value, err := fill(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if genErr == nil {
		stored, err := c.backend.SetAt(ctx, key, raw, c.ttl, gen)
		switch {
		case err != nil:
			c.logger.Warn().Err(err).Str("key", key).Msg("cache set failed")
		case !stored:
			c.logger.Debug().Str("key", key).Msg("projection invalidated during fill, not cached")
		}
	}
	return json.Unmarshal(raw, dest)
}

func (c *ProjectionCache) Invalidate(ctx context.Context) error {
	return c.backend.Invalidate(ctx, c.keys...)
}

// Close releases the backend's connections, if it holds any.
func (c *ProjectionCache) Close() error {
	if closer, ok := c.backend.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

const generationKey = "generation"

type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return raw, true, nil
}

func (b *RedisBackend) Generation(ctx context.Context) (int64, error) {
	gen, err := b.client.Get(ctx, b.prefix+generationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// SetAt watches the generation key; an INCR from Invalidate between the
// check and EXEC aborts the transaction.
func (b *RedisBackend) SetAt(ctx context.Context, key string, value []byte, ttl time.Duration, gen int64) (bool, error) {
	genKey := b.prefix + generationKey
	stored := false
	err := b.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, b.prefix+key, value, ttl)
			return nil
		})
		if err == nil {
			stored = true
		}
		return err
	}, genKey)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	return stored, err
}

func (b *RedisBackend) Invalidate(ctx context.Context, keys ...string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, b.prefix+generationKey)
		if len(keys) > 0 {
			prefixed := make([]string, len(keys))
			for i, key := range keys {
				prefixed[i] = b.prefix + key
			}
			pipe.Del(ctx, prefixed...)
		}
		return nil
	})
	return err
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

type MemoryBackend struct {
	mu         sync.RWMutex
	entries    map[string]memoryEntry
	generation int64
	now        func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.entries[key]
	if !ok || !b.now().Before(entry.expiresAt) {
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (b *MemoryBackend) Generation(context.Context) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.generation, nil
}

func (b *MemoryBackend) SetAt(_ context.Context, key string, value []byte, ttl time.Duration, gen int64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.generation {
		return false, nil
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	b.entries[key] = memoryEntry{value: stored, expiresAt: b.now().Add(ttl)}
	return true, nil
}

func (b *MemoryBackend) Invalidate(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.generation++
	for _, key := range keys {
		delete(b.entries, key)
	}
	return nil
}
