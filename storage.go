package driftline

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store is the persistence contract for the identity record. Implementations
// must tolerate concurrent writers from other processes; last write wins.
type Store interface {
	// GetItem returns the value for key. The second result is false when the
	// key is absent.
	GetItem(ctx context.Context, key string) (string, bool, error)

	// SetItem stores value under key, replacing any previous value.
	SetItem(ctx context.Context, key, value string) error

	// RemoveItem deletes key. Removing an absent key is not an error.
	RemoveItem(ctx context.Context, key string) error

	// Migrate copies the named keys from a previous backend into this one.
	// Used when the persistence strategy is changed live via Configure.
	Migrate(ctx context.Context, from Store, keys []string) error
}

// Strategy selects a persistence backend.
type Strategy string

const (
	// StrategyFile persists to one file per key under a config directory.
	StrategyFile Strategy = "file"
	// StrategyMemory keeps values in process memory only.
	StrategyMemory Strategy = "memory"
	// StrategyRedis persists to a shared redis instance, for server-side
	// embedders that want identity to survive process restarts.
	StrategyRedis Strategy = "redis"
	// StrategyFileMemory writes through to both file and memory and reads
	// from file first. This is the default.
	StrategyFileMemory Strategy = "file+memory"
)

// StorageConfig selects and parameterizes the persistence backend.
type StorageConfig struct {
	// Strategy names the requested backend. Unknown values are a
	// configuration error.
	Strategy Strategy
	// Path overrides the directory used by the file backend.
	// Default: <user config dir>/driftline.
	Path string
	// RedisAddr is the address of the redis backend, e.g. "localhost:6379".
	RedisAddr string
	// RedisClient supplies an existing redis client, taking precedence over
	// RedisAddr.
	RedisClient *redis.Client
}

// sentinel key written and removed during the capability probe.
const probeKey = "__driftline_probe__"

// probe verifies a backend actually works with a write/read/remove round
// trip. This catches read-only directories, quota errors and unreachable
// redis instances before the backend is adopted.
func probe(ctx context.Context, s Store) error {
	if err := s.SetItem(ctx, probeKey, "1"); err != nil {
		return err
	}
	v, ok, err := s.GetItem(ctx, probeKey)
	if err != nil {
		return err
	}
	if !ok || v != "1" {
		return fmt.Errorf("probe read returned %q, ok=%v", v, ok)
	}
	return s.RemoveItem(ctx, probeKey)
}

// newStore builds the backend for the requested strategy, degrading along
// the fallback chain when a capability probe fails. Every degradation is
// reported through onFallback; only a genuinely unknown strategy is an error.
func newStore(ctx context.Context, cfg StorageConfig, onFallback func(string)) (Store, error) {
	if onFallback == nil {
		onFallback = func(string) {}
	}

	switch cfg.Strategy {
	case StrategyMemory:
		return newMemoryStore(), nil

	case StrategyFile:
		fs, err := newFileStore(cfg.Path)
		if err == nil {
			err = probe(ctx, fs)
		}
		if err != nil {
			onFallback(fmt.Sprintf("file storage unavailable (%v); falling back to memory", err))
			return newMemoryStore(), nil
		}
		return fs, nil

	case StrategyRedis:
		rs := newRedisStore(cfg)
		if err := probe(ctx, rs); err != nil {
			onFallback(fmt.Sprintf("redis storage unavailable (%v); falling back to memory", err))
			return newMemoryStore(), nil
		}
		return rs, nil

	case StrategyFileMemory:
		fs, err := newFileStore(cfg.Path)
		if err == nil {
			err = probe(ctx, fs)
		}
		if err != nil {
			onFallback(fmt.Sprintf("file storage unavailable (%v); composite degraded to memory", err))
			return newMemoryStore(), nil
		}
		return &compositeStore{primary: fs, secondary: newMemoryStore()}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, cfg.Strategy)
	}
}

// migrateKeys is the shared Migrate implementation: copy what exists, skip
// what doesn't.
func migrateKeys(ctx context.Context, dst, src Store, keys []string) error {
	if src == nil {
		return nil
	}
	for _, key := range keys {
		v, ok, err := src.GetItem(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := dst.SetItem(ctx, key, v); err != nil {
			return err
		}
	}
	return nil
}

// memoryStore keeps values in process memory. Always available; used as the
// terminal fallback.
type memoryStore struct {
	mu    sync.RWMutex
	items map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{items: make(map[string]string)}
}

func (m *memoryStore) GetItem(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *memoryStore) SetItem(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *memoryStore) RemoveItem(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *memoryStore) Migrate(ctx context.Context, from Store, keys []string) error {
	return migrateKeys(ctx, m, from, keys)
}

// fileStore persists one file per key under a directory. Writes go through a
// temp file and a rename so a racing writer can lose an update but never
// corrupt the record.
type fileStore struct {
	dir string
}

func newFileStore(dir string) (*fileStore, error) {
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(base, "driftline")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{dir: dir}, nil
}

func (f *fileStore) path(key string) string {
	return filepath.Join(f.dir, url.PathEscape(key))
}

func (f *fileStore) GetItem(_ context.Context, key string) (string, bool, error) {
	data, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

func (f *fileStore) SetItem(_ context.Context, key, value string) error {
	tmp, err := os.CreateTemp(f.dir, url.PathEscape(key)+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path(key))
}

func (f *fileStore) RemoveItem(_ context.Context, key string) error {
	err := os.Remove(f.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *fileStore) Migrate(ctx context.Context, from Store, keys []string) error {
	return migrateKeys(ctx, f, from, keys)
}

// redisStore persists to redis with no expiry.
type redisStore struct {
	client *redis.Client
}

func newRedisStore(cfg StorageConfig) *redisStore {
	client := cfg.RedisClient
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	return &redisStore{client: client}
}

func (r *redisStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *redisStore) SetItem(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *redisStore) RemoveItem(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *redisStore) Migrate(ctx context.Context, from Store, keys []string) error {
	return migrateKeys(ctx, r, from, keys)
}

// compositeStore writes through to both backends and reads from primary
// first, falling back to secondary on a miss or a read error.
type compositeStore struct {
	primary   Store
	secondary Store
}

func (c *compositeStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := c.primary.GetItem(ctx, key)
	if err == nil && ok {
		return v, true, nil
	}
	return c.secondary.GetItem(ctx, key)
}

func (c *compositeStore) SetItem(ctx context.Context, key, value string) error {
	err := c.primary.SetItem(ctx, key, value)
	if serr := c.secondary.SetItem(ctx, key, value); err == nil {
		err = serr
	}
	return err
}

func (c *compositeStore) RemoveItem(ctx context.Context, key string) error {
	err := c.primary.RemoveItem(ctx, key)
	if serr := c.secondary.RemoveItem(ctx, key); err == nil {
		err = serr
	}
	return err
}

func (c *compositeStore) Migrate(ctx context.Context, from Store, keys []string) error {
	return migrateKeys(ctx, c, from, keys)
}
