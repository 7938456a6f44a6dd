package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/solemn/internal/config"
)

// Store is the key-value capability shared by OTP records, rate limit
// counters, metrics and admin state. Get returns errors.ErrNotFound for an
// absent key.
type Store interface {
	Type() string
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// CompareAndSwap replaces the value only if it currently equals expected.
	CompareAndSwap(ctx context.Context, key string, expected, next []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete removes the key only if it currently equals expected.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
	// Incr adds one to a counter; a new counter expires after window.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

type Factory func(args interface{}) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func Register(name string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registryMu.Lock()
	registry[key] = factory
	registryMu.Unlock()
}

func New(cfg config.StoreConfig) (Store, error) {
	key := strings.ToLower(strings.TrimSpace(cfg.Type))
	if key == "" {
		return nil, fmt.Errorf("kv_store.type is required")
	}
	registryMu.RLock()
	factory := registry[key]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unsupported kv store type: %s", cfg.Type)
	}
	return factory(cfg.Data)
}

// Open builds the configured store and, when allowed, degrades to the
// in-process memory store if the primary cannot be reached at startup.
func Open(ctx context.Context, cfg config.KVStoreConfig) (Store, error) {
	store, err := New(cfg.StoreConfig)
	if err == nil {
		return store, nil
	}
	if !cfg.FallbackMemory || strings.EqualFold(cfg.Type, typeMemory) {
		return nil, err
	}
	logutil.GetLogger(ctx).Warn("kv store unavailable, falling back to memory",
		zap.String("type", cfg.Type),
		zap.Error(err),
	)
	return New(config.StoreConfig{Type: typeMemory})
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode kv store config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode kv store config: %w", err)
	}
	return nil
}
