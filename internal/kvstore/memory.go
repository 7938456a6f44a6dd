package kvstore

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/xxxsen/solemn/internal/pkg/errors"
)

const (
	typeMemory           = "memory"
	defaultMemorySize    = 100000
	defaultMemoryMaxLife = 30 * 24 * time.Hour
)

type memoryConfig struct {
	Size          int `json:"size"`
	MaxTTLSeconds int `json:"max_ttl_seconds"`
}

type memEntry struct {
	value    []byte
	deadline time.Time
}

// MemoryStore keeps everything in process. It is the fallback when redis is
// unreachable and the store used by tests; state is not shared between
// instances. The cache holds at most size entries: once full, the least
// recently used key is dropped even if its deadline has not passed, and a
// warning is logged for every such eviction.
type MemoryStore struct {
	mu       sync.Mutex
	cache    *expirable.LRU[string, memEntry]
	now      func() time.Time
	removing atomic.Bool
	evicted  atomic.Int64
}

type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for per-key deadlines.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

func init() {
	Register(typeMemory, createMemoryStore)
}

func createMemoryStore(args interface{}) (Store, error) {
	cfg := &memoryConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	return NewMemoryStore(cfg.Size, time.Duration(cfg.MaxTTLSeconds)*time.Second), nil
}

// NewMemoryStore bounds the cache to size entries; maxTTL caps how long any
// entry, including counters without a deadline, may live.
func NewMemoryStore(size int, maxTTL time.Duration, opts ...MemoryOption) *MemoryStore {
	if size <= 0 {
		size = defaultMemorySize
	}
	if maxTTL <= 0 {
		maxTTL = defaultMemoryMaxLife
	}
	s := &MemoryStore{now: time.Now}
	s.cache = expirable.NewLRU[string, memEntry](size, s.onEvict, maxTTL)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Type() string {
	return typeMemory
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.liveLocked(key)
	if !ok {
		return nil, appErr.ErrNotFound
	}
	return clone(value), nil
}

func (s *MemoryStore) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(key, memEntry{value: clone(value), deadline: s.deadline(ttl)})
	return nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, key string, expected, next []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.liveLocked(key)
	if !ok || !bytes.Equal(current, expected) {
		return false, nil
	}
	s.cache.Add(key, memEntry{value: clone(next), deadline: s.deadline(ttl)})
	return true, nil
}

func (s *MemoryStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.liveLocked(key)
	if !ok || !bytes.Equal(current, expected) {
		return false, nil
	}
	s.removeLocked(key)
	return true, nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache.Get(key)
	if ok && s.expired(entry) {
		s.removeLocked(key)
		ok = false
	}
	var n int64
	deadline := s.deadline(window)
	if ok {
		parsed, err := strconv.ParseInt(string(entry.value), 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
		deadline = entry.deadline
	}
	n++
	s.cache.Add(key, memEntry{value: []byte(strconv.FormatInt(n, 10)), deadline: deadline})
	return n, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key)
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removing.Store(true)
	defer s.removing.Store(false)
	s.cache.Purge()
	return nil
}

// Evictions reports how many live entries were dropped for lack of room.
func (s *MemoryStore) Evictions() int64 {
	return s.evicted.Load()
}

func (s *MemoryStore) liveLocked(key string) ([]byte, bool) {
	entry, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	if s.expired(entry) {
		s.removeLocked(key)
		return nil, false
	}
	return entry.value, true
}

func (s *MemoryStore) removeLocked(key string) {
	s.removing.Store(true)
	defer s.removing.Store(false)
	s.cache.Remove(key)
}

// onEvict fires for every removal; only a live entry pushed out by capacity
// counts.
func (s *MemoryStore) onEvict(key string, entry memEntry) {
	if s.removing.Load() || entry.deadline.IsZero() || s.expired(entry) {
		return
	}
	s.evicted.Add(1)
	logutil.GetLogger(context.Background()).Warn("memory store evicted live key",
		zap.String("key", key), zap.Time("deadline", entry.deadline))
}

func (s *MemoryStore) expired(entry memEntry) bool {
	return !entry.deadline.IsZero() && !s.now().Before(entry.deadline)
}

func (s *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
