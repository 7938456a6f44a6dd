package docstore

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
	"github.com/xxxsen/solemn/internal/model"
)

const (
	TypeJSONFile = "jsonfile"

	idWidth = 6
)

// Store is the durable home of verified submissions.
//
// Insert assigns a sequential id unless sub.ID is preset. When
// sub.VerificationID matches an existing record, that record's id is returned
// and nothing is written, so a retried promotion never duplicates a
// submission.
type Store interface {
	Type() string
	Insert(ctx context.Context, sub *model.Submission) (string, error)
	Get(ctx context.Context, id string) (*model.Submission, error)
	ListRecent(ctx context.Context, limit int) ([]*model.Submission, error)
	Count(ctx context.Context) (int64, error)
	CountSince(ctx context.Context, since time.Time) (int64, error)
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
		return nil, fmt.Errorf("doc_store.type is required")
	}
	registryMu.RLock()
	factory := registry[key]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unsupported doc store type: %s", cfg.Type)
	}
	return factory(cfg.Data)
}

// Open builds the configured store. If it cannot be reached and a fallback
// file is configured, submissions go to that file instead.
func Open(ctx context.Context, cfg config.DocStoreConfig) (Store, error) {
	store, err := New(cfg.StoreConfig)
	if err == nil {
		return store, nil
	}
	if cfg.FallbackFile == "" || strings.EqualFold(cfg.Type, TypeJSONFile) {
		return nil, err
	}
	logutil.GetLogger(ctx).Warn("doc store unavailable, falling back to json file",
		zap.String("type", cfg.Type),
		zap.String("file", cfg.FallbackFile),
		zap.Error(err),
	)
	return NewJSONFileStore(cfg.FallbackFile)
}

func formatID(seq int64) string {
	return fmt.Sprintf("%0*d", idWidth, seq)
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return fmt.Errorf("doc store config is required")
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode doc store config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode doc store config: %w", err)
	}
	return nil
}
