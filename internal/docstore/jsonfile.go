package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/xxxsen/solemn/internal/model"
	appErr "github.com/xxxsen/solemn/internal/pkg/errors"
)

type jsonFileConfig struct {
	Path string `json:"path"`
}

// fileRecord accepts the older tracking layout where only a free-form date
// was kept next to name and email.
type fileRecord struct {
	model.Submission
	Date string `json:"date,omitempty"`
}

// JSONFileStore keeps submissions in one JSON object keyed by submission id.
// It is meant for single-instance deployments and as the fallback when the
// primary store is down.
type JSONFileStore struct {
	mu   sync.Mutex
	path string
}

func init() {
	Register(TypeJSONFile, createJSONFileStore)
}

func createJSONFileStore(args interface{}) (Store, error) {
	cfg := &jsonFileConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	return NewJSONFileStore(cfg.Path)
}

func NewJSONFileStore(path string) (*JSONFileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("json file path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &JSONFileStore{path: path}, nil
}

func (s *JSONFileStore) Type() string {
	return TypeJSONFile
}

func (s *JSONFileStore) Path() string {
	return s.path
}

func (s *JSONFileStore) Insert(ctx context.Context, sub *model.Submission) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.load()
	if err != nil {
		return "", err
	}
	if sub.VerificationID != "" {
		for id, item := range items {
			if item.VerificationID == sub.VerificationID {
				return id, nil
			}
		}
	}
	id := sub.ID
	if id == "" {
		id = formatID(maxSeq(items) + 1)
	}
	if _, ok := items[id]; ok {
		return "", appErr.ErrConflict
	}
	stored := *sub
	stored.ID = id
	items[id] = &stored
	if err := s.save(items); err != nil {
		return "", err
	}
	return id, nil
}

func (s *JSONFileStore) Get(ctx context.Context, id string) (*model.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.load()
	if err != nil {
		return nil, err
	}
	item, ok := items[id]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	return item, nil
}

func (s *JSONFileStore) ListRecent(ctx context.Context, limit int) ([]*model.Submission, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// All returns every stored submission ordered by id.
func (s *JSONFileStore) All(ctx context.Context) ([]*model.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*model.Submission, 0, len(items))
	for _, item := range items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *JSONFileStore) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.load()
	if err != nil {
		return 0, err
	}
	return int64(len(items)), nil
}

func (s *JSONFileStore) CountSince(ctx context.Context, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.load()
	if err != nil {
		return 0, err
	}
	var n int64
	for _, item := range items {
		if !item.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *JSONFileStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.load()
	return err
}

func (s *JSONFileStore) Close() error {
	return nil
}

func (s *JSONFileStore) load() (map[string]*model.Submission, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]*model.Submission{}, nil
	}
	if err != nil {
		return nil, err
	}
	records := map[string]*fileRecord{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, fmt.Errorf("decode %s: %w", s.path, err)
		}
	}
	items := make(map[string]*model.Submission, len(records))
	for id, rec := range records {
		sub := rec.Submission
		sub.ID = id
		if sub.CreatedAt.IsZero() && rec.Date != "" {
			if t, err := parseLegacyDate(rec.Date); err == nil {
				sub.CreatedAt = t
			}
		}
		items[id] = &sub
	}
	return items, nil
}

// save writes through a temp file and rename so a crash never leaves a
// truncated file behind.
func (s *JSONFileStore) save(items map[string]*model.Submission) error {
	raw, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func maxSeq(items map[string]*model.Submission) int64 {
	var top int64
	for id := range items {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil && n > top {
			top = n
		}
	}
	return top
}

func parseLegacyDate(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", v)
}
