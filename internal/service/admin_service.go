package service

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/solemn/internal/config"
	"github.com/xxxsen/solemn/internal/metrics"
	appErr "github.com/xxxsen/solemn/internal/pkg/errors"
	"github.com/xxxsen/solemn/internal/pkg/jwt"
	"github.com/xxxsen/solemn/internal/pkg/password"
)

const (
	adminHashKey       = "admin:password_hash"
	adminRevokedPrefix = "admin:revoked:"
	adminHashTTL       = 30 * 24 * time.Hour

	HashSourceConfig    = "config"
	HashSourceStored    = "kv_store"
	HashSourceGenerated = "generated"
)

// AdminStore keeps the generated password hash and revoked token ids.
type AdminStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type PasswordInfo struct {
	Username    string   `json:"username"`
	Source      string   `json:"password_source"`
	HashPreview string   `json:"hash_preview"`
	StoredIn    []string `json:"hash_stored_in"`
}

type AdminService struct {
	cfg     config.AdminConfig
	store   AdminStore
	metrics *metrics.Tracker
	secret  []byte
	ttl     time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	hash   string
	source string
}

// NewAdminService resolves the admin password hash. A configured hash wins;
// otherwise the plain password is hashed once and the hash is kept in the
// store so every instance shares it. With neither set admin access is off.
func NewAdminService(ctx context.Context, cfg config.AdminConfig, store AdminStore, tracker *metrics.Tracker) (*AdminService, error) {
	s := &AdminService{
		cfg:     cfg,
		store:   store,
		metrics: tracker,
		secret:  []byte(cfg.JWTSecret),
		ttl:     time.Duration(cfg.JWTTTLHours) * time.Hour,
		now:     time.Now,
	}
	if s.ttl <= 0 {
		s.ttl = 12 * time.Hour
	}
	logger := logutil.GetLogger(ctx)
	switch {
	case cfg.PasswordHash != "":
		if !password.IsHash(cfg.PasswordHash) {
			return nil, fmt.Errorf("admin password hash is not a bcrypt hash")
		}
		s.hash, s.source = cfg.PasswordHash, HashSourceConfig
	case cfg.Password != "":
		stored, err := store.Get(ctx, adminHashKey)
		if err != nil && !appErr.IsNotFound(err) {
			logger.Warn("read stored admin hash", zap.Error(err))
		}
		if err == nil && password.Match(string(stored), cfg.Password) {
			s.hash, s.source = string(stored), HashSourceStored
			break
		}
		hash, err := s.storeNewHash(ctx)
		if err != nil {
			return nil, err
		}
		s.hash, s.source = hash, HashSourceGenerated
	default:
		logger.Warn("admin credentials not configured, admin endpoints disabled")
		return s, nil
	}
	if len(s.secret) == 0 {
		return nil, fmt.Errorf("admin jwt secret is required")
	}
	logger.Info("admin auth ready", zap.String("source", s.source), zap.String("username", cfg.Username))
	return s, nil
}

func (s *AdminService) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hash != ""
}

func (s *AdminService) CheckCredentials(ctx context.Context, username, plain string) bool {
	s.mu.RLock()
	hash := s.hash
	s.mu.RUnlock()
	if hash == "" {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.cfg.Username)) == 1
	passOK := password.Match(hash, plain)
	return userOK && passOK
}

func (s *AdminService) Login(ctx context.Context, username, plain string) (*LoginResult, error) {
	if !s.Enabled() {
		return nil, appErr.ErrForbidden
	}
	if !s.CheckCredentials(ctx, username, plain) {
		s.track(ctx, metrics.AdminLoginFailed)
		logutil.GetLogger(ctx).Warn("admin login failed", zap.String("username", username))
		return nil, appErr.ErrUnauthorized
	}
	token, err := jwt.GenerateToken(username, jwt.RoleAdmin, s.secret, s.ttl)
	if err != nil {
		return nil, err
	}
	s.track(ctx, metrics.AdminLoginSuccess)
	return &LoginResult{Token: token, ExpiresAt: s.now().Add(s.ttl)}, nil
}

// ParseToken rejects tokens whose id was revoked by Logout. A store error
// rejects the token as well.
func (s *AdminService) ParseToken(ctx context.Context, token string) (*jwt.Claims, error) {
	claims, err := jwt.ParseToken(token, s.secret)
	if err != nil {
		return nil, appErr.ErrUnauthorized
	}
	if id := claims.TokenID(); id != "" {
		_, err := s.store.Get(ctx, adminRevokedPrefix+id)
		switch {
		case err == nil:
			return nil, appErr.ErrUnauthorized
		case !appErr.IsNotFound(err):
			return nil, fmt.Errorf("check token revocation: %w", err)
		}
	}
	return claims, nil
}

// Logout revokes claims for the rest of their lifetime. Basic auth callers
// pass nil claims and only the metric is recorded.
func (s *AdminService) Logout(ctx context.Context, claims *jwt.Claims) error {
	s.track(ctx, metrics.AdminLogout)
	if claims == nil || claims.TokenID() == "" {
		return nil
	}
	ttl := claims.ExpiresIn(s.now())
	if ttl <= 0 {
		return nil
	}
	return s.store.SetWithExpiry(ctx, adminRevokedPrefix+claims.TokenID(), []byte("1"), ttl)
}

func (s *AdminService) PasswordInfo(ctx context.Context) (*PasswordInfo, error) {
	s.mu.RLock()
	hash, source := s.hash, s.source
	s.mu.RUnlock()
	info := &PasswordInfo{
		Username:    s.cfg.Username,
		Source:      source,
		HashPreview: password.Preview(hash),
		StoredIn:    []string{},
	}
	if source == HashSourceConfig {
		info.StoredIn = append(info.StoredIn, HashSourceConfig)
	}
	stored, err := s.store.Get(ctx, adminHashKey)
	switch {
	case err == nil && string(stored) == hash:
		info.StoredIn = append(info.StoredIn, HashSourceStored)
	case err != nil && !appErr.IsNotFound(err):
		logutil.GetLogger(ctx).Warn("read stored admin hash", zap.Error(err))
	}
	return info, nil
}

// RegenerateHash re-hashes the configured plain password. It is refused when
// only a pre-computed hash is configured.
func (s *AdminService) RegenerateHash(ctx context.Context) (*PasswordInfo, error) {
	if s.cfg.Password == "" {
		return nil, fmt.Errorf("%w: no plain admin password configured", appErr.ErrInvalid)
	}
	hash, err := s.storeNewHash(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.hash, s.source = hash, HashSourceGenerated
	s.mu.Unlock()
	s.track(ctx, metrics.AdminPasswordRegen)
	return s.PasswordInfo(ctx)
}

func (s *AdminService) storeNewHash(ctx context.Context) (string, error) {
	hash, err := password.Hash(s.cfg.Password)
	if err != nil {
		return "", fmt.Errorf("hash admin password: %w", err)
	}
	if err := s.store.SetWithExpiry(ctx, adminHashKey, []byte(hash), adminHashTTL); err != nil {
		logutil.GetLogger(ctx).Warn("store admin hash", zap.Error(err))
	}
	return hash, nil
}

func (s *AdminService) track(ctx context.Context, name string) {
	if s.metrics != nil {
		s.metrics.Track(ctx, name)
	}
}
