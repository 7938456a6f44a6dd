package otp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/solemn/internal/model"
	appErr "github.com/xxxsen/solemn/internal/pkg/errors"
)

const (
	keyPrefix  = "otp:"
	casRetries = 8

	defaultClaimTimeout      = 30 * time.Second
	defaultPersistTimeout    = 10 * time.Second
	defaultVerifiedRetention = 24 * time.Hour
)

// Store is the subset of the key-value capability the manager needs. Get
// returns errors.ErrNotFound for an absent key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error
	CompareAndSwap(ctx context.Context, key string, expected, next []byte, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
}

type Message struct {
	Subject string
	Body    string
}

type Dispatcher interface {
	Send(ctx context.Context, address string, msg Message) error
}

// PersistRequest is handed to the Persister once a code matches. Nonce is
// stable for the lifetime of one challenge and must be used as a dedupe key.
type PersistRequest struct {
	Key     string
	Nonce   string
	Address string
	Payload json.RawMessage
}

type Persister interface {
	Persist(ctx context.Context, req PersistRequest) (string, error)
}

// ComposeFunc renders the message carrying a fresh code.
type ComposeFunc func(code string, ttl time.Duration) (Message, error)

type Config struct {
	CodeLength        int
	TTL               time.Duration
	MaxAttempts       int
	ResendInterval    time.Duration
	MaxResends        int
	StoreTimeout      time.Duration
	DeliveryTimeout   time.Duration
	PersistTimeout    time.Duration
	VerifiedRetention time.Duration
	ClaimTimeout      time.Duration
	Secret            []byte
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithCodeGenerator(fn func(length int) (string, error)) Option {
	return func(m *Manager) {
		m.generate = fn
	}
}

func WithComposer(fn ComposeFunc) Option {
	return func(m *Manager) {
		m.compose = fn
	}
}

// Handle describes a live challenge without exposing the code.
type Handle struct {
	Key               string                  `json:"-"`
	State             model.VerificationState `json:"state"`
	ExpiresAt         time.Time               `json:"expires_at"`
	AttemptsRemaining int                     `json:"attempts_remaining"`
	ResendsRemaining  int                     `json:"resends_remaining"`
	SubmissionID      string                  `json:"submission_id,omitempty"`
}

// Manager runs the OTP lifecycle on top of a Store. All record mutations are
// compare-and-swap on the serialized record, so any number of Manager
// instances may share one Store.
type Manager struct {
	store      Store
	dispatcher Dispatcher
	persister  Persister
	cfg        Config
	now        func() time.Time
	generate   func(length int) (string, error)
	compose    ComposeFunc
}

func NewManager(store Store, dispatcher Dispatcher, persister Persister, cfg Config, opts ...Option) *Manager {
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 6
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	if cfg.VerifiedRetention <= 0 {
		cfg.VerifiedRetention = defaultVerifiedRetention
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = defaultClaimTimeout
	}
	m := &Manager{
		store:      store,
		dispatcher: dispatcher,
		persister:  persister,
		cfg:        cfg,
		now:        time.Now,
		generate:   GenerateCode,
		compose:    defaultCompose,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func defaultCompose(code string, ttl time.Duration) (Message, error) {
	return Message{
		Subject: "Your verification code",
		Body:    fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(ttl.Minutes())),
	}, nil
}

// Begin starts a challenge for key, replacing any previous one, and sends the
// code to address. When delivery fails the stored record is kept and both the
// handle and an error wrapping ErrDeliveryFailed are returned.
func (m *Manager) Begin(ctx context.Context, key string, payload json.RawMessage, address string) (*Handle, error) {
	key = strings.TrimSpace(key)
	address = strings.TrimSpace(address)
	if key == "" || address == "" {
		return nil, appErr.ErrInvalid
	}
	code, err := m.generate(m.cfg.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}
	now := m.now()
	rec := &model.PendingVerification{
		Key:               key,
		Nonce:             uuid.NewString(),
		Version:           1,
		State:             model.VerificationPending,
		CodeHash:          digest(m.cfg.Secret, key, code),
		Address:           address,
		CreatedAt:         now,
		ExpiresAt:         now.Add(m.cfg.TTL),
		AttemptsRemaining: m.cfg.MaxAttempts,
		Payload:           payload,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode verification: %w", err)
	}
	err = m.withStore(ctx, func(ctx context.Context) error {
		return m.store.SetWithExpiry(ctx, storeKey(key), raw, m.cfg.TTL)
	})
	if err != nil {
		return nil, err
	}
	handle := m.handleFor(rec)
	if err := m.deliver(ctx, address, code); err != nil {
		return handle, err
	}
	return handle, nil
}

// Resend issues a fresh code for a live pending challenge.
func (m *Manager) Resend(ctx context.Context, key string) (*Handle, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, appErr.ErrInvalid
	}
	for i := 0; i < casRetries; i++ {
		rec, raw, err := m.load(ctx, key)
		if err != nil {
			return nil, err
		}
		now := m.now()
		if rec == nil {
			return nil, appErr.ErrExpired
		}
		if rec.ExpiredAt(now) {
			m.dropStale(ctx, key, raw)
			return nil, appErr.ErrExpired
		}
		switch rec.State {
		case model.VerificationVerified:
			return nil, &AlreadyVerifiedError{}
		case model.VerificationPromoting:
			if !m.claimAbandoned(rec, now) {
				return nil, &AlreadyVerifiedError{}
			}
		case model.VerificationExhausted:
			return nil, appErr.ErrAttemptsExhausted
		}
		if rec.ResendCount >= m.cfg.MaxResends {
			return nil, appErr.ErrResendLimitExceeded
		}
		if !rec.LastResendAt.IsZero() {
			if wait := m.cfg.ResendInterval - now.Sub(rec.LastResendAt); wait > 0 {
				return nil, &TooSoonError{RetryAfter: wait}
			}
		}
		code, err := m.generate(m.cfg.CodeLength)
		if err != nil {
			return nil, fmt.Errorf("generate code: %w", err)
		}
		next := rec.Clone()
		next.Version++
		next.State = model.VerificationPending
		next.ClaimedAt = time.Time{}
		next.CodeHash = digest(m.cfg.Secret, key, code)
		next.ExpiresAt = now.Add(m.cfg.TTL)
		next.AttemptsRemaining = m.cfg.MaxAttempts
		next.ResendCount++
		next.LastResendAt = now
		ok, _, err := m.swap(ctx, key, raw, next, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		handle := m.handleFor(next)
		if err := m.deliver(ctx, next.Address, code); err != nil {
			return handle, err
		}
		return handle, nil
	}
	return nil, fmt.Errorf("%w: verification record contended", appErr.ErrStorageUnavailable)
}

// Verify checks candidate against the live challenge and, on a match,
// promotes its payload through the Persister exactly once.
func (m *Manager) Verify(ctx context.Context, key, candidate string) (string, error) {
	key = strings.TrimSpace(key)
	candidate = strings.TrimSpace(candidate)
	if key == "" {
		return "", appErr.ErrInvalid
	}
	for i := 0; i < casRetries; i++ {
		rec, raw, err := m.load(ctx, key)
		if err != nil {
			return "", err
		}
		now := m.now()
		if rec == nil {
			return "", appErr.ErrExpired
		}
		if rec.ExpiredAt(now) {
			m.dropStale(ctx, key, raw)
			return "", appErr.ErrExpired
		}
		// A finished or in-flight challenge only answers to its own code.
		switch rec.State {
		case model.VerificationVerified:
			if !codeMatches(m.cfg.Secret, key, rec.CodeHash, candidate) {
				return "", appErr.ErrExpired
			}
			return "", &AlreadyVerifiedError{SubmissionID: rec.SubmissionID}
		case model.VerificationExhausted:
			return "", appErr.ErrAttemptsExhausted
		case model.VerificationPromoting:
			if !m.claimAbandoned(rec, now) {
				if !codeMatches(m.cfg.Secret, key, rec.CodeHash, candidate) {
					return "", &InvalidCodeError{Remaining: rec.AttemptsRemaining}
				}
				return "", &AlreadyVerifiedError{}
			}
		}
		if rec.AttemptsRemaining <= 0 {
			next := rec.Clone()
			next.Version++
			next.State = model.VerificationExhausted
			next.AttemptsRemaining = 0
			ok, _, err := m.swap(ctx, key, raw, next, now)
			if err != nil {
				return "", err
			}
			if !ok {
				continue
			}
			return "", appErr.ErrAttemptsExhausted
		}
		if !codeMatches(m.cfg.Secret, key, rec.CodeHash, candidate) {
			next := rec.Clone()
			next.Version++
			next.State = model.VerificationPending
			next.ClaimedAt = time.Time{}
			next.AttemptsRemaining--
			if next.AttemptsRemaining <= 0 {
				next.AttemptsRemaining = 0
				next.State = model.VerificationExhausted
			}
			ok, _, err := m.swap(ctx, key, raw, next, now)
			if err != nil {
				return "", err
			}
			if !ok {
				continue
			}
			if next.State == model.VerificationExhausted {
				return "", appErr.ErrAttemptsExhausted
			}
			return "", &InvalidCodeError{Remaining: next.AttemptsRemaining}
		}
		id, retry, err := m.promote(ctx, key, rec, raw, now)
		if retry {
			continue
		}
		return id, err
	}
	return "", fmt.Errorf("%w: verification record contended", appErr.ErrStorageUnavailable)
}

// Status returns a read-only view of the challenge for key.
func (m *Manager) Status(ctx context.Context, key string) (*Handle, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, appErr.ErrInvalid
	}
	rec, _, err := m.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.ExpiredAt(m.now()) {
		return nil, appErr.ErrExpired
	}
	return m.handleFor(rec), nil
}

func (m *Manager) promote(ctx context.Context, key string, rec *model.PendingVerification, raw []byte, now time.Time) (string, bool, error) {
	logger := logutil.GetLogger(ctx).With(zap.String("key", key), zap.String("nonce", rec.Nonce))
	claim := rec.Clone()
	claim.Version++
	claim.State = model.VerificationPromoting
	claim.ClaimedAt = now
	ok, claimRaw, err := m.swap(ctx, key, raw, claim, now)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", true, nil
	}

	id, err := m.persist(ctx, claim)
	if err != nil {
		restore := claim.Clone()
		restore.Version++
		restore.State = model.VerificationPending
		restore.ClaimedAt = time.Time{}
		if _, _, rerr := m.swap(ctx, key, claimRaw, restore, m.now()); rerr != nil {
			logger.Error("restore verification after persist failure", zap.Error(rerr))
		}
		return "", false, err
	}

	finish := m.now()
	done := claim.Clone()
	done.Version++
	done.State = model.VerificationVerified
	done.SubmissionID = id
	done.Payload = nil
	done.ExpiresAt = finish.Add(m.cfg.VerifiedRetention)
	ok, _, err = m.swap(ctx, key, claimRaw, done, finish)
	if err != nil || !ok {
		logger.Warn("verified marker not written", zap.String("submission_id", id), zap.Bool("swapped", ok), zap.Error(err))
	}
	return id, false, nil
}

func (m *Manager) claimAbandoned(rec *model.PendingVerification, now time.Time) bool {
	return now.Sub(rec.ClaimedAt) >= m.cfg.ClaimTimeout
}

func (m *Manager) persist(ctx context.Context, rec *model.PendingVerification) (string, error) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.PersistTimeout)
	defer cancel()
	id, err := m.persister.Persist(pctx, PersistRequest{
		Key:     rec.Key,
		Nonce:   rec.Nonce,
		Address: rec.Address,
		Payload: rec.Payload,
	})
	if err != nil {
		if errors.Is(err, appErr.ErrStorageUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", appErr.ErrStorageUnavailable, err)
	}
	return id, nil
}

func (m *Manager) deliver(ctx context.Context, address, code string) error {
	msg, err := m.compose(code, m.cfg.TTL)
	if err != nil {
		return fmt.Errorf("%w: compose: %w", appErr.ErrDeliveryFailed, err)
	}
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DeliveryTimeout)
	defer cancel()
	if err := m.dispatcher.Send(dctx, address, msg); err != nil {
		logutil.GetLogger(ctx).Error("deliver verification code", zap.String("address", address), zap.Error(err))
		return fmt.Errorf("%w: %w", appErr.ErrDeliveryFailed, err)
	}
	return nil
}

// load returns a nil record when the key is absent. An undecodable record is
// removed and reported as absent.
func (m *Manager) load(ctx context.Context, key string) (*model.PendingVerification, []byte, error) {
	var raw []byte
	err := m.withStore(ctx, func(ctx context.Context) error {
		var err error
		raw, err = m.store.Get(ctx, storeKey(key))
		return err
	})
	if appErr.IsNotFound(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	rec := &model.PendingVerification{}
	if err := json.Unmarshal(raw, rec); err != nil {
		logutil.GetLogger(ctx).Warn("drop undecodable verification", zap.String("key", key), zap.Error(err))
		m.dropStale(ctx, key, raw)
		return nil, nil, nil
	}
	return rec, raw, nil
}

// swap writes next over expected. A record already past its deadline is
// deleted instead.
func (m *Manager) swap(ctx context.Context, key string, expected []byte, next *model.PendingVerification, now time.Time) (bool, []byte, error) {
	ttl := next.ExpiresAt.Sub(now)
	if ttl <= 0 {
		m.dropStale(ctx, key, expected)
		return false, nil, appErr.ErrExpired
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return false, nil, fmt.Errorf("encode verification: %w", err)
	}
	var ok bool
	err = m.withStore(ctx, func(ctx context.Context) error {
		var err error
		ok, err = m.store.CompareAndSwap(ctx, storeKey(key), expected, raw, ttl)
		return err
	})
	if err != nil {
		return false, nil, err
	}
	return ok, raw, nil
}

func (m *Manager) dropStale(ctx context.Context, key string, raw []byte) {
	err := m.withStore(ctx, func(ctx context.Context) error {
		_, err := m.store.CompareAndDelete(ctx, storeKey(key), raw)
		return err
	})
	if err != nil {
		logutil.GetLogger(ctx).Warn("delete stale verification", zap.String("key", key), zap.Error(err))
	}
}

func (m *Manager) withStore(ctx context.Context, fn func(ctx context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	err := fn(sctx)
	if err == nil || appErr.IsNotFound(err) {
		return err
	}
	return fmt.Errorf("%w: %w", appErr.ErrStorageUnavailable, err)
}

func (m *Manager) handleFor(rec *model.PendingVerification) *Handle {
	resends := m.cfg.MaxResends - rec.ResendCount
	if resends < 0 {
		resends = 0
	}
	return &Handle{
		Key:               rec.Key,
		State:             rec.State,
		ExpiresAt:         rec.ExpiresAt,
		AttemptsRemaining: rec.AttemptsRemaining,
		ResendsRemaining:  resends,
		SubmissionID:      rec.SubmissionID,
	}
}

func storeKey(key string) string {
	return keyPrefix + key
}
