package otp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/solemn/internal/kvstore"
	"github.com/xxxsen/solemn/internal/model"
	"github.com/xxxsen/solemn/internal/otp"
	appErr "github.com/xxxsen/solemn/internal/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sentMessage struct {
	address string
	msg     otp.Message
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (d *fakeDispatcher) Send(ctx context.Context, address string, msg otp.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, sentMessage{address: address, msg: msg})
	return nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

type fakePersister struct {
	mu      sync.Mutex
	byNonce map[string]string
	inserts int
	err     error
	delay   time.Duration
	last    otp.PersistRequest
}

func newFakePersister() *fakePersister {
	return &fakePersister{byNonce: map[string]string{}}
}

func (p *fakePersister) Persist(ctx context.Context, req otp.PersistRequest) (string, error) {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.last = req
	if id, ok := p.byNonce[req.Nonce]; ok {
		return id, nil
	}
	p.inserts++
	id := fmt.Sprintf("%06d", p.inserts)
	p.byNonce[req.Nonce] = id
	return id, nil
}

func (p *fakePersister) insertCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inserts
}

type flakyStore struct {
	*kvstore.MemoryStore
	failSet bool
}

func (s *flakyStore) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.failSet {
		return errors.New("connection refused")
	}
	return s.MemoryStore.SetWithExpiry(ctx, key, value, ttl)
}

type fixture struct {
	clock      *fakeClock
	store      *kvstore.MemoryStore
	dispatcher *fakeDispatcher
	persister  *fakePersister
	codes      []string
	mgr        *otp.Manager
}

func newFixture(t *testing.T, cfg otp.Config, codes ...string) *fixture {
	t.Helper()
	f := &fixture{
		clock:      newFakeClock(),
		dispatcher: &fakeDispatcher{},
		persister:  newFakePersister(),
		codes:      codes,
	}
	f.store = kvstore.NewMemoryStore(0, 0, kvstore.WithClock(f.clock.Now))
	f.mgr = f.build(f.store, cfg)
	return f
}

func (f *fixture) build(store otp.Store, cfg otp.Config) *otp.Manager {
	if cfg.Secret == nil {
		cfg.Secret = []byte("test-secret")
	}
	var mu sync.Mutex
	return otp.NewManager(store, f.dispatcher, f.persister, cfg,
		otp.WithClock(f.clock.Now),
		otp.WithCodeGenerator(func(length int) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			if len(f.codes) == 0 {
				return "999999", nil
			}
			code := f.codes[0]
			f.codes = f.codes[1:]
			return code, nil
		}),
	)
}

func defaultConfig() otp.Config {
	return otp.Config{
		CodeLength:     6,
		TTL:            300 * time.Second,
		MaxAttempts:    5,
		ResendInterval: 30 * time.Second,
		MaxResends:     2,
	}
}

func payload(t *testing.T) json.RawMessage {
	raw, err := json.Marshal(model.DeclarationForm{FirstName: "A", LastName: "B", Email: "a@b.com", Comments: "c"})
	require.NoError(t, err)
	return raw
}

func TestVerifyCountsDownThenSucceeds(t *testing.T) {
	f := newFixture(t, defaultConfig(), "482913")
	ctx := context.Background()

	handle, err := f.mgr.Begin(ctx, "sess-1", payload(t), "a@b.com")
	require.NoError(t, err)
	require.Equal(t, 5, handle.AttemptsRemaining)
	require.Equal(t, f.clock.Now().Add(300*time.Second), handle.ExpiresAt)
	require.Equal(t, 1, f.dispatcher.count())
	require.Contains(t, f.dispatcher.sent[0].msg.Body, "482913")
	require.Equal(t, "a@b.com", f.dispatcher.sent[0].address)

	for _, want := range []int{4, 3, 2, 1} {
		_, err := f.mgr.Verify(ctx, "sess-1", "000000")
		var invalid *otp.InvalidCodeError
		require.ErrorAs(t, err, &invalid)
		require.Equal(t, want, invalid.Remaining)
		require.ErrorIs(t, err, appErr.ErrInvalidCode)
	}

	id, err := f.mgr.Verify(ctx, "sess-1", "482913")
	require.NoError(t, err)
	require.Equal(t, "000001", id)
	require.Equal(t, 1, f.persister.insertCount())
	require.Equal(t, "sess-1", f.persister.last.Key)
	require.NotEmpty(t, f.persister.last.Nonce)
	require.JSONEq(t, string(payload(t)), string(f.persister.last.Payload))
}

func TestVerifyAgainReturnsSameSubmission(t *testing.T) {
	f := newFixture(t, defaultConfig(), "123456")
	ctx := context.Background()
	_, err := f.mgr.Begin(ctx, "k", payload(t), "a@b.com")
	require.NoError(t, err)

	id, err := f.mgr.Verify(ctx, "k", "123456")
	require.NoError(t, err)

	_, err = f.mgr.Verify(ctx, "k", "123456")
	var already *otp.AlreadyVerifiedError
	require.ErrorAs(t, err, &already)
	require.Equal(t, id, already.SubmissionID)
	require.ErrorIs(t, err, appErr.ErrAlreadyVerified)
	require.Equal(t, 1, f.persister.insertCount())

	_, err = f.mgr.Resend(ctx, "k")
	require.ErrorIs(t, err, appErr.ErrAlreadyVerified)
}

func TestVerifyWrongCodeAfterSuccessRevealsNothing(t *testing.T) {
	f := newFixture(t, defaultConfig(), "482913")
	ctx := context.Background()
	_, err := f.mgr.Begin(ctx, "sess-1", payload(t), "a@b.com")
	require.NoError(t, err)
	_, err = f.mgr.Verify(ctx, "sess-1", "482913")
	require.NoError(t, err)

	_, err = f.mgr.Verify(ctx, "sess-1", "000000")
	require.ErrorIs(t, err, appErr.ErrExpired)
	var already *otp.AlreadyVerifiedError
	require.False(t, errors.As(err, &already))

	_, err = f.mgr.Resend(ctx, "sess-1")
	require.ErrorAs(t, err, &already)
	require.Empty(t, already.SubmissionID)

	_, err = f.mgr.Verify(ctx, "sess-1", "482913")
	require.ErrorAs(t, err, &already)
	require.Equal(t, "000001", already.SubmissionID)
}

func TestVerifyExhaustsAttempts(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxAttempts = 3
	f := newFixture(t, cfg, "123456")
	ctx := context.Background()
	_, err := f.mgr.Begin(ctx, "k", payload(t), "a@b.com")
	require.NoError(t, err)

	_, err = f.mgr.Verify(ctx, "k", "000000")
	var invalid *otp.InvalidCodeError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, 2, invalid.Remaining)
	_, err = f.mgr.Verify(ctx, "k", "000000")
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, 1, invalid.Remaining)
	_, err = f.mgr.Verify(ctx, "k", "000000")
	require.ErrorIs(t, err, appErr.ErrAttemptsExhausted)

	_, err = f.mgr.Verify(ctx, "k", "123456")
	require.ErrorIs(t, err, appErr.ErrAttemptsExhausted)
	require.Equal(t, 0, f.persister.insertCount())

	_, err = f.mgr.Resend(ctx, "k")
	require.ErrorIs(t, err, appErr.ErrAttemptsExhausted)
}

func TestVerifyOnLastAttemptSucceeds(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxAttempts = 2
	f := newFixture(t, cfg, "123456")
	ctx := context.Background()
	_, err := f.mgr.Begin(ctx, "k", payload(t), "a@b.com")
	require.NoError(t, err)

	_, err = f.mgr.Verify(ctx, "k", "111111")
	require.ErrorIs(t, err, appErr.ErrInvalidCode)
	id, err := f.mgr.Verify(ctx, "k", "123456")
	require.NoError(t, err)
	require.NotEmpty(t, id)
}

func TestVerifyAfterExpiry(t *testing.T) {
	f := newFixture(t, defaultConfig(), "123456")
	ctx := context.Background()
	_, err := f.mgr.Begin(ctx, "k", payload(t), "a@b.com")
	require.NoError(t, err)

	f.clock.Advance(301 * time.Second)
	_, err = f.mgr.Verify(ctx, "k", "123456")
	require.ErrorIs(t, err, appErr.ErrExpired)
	_, err = f.mgr.Resend(ctx, "k")
	require.ErrorIs(t, err, appErr.ErrExpired)
	_, err = f.mgr.Status(ctx, "k")
	require.ErrorIs(t, err, appErr.ErrExpired)
	require.Equal(t, 0, f.persister.insertCount())
}

func TestVerifyUnknownKey(t *testing.T) {
	f := newFixture(t, defaultConfig())
	_, err := f.mgr.Verify(context.Background(), "missing", "123456")
	require.ErrorIs(t, err, appErr.ErrExpired)
}

func TestExpiredRecordIgnoredWhenStoreLags(t *testing.T) {
	f := newFixture(t, defaultConfig(), "123456")
	ctx := context.Background()
	_, err := f.mgr.Begin(ctx, "k", payload(t), "a@b.com")
	require.NoError(t, err)

	// Store keeps the record alive longer than the record's own deadline.
	raw, err := f.store.Get(ctx, "otp:k")
	require.NoError(t, err)
	require.NoError(t, f.store.SetWithExpiry(ctx, "otp:k", raw, time.Hour))

	f.clock.Advance(400 * time.Second)
	_, err = f.mgr.Verify(ctx, "k", "123456")
	require.ErrorIs(t, err, appErr.ErrExpired)
	_, err = f.store.Get(ctx, "otp:k")
	require.ErrorIs(t, err, appErr.ErrNotFound)
}

func TestBeginSupersedesPreviousChallenge(t *testing.T) {
	f := newFixture(t, defaultConfig(), "111111", "222222")
	ctx := context.Background()
	_, err := f.mgr.Begin(ctx, "k", payload(t), "a@b.com")
	require.NoError(t, err)
	_, err = f.mgr.Begin(ctx, "k", payload(t), "a@b.com")
	require.NoError(t, err)

	_, err = f.mgr.Verify(ctx, "k", "111111")
	require.ErrorIs(t, err, appErr.ErrInvalidCode)
	_, err = f.mgr.Verify(ctx, "k", "222222")
	require.NoError(t, err)
}

func TestBeginStorageFailureSkipsDelivery(t *testing.T) {
	f := newFixture(t, defaultConfig(), "123456")
	store := &flakyStore{MemoryStore: f.store, failSet: true}
	mgr := f.build(store, defaultConfig())

	_, err := mgr.Begin(context.Background(), "k", payload(t), "a@b.com")
	require.ErrorIs(t, err, appErr.ErrStorageUnavailable)
	require.Equal(t, 0, f.dispatcher.count())
}

func TestBeginDeliveryFailureKeepsRecord(t *testing.T) {
	f := newFixture(t, defaultConfig(), "123456")
	f.dispatcher.err = errors.New("smtp down")
	ctx := context.Background()

	handle, err := f.mgr.Begin(ctx, "k", payload(t), "a@b.com")
	require.ErrorIs(t, err, appErr.ErrDeliveryFailed)
	require.NotNil(t, handle)

	status, err := f.mgr.Status(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, model.VerificationPending, status.State)
	require.Equal(t, 5, status.AttemptsRemaining)
}

func TestBeginRejectsEmptyInput(t *testing.T) {
	f := newFixture(t, defaultConfig())
	_, err := f.mgr.Begin(context.Background(), " ", payload(t), "a@b.com")
	require.ErrorIs(t, err, appErr.ErrInvalid)
	_, err = f.mgr.Begin(context.Background(), "k", payload(t), "")
	require.ErrorIs(t, err, appErr.ErrInvalid)
}

func TestResendThrottling(t *testing.T) {
	f := newFixture(t, defaultConfig(), "111111", "222222", "333333")
	ctx := context.Background()
	_, err := f.mgr.Begin(ctx, "k", payload(t), "a@b.com")
	require.NoError(t, err)
	_, err = f.mgr.Verify(ctx, "k", "000000")
	require.ErrorIs(t, err, appErr.ErrInvalidCode)

	handle, err := f.mgr.Resend(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, 5, handle.AttemptsRemaining)
	require.Equal(t, 1, handle.ResendsRemaining)
	require.Equal(t, 2, f.dispatcher.count())

	f.clock.Advance(10 * time.Second)
	_, err = f.mgr.Resend(ctx, "k")
	var tooSoon *otp.TooSoonError
	require.ErrorAs(t, err, &tooSoon)
	require.Equal(t, 20*time.Second, tooSoon.RetryAfter)
	require.ErrorIs(t, err, appErr.ErrTooSoon)

	f.clock.Advance(21 * time.Second)
	_, err = f.mgr.Resend(ctx, "k")
	require.NoError(t, err)

	f.clock.Advance(31 * time.Second)
	_, err = f.mgr.Resend(ctx, "k")
	require.ErrorIs(t, err, appErr.ErrResendLimitExceeded)

	_, err = f.mgr.Verify(ctx, "k", "111111")
	require.ErrorIs(t, err, appErr.ErrInvalidCode)
	_, err = f.mgr.Verify(ctx, "k", "222222")
	require.ErrorIs(t, err, appErr.ErrInvalidCode)
	_, err = f.mgr.Verify(ctx, "k", "333333")
	require.NoError(t, err)
}

func TestResendExtendsExpiry(t *testing.T) {
	f := newFixture(t, defaultConfig(), "111111", "222222")
	ctx := context.Background()
	_, err := f.mgr.Begin(ctx, "k", payload(t), "a@b.com")
	require.NoError(t, err)

	f.clock.Advance(250 * time.Second)
	_, err = f.mgr.Resend(ctx, "k")
	require.NoError(t, err)

	f.clock.Advance(250 * time.Second)
	id, err := f.mgr.Verify(ctx, "k", "222222")
	require.NoError(t, err)
	require.NotEmpty(t, id)
}

func TestResendDeliveryFailure(t *testing.T) {
	f := newFixture(t, defaultConfig(), "111111", "222222")
	ctx := context.Background()
	_, err := f.mgr.Begin(ctx, "k", payload(t), "a@b.com")
	require.NoError(t, err)

	f.dispatcher.err = errors.New("smtp down")
	_, err = f.mgr.Resend(ctx, "k")
	require.ErrorIs(t, err, appErr.ErrDeliveryFailed)
}

func TestPersistFailureKeepsAttempt(t *testing.T) {
	f := newFixture(t, defaultConfig(), "123456")
	ctx := context.Background()
	_, err := f.mgr.Begin(ctx, "k", payload(t), "a@b.com")
	require.NoError(t, err)

	f.persister.err = errors.New("mongo down")
	_, err = f.mgr.Verify(ctx, "k", "123456")
	require.ErrorIs(t, err, appErr.ErrStorageUnavailable)

	status, err := f.mgr.Status(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, model.VerificationPending, status.State)
	require.Equal(t, 5, status.AttemptsRemaining)

	f.persister.err = nil
	id, err := f.mgr.Verify(ctx, "k", "123456")
	require.NoError(t, err)
	require.Equal(t, "000001", id)
}

func TestAbandonedClaimIsReclaimed(t *testing.T) {
	f := newFixture(t, defaultConfig(), "123456")
	ctx := context.Background()
	_, err := f.mgr.Begin(ctx, "k", payload(t), "a@b.com")
	require.NoError(t, err)

	raw, err := f.store.Get(ctx, "otp:k")
	require.NoError(t, err)
	rec := &model.PendingVerification{}
	require.NoError(t, json.Unmarshal(raw, rec))
	rec.State = model.VerificationPromoting
	rec.ClaimedAt = f.clock.Now()
	rec.Version++
	claimed, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, f.store.SetWithExpiry(ctx, "otp:k", claimed, time.Minute*5))

	_, err = f.mgr.Verify(ctx, "k", "123456")
	var already *otp.AlreadyVerifiedError
	require.ErrorAs(t, err, &already)
	require.Empty(t, already.SubmissionID)

	_, err = f.mgr.Verify(ctx, "k", "000000")
	var invalid *otp.InvalidCodeError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, 5, invalid.Remaining)

	f.clock.Advance(time.Minute)
	id, err := f.mgr.Verify(ctx, "k", "123456")
	require.NoError(t, err)
	require.NotEmpty(t, id)
}

func TestResendAfterAbandonedClaim(t *testing.T) {
	f := newFixture(t, defaultConfig(), "123456", "654321")
	ctx := context.Background()
	_, err := f.mgr.Begin(ctx, "k", payload(t), "a@b.com")
	require.NoError(t, err)

	raw, err := f.store.Get(ctx, "otp:k")
	require.NoError(t, err)
	rec := &model.PendingVerification{}
	require.NoError(t, json.Unmarshal(raw, rec))
	rec.State = model.VerificationPromoting
	rec.ClaimedAt = f.clock.Now()
	rec.Version++
	claimed, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, f.store.SetWithExpiry(ctx, "otp:k", claimed, time.Minute*5))

	_, err = f.mgr.Resend(ctx, "k")
	require.ErrorIs(t, err, appErr.ErrAlreadyVerified)

	f.clock.Advance(time.Minute)
	handle, err := f.mgr.Resend(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, model.VerificationPending, handle.State)
	require.Equal(t, 2, f.dispatcher.count())

	id, err := f.mgr.Verify(ctx, "k", "654321")
	require.NoError(t, err)
	require.Equal(t, "000001", id)
	require.Equal(t, 1, f.persister.insertCount())
}

func TestConcurrentVerifyPersistsOnce(t *testing.T) {
	f := newFixture(t, defaultConfig(), "123456")
	f.persister.delay = 5 * time.Millisecond
	ctx := context.Background()
	_, err := f.mgr.Begin(ctx, "k", payload(t), "a@b.com")
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		successes int32
		already   int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.Verify(ctx, "k", "123456")
			switch {
			case err == nil:
				atomic.AddInt32(&successes, 1)
			case errors.Is(err, appErr.ErrAlreadyVerified):
				atomic.AddInt32(&already, 1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), successes)
	require.Equal(t, int32(15), already)
	require.Equal(t, 1, f.persister.insertCount())
}

func TestConcurrentMismatchesNeverUnderflow(t *testing.T) {
	f := newFixture(t, defaultConfig(), "123456")
	ctx := context.Background()
	_, err := f.mgr.Begin(ctx, "k", payload(t), "a@b.com")
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		invalid   int32
		exhausted int32
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.Verify(ctx, "k", "000000")
			switch {
			case errors.Is(err, appErr.ErrInvalidCode):
				atomic.AddInt32(&invalid, 1)
			case errors.Is(err, appErr.ErrAttemptsExhausted):
				atomic.AddInt32(&exhausted, 1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(4), invalid)
	require.Equal(t, int32(1), exhausted)

	status, err := f.mgr.Status(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, 0, status.AttemptsRemaining)
	require.Equal(t, model.VerificationExhausted, status.State)
}

func TestGenerateCode(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := otp.GenerateCode(6)
		require.NoError(t, err)
		require.Len(t, code, 6)
		for _, r := range code {
			require.True(t, r >= '0' && r <= '9')
		}
	}
	_, err := otp.GenerateCode(0)
	require.Error(t, err)
}

func TestCodeNotStoredInPlaintext(t *testing.T) {
	f := newFixture(t, defaultConfig(), "482913")
	ctx := context.Background()
	_, err := f.mgr.Begin(ctx, "k", payload(t), "a@b.com")
	require.NoError(t, err)
	raw, err := f.store.Get(ctx, "otp:k")
	require.NoError(t, err)
	require.NotContains(t, string(raw), "482913")
}
