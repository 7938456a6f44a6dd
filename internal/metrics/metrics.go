package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/xxxsen/solemn/internal/pkg/errors"
)

const (
	OTPGenerated          = "otp_generated"
	OTPEmailSent          = "otp_email_sent"
	OTPEmailFailed        = "otp_email_failed"
	OTPVerifiedSuccess    = "otp_verified_success"
	OTPVerificationFailed = "otp_verification_failed"
	OTPTooManyAttempts    = "otp_too_many_attempts"
	OTPResent             = "otp_resent"
	OTPResendFailed       = "otp_resend_failed"
	FormSubmissionSuccess = "form_submission_success"
	FormSubmissionFailed  = "form_submission_failed"
	AdminLoginSuccess     = "admin_login_success"
	AdminLoginFailed      = "admin_login_failed"
	AdminLogout           = "admin_logout"
	AdminPasswordRegen    = "admin_password_regenerated"

	hourlyRetention = 7 * 24 * time.Hour
	dailyRetention  = 30 * 24 * time.Hour
)

var Names = []string{
	OTPGenerated, OTPEmailSent, OTPEmailFailed, OTPVerifiedSuccess,
	OTPVerificationFailed, OTPTooManyAttempts, OTPResent, OTPResendFailed,
	FormSubmissionSuccess, FormSubmissionFailed, AdminLoginSuccess,
	AdminLoginFailed, AdminLogout, AdminPasswordRegen,
}

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Tracker keeps hourly and daily counters per metric name.
type Tracker struct {
	store Store
	now   func() time.Time
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{store: store, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track never fails the caller; a counter that cannot be written is logged
// and dropped.
func (t *Tracker) Track(ctx context.Context, name string) {
	now := t.now().UTC()
	if _, err := t.store.Incr(ctx, hourKey(name, now), hourlyRetention); err != nil {
		logutil.GetLogger(ctx).Warn("track metric", zap.String("metric", name), zap.Error(err))
		return
	}
	if _, err := t.store.Incr(ctx, dayKey(name, now), dailyRetention); err != nil {
		logutil.GetLogger(ctx).Warn("track metric", zap.String("metric", name), zap.Error(err))
	}
}

type Summary struct {
	Date     string           `json:"date"`
	Hour     string           `json:"hour"`
	Today    map[string]int64 `json:"today"`
	ThisHour map[string]int64 `json:"this_hour"`
}

func (t *Tracker) Summary(ctx context.Context) (*Summary, error) {
	now := t.now().UTC()
	out := &Summary{
		Date:     now.Format("2006-01-02"),
		Hour:     now.Format("2006-01-02:15"),
		Today:    make(map[string]int64, len(Names)),
		ThisHour: make(map[string]int64, len(Names)),
	}
	for _, name := range Names {
		day, err := t.read(ctx, dayKey(name, now))
		if err != nil {
			return nil, err
		}
		hour, err := t.read(ctx, hourKey(name, now))
		if err != nil {
			return nil, err
		}
		out.Today[name] = day
		out.ThisHour[name] = hour
	}
	return out, nil
}

func (t *Tracker) read(ctx context.Context, key string) (int64, error) {
	raw, err := t.store.Get(ctx, key)
	if appErr.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func hourKey(name string, t time.Time) string {
	return "metrics:" + name + ":" + t.Format("2006-01-02:15")
}

func dayKey(name string, t time.Time) string {
	return "metrics:" + name + ":" + t.Format("2006-01-02")
}
