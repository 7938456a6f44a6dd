package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/solemn/internal/config"
	"github.com/xxxsen/solemn/internal/docstore"
	"github.com/xxxsen/solemn/internal/kvstore"
	"github.com/xxxsen/solemn/internal/metrics"
	"github.com/xxxsen/solemn/internal/model"
	appErr "github.com/xxxsen/solemn/internal/pkg/errors"
	"github.com/xxxsen/solemn/internal/pkg/password"
)

func adminConfig() config.AdminConfig {
	return config.AdminConfig{
		Username:    "admin",
		Password:    "correct horse",
		JWTSecret:   "jwt-secret",
		JWTTTLHours: 1,
	}
}

func TestAdminService_Disabled(t *testing.T) {
	ctx := context.Background()
	svc, err := NewAdminService(ctx, config.AdminConfig{Username: "admin"}, kvstore.NewMemoryStore(0, 0), nil)
	require.NoError(t, err)
	require.False(t, svc.Enabled())
	require.False(t, svc.CheckCredentials(ctx, "admin", ""))
	_, err = svc.Login(ctx, "admin", "admin123")
	require.ErrorIs(t, err, appErr.ErrForbidden)
}

func TestAdminService_GeneratedHashIsShared(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore(0, 0)

	first, err := NewAdminService(ctx, adminConfig(), kv, nil)
	require.NoError(t, err)
	info, err := first.PasswordInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, HashSourceGenerated, info.Source)
	require.Equal(t, []string{HashSourceStored}, info.StoredIn)

	second, err := NewAdminService(ctx, adminConfig(), kv, nil)
	require.NoError(t, err)
	info2, err := second.PasswordInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, HashSourceStored, info2.Source)
	require.Equal(t, info.HashPreview, info2.HashPreview)

	changed := adminConfig()
	changed.Password = "a new password"
	third, err := NewAdminService(ctx, changed, kv, nil)
	require.NoError(t, err)
	require.True(t, third.CheckCredentials(ctx, "admin", "a new password"))
	require.False(t, third.CheckCredentials(ctx, "admin", "correct horse"))
}

func TestAdminService_ConfiguredHash(t *testing.T) {
	ctx := context.Background()
	hash, err := password.Hash("from-config")
	require.NoError(t, err)
	cfg := adminConfig()
	cfg.Password = ""
	cfg.PasswordHash = hash

	svc, err := NewAdminService(ctx, cfg, kvstore.NewMemoryStore(0, 0), nil)
	require.NoError(t, err)
	require.True(t, svc.CheckCredentials(ctx, "admin", "from-config"))
	require.False(t, svc.CheckCredentials(ctx, "root", "from-config"))

	_, err = svc.RegenerateHash(ctx)
	require.ErrorIs(t, err, appErr.ErrInvalid)

	cfg.PasswordHash = "plain-text"
	_, err = NewAdminService(ctx, cfg, kvstore.NewMemoryStore(0, 0), nil)
	require.Error(t, err)
}

func TestAdminService_LoginLogout(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore(0, 0)
	tracker := metrics.NewTracker(kv)
	svc, err := NewAdminService(ctx, adminConfig(), kv, tracker)
	require.NoError(t, err)

	_, err = svc.Login(ctx, "admin", "wrong")
	require.ErrorIs(t, err, appErr.ErrUnauthorized)

	res, err := svc.Login(ctx, "admin", "correct horse")
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Hour), res.ExpiresAt, time.Minute)

	claims, err := svc.ParseToken(ctx, res.Token)
	require.NoError(t, err)
	require.Equal(t, "admin", claims.Username)

	require.NoError(t, svc.Logout(ctx, claims))
	_, err = svc.ParseToken(ctx, res.Token)
	require.ErrorIs(t, err, appErr.ErrUnauthorized)

	_, err = svc.ParseToken(ctx, "garbage")
	require.ErrorIs(t, err, appErr.ErrUnauthorized)

	summary, err := tracker.Summary(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, summary.Today[metrics.AdminLoginSuccess])
	require.EqualValues(t, 1, summary.Today[metrics.AdminLoginFailed])
	require.EqualValues(t, 1, summary.Today[metrics.AdminLogout])
}

func TestAdminService_RegenerateHash(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore(0, 0)
	svc, err := NewAdminService(ctx, adminConfig(), kv, nil)
	require.NoError(t, err)
	before, err := svc.PasswordInfo(ctx)
	require.NoError(t, err)

	after, err := svc.RegenerateHash(ctx)
	require.NoError(t, err)
	require.NotEqual(t, before.HashPreview, after.HashPreview)
	require.Equal(t, []string{HashSourceStored}, after.StoredIn)
	require.True(t, svc.CheckCredentials(ctx, "admin", "correct horse"))
}

func TestDashboardService(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemoryStore(0, 0)
	tracker := metrics.NewTracker(kv)
	docs, err := docstore.NewJSONFileStore(filepath.Join(t.TempDir(), "subs.json"))
	require.NoError(t, err)
	for i, email := range []string{"a@example.gr", "b@example.gr"} {
		sub := model.NewSubmission(string(rune('x'+i)), model.DeclarationForm{
			FirstName: "A", LastName: "B", Email: email, Comments: "secret text",
		}, time.Now())
		_, err := docs.Insert(ctx, sub)
		require.NoError(t, err)
	}
	tracker.Track(ctx, metrics.FormSubmissionSuccess)

	dash := NewDashboardService(docs, tracker)
	list, err := dash.Submissions(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 2, list.Total)
	require.Equal(t, docstore.TypeJSONFile, list.Storage)
	for _, s := range list.Submissions {
		require.Empty(t, s.Comments)
	}

	m, err := dash.Metrics(ctx)
	require.NoError(t, err)
	require.Equal(t, "available", m.Documents.Status)
	require.EqualValues(t, 2, m.Documents.Total)
	require.EqualValues(t, 2, m.Documents.Today)
	require.EqualValues(t, 1, m.Counters.Today[metrics.FormSubmissionSuccess])
}

type stubPinger struct {
	kind string
	err  error
}

func (p stubPinger) Type() string                   { return p.kind }
func (p stubPinger) Ping(ctx context.Context) error { return p.err }

func TestHealthService(t *testing.T) {
	ctx := context.Background()
	ok := NewHealthService(stubPinger{kind: "redis"}, stubPinger{kind: "mongo"}, true).Check(ctx)
	require.True(t, ok.Healthy())
	require.Equal(t, "redis", ok.Services["kv_store"].Type)

	noMail := NewHealthService(stubPinger{kind: "redis"}, stubPinger{kind: "mongo"}, false).Check(ctx)
	require.False(t, noMail.Healthy())
	require.Equal(t, "not_configured", noMail.Services["smtp"].Status)

	down := NewHealthService(stubPinger{kind: "redis", err: appErr.ErrStorageUnavailable}, stubPinger{kind: "mongo"}, true).Check(ctx)
	require.Equal(t, StatusDegraded, down.Status)
	require.Equal(t, StatusUnhealthy, down.Services["kv_store"].Status)
	require.NotEmpty(t, down.Services["kv_store"].Error)
}
