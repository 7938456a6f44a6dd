package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/solemn/internal/docstore"
	"github.com/xxxsen/solemn/internal/model"
	appErr "github.com/xxxsen/solemn/internal/pkg/errors"
)

const SourceJSONMigration = "json_migration"

// Source lists every submission held in the fallback file.
type Source interface {
	All(ctx context.Context) ([]*model.Submission, error)
}

type MigrateResult struct {
	Scanned  int
	Migrated int
	Skipped  int
	Failed   int
}

// MigrateFallbackJob copies submissions written to the local fallback file
// while the primary document store was unreachable into the primary,
// keeping their ids. Records already present are left alone, so the job is
// safe to run repeatedly.
type MigrateFallbackJob struct {
	source Source
	target docstore.Store
	now    func() time.Time
}

func NewMigrateFallbackJob(source Source, target docstore.Store) *MigrateFallbackJob {
	return &MigrateFallbackJob{source: source, target: target, now: time.Now}
}

func (j *MigrateFallbackJob) Name() string {
	return "migrate_fallback_submissions"
}

func (j *MigrateFallbackJob) Run(ctx context.Context) error {
	_, err := j.Migrate(ctx)
	return err
}

func (j *MigrateFallbackJob) Migrate(ctx context.Context) (*MigrateResult, error) {
	res := &MigrateResult{}
	if j.source == nil || j.target == nil {
		return res, nil
	}
	logger := logutil.GetLogger(ctx).With(zap.String("target", j.target.Type()))
	items, err := j.source.All(ctx)
	if err != nil {
		return res, fmt.Errorf("read fallback submissions: %w", err)
	}
	for _, item := range items {
		res.Scanned++
		if err := ctx.Err(); err != nil {
			return res, err
		}
		_, err := j.target.Get(ctx, item.ID)
		if err == nil {
			res.Skipped++
			continue
		}
		if !appErr.IsNotFound(err) {
			return res, fmt.Errorf("lookup submission %s: %w", item.ID, err)
		}
		if _, err := j.target.Insert(ctx, j.convert(item)); err != nil {
			if errors.Is(err, appErr.ErrConflict) {
				res.Skipped++
				continue
			}
			res.Failed++
			logger.Error("migrate submission", zap.String("submission_id", item.ID), zap.Error(err))
			continue
		}
		res.Migrated++
	}
	if res.Migrated > 0 || res.Failed > 0 {
		logger.Info("fallback submissions migrated",
			zap.Int("scanned", res.Scanned),
			zap.Int("migrated", res.Migrated),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed),
		)
	}
	if res.Failed > 0 {
		return res, fmt.Errorf("%d submission(s) failed to migrate", res.Failed)
	}
	return res, nil
}

func (j *MigrateFallbackJob) convert(item *model.Submission) *model.Submission {
	out := *item
	now := j.now().UTC()
	if parts := strings.Fields(out.Name); out.FirstName == "" && out.LastName == "" && len(parts) > 0 {
		out.FirstName = parts[0]
		out.LastName = strings.Join(parts[1:], " ")
	}
	if out.Name == "" {
		out.Name = strings.TrimSpace(out.FirstName + " " + out.LastName)
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.UpdatedAt = now
	out.Status = model.SubmissionStatusMigrated
	out.Source = SourceJSONMigration
	out.EmailVerified = true
	return &out
}
