package service

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/solemn/internal/docstore"
	"github.com/xxxsen/solemn/internal/metrics"
	"github.com/xxxsen/solemn/internal/model"
)

const defaultListLimit = 50

type SubmissionList struct {
	Submissions []model.Submission `json:"submissions"`
	Total       int                `json:"total"`
	Storage     string             `json:"storage"`
	Timestamp   time.Time          `json:"timestamp"`
}

type StorageCounts struct {
	Status string `json:"status"`
	Total  int64  `json:"total_submissions"`
	Today  int64  `json:"today_submissions"`
	Error  string `json:"error,omitempty"`
}

type DashboardMetrics struct {
	Counters  *metrics.Summary `json:"counters"`
	Storage   string           `json:"storage"`
	Documents StorageCounts    `json:"documents"`
	Timestamp time.Time        `json:"timestamp"`
}

// DashboardService backs the read-only admin views.
type DashboardService struct {
	docs    docstore.Store
	metrics *metrics.Tracker
	now     func() time.Time
}

func NewDashboardService(docs docstore.Store, tracker *metrics.Tracker) *DashboardService {
	return &DashboardService{docs: docs, metrics: tracker, now: time.Now}
}

func (s *DashboardService) Submissions(ctx context.Context, limit int) (*SubmissionList, error) {
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	items, err := s.docs.ListRecent(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := &SubmissionList{
		Submissions: make([]model.Submission, 0, len(items)),
		Storage:     s.docs.Type(),
		Timestamp:   s.now().UTC(),
	}
	for _, item := range items {
		out.Submissions = append(out.Submissions, item.Summary())
	}
	out.Total = len(out.Submissions)
	return out, nil
}

// Metrics reports the counters and document totals. A document store error
// is reported inline rather than failing the view.
func (s *DashboardService) Metrics(ctx context.Context) (*DashboardMetrics, error) {
	summary, err := s.metrics.Summary(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	out := &DashboardMetrics{
		Counters:  summary,
		Storage:   s.docs.Type(),
		Timestamp: now,
	}
	total, err := s.docs.Count(ctx)
	if err == nil {
		var today int64
		today, err = s.docs.CountSince(ctx, time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC))
		out.Documents = StorageCounts{Status: "available", Total: total, Today: today}
	}
	if err != nil {
		logutil.GetLogger(ctx).Warn("count submissions", zap.Error(err))
		out.Documents = StorageCounts{Status: "error", Error: err.Error()}
	}
	return out, nil
}
