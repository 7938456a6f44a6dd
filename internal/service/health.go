package service

import (
	"context"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"

	defaultProbeTimeout = 2 * time.Second
)

type Pinger interface {
	Type() string
	Ping(ctx context.Context) error
}

type ComponentHealth struct {
	Status string `json:"status"`
	Type   string `json:"type,omitempty"`
	Error  string `json:"error,omitempty"`
}

type HealthReport struct {
	Status    string                     `json:"status"`
	Timestamp time.Time                  `json:"timestamp"`
	Services  map[string]ComponentHealth `json:"services"`
}

func (r *HealthReport) Healthy() bool {
	return r.Status == StatusHealthy
}

// HealthService probes the key-value store and the document store and
// reports whether mail delivery is configured. Any of the three missing
// degrades the report.
type HealthService struct {
	kv             Pinger
	docs           Pinger
	mailConfigured bool
	timeout        time.Duration
	now            func() time.Time
}

func NewHealthService(kv, docs Pinger, mailConfigured bool) *HealthService {
	return &HealthService{
		kv:             kv,
		docs:           docs,
		mailConfigured: mailConfigured,
		timeout:        defaultProbeTimeout,
		now:            time.Now,
	}
}

func (s *HealthService) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:    StatusHealthy,
		Timestamp: s.now().UTC(),
		Services:  make(map[string]ComponentHealth, 3),
	}
	report.Services["kv_store"] = s.probe(ctx, s.kv)
	report.Services["doc_store"] = s.probe(ctx, s.docs)
	if s.mailConfigured {
		report.Services["smtp"] = ComponentHealth{Status: "configured"}
	} else {
		report.Services["smtp"] = ComponentHealth{Status: "not_configured"}
	}
	if !s.mailConfigured || report.Services["kv_store"].Status != StatusHealthy || report.Services["doc_store"].Status != StatusHealthy {
		report.Status = StatusDegraded
	}
	return report
}

func (s *HealthService) probe(ctx context.Context, p Pinger) ComponentHealth {
	if p == nil {
		return ComponentHealth{Status: "unavailable"}
	}
	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := p.Ping(pctx); err != nil {
		return ComponentHealth{Status: StatusUnhealthy, Type: p.Type(), Error: err.Error()}
	}
	return ComponentHealth{Status: StatusHealthy, Type: p.Type()}
}
