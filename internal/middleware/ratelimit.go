package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/solemn/internal/pkg/errcode"
	"github.com/xxxsen/solemn/internal/pkg/response"
	"github.com/xxxsen/solemn/internal/ratelimit"
)

type Limiter interface {
	Allow(ctx context.Context, subject string) (ratelimit.Decision, error)
}

type rateLimiter struct {
	limiter Limiter
	onDeny  func(c *gin.Context)
}

// RateLimit budgets requests per client IP. A counter store failure lets the
// request through.
func RateLimit(limiter Limiter, onDeny func(c *gin.Context)) gin.HandlerFunc {
	l := &rateLimiter{limiter: limiter, onDeny: onDeny}
	return l.handle
}

func (l *rateLimiter) handle(c *gin.Context) {
	ip := c.ClientIP()
	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}
	decision, err := l.limiter.Allow(c.Request.Context(), ip)
	if err != nil {
		logutil.GetLogger(c.Request.Context()).Warn("rate limit check failed, allowing",
			zap.String("ip", ip),
			zap.String("path", path),
			zap.Error(err),
		)
		c.Next()
		return
	}
	if !decision.Allowed {
		logutil.GetLogger(c.Request.Context()).Warn("rate limit hit",
			zap.String("ip", ip),
			zap.String("path", path),
		)
		if l.onDeny != nil {
			l.onDeny(c)
		}
		retry := int(decision.RetryAfter.Round(time.Second) / time.Second)
		if retry < 1 {
			retry = 1
		}
		c.Header("Retry-After", strconv.Itoa(retry))
		response.ErrorWithStatus(c, http.StatusTooManyRequests, errcode.ErrTooMany, http.StatusText(http.StatusTooManyRequests))
		c.Abort()
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	c.Next()
}
