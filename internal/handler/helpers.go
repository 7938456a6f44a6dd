package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/solemn/internal/middleware"
	"github.com/xxxsen/solemn/internal/otp"
	"github.com/xxxsen/solemn/internal/pkg/errcode"
	appErr "github.com/xxxsen/solemn/internal/pkg/errors"
	"github.com/xxxsen/solemn/internal/pkg/response"
	"github.com/xxxsen/solemn/internal/service"
)

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	requestID, _ := c.Get(middleware.ContextRequestIDKey)
	logutil.GetLogger(c.Request.Context()).Warn("request failed",
		zap.Any("request_id", requestID),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err),
	)

	var (
		validation *service.ValidationError
		invalid    *otp.InvalidCodeError
		tooSoon    *otp.TooSoonError
	)
	switch {
	case errors.As(err, &validation):
		response.ErrorWithStatus(c, http.StatusBadRequest, errcode.ErrInvalid, validation.Error())
	case errors.As(err, &invalid):
		response.ErrorWithStatus(c, http.StatusBadRequest, errcode.ErrInvalidCode,
			fmt.Sprintf("invalid code, %d attempt(s) remaining", invalid.Remaining))
	case errors.As(err, &tooSoon):
		c.Header("Retry-After", strconv.Itoa(retrySeconds(tooSoon.RetryAfter)))
		response.ErrorWithStatus(c, http.StatusTooManyRequests, errcode.ErrTooSoon,
			fmt.Sprintf("please wait %d seconds before requesting a new code", retrySeconds(tooSoon.RetryAfter)))
	case errors.Is(err, appErr.ErrSpam):
		response.ErrorWithStatus(c, http.StatusBadRequest, errcode.ErrSpam, "spam detected")
	case errors.Is(err, appErr.ErrAttemptsExhausted):
		response.ErrorWithStatus(c, http.StatusBadRequest, errcode.ErrAttemptsExhausted, "too many incorrect attempts, please submit the form again")
	case errors.Is(err, appErr.ErrExpired):
		response.ErrorWithStatus(c, http.StatusBadRequest, errcode.ErrExpired, "verification code not found or expired")
	case errors.Is(err, appErr.ErrResendLimitExceeded):
		response.ErrorWithStatus(c, http.StatusTooManyRequests, errcode.ErrResendLimitExceeded, "resend limit reached, please submit the form again")
	case errors.Is(err, appErr.ErrAlreadyVerified):
		response.ErrorWithStatus(c, http.StatusConflict, errcode.ErrAlreadyVerified, "already verified")
	case errors.Is(err, appErr.ErrDeliveryFailed):
		response.ErrorWithStatus(c, http.StatusBadGateway, errcode.ErrDeliveryFailed, "failed to send verification email, please request a new code")
	case errors.Is(err, appErr.ErrStorageUnavailable):
		response.ErrorWithStatus(c, http.StatusServiceUnavailable, errcode.ErrStorageUnavailable, "service temporarily unavailable")
	case errors.Is(err, appErr.ErrUnauthorized):
		response.ErrorWithStatus(c, http.StatusUnauthorized, errcode.ErrUnauthorized, "unauthorized")
	case errors.Is(err, appErr.ErrForbidden):
		response.ErrorWithStatus(c, http.StatusForbidden, errcode.ErrAdminDisabled, "admin access is not configured")
	case errors.Is(err, appErr.ErrNotFound):
		response.ErrorWithStatus(c, http.StatusNotFound, errcode.ErrNotFound, "not found")
	case errors.Is(err, appErr.ErrInvalid):
		response.ErrorWithStatus(c, http.StatusBadRequest, errcode.ErrInvalid, "invalid request")
	case errors.Is(err, appErr.ErrConflict):
		response.ErrorWithStatus(c, http.StatusConflict, errcode.ErrConflict, "conflict")
	default:
		response.ErrorWithStatus(c, http.StatusInternalServerError, errcode.ErrInternal, "internal error")
	}
}

func invalidRequest(c *gin.Context) {
	response.ErrorWithStatus(c, http.StatusBadRequest, errcode.ErrInvalid, "invalid request")
}

func retrySeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
