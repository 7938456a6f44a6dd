package handler

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/solemn/internal/otp"
	appErr "github.com/xxxsen/solemn/internal/pkg/errors"
	"github.com/xxxsen/solemn/internal/pkg/response"
	"github.com/xxxsen/solemn/internal/service"
)

type DeclarationHandler struct {
	submissions *service.SubmissionService
}

func NewDeclarationHandler(submissions *service.SubmissionService) *DeclarationHandler {
	return &DeclarationHandler{submissions: submissions}
}

type pendingResponse struct {
	Email             string    `json:"email"`
	State             string    `json:"state"`
	ExpiresAt         time.Time `json:"expires_at"`
	AttemptsRemaining int       `json:"attempts_remaining"`
	ResendsRemaining  int       `json:"resends_remaining"`
}

func toPending(email string, h *otp.Handle) pendingResponse {
	return pendingResponse{
		Email:             email,
		State:             string(h.State),
		ExpiresAt:         h.ExpiresAt,
		AttemptsRemaining: h.AttemptsRemaining,
		ResendsRemaining:  h.ResendsRemaining,
	}
}

type emailRequest struct {
	Email string `json:"email"`
}

type verifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

func (h *DeclarationHandler) Submit(c *gin.Context) {
	var req service.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c)
		return
	}
	res, err := h.submissions.Submit(c.Request.Context(), req)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, toPending(res.Email, res.Handle))
}

func (h *DeclarationHandler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Code == "" {
		invalidRequest(c)
		return
	}
	res, err := h.submissions.Verify(c.Request.Context(), req.Email, req.Code)
	if err != nil {
		var already *otp.AlreadyVerifiedError
		if errors.As(err, &already) && already.SubmissionID != "" {
			response.Success(c, gin.H{
				"submission_id":    already.SubmissionID,
				"already_verified": true,
			})
			return
		}
		handleError(c, err)
		return
	}
	response.Success(c, res)
}

func (h *DeclarationHandler) Resend(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" {
		invalidRequest(c)
		return
	}
	res, err := h.submissions.Resend(c.Request.Context(), req.Email)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, toPending(res.Email, res.Handle))
}

func (h *DeclarationHandler) Status(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" {
		invalidRequest(c)
		return
	}
	handle, err := h.submissions.Status(c.Request.Context(), req.Email)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, toPending(req.Email, handle))
}

func (h *DeclarationHandler) Check(c *gin.Context) {
	res, err := h.submissions.Check(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, appErr.ErrInvalid) {
			invalidRequest(c)
			return
		}
		handleError(c, err)
		return
	}
	response.Success(c, res)
}
