package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/solemn/internal/docstore"
	"github.com/xxxsen/solemn/internal/filestore"
	"github.com/xxxsen/solemn/internal/mailer"
	"github.com/xxxsen/solemn/internal/metrics"
	"github.com/xxxsen/solemn/internal/model"
	"github.com/xxxsen/solemn/internal/otp"
	appErr "github.com/xxxsen/solemn/internal/pkg/errors"
)

const defaultNotifyTimeout = 30 * time.Second

// SubmitRequest is the public declaration form. URLField is a honeypot that
// real browsers leave empty.
type SubmitRequest struct {
	FirstName string `json:"first_name" validate:"required,max=100"`
	LastName  string `json:"last_name" validate:"required,max=100"`
	Email     string `json:"email" validate:"required,email,max=254"`
	Phone     string `json:"phone" validate:"omitempty,max=32"`
	Comments  string `json:"comments" validate:"required,max=500"`
	URLField  string `json:"url_field"`
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return appErr.ErrInvalid
}

type SubmitResult struct {
	Email  string
	Handle *otp.Handle
}

type VerifyResult struct {
	SubmissionID string `json:"submission_id"`
	Notified     bool   `json:"notified"`
	Archived     bool   `json:"archived"`
}

type CheckResult struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	Storage     string    `json:"storage"`
}

type SubmissionDeps struct {
	OTP           *otp.Manager
	Docs          docstore.Store
	Sender        mailer.Sender
	Renderer      *mailer.Renderer
	Archive       filestore.Store
	Metrics       *metrics.Tracker
	Phones        *PhoneValidator
	Recipient     string
	NotifyTimeout time.Duration
}

type SubmissionService struct {
	otp           *otp.Manager
	docs          docstore.Store
	sender        mailer.Sender
	renderer      *mailer.Renderer
	archive       filestore.Store
	metrics       *metrics.Tracker
	phones        *PhoneValidator
	validate      *validator.Validate
	recipient     string
	notifyTimeout time.Duration
}

func NewSubmissionService(deps SubmissionDeps) *SubmissionService {
	if deps.Phones == nil {
		deps.Phones = NewPhoneValidator()
	}
	if deps.NotifyTimeout <= 0 {
		deps.NotifyTimeout = defaultNotifyTimeout
	}
	return &SubmissionService{
		otp:           deps.OTP,
		docs:          deps.Docs,
		sender:        deps.Sender,
		renderer:      deps.Renderer,
		archive:       deps.Archive,
		metrics:       deps.Metrics,
		phones:        deps.Phones,
		validate:      validator.New(),
		recipient:     strings.TrimSpace(deps.Recipient),
		notifyTimeout: deps.NotifyTimeout,
	}
}

// Submit validates the form and starts an e-mail challenge for it. On a
// delivery failure the challenge stays live and the result is returned along
// with the error so the client can offer a resend.
func (s *SubmissionService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	form, err := s.normalize(req)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(form)
	if err != nil {
		return nil, fmt.Errorf("encode declaration: %w", err)
	}
	handle, err := s.otp.Begin(ctx, form.Email, payload, form.Email)
	if handle != nil {
		s.track(ctx, metrics.OTPGenerated)
	}
	if err != nil {
		if errors.Is(err, appErr.ErrDeliveryFailed) {
			s.track(ctx, metrics.OTPEmailFailed)
		}
		if handle == nil {
			return nil, err
		}
		return &SubmitResult{Email: form.Email, Handle: handle}, err
	}
	s.track(ctx, metrics.OTPEmailSent)
	logutil.GetLogger(ctx).Info("verification started", zap.String("email", form.Email))
	return &SubmitResult{Email: form.Email, Handle: handle}, nil
}

func (s *SubmissionService) Resend(ctx context.Context, email string) (*SubmitResult, error) {
	email = normalizeEmail(email)
	handle, err := s.otp.Resend(ctx, email)
	if err != nil {
		s.track(ctx, metrics.OTPResendFailed)
		if handle != nil && errors.Is(err, appErr.ErrDeliveryFailed) {
			s.track(ctx, metrics.OTPEmailFailed)
			return &SubmitResult{Email: email, Handle: handle}, err
		}
		return nil, err
	}
	s.track(ctx, metrics.OTPGenerated)
	s.track(ctx, metrics.OTPResent)
	s.track(ctx, metrics.OTPEmailSent)
	return &SubmitResult{Email: email, Handle: handle}, nil
}

func (s *SubmissionService) Status(ctx context.Context, email string) (*otp.Handle, error) {
	return s.otp.Status(ctx, normalizeEmail(email))
}

// Verify confirms the code and, on the first success, notifies the
// configured recipient. A failed notification is archived instead and never
// fails the call: the submission is already stored.
func (s *SubmissionService) Verify(ctx context.Context, email, code string) (*VerifyResult, error) {
	email = normalizeEmail(email)
	id, err := s.otp.Verify(ctx, email, code)
	if err != nil {
		switch {
		case errors.Is(err, appErr.ErrInvalidCode):
			s.track(ctx, metrics.OTPVerificationFailed)
		case errors.Is(err, appErr.ErrAttemptsExhausted):
			s.track(ctx, metrics.OTPTooManyAttempts)
		}
		return nil, err
	}
	s.track(ctx, metrics.OTPVerifiedSuccess)
	result := &VerifyResult{SubmissionID: id}
	result.Notified, result.Archived = s.notify(ctx, id)
	return result, nil
}

func (s *SubmissionService) Check(ctx context.Context, id string) (*CheckResult, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, appErr.ErrInvalid
	}
	sub, err := s.docs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CheckResult{
		ID:          sub.ID,
		Status:      "found",
		SubmittedAt: sub.CreatedAt,
		Email:       maskEmail(sub.Email),
		Name:        sub.Name,
		Storage:     s.docs.Type(),
	}, nil
}

func (s *SubmissionService) normalize(req SubmitRequest) (*model.DeclarationForm, error) {
	if strings.TrimSpace(req.URLField) != "" {
		return nil, appErr.ErrSpam
	}
	req.FirstName = strings.TrimSpace(req.FirstName)
	req.LastName = strings.TrimSpace(req.LastName)
	req.Email = normalizeEmail(req.Email)
	req.Phone = strings.TrimSpace(req.Phone)
	req.Comments = strings.TrimSpace(req.Comments)
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, &ValidationError{Field: verrs[0].Field(), Reason: verrs[0].Tag()}
		}
		return nil, fmt.Errorf("%w: %w", appErr.ErrInvalid, err)
	}
	if req.Phone != "" {
		phone, ok := s.phones.Normalize(req.Phone)
		if !ok {
			return nil, &ValidationError{Field: "Phone", Reason: "greek_phone"}
		}
		req.Phone = phone
	}
	return &model.DeclarationForm{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Phone:     req.Phone,
		Comments:  req.Comments,
	}, nil
}

func (s *SubmissionService) notify(ctx context.Context, id string) (bool, bool) {
	logger := logutil.GetLogger(ctx).With(zap.String("submission_id", id))
	sub, err := s.docs.Get(ctx, id)
	if err != nil {
		logger.Error("load submission for notification", zap.Error(err))
		s.track(ctx, metrics.FormSubmissionFailed)
		return false, false
	}
	subject, body, err := s.renderer.Declaration(mailer.Declaration{
		ID:        sub.ID,
		FirstName: sub.FirstName,
		LastName:  sub.LastName,
		Email:     sub.Email,
		Phone:     sub.Phone,
		Comments:  sub.Comments,
		Storage:   s.docs.Type(),
	})
	if err != nil {
		logger.Error("render notification", zap.Error(err))
		s.track(ctx, metrics.FormSubmissionFailed)
		return false, false
	}
	if s.recipient != "" && s.sender != nil {
		nctx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
		err = s.sender.Send(nctx, s.recipient, subject, body)
		cancel()
		if err == nil {
			s.track(ctx, metrics.FormSubmissionSuccess)
			return true, false
		}
		logger.Error("send notification", zap.Error(err))
	} else {
		logger.Warn("no notification recipient configured")
	}
	s.track(ctx, metrics.FormSubmissionFailed)
	return false, s.archiveNotification(ctx, id, body)
}

func (s *SubmissionService) archiveNotification(ctx context.Context, id, body string) bool {
	if s.archive == nil {
		return false
	}
	key := "declaration_" + id + ".html"
	if err := s.archive.Save(ctx, key, bytes.NewReader([]byte(body)), int64(len(body))); err != nil {
		logutil.GetLogger(ctx).Error("archive notification", zap.String("key", key), zap.Error(err))
		return false
	}
	logutil.GetLogger(ctx).Info("notification archived", zap.String("key", key))
	return true
}

func (s *SubmissionService) track(ctx context.Context, name string) {
	if s.metrics != nil {
		s.metrics.Track(ctx, name)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// maskEmail keeps the first character of the local part and the domain.
func maskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return ""
	}
	return email[:1] + strings.Repeat("*", at-1) + email[at:]
}

type submissionPersister struct {
	docs docstore.Store
	now  func() time.Time
}

// NewSubmissionPersister stores verified declarations in docs, deduplicating
// on the challenge nonce.
func NewSubmissionPersister(docs docstore.Store) otp.Persister {
	return &submissionPersister{docs: docs, now: time.Now}
}

func (p *submissionPersister) Persist(ctx context.Context, req otp.PersistRequest) (string, error) {
	var form model.DeclarationForm
	if err := json.Unmarshal(req.Payload, &form); err != nil {
		return "", fmt.Errorf("decode declaration: %w", err)
	}
	if form.Email == "" {
		form.Email = req.Address
	}
	sub := model.NewSubmission(req.Nonce, form, p.now())
	id, err := p.docs.Insert(ctx, sub)
	if err != nil {
		return "", fmt.Errorf("insert submission: %w", err)
	}
	logutil.GetLogger(ctx).Info("submission stored",
		zap.String("submission_id", id),
		zap.String("storage", p.docs.Type()),
	)
	return id, nil
}
