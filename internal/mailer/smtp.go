package mailer

import (
	"context"
	"crypto/tls"
	"errors"

	"gopkg.in/gomail.v2"

	"github.com/xxxsen/solemn/internal/config"
)

var ErrNotConfigured = errors.New("smtp is not configured")

// Sender delivers one HTML message.
type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

type smtpSender struct {
	cfg config.MailConfig
}

func NewSMTPSender(cfg config.MailConfig) Sender {
	return &smtpSender{cfg: cfg}
}

// Send dials per message. gomail has no context support, so the dial runs in
// its own goroutine and the caller stops waiting when ctx is done.
func (s *smtpSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	if !s.cfg.Configured() {
		return ErrNotConfigured
	}
	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", htmlBody)

	d := gomail.NewDialer(s.cfg.Host, s.cfg.Port, s.cfg.Username, s.cfg.Password)
	if s.cfg.Port == 465 {
		d.SSL = true
	}
	d.TLSConfig = &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}

	done := make(chan error, 1)
	go func() {
		done <- d.DialAndSend(m)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
