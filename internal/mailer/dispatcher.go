package mailer

import (
	"context"
	"time"

	"github.com/xxxsen/solemn/internal/otp"
)

type otpDispatcher struct {
	sender Sender
}

// NewOTPDispatcher adapts a Sender to the verification manager.
func NewOTPDispatcher(sender Sender) otp.Dispatcher {
	return &otpDispatcher{sender: sender}
}

func (d *otpDispatcher) Send(ctx context.Context, address string, msg otp.Message) error {
	return d.sender.Send(ctx, address, msg.Subject, msg.Body)
}

func NewOTPComposer(r *Renderer) otp.ComposeFunc {
	return func(code string, ttl time.Duration) (otp.Message, error) {
		subject, body, err := r.OTP(code, ttl)
		if err != nil {
			return otp.Message{}, err
		}
		return otp.Message{Subject: subject, Body: body}, nil
	}
}
