package email

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var ErrMissingRecipient = errors.New("send_email requires a \"to\" parameter")

type SendEmailTask struct {
	// Delay simulates the time spent talking to the mail provider
	Delay time.Duration
}

func NewSendEmailTask(delay time.Duration) SendEmailTask {
	return SendEmailTask{Delay: delay}
}

func (e SendEmailTask) Execute(ctx context.Context, params map[string]string) (string, error) {
	slog.Info("send_email parameters:", "params", params)
	to := params["to"]
	if to == "" {
		return "", backoff.Permanent(ErrMissingRecipient)
	}

	select {
	case <-time.After(e.Delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return "email sent to " + to, nil
}
