// Package mailer is the email-sending capability injected into services at
// construction time. The only consumer inside the OAuth subsystem is the
// security-event alert raised when a refresh token family is revoked.
package mailer

import (
	"fmt"

	"github.com/resend/resend-go/v3"
	"go.uber.org/zap"
)

// Mailer sends operational email.
type Mailer interface {
	Send(to []string, subject, html string) error
}

// ResendMailer implements Mailer using the Resend API.
type ResendMailer struct {
	client *resend.Client
	from   string
}

var _ Mailer = (*ResendMailer)(nil)

// NewResendMailer creates a mailer with the given API key and verified sender.
func NewResendMailer(apiKey, from string) *ResendMailer {
	return &ResendMailer{client: resend.NewClient(apiKey), from: from}
}

func (m *ResendMailer) Send(to []string, subject, html string) error {
	params := &resend.SendEmailRequest{
		From:    m.from,
		To:      to,
		Subject: subject,
		Html:    html,
	}
	if _, err := m.client.Emails.Send(params); err != nil {
		return fmt.Errorf("resend: send email: %w", err)
	}
	return nil
}

// NopMailer drops mail on the floor and logs it; the fallback when no API key
// is configured.
type NopMailer struct {
	Logger *zap.Logger
}

var _ Mailer = (*NopMailer)(nil)

func (m *NopMailer) Send(to []string, subject, _ string) error {
	if m.Logger != nil {
		m.Logger.Info("mailer disabled, dropping email",
			zap.Strings("to", to),
			zap.String("subject", subject),
		)
	}
	return nil
}
