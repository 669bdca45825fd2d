// Package mailer delivers share-link emails over SMTP.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gomail "github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// ErrNotConfigured is returned when no SMTP host is set.
var ErrNotConfigured = errors.New("smtp not configured")

// ErrInvalidRecipient is returned for an unparseable or multi-address recipient.
var ErrInvalidRecipient = errors.New("invalid recipient")

// Config holds SMTP settings.
type Config struct {
	Host        string
	Port        int
	User        string
	Pass        string
	FromAddress string
	FromName    string
}

const dialTimeout = 30 * time.Second

type sendFunc func(ctx context.Context, msg *gomail.Msg) error

// SMTPMailer sends plain-text mail through a relay.
type SMTPMailer struct {
	cfg    Config
	send   sendFunc
	now    func() time.Time
	logger *zap.Logger
}

// NewSMTP returns a mailer for cfg.
func NewSMTP(cfg Config, logger *zap.Logger) *SMTPMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &SMTPMailer{cfg: cfg, now: time.Now, logger: logger}
	m.send = m.dialAndSend
	return m
}

// Configured reports whether a relay host is set.
func (m *SMTPMailer) Configured() bool { return m.cfg.Host != "" }

// ParseRecipient validates a single address and returns its bare form.
func ParseRecipient(to string) (string, error) {
	to = strings.TrimSpace(to)
	if to == "" || strings.ContainsAny(to, "\r\n,;") {
		return "", fmt.Errorf("%w: %q", ErrInvalidRecipient, to)
	}
	msg := gomail.NewMsg()
	if err := msg.To(to); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidRecipient, to)
	}
	rcpts, err := msg.GetRecipients()
	if err != nil || len(rcpts) != 1 {
		return "", fmt.Errorf("%w: %q", ErrInvalidRecipient, to)
	}
	return rcpts[0], nil
}

// Send delivers one message. Dialing and delivery stop when ctx is done.
func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	if !m.Configured() {
		return ErrNotConfigured
	}
	rcpt, err := ParseRecipient(to)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := m.compose(rcpt, subject, body)
	if err != nil {
		return err
	}
	if err := m.send(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	m.logger.Info("email sent", zap.String("to", rcpt))
	return nil
}

func (m *SMTPMailer) compose(to, subject, body string) (*gomail.Msg, error) {
	msg := gomail.NewMsg()
	if err := msg.FromFormat(m.cfg.FromName, m.cfg.FromAddress); err != nil {
		return nil, fmt.Errorf("from address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRecipient, to)
	}
	msg.Subject(strings.NewReplacer("\r", " ", "\n", " ").Replace(subject))
	msg.SetDateWithValue(m.now())
	msg.SetBodyString(gomail.TypeTextPlain, body)
	return msg, nil
}

func (m *SMTPMailer) dialAndSend(ctx context.Context, msg *gomail.Msg) error {
	opts := []gomail.Option{
		gomail.WithPort(m.cfg.Port),
		gomail.WithTimeout(dialTimeout),
		gomail.WithTLSPolicy(gomail.TLSOpportunistic),
	}
	if m.cfg.User != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(m.cfg.User),
			gomail.WithPassword(m.cfg.Pass),
		)
	}
	client, err := gomail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return err
	}
	return client.DialAndSendWithContext(ctx, msg)
}
