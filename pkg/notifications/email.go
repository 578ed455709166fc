package notifications

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mrz1836/postmark"
)

// EmailConfig holds settings for the Postmark-backed email channel.
type EmailConfig struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"SENDER_EMAIL"`
	SupportEmail         string `env:"SUPPORT_EMAIL"`
}

var (
	ErrInvalidEmailConfig  = errors.New("notifications: invalid email config")
	ErrFailedToSendEmail   = errors.New("notifications: failed to send email")
	ErrMissingRecipient    = errors.New("notifications: notification has no email address")
	errMissingServerToken  = errors.New("PostmarkServerToken is required")
	errMissingSenderEmail  = errors.New("SenderEmail is required")
	errMissingSupportEmail = errors.New("SupportEmail is required")
)

// EmailDeliverer sends lifecycle notifications as transactional emails via
// Postmark.
type EmailDeliverer struct {
	client *postmark.Client
	config EmailConfig
}

// NewEmailDeliverer creates a Postmark-backed deliverer. All identity fields
// are required so that a misconfigured channel fails at startup, not at the
// first lifecycle event.
func NewEmailDeliverer(cfg EmailConfig) (*EmailDeliverer, error) {
	if cfg.PostmarkServerToken == "" {
		return nil, errors.Join(ErrInvalidEmailConfig, errMissingServerToken)
	}
	if cfg.SenderEmail == "" {
		return nil, errors.Join(ErrInvalidEmailConfig, errMissingSenderEmail)
	}
	if cfg.SupportEmail == "" {
		return nil, errors.Join(ErrInvalidEmailConfig, errMissingSupportEmail)
	}

	return &EmailDeliverer{
		client: postmark.NewClient(cfg.PostmarkServerToken, cfg.PostmarkAccountToken),
		config: cfg,
	}, nil
}

// Deliver sends one lifecycle email. The body is a plain-text rendering of
// the notification data; rich templating lives outside this engine.
func (d *EmailDeliverer) Deliver(ctx context.Context, notif Notification) error {
	if notif.Email == "" {
		return ErrMissingRecipient
	}

	resp, err := d.client.SendEmail(ctx, postmark.Email{
		From:     d.config.SenderEmail,
		ReplyTo:  d.config.SupportEmail,
		To:       notif.Email,
		Subject:  notif.Event.Subject(),
		Tag:      string(notif.Event),
		TextBody: renderBody(notif),
	})
	if err != nil {
		return errors.Join(ErrFailedToSendEmail, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrFailedToSendEmail,
			fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}
	return nil
}

func renderBody(notif Notification) string {
	var b strings.Builder
	b.WriteString(notif.Event.Subject())
	b.WriteString("\n\n")

	keys := make([]string, 0, len(notif.Data))
	for k := range notif.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, notif.Data[k])
	}
	return b.String()
}
