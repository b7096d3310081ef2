// Package alerting delivers operational alerts (dead-letter buildup, repeated
// job failures) to the operators' inbox via Mailgun. When Mailgun is not
// configured the notifier degrades to a debug log line, so callers never need
// to guard their Notify calls.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailgun/mailgun-go/v4"

	"github.com/stackradar/knowledge-engine/internal/config"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// Notifier delivers an operational alert.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// NewNotifier returns a Mailgun-backed notifier when alerting is configured
// and a no-op notifier otherwise.
func NewNotifier(cfg *config.Config, log *slog.Logger) Notifier {
	if !cfg.Alert.IsConfigured() {
		log.Info("alerting not configured, alerts will be logged only")
		return &noopNotifier{log: log.With(logger.Scope("alerting"))}
	}
	return &mailgunNotifier{
		cfg:    &cfg.Alert,
		log:    log.With(logger.Scope("alerting")),
		client: mailgun.NewMailgun(cfg.Alert.MailgunDomain, cfg.Alert.MailgunAPIKey),
	}
}

// mailgunNotifier sends alerts through the Mailgun API.
type mailgunNotifier struct {
	cfg    *config.AlertConfig
	log    *slog.Logger
	client *mailgun.MailgunImpl
}

func (n *mailgunNotifier) Notify(ctx context.Context, subject, body string) error {
	from := n.cfg.From
	if from == "" {
		from = fmt.Sprintf("knowledge-engine <noreply@%s>", n.cfg.MailgunDomain)
	}

	message := n.client.NewMessage(from, subject, body, n.cfg.To)

	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, messageID, err := n.client.Send(sendCtx, message)
	if err != nil {
		n.log.Error("failed to send alert",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
		return err
	}

	n.log.Info("alert sent",
		slog.String("subject", subject),
		slog.String("message_id", messageID))
	return nil
}

// noopNotifier logs alerts instead of delivering them.
type noopNotifier struct {
	log *slog.Logger
}

func (n *noopNotifier) Notify(_ context.Context, subject, body string) error {
	n.log.Debug("alert suppressed",
		slog.String("subject", subject),
		slog.String("body", body))
	return nil
}
