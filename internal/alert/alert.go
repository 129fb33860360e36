// Package alert delivers failure notifications for scanner jobs. Locally
// alerts go to the log; in staging and production they go out as email via
// Resend.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/resend/resend-go/v2"

	"github.com/ErlanBelekov/market-scanner/internal/domain"
)

type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogSender logs alerts instead of sending them. Used in ENV=local.
type LogSender struct {
	logger *slog.Logger
}

func (s *LogSender) Send(_ context.Context, to, subject, body string) error {
	s.logger.Info("failure alert (local dev)", "to", to, "subject", subject, "body", body)
	return nil
}

// ResendSender sends alerts via the Resend API. Used in staging/production.
type ResendSender struct {
	client *resend.Client
	from   string
}

func (s *ResendSender) Send(ctx context.Context, to, subject, body string) error {
	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{to},
		Subject: subject,
		Html:    body,
	}
	_, err := s.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	return nil
}

// NewSender returns a LogSender for ENV=local, ResendSender otherwise.
func NewSender(env, apiKey, from string, logger *slog.Logger) Sender {
	if env == "local" {
		return &LogSender{logger: logger}
	}
	return &ResendSender{
		client: resend.NewClient(apiKey),
		from:   from,
	}
}

// Notifier satisfies the runner's FailureNotifier: it renders a failed
// JobRecord into an alert email. Delivery errors are logged, never
// propagated; alerting is best-effort.
type Notifier struct {
	sender Sender
	to     string
	logger *slog.Logger
}

func NewNotifier(sender Sender, to string, logger *slog.Logger) *Notifier {
	return &Notifier{sender: sender, to: to, logger: logger.With("component", "alert")}
}

func (n *Notifier) JobFailed(ctx context.Context, record *domain.JobRecord) {
	if n.to == "" {
		return
	}

	subject := fmt.Sprintf("[scanner] job %s failed", record.Name)
	var b strings.Builder
	fmt.Fprintf(&b, "<p>Job <b>%s</b> (record %s) failed.</p>", record.Name, record.ID)
	if record.Error != nil {
		fmt.Fprintf(&b, "<p>Error: %s</p>", *record.Error)
	}
	if record.ErrorDetails != nil {
		fmt.Fprintf(&b, "<p>Code: %s</p>", record.ErrorDetails.Code)
	}
	if record.EndedAt != nil {
		fmt.Fprintf(&b, "<p>Ended at: %s</p>", record.EndedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	}

	if err := n.sender.Send(ctx, n.to, subject, b.String()); err != nil {
		n.logger.Error("failure alert not delivered", "job", record.Name, "error", err)
	}
}
