package monitor

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"authcrawl-backend/internal/components/telemetry"

	"github.com/jordan-wright/email"
)

const report_notifier_notify = "notifier.notify"

type SmtpConfig struct {
	Server       string `json:"server"`
	Port         int    `json:"port"`
	EmailAddress string `json:"email_address"`
	// Password is read from the environment, never from the configuration file.
	Password string `json:"-"`
}

// EmailNotifier mails every change to a fixed list of recipients.
type EmailNotifier struct {
	Smtp SmtpConfig
	To   []string
}

func (n EmailNotifier) address() string {
	return fmt.Sprintf("%s:%d", n.Smtp.Server, n.Smtp.Port)
}

func (n EmailNotifier) Notify(ctx context.Context, change Change) error {
	ctx, span := tracer.Start(ctx, "EmailNotifier.Notify")
	defer span.End()

	mail := email.NewEmail()
	mail.From = fmt.Sprintf("authcrawl <%s>", n.Smtp.EmailAddress)
	mail.To = n.To
	mail.Subject = fmt.Sprintf("Change detected: %s", change.Job.key())
	mail.Text = []byte(changeText(change))

	err := mail.Send(
		n.address(),
		smtp.PlainAuth("", n.Smtp.EmailAddress, n.Smtp.Password, n.Smtp.Server),
	)
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = mail.Send(n.address(), nil)
	}
	if err != nil {
		return fail(span, err)
	}
	return nil
}

func changeText(change Change) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The content extracted from %s changed.\n\n", telemetry.RedactURL(change.Job.URL))
	fmt.Fprintf(&b, "Detected at: %s\n", change.DetectedAt.Format(time.RFC1123))
	fmt.Fprintf(&b, "Instruction: %s\n\n", change.Job.Instruction)
	fmt.Fprintf(&b, "Previous (%s):\n%s\n\n", shortHash(change.PreviousHash), change.Previous)
	fmt.Fprintf(&b, "Current (%s):\n%s\n", shortHash(change.CurrentHash), change.Current)
	return b.String()
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// LogNotifier reports changes through telemetry, for runs without smtp.
type LogNotifier struct {
	Tel telemetry.API
}

func (n LogNotifier) Notify(_ context.Context, change Change) error {
	n.Tel.ReportWarning(
		report_notifier_notify,
		change.Job.key(),
		shortHash(change.PreviousHash),
		shortHash(change.CurrentHash),
	)
	return nil
}
