// Package notify delivers alerts to operators.
package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/settlement-engine/pkg/config"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
)

// Notifier sends one alert to its recipients.
type Notifier interface {
	Notify(ctx context.Context, alert *models.Alert, recipients []string) error
}

// New returns an EmailNotifier when SMTP is configured, and a LogNotifier otherwise.
func New(cfg config.SMTPConfig, logger *zap.Logger) Notifier {
	if cfg.Host == "" {
		return NewLogNotifier(logger)
	}
	return NewEmailNotifier(cfg, logger)
}

// LogNotifier writes alerts to the log instead of sending them.
type LogNotifier struct {
	logger *zap.Logger
}

var _ Notifier = (*LogNotifier)(nil)

// NewLogNotifier creates a log notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify")}
}

func (n *LogNotifier) Notify(_ context.Context, alert *models.Alert, recipients []string) error {
	n.logger.Warn("Reconciliation alert",
		zap.String("alert_id", alert.ID.String()),
		zap.String("run_id", alert.RunID.String()),
		zap.String("supplier_code", alert.SupplierCode),
		zap.String("severity", alert.Severity),
		zap.String("reason", alert.Reason),
		zap.String("message", alert.Message),
		zap.Strings("recipients", recipients))
	return nil
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier sends alerts as plain-text email over SMTP.
type EmailNotifier struct {
	addr   string
	from   string
	auth   smtp.Auth
	send   sendFunc
	now    func() time.Time
	logger *zap.Logger
}

var _ Notifier = (*EmailNotifier)(nil)

// NewEmailNotifier creates an SMTP notifier. PLAIN auth is used when a username is set.
func NewEmailNotifier(cfg config.SMTPConfig, logger *zap.Logger) *EmailNotifier {
	n := &EmailNotifier{
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		from:   cfg.From,
		send:   smtp.SendMail,
		now:    time.Now,
		logger: logger.Named("notify"),
	}
	if cfg.Username != "" {
		n.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return n
}

func (n *EmailNotifier) Notify(ctx context.Context, alert *models.Alert, recipients []string) error {
	if len(recipients) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := n.message(alert, recipients)
	if err := n.send(n.addr, n.auth, n.from, recipients, msg); err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}

	n.logger.Info("Sent alert email",
		zap.String("alert_id", alert.ID.String()),
		zap.String("supplier_code", alert.SupplierCode),
		zap.Int("recipients", len(recipients)))
	return nil
}

func (n *EmailNotifier) message(alert *models.Alert, recipients []string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&b, "Subject: [%s] %s reconciliation: %s\r\n", strings.ToUpper(alert.Severity), alert.SupplierCode, headerSafe(alert.Reason))
	fmt.Fprintf(&b, "Date: %s\r\n", n.now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "%s\r\n\r\n", alert.Message)
	fmt.Fprintf(&b, "Supplier: %s\r\n", alert.SupplierCode)
	fmt.Fprintf(&b, "Run: %s\r\n", alert.RunID)
	fmt.Fprintf(&b, "Alert: %s\r\n", alert.ID)

	if len(alert.Details) > 0 {
		keys := make([]string, 0, len(alert.Details))
		for k := range alert.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\r\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %v\r\n", k, alert.Details[k])
		}
	}
	return []byte(b.String())
}

func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
