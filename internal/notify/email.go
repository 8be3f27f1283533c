package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/jmerrifield20/BlockWitness/internal/ledger"
	"go.uber.org/zap"
)

// Mailer delivers plain-text operator alerts.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer sends mail through an SMTP relay.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer creates an SMTPMailer.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// Send implements Mailer.
func (m *SMTPMailer) Send(_ context.Context, to, subject, body string) error {
	msg := []byte(strings.Join([]string{
		"From: " + m.cfg.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"",
		body,
	}, "\r\n"))

	addr := net.JoinHostPort(m.cfg.Host, fmt.Sprint(m.cfg.Port))
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	// 465 is implicit TLS; smtp.SendMail upgrades via STARTTLS elsewhere.
	if m.cfg.Port == 465 {
		return m.sendTLS(addr, auth, to, msg)
	}
	return smtp.SendMail(addr, auth, m.cfg.From, []string{to}, msg)
}

func (m *SMTPMailer) sendTLS(addr string, auth smtp.Auth, to string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: m.cfg.Host})
	if err != nil {
		return fmt.Errorf("smtp tls dial: %w", err)
	}
	defer conn.Close()

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}
	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := wc.Write(msg); err != nil {
		return fmt.Errorf("smtp write body: %w", err)
	}
	return wc.Close()
}

// LogMailer writes alerts to the log instead of sending them.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer creates a LogMailer.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

// Send implements Mailer.
func (m *LogMailer) Send(_ context.Context, to, subject, body string) error {
	m.logger.Warn("alert email (not sent, smtp unconfigured)",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.String("body", body),
	)
	return nil
}

// SetMailer enables integrity alert emails to the given recipients.
func (n *Notifier) SetMailer(m Mailer, recipients []string) {
	n.mailer = m
	n.recipients = recipients
}

func (n *Notifier) mailIntegrityFailure(ctx context.Context, rep *ledger.Report) {
	if n.mailer == nil || len(n.recipients) == 0 {
		return
	}
	subject, body := integrityEmail(rep)
	for _, to := range n.recipients {
		n.wg.Add(1)
		go func(to string) {
			defer n.wg.Done()
			if err := n.mailer.Send(ctx, to, subject, body); err != nil {
				n.logger.Error("notify: send alert email", zap.String("to", to), zap.Error(err))
			}
		}(to)
	}
}

func integrityEmail(rep *ledger.Report) (string, string) {
	subject := fmt.Sprintf("[BlockWitness] chain integrity check failed (%d problem(s))", len(rep.Problems))
	var b strings.Builder
	fmt.Fprintf(&b, "The scheduled audit of the evidence chain (%d blocks) found problems:\n\n", rep.Blocks)
	for _, p := range rep.Problems {
		fmt.Fprintf(&b, "  block %d  %s  %s\n", p.Index, p.Kind, p.Detail)
	}
	b.WriteString("\nCertificates issued for the affected blocks should not be trusted until the chain is restored from a verified copy.\n")
	return subject, b.String()
}
