package services

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/BradenHooton/totpgate/internal/config"
	"github.com/BradenHooton/totpgate/internal/models"
	"github.com/BradenHooton/totpgate/pkg/logger"
	"github.com/cenkalti/backoff/v4"
)

// smtpSendFunc matches smtp.SendMail
type smtpSendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier sends multipart emails over SMTP with retries
type SMTPNotifier struct {
	config config.EmailConfig
	send   smtpSendFunc
	logger *slog.Logger
}

// NewSMTPNotifier creates a new SMTPNotifier
func NewSMTPNotifier(cfg config.EmailConfig, logger *slog.Logger) *SMTPNotifier {
	n := &SMTPNotifier{config: cfg, logger: logger}
	if cfg.Secure {
		n.send = n.sendImplicitTLS
	} else {
		n.send = smtp.SendMail
	}
	return n
}

func (n *SMTPNotifier) Name() string { return "email" }

func (n *SMTPNotifier) Enabled() bool {
	return n.config.Enabled && n.config.Host != "" && n.config.From != "" && n.config.To != ""
}

// Send delivers msg, retrying up to RetryAttempts times RetryDelay apart
func (n *SMTPNotifier) Send(ctx context.Context, msg Message) error {
	if !n.config.Enabled {
		return models.ErrChannelDisabled
	}
	if !n.Enabled() {
		return models.ErrChannelMisconfigured
	}

	body, err := buildMIMEMessage(n.config.From, n.config.To, msg)
	if err != nil {
		return fmt.Errorf("failed to build email: %w", err)
	}

	var auth smtp.Auth
	if n.config.User != "" {
		auth = smtp.PlainAuth("", n.config.User, n.config.Password, n.config.Host)
	}
	addr := net.JoinHostPort(n.config.Host, strconv.Itoa(n.config.Port))

	attempt := 0
	op := func() error {
		attempt++
		return n.send(addr, auth, envelopeAddress(n.config.From), []string{envelopeAddress(n.config.To)}, body)
	}
	notify := func(err error, wait time.Duration) {
		n.logger.Warn("email delivery failed, retrying",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
			slog.Duration("retry_in", wait))
	}

	if err := backoff.RetryNotify(op, retryPolicy(ctx, n.config.RetryAttempts, n.config.RetryDelay), notify); err != nil {
		return fmt.Errorf("email delivery failed after %d attempts: %w", attempt, err)
	}
	return nil
}

// sendImplicitTLS is smtp.SendMail for servers that expect TLS from the first byte (port 465)
func (n *SMTPNotifier) sendImplicitTLS(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 15 * time.Second}, "tcp", addr, &tls.Config{
		ServerName: n.config.Host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return err
	}

	c, err := smtp.NewClient(conn, n.config.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if a != nil {
		if err := c.Auth(a); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}

	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// envelopeAddress strips a display name ("Gate <gate@example.com>" -> "gate@example.com")
func envelopeAddress(addr string) string {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return addr
	}
	return parsed.Address
}

func buildMIMEMessage(from, to string, msg Message) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := textproto.MIMEHeader{}
	header.Set("From", from)
	header.Set("To", to)
	header.Set("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header.Set("Date", time.Now().Format(time.RFC1123Z))
	header.Set("MIME-Version", "1.0")
	header.Set("Content-Type", "multipart/alternative; boundary="+mw.Boundary())

	var out bytes.Buffer
	for key, values := range header {
		for _, v := range values {
			fmt.Fprintf(&out, "%s: %s\r\n", key, v)
		}
	}
	out.WriteString("\r\n")

	parts := []struct {
		contentType string
		content     string
	}{
		{"text/plain; charset=utf-8", msg.Text},
		{"text/html; charset=utf-8", msg.HTML},
	}
	for _, p := range parts {
		pw, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {p.contentType}})
		if err != nil {
			return nil, err
		}
		if _, err := pw.Write([]byte(p.content)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	out.Write(buf.Bytes())
	return out.Bytes(), nil
}

// Validate checks that the SMTP settings are complete and addresses parse
func (n *SMTPNotifier) Validate() ChannelReport {
	_, fromErr := mail.ParseAddress(n.config.From)
	_, toErr := mail.ParseAddress(n.config.To)

	checks := map[string]bool{
		"enabled":   n.config.Enabled,
		"hostSet":   n.config.Host != "",
		"userSet":   n.config.User != "",
		"passSet":   n.config.Password != "",
		"fromValid": n.config.From != "" && fromErr == nil,
		"toValid":   n.config.To != "" && toErr == nil,
	}

	return ChannelReport{
		Channel:  n.Name(),
		Enabled:  n.config.Enabled,
		AllValid: allChecksPass(checks),
		Checks:   checks,
		Config: map[string]string{
			"host":   n.config.Host,
			"port":   strconv.Itoa(n.config.Port),
			"secure": strconv.FormatBool(n.config.Secure),
			"from":   n.config.From,
			"to":     n.config.To,
			"user":   logger.SanitizedEmail(n.config.User),
		},
	}
}
