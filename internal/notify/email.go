package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"crmnotify/internal/crm"
	logx "crmnotify/pkg/logx"
)

// LogEmailSender records the message in the log and reports success.
// It stands in for a transactional email provider.
type LogEmailSender struct {
	log logx.Logger
}

func NewLogEmailSender(log logx.Logger) *LogEmailSender {
	return &LogEmailSender{log: log.With(logx.String("comp", "notify.email"))}
}

func (s *LogEmailSender) Channel() crm.Channel { return crm.ChannelEmail }

func (s *LogEmailSender) Send(ctx context.Context, d Delivery) error {
	if strings.TrimSpace(d.To) == "" {
		return &ConfigError{Channel: crm.ChannelEmail, Missing: "email address"}
	}
	s.log.Info("email queued",
		logx.String("to", d.To),
		logx.String("subject", d.Subject),
		logx.Int("body_len", len(d.Text)),
	)
	return nil
}

type SMTPOptions struct {
	Host     string
	Port     int // default 465
	Username string
	Password string
	From     string
	// TLSConfig overrides the implicit-TLS settings (tests).
	TLSConfig *tls.Config
}

// SMTPEmailSender delivers plain-text mail over implicit TLS with PLAIN auth.
type SMTPEmailSender struct {
	opts SMTPOptions
	log  logx.Logger
}

func NewSMTPEmailSender(opts SMTPOptions, log logx.Logger) *SMTPEmailSender {
	if opts.Port == 0 {
		opts.Port = 465
	}
	return &SMTPEmailSender{opts: opts, log: log.With(logx.String("comp", "notify.smtp"))}
}

func (s *SMTPEmailSender) Channel() crm.Channel { return crm.ChannelEmail }

func (s *SMTPEmailSender) Send(ctx context.Context, d Delivery) error {
	to := strings.TrimSpace(d.To)
	if to == "" {
		return &ConfigError{Channel: crm.ChannelEmail, Missing: "email address"}
	}
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	tlsCfg := s.opts.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{ServerName: s.opts.Host}
	}

	dialer := &tls.Dialer{NetDialer: &net.Dialer{Timeout: 10 * time.Second}, Config: tlsCfg}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	c, err := smtp.NewClient(conn, s.opts.Host)
	if err != nil {
		return fmt.Errorf("smtp hello: %w", err)
	}
	defer c.Close()

	if s.opts.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.opts.Username, s.opts.Password, s.opts.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(s.opts.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(buildMessage(s.opts.From, to, d.Subject, d.Text)); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}
	if err := c.Quit(); err != nil {
		return fmt.Errorf("smtp quit: %w", err)
	}
	s.log.Debug("email delivered", logx.String("to", to))
	return nil
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}
