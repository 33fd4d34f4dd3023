package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SMTPConfig holds transport settings for one SMTP endpoint.
type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	Secure      bool // implicit TLS instead of STARTTLS
	DialTimeout time.Duration
}

// SMTPSender sends mail over a plain SMTP connection. Each Send dials a
// fresh connection; the worker's throughput is bounded upstream by the send
// throttle, so connection reuse is not worth the state.
type SMTPSender struct {
	config SMTPConfig
	logger *zap.Logger
}

// NewSMTPSender creates an SMTP transport.
func NewSMTPSender(cfg SMTPConfig, logger *zap.Logger) *SMTPSender {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &SMTPSender{config: cfg, logger: logger}
}

func (s *SMTPSender) addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// connect dials, negotiates TLS and authenticates. Callers own Quit/Close.
func (s *SMTPSender) connect(ctx context.Context) (*smtp.Client, error) {
	timeout := s.config.DialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	var conn net.Conn
	var err error
	if s.config.Secure {
		dialer := &net.Dialer{Timeout: timeout}
		conn, err = tls.DialWithDialer(dialer, "tcp", s.addr(), &tls.Config{ServerName: s.config.Host})
	} else {
		conn, err = net.DialTimeout("tcp", s.addr(), timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("smtp dial %s: %w", s.addr(), err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp handshake: %w", err)
	}

	if !s.config.Secure {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: s.config.Host}); err != nil {
				client.Close()
				return nil, fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}

	if s.config.Username != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("smtp auth: %w", err)
		}
	}

	return client, nil
}

// Verify confirms the endpoint is reachable and credentials are accepted.
func (s *SMTPSender) Verify(ctx context.Context) error {
	client, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	return client.Quit()
}

// Send delivers one message and returns its Message-ID header value.
func (s *SMTPSender) Send(ctx context.Context, msg Message) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}

	client, err := s.connect(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	if err := client.Mail(msg.From); err != nil {
		return "", fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return "", fmt.Errorf("smtp rcpt to: %w", err)
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.config.Host)

	w, err := client.Data()
	if err != nil {
		return "", fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(buildMIME(msg, messageID)); err != nil {
		w.Close()
		return "", fmt.Errorf("smtp write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("smtp close body: %w", err)
	}

	if err := client.Quit(); err != nil {
		s.logger.Debug("smtp quit failed after accepted message", zap.Error(err))
	}

	s.logger.Debug("email sent via smtp",
		zap.String("to", msg.To),
		zap.String("message_id", messageID),
	)

	return messageID, nil
}

// buildMIME renders the wire format: multipart/alternative when both bodies
// are present, a single part otherwise.
func buildMIME(msg Message, messageID string) []byte {
	var b strings.Builder

	from := msg.From
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.From)
	}

	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	if msg.ReplyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", msg.ReplyTo)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")

	switch {
	case msg.HTML != "" && msg.Text != "":
		boundary := "b-" + uuid.NewString()
		fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)
		fmt.Fprintf(&b, "--%s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n", boundary, msg.Text)
		fmt.Fprintf(&b, "--%s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n", boundary, msg.HTML)
		fmt.Fprintf(&b, "--%s--\r\n", boundary)
	case msg.HTML != "":
		fmt.Fprintf(&b, "Content-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n", msg.HTML)
	default:
		fmt.Fprintf(&b, "Content-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n", msg.Text)
	}

	return []byte(b.String())
}
