// Package email provides the email channel handler.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/bissquit/salon-notify/internal/domain"
	"github.com/bissquit/salon-notify/internal/notifications"
	"github.com/google/uuid"
)

// Supported transports.
const (
	TransportSMTP     = "smtp"
	TransportPostmark = "postmark"
	TransportLog      = "log"
)

// Config holds email handler configuration.
type Config struct {
	Transport     string `koanf:"transport"`
	FromAddress   string `koanf:"from_address"`
	SMTPHost      string `koanf:"smtp_host"`
	SMTPPort      int    `koanf:"smtp_port"`
	SMTPUser      string `koanf:"smtp_user"`
	SMTPPassword  string `koanf:"smtp_password"`
	PostmarkToken string `koanf:"postmark_server_token"`
	PostmarkTag   string `koanf:"postmark_tag"`
}

// Envelope is one outgoing email.
type Envelope struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// Transport hands an envelope to a mail provider and returns its message id.
type Transport interface {
	Deliver(ctx context.Context, env Envelope) (string, error)
	Name() string
}

// Handler implements notifications.ChannelHandler for email.
type Handler struct {
	from      string
	transport Transport
}

// NewHandler creates an email handler for the configured transport.
func NewHandler(config Config) (*Handler, error) {
	var (
		transport Transport
		err       error
	)
	switch config.Transport {
	case TransportSMTP:
		transport, err = NewSMTPTransport(config)
	case TransportPostmark:
		transport, err = NewPostmarkTransport(config)
	case TransportLog, "":
		transport = LogTransport{}
	default:
		return nil, fmt.Errorf("email handler: unknown transport %q", config.Transport)
	}
	if err != nil {
		return nil, err
	}
	if transport.Name() != TransportLog && config.FromAddress == "" {
		return nil, errors.New("email handler: from address is required")
	}

	slog.Info("email handler configured",
		"transport", transport.Name(),
		"from_address", config.FromAddress,
	)

	return NewHandlerWithTransport(config.FromAddress, transport), nil
}

// NewHandlerWithTransport creates an email handler over an explicit transport.
func NewHandlerWithTransport(from string, transport Transport) *Handler {
	return &Handler{from: from, transport: transport}
}

// Channel returns the channel type.
func (h *Handler) Channel() domain.Channel {
	return domain.ChannelEmail
}

// ValidateRecipient checks the address shape.
func (h *Handler) ValidateRecipient(address string) bool {
	return notifications.ValidEmail(address)
}

// Send delivers one rendered message.
func (h *Handler) Send(ctx context.Context, msg notifications.Message) (*notifications.SendReceipt, error) {
	id, err := h.transport.Deliver(ctx, Envelope{
		From:    h.from,
		To:      msg.To,
		Subject: msg.Subject,
		HTML:    msg.Body,
	})
	if err != nil {
		return nil, classify(err)
	}
	return &notifications.SendReceipt{
		ExternalID:     id,
		ProviderStatus: "accepted",
	}, nil
}

// SMTPTransport sends mail through an SMTP relay using STARTTLS.
type SMTPTransport struct {
	host string
	port int
	auth smtp.Auth
}

// NewSMTPTransport creates an SMTP transport.
// Returns error if the relay host is missing.
func NewSMTPTransport(config Config) (*SMTPTransport, error) {
	if config.SMTPHost == "" {
		return nil, errors.New("email handler: SMTP host is required")
	}

	port := config.SMTPPort
	if port == 0 {
		port = 587
	}

	var auth smtp.Auth
	if config.SMTPUser != "" && config.SMTPPassword != "" {
		auth = smtp.PlainAuth("", config.SMTPUser, config.SMTPPassword, config.SMTPHost)
	}

	return &SMTPTransport{host: config.SMTPHost, port: port, auth: auth}, nil
}

// Name returns the transport name.
func (t *SMTPTransport) Name() string { return TransportSMTP }

// Deliver sends env and returns the generated Message-ID.
func (t *SMTPTransport) Deliver(ctx context.Context, env Envelope) (string, error) {
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), t.host)
	msg := buildMessage(env, messageID)
	addr := net.JoinHostPort(t.host, fmt.Sprint(t.port))

	tlsConfig := &tls.Config{
		ServerName: t.host,
		MinVersion: tls.VersionTLS12,
	}

	if err := t.sendWithSTARTTLS(ctx, addr, tlsConfig, extractEmail(env.From), env.To, msg); err != nil {
		return "", err
	}
	return messageID, nil
}

// sendWithSTARTTLS sends an email using STARTTLS (port 587).
func (t *SMTPTransport) sendWithSTARTTLS(ctx context.Context, addr string, tlsConfig *tls.Config, from, to string, msg []byte) error {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, t.host)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if t.auth != nil {
		if err := client.Auth(t.auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	return client.Quit()
}

// buildMessage constructs the email message with headers.
func buildMessage(env Envelope, messageID string) []byte {
	var msg strings.Builder

	// Headers in deterministic order
	fmt.Fprintf(&msg, "From: %s\r\n", env.From)
	fmt.Fprintf(&msg, "To: %s\r\n", env.To)
	fmt.Fprintf(&msg, "Subject: %s\r\n", sanitizeHeader(env.Subject))
	fmt.Fprintf(&msg, "Message-ID: %s\r\n", messageID)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(htmlBody(env.HTML))

	return []byte(msg.String())
}

// htmlBody turns rendered line breaks into <br> so plain templates keep their layout.
func htmlBody(body string) string {
	return strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "<br>\r\n")
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

// extractEmail extracts the email address from formats like "Name <email@example.com>".
func extractEmail(address string) string {
	if idx := strings.Index(address, "<"); idx != -1 {
		end := strings.Index(address, ">")
		if end > idx {
			return address[idx+1 : end]
		}
	}
	return address
}

// LogTransport writes envelopes to the log instead of sending them.
type LogTransport struct{}

// Name returns the transport name.
func (LogTransport) Name() string { return TransportLog }

// Deliver logs env and returns a synthetic id.
func (LogTransport) Deliver(ctx context.Context, env Envelope) (string, error) {
	id := "log-" + uuid.NewString()
	slog.InfoContext(ctx, "email not sent, log transport",
		"message_id", id,
		"to", env.To,
		"subject", env.Subject,
	)
	return id, nil
}

// classify wraps err as a retryable or permanent provider error.
func classify(err error) error {
	var pe *notifications.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	code := "smtp_error"
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		code = fmt.Sprintf("smtp_%d", tpErr.Code)
	}
	return &notifications.ProviderError{Err: err, Code: code, Retryable: IsRetryable(err)}
}

// IsRetryable determines if an error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Network timeout errors are retryable
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection refused is retryable
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code >= 400 && tpErr.Code < 500 || tpErr.Code == 552
	}

	errStr := err.Error()

	// SMTP 4xx codes are temporary failures (retryable)
	if strings.Contains(errStr, "421") || // Service not available
		strings.Contains(errStr, "450") || // Mailbox unavailable
		strings.Contains(errStr, "451") || // Local error
		strings.Contains(errStr, "452") { // Insufficient storage
		return true
	}

	// 552 - Mailbox full is sometimes retryable
	if strings.Contains(errStr, "552") {
		return true
	}

	return false
}
