package channel

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/foxzi/cadence/internal/dkim"
	"github.com/foxzi/cadence/internal/models"
)

// SMTPConfig configures the SMTP channel
type SMTPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	From               string
	Subject            string
	HeloName           string
	StartTLS           bool
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// SMTP relays each message through one submission server
type SMTP struct {
	cfg    SMTPConfig
	signer *dkim.Signer
	logger *slog.Logger
	now    func() time.Time
}

// NewSMTP creates an SMTP channel. signer may be nil.
func NewSMTP(cfg SMTPConfig, signer *dkim.Signer, logger *slog.Logger) (*SMTP, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp channel: host is required")
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("smtp channel: invalid from address %q: %w", cfg.From, err)
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.HeloName == "" {
		cfg.HeloName = "localhost"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if signer != nil && !signer.Covers(fromAddress(cfg.From)) {
		logger.Warn("DKIM domain does not match sender", "domain", signer.Domain(), "from", cfg.From)
	}

	return &SMTP{
		cfg:    cfg,
		signer: signer,
		logger: logger.With("channel", "smtp"),
		now:    time.Now,
	}, nil
}

// Send implements Sender
func (s *SMTP) Send(ctx context.Context, r models.Recipient, message string) (Outcome, error) {
	to, err := mail.ParseAddress(r.Address)
	if err != nil {
		return Outcome{}, &Error{Temporary: false, Message: fmt.Sprintf("invalid recipient address %q", r.Address), Err: err}
	}
	if r.Name != "" {
		to.Name = r.Name
	}

	messageID := uuid.New().String()
	data, err := s.compose(to, messageID, message)
	if err != nil {
		return Outcome{}, err
	}

	if s.signer != nil {
		signed, err := s.signer.Sign(data)
		if err != nil {
			s.logger.Warn("DKIM signing failed, sending unsigned", "domain", s.signer.Domain(), "error", err)
		} else {
			data = signed
		}
	}

	if err := s.deliver(ctx, to.Address, data); err != nil {
		return Outcome{}, err
	}

	s.logger.Debug("message delivered", "to", to.Address, "message_id", messageID)
	return Outcome{Success: true, MessageID: messageID}, nil
}

func (s *SMTP) deliver(ctx context.Context, to string, data []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	dialer := &net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &Error{Temporary: true, Message: fmt.Sprintf("connection failed to %s", addr), Err: err}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(s.cfg.Timeout))
	}

	client := smtp.NewClient(conn)
	defer client.Close()

	if err := client.Hello(s.cfg.HeloName); err != nil {
		return categorize(err, "HELO")
	}

	if s.cfg.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return &Error{Temporary: false, Message: fmt.Sprintf("%s does not support STARTTLS", addr)}
		}
		tlsConfig := &tls.Config{
			ServerName:         s.cfg.Host,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: s.cfg.InsecureSkipVerify,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return &Error{Temporary: true, Message: "STARTTLS failed", Err: err}
		}
	}

	if s.cfg.Username != "" {
		auth := sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return categorize(err, "AUTH")
		}
	}

	if err := client.SendMail(fromAddress(s.cfg.From), []string{to}, bytes.NewReader(data)); err != nil {
		return categorize(err, "SEND")
	}

	client.Quit()
	return nil
}

// compose builds a plain text RFC 5322 message. A leading "Subject:" line in
// the rendered text overrides the configured subject.
func (s *SMTP) compose(to *mail.Address, messageID, message string) ([]byte, error) {
	subject, body := splitSubject(message, s.cfg.Subject)

	from, err := mail.ParseAddress(s.cfg.From)
	if err != nil {
		return nil, &Error{Temporary: false, Message: "invalid from address", Err: err}
	}

	var buf bytes.Buffer
	writeHeader := func(k, v string) {
		buf.WriteString(k)
		buf.WriteString(": ")
		buf.WriteString(v)
		buf.WriteString("\r\n")
	}
	writeHeader("From", from.String())
	writeHeader("To", to.String())
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", subject))
	writeHeader("Date", s.now().Format(time.RFC1123Z))
	writeHeader("Message-ID", "<"+messageID+"@"+domainOf(from.Address)+">")
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", "text/plain; charset=utf-8")
	writeHeader("Content-Transfer-Encoding", "8bit")
	buf.WriteString("\r\n")

	body = strings.ReplaceAll(body, "\r\n", "\n")
	buf.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	if !strings.HasSuffix(body, "\n") {
		buf.WriteString("\r\n")
	}
	return buf.Bytes(), nil
}

func splitSubject(message, fallback string) (string, string) {
	first, rest, found := strings.Cut(message, "\n")
	if len(first) >= 8 && strings.EqualFold(first[:8], "subject:") {
		subject := strings.TrimSpace(first[8:])
		if !found {
			return subject, ""
		}
		return subject, strings.TrimLeft(rest, "\r\n")
	}
	return fallback, message
}

func fromAddress(from string) string {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return from
	}
	return addr.Address
}

func domainOf(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return "localhost"
	}
	return strings.ToLower(address[at+1:])
}

// smtpCodePattern matches SMTP reply codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b([45]\d{2})\b`)

// categorize maps an SMTP failure to a temporary or permanent Error
func categorize(err error, stage string) *Error {
	msg := stage + " failed"

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &Error{Temporary: smtpErr.Code < 500, Message: msg, Err: err}
	}

	if matches := smtpCodePattern.FindStringSubmatch(err.Error()); len(matches) > 1 {
		return &Error{Temporary: matches[1][0] == '4', Message: msg, Err: err}
	}

	return &Error{Temporary: true, Message: msg, Err: err}
}
