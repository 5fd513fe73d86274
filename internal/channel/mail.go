package channel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"zapmail/internal/config"
	"zapmail/internal/domain"
	"zapmail/internal/ratelimit"
)

const smtpProbeTimeout = 10 * time.Second

// Mail implements domain.Channel over SMTP. The channel is stateless aside
// from the connectivity probe: Connect authenticates once to prove the
// credentials work, and every send dials a fresh session.
type Mail struct {
	cfg     config.MailConfig
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	// Seams for tests; default to the real SMTP implementations.
	send  func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	probe func(ctx context.Context) error

	mu     sync.Mutex
	state  domain.ConnectionState
	detail string
}

type MailChannelConfig struct {
	Config  config.MailConfig
	Limiter *ratelimit.Limiter
	Logger  *slog.Logger
}

func NewMail(cfg MailChannelConfig) *Mail {
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(cfg.Config.RateLimitPerMin, time.Minute)
	}
	m := &Mail{
		cfg:     cfg.Config,
		limiter: cfg.Limiter,
		logger:  cfg.Logger,
		send:    smtp.SendMail,
		state:   domain.StateDisconnected,
	}
	m.probe = m.smtpProbe
	return m
}

func (m *Mail) Name() string { return "mail" }

func (m *Mail) CanDeliver(r domain.Recipient) bool {
	return r.Kind == domain.RecipientMail
}

func (m *Mail) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == domain.StateConnected
}

// Connect probes the SMTP server: dial, STARTTLS when configured, and
// authenticate. Success lands in connected; the probe opens no session
// that would need keeping alive.
func (m *Mail) Connect(ctx context.Context) (domain.ConnectionState, error) {
	m.setState(domain.StateConnecting, "")

	if err := m.probe(ctx); err != nil {
		se := domain.AsSendError(err, true)
		m.setState(domain.StateError, se.Message)
		return domain.StateError, se
	}

	m.setState(domain.StateConnected, "")
	m.logger.Info("mail channel connected", "host", m.cfg.Host, "port", m.cfg.Port)
	return domain.StateConnected, nil
}

func (m *Mail) Disconnect(ctx context.Context) error {
	m.setState(domain.StateDisconnected, "")
	return nil
}

// Send delivers the envelope to each mail recipient in its own SMTP
// session, reporting per-recipient failures so a batch can partially
// succeed. A transport failure aborts the remaining recipients.
func (m *Mail) Send(ctx context.Context, env domain.Envelope) domain.SendResult {
	if !m.IsConnected() {
		m.mu.Lock()
		state := m.state
		m.mu.Unlock()
		return domain.FailureResult(domain.NewSendError(domain.ErrNotConnected,
			"mail channel is %s", state))
	}

	if !m.limiter.Allow(m.Name()) {
		return domain.FailureResult(domain.NewSendError(domain.ErrRateLimited,
			"mail rate limit reached, retry in %s", m.limiter.RetryAfter(m.Name()).Round(time.Second))).
			WithMeta("retryAfterSeconds", int(m.limiter.RetryAfter(m.Name()).Seconds()))
	}

	subject := env.Content.Subject()
	if strings.TrimSpace(subject) == "" {
		return domain.FailureResult(domain.NewSendError(domain.ErrValidation,
			"mail subject is required"))
	}
	if env.Content.MediaPath != "" {
		m.logger.Debug("mail channel sends text only, media reference ignored",
			"media", env.Content.MediaPath)
	}

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	auth := m.auth()
	from := m.fromAddress()
	text := domain.SanitizeText(env.Content.Text)
	html := env.Content.HTMLBody()

	sent := 0
	total := len(env.Recipients)
	var lastID string
	var failures []string

	for _, r := range env.Recipients {
		if r.Kind != domain.RecipientMail {
			failures = append(failures, fmt.Sprintf("%s: not a mail recipient", r.Address()))
			continue
		}
		if !domain.ValidEmail(r.Mail) {
			failures = append(failures, fmt.Sprintf("%s: invalid mail address", r.Mail))
			continue
		}

		msg := composeMail(from, m.cfg.FromName, r.Mail, subject, text, html)
		if err := m.send(addr, auth, from, []string{r.Mail}, msg); err != nil {
			var tpErr *textproto.Error
			if errors.As(err, &tpErr) {
				// The server rejected this one message; keep going.
				m.logger.Warn("mail rejected", "to", r.Mail, "code", tpErr.Code, "err", tpErr.Msg)
				failures = append(failures, fmt.Sprintf("%s: %d %s", r.Mail, tpErr.Code, tpErr.Msg))
				continue
			}
			se := domain.AsSendError(err, true)
			m.setState(domain.StateError, se.Message)
			return batchOutcome(sent, total, lastID, failures, se)
		}
		sent++
		lastID = fmt.Sprintf("mail_%d", time.Now().UnixNano())
		m.logger.Debug("mail sent", "to", r.Mail)
	}

	if sent == 0 {
		return batchOutcome(0, total, "", failures,
			domain.NewSendError(domain.ErrProvider, "no recipient accepted: %s",
				firstOr(failures, "no mail recipients")))
	}
	return batchOutcome(sent, total, lastID, failures, nil)
}

func (m *Mail) Status(ctx context.Context) domain.ChannelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := domain.ChannelStatus{
		Name:      m.Name(),
		State:     m.state,
		Connected: m.state == domain.StateConnected,
	}
	if m.state == domain.StateError {
		st.Detail = m.detail
	}
	return st
}

func (m *Mail) setState(state domain.ConnectionState, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.detail = detail
}

func (m *Mail) auth() smtp.Auth {
	if m.cfg.Password == "" {
		return nil
	}
	return smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
}

func (m *Mail) fromAddress() string {
	if m.cfg.From != "" {
		return m.cfg.From
	}
	return m.cfg.Username
}

// smtpProbe verifies the server is reachable and the credentials are
// accepted, then quits. It never sends mail.
func (m *Mail) smtpProbe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	d := net.Dialer{Timeout: smtpProbeTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return domain.NewSendError(domain.ErrConnection, "smtp dial %s: %v", addr, err)
	}

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return domain.NewSendError(domain.ErrConnection, "smtp handshake: %v", err)
	}
	defer client.Close()

	if m.cfg.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return domain.NewSendError(domain.ErrProvider, "server %s does not offer STARTTLS", m.cfg.Host)
		}
		if err := client.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
			return domain.NewSendError(domain.ErrConnection, "starttls: %v", err)
		}
	}

	if auth := m.auth(); auth != nil {
		if err := client.Auth(auth); err != nil {
			return domain.NewSendError(domain.ErrProvider, "smtp authentication failed: %v", err)
		}
	}

	return client.Quit()
}

// composeMail renders an RFC 5322 message with CRLF line endings. When an
// HTML body is present the message is multipart/alternative, plain part
// first so simple clients pick it up.
func composeMail(from, fromName, to, subject, text, html string) []byte {
	var b strings.Builder

	fromHeader := from
	if fromName != "" {
		fromHeader = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", fromName), from)
	}
	fmt.Fprintf(&b, "From: %s\r\n", fromHeader)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")

	if html == "" {
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
		b.WriteString("\r\n")
		b.WriteString(crlf(text))
		return []byte(b.String())
	}

	boundary := fmt.Sprintf("zapmail-%d", time.Now().UnixNano())
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n", boundary)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(crlf(text))
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	b.WriteString(crlf(html))
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return []byte(b.String())
}

func crlf(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
