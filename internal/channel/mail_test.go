package channel

import (
	"context"
	"errors"
	"net/smtp"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"zapmail/internal/config"
	"zapmail/internal/domain"
	"zapmail/internal/ratelimit"
)

// --- Helpers ---

type sentMail struct {
	addr string
	from string
	to   []string
	msg  []byte
}

func newTestMail() (*Mail, *[]sentMail) {
	var captured []sentMail
	m := NewMail(MailChannelConfig{
		Config: config.MailConfig{
			Enabled:         true,
			Host:            "smtp.example.com",
			Port:            587,
			Username:        "notify@example.com",
			StartTLS:        true,
			RateLimitPerMin: 100,
		},
		Limiter: ratelimit.New(100, time.Minute),
		Logger:  testLogger(),
	})
	m.probe = func(ctx context.Context) error { return nil }
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		captured = append(captured, sentMail{addr: addr, from: from, to: to, msg: msg})
		return nil
	}
	return m, &captured
}

func connectMail(t *testing.T, m *Mail) {
	t.Helper()
	state, err := m.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if state != domain.StateConnected {
		t.Fatalf("expected connected, got %s", state)
	}
}

func mailEnvelope(subject, text string, addrs ...string) domain.Envelope {
	recipients := make([]domain.Recipient, 0, len(addrs))
	for _, a := range addrs {
		recipients = append(recipients, domain.MailRecipient(a, ""))
	}
	env := domain.NewEnvelope(recipients, domain.Content{
		Text:     text,
		Metadata: map[string]string{"subject": subject},
	})
	return env
}

// --- Connect ---

func TestMailConnect_ProbeSucceeds(t *testing.T) {
	m, _ := newTestMail()
	connectMail(t, m)
	if !m.IsConnected() {
		t.Fatal("IsConnected should report true after probe")
	}
}

func TestMailConnect_ProbeFails(t *testing.T) {
	m, _ := newTestMail()
	m.probe = func(ctx context.Context) error {
		return domain.NewSendError(domain.ErrConnection, "smtp dial smtp.example.com:587: refused")
	}

	state, err := m.Connect(context.Background())
	if state != domain.StateError {
		t.Fatalf("expected error state, got %s", state)
	}
	if domain.KindOf(err) != domain.ErrConnection {
		t.Fatalf("expected connection error, got %v", err)
	}

	st := m.Status(context.Background())
	if !strings.Contains(st.Detail, "refused") {
		t.Fatalf("status detail should carry the probe error, got %q", st.Detail)
	}
}

// --- Send ---

func TestMailSend_RequiresSubject(t *testing.T) {
	m, captured := newTestMail()
	connectMail(t, m)

	env := domain.NewEnvelope(
		[]domain.Recipient{domain.MailRecipient("member@example.com", "")},
		domain.Content{Text: "sem assunto"},
	)
	result := m.Send(context.Background(), env)
	if result.Success {
		t.Fatal("send without subject should fail")
	}
	if result.Error.Kind != domain.ErrValidation {
		t.Fatalf("expected validation error, got %s", result.Error.Kind)
	}
	if len(*captured) != 0 {
		t.Fatal("nothing should be sent")
	}
}

func TestMailSend_NotConnected(t *testing.T) {
	m, captured := newTestMail()

	result := m.Send(context.Background(), mailEnvelope("Aviso", "oi", "member@example.com"))
	if result.Success || result.Error.Kind != domain.ErrNotConnected {
		t.Fatalf("expected not_connected, got %+v", result)
	}
	if len(*captured) != 0 {
		t.Fatal("nothing should be sent when disconnected")
	}
}

func TestMailSend_RateLimited(t *testing.T) {
	m, captured := newTestMail()
	m.limiter = ratelimit.New(1, time.Minute)
	connectMail(t, m)

	first := m.Send(context.Background(), mailEnvelope("Aviso", "oi", "a@example.com"))
	if !first.Success {
		t.Fatalf("first send should pass: %v", first.Error)
	}
	second := m.Send(context.Background(), mailEnvelope("Aviso", "oi", "b@example.com"))
	if second.Success || second.Error.Kind != domain.ErrRateLimited {
		t.Fatalf("expected rate_limited, got %+v", second)
	}
	if len(*captured) != 1 {
		t.Fatalf("rate-limited send must not reach SMTP, got %d", len(*captured))
	}
}

func TestMailSend_Success(t *testing.T) {
	m, captured := newTestMail()
	connectMail(t, m)

	result := m.Send(context.Background(), mailEnvelope("Culto de Domingo", "Começa às 19h.", "member@example.com"))
	if !result.Success {
		t.Fatalf("send failed: %v", result.Error)
	}
	if result.MessageID == "" {
		t.Fatal("expected a locally generated message id")
	}
	if result.Metadata["sent"] != 1 || result.Metadata["total"] != 1 {
		t.Fatalf("unexpected batch metadata: %v", result.Metadata)
	}

	if len(*captured) != 1 {
		t.Fatalf("expected 1 SMTP delivery, got %d", len(*captured))
	}
	got := (*captured)[0]
	if got.addr != "smtp.example.com:587" {
		t.Fatalf("unexpected server addr %q", got.addr)
	}
	if got.from != "notify@example.com" {
		t.Fatalf("from should default to the username, got %q", got.from)
	}
	if len(got.to) != 1 || got.to[0] != "member@example.com" {
		t.Fatalf("unexpected rcpt list %v", got.to)
	}

	msg := string(got.msg)
	if !strings.Contains(msg, "To: member@example.com\r\n") {
		t.Fatal("missing To header")
	}
	if !strings.Contains(msg, "Subject: Culto de Domingo\r\n") {
		t.Fatal("missing Subject header")
	}
	if !strings.Contains(msg, "Content-Type: text/plain; charset=UTF-8") {
		t.Fatal("missing plain text content type")
	}
}

func TestMailSend_HTMLAlternative(t *testing.T) {
	m, captured := newTestMail()
	m.cfg.FromName = "Secretaria"
	connectMail(t, m)

	env := mailEnvelope("Aviso", "versão texto", "member@example.com")
	env.Content.Metadata["html"] = "<p>versão <b>rica</b></p>"

	result := m.Send(context.Background(), env)
	if !result.Success {
		t.Fatalf("send failed: %v", result.Error)
	}

	msg := string((*captured)[0].msg)
	if !strings.Contains(msg, "multipart/alternative") {
		t.Fatal("expected multipart/alternative message")
	}
	if !strings.Contains(msg, "text/plain; charset=UTF-8") || !strings.Contains(msg, "text/html; charset=UTF-8") {
		t.Fatal("both alternative parts should be present")
	}
	if strings.Index(msg, "text/plain") > strings.Index(msg, "text/html") {
		t.Fatal("plain part should come before the html part")
	}
	if !strings.Contains(msg, "From: ") || !strings.Contains(msg, "<notify@example.com>") {
		t.Fatal("display name form of From header expected")
	}
}

func TestMailSend_PartialBatch(t *testing.T) {
	m, captured := newTestMail()
	baseSend := m.send
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		if to[0] == "bad@example.com" {
			return &textproto.Error{Code: 550, Msg: "mailbox unavailable"}
		}
		return baseSend(addr, a, from, to, msg)
	}
	connectMail(t, m)

	result := m.Send(context.Background(), mailEnvelope("Aviso", "oi",
		"good@example.com", "bad@example.com", "also-good@example.com"))

	if !result.Success {
		t.Fatalf("partial batch should succeed: %v", result.Error)
	}
	if result.Metadata["sent"] != 2 || result.Metadata["total"] != 3 {
		t.Fatalf("unexpected batch metadata: %v", result.Metadata)
	}
	failures := result.Metadata["failures"].([]string)
	if len(failures) != 1 || !strings.Contains(failures[0], "550 mailbox unavailable") {
		t.Fatalf("rejection should be recorded with the server reply, got %v", failures)
	}
	if len(*captured) != 2 {
		t.Fatalf("expected 2 accepted deliveries, got %d", len(*captured))
	}
}

func TestMailSend_TransportAbort(t *testing.T) {
	m, _ := newTestMail()
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		return errors.New("dial tcp: connection reset")
	}
	connectMail(t, m)

	result := m.Send(context.Background(), mailEnvelope("Aviso", "oi",
		"a@example.com", "b@example.com"))

	if result.Success {
		t.Fatal("transport failure should fail the batch")
	}
	if result.Error.Kind != domain.ErrConnection {
		t.Fatalf("expected connection error, got %s", result.Error.Kind)
	}
	if m.IsConnected() {
		t.Fatal("adapter should leave connected state after a transport failure")
	}
}

func TestMailSend_SkipsPhoneRecipient(t *testing.T) {
	m, captured := newTestMail()
	connectMail(t, m)

	env := domain.NewEnvelope(
		[]domain.Recipient{
			domain.PhoneRecipient("11999998888", ""),
			domain.MailRecipient("member@example.com", ""),
		},
		domain.Content{Text: "oi", Metadata: map[string]string{"subject": "Aviso"}},
	)

	result := m.Send(context.Background(), env)
	if !result.Success {
		t.Fatalf("mail recipient should still be served: %v", result.Error)
	}
	if result.Metadata["sent"] != 1 || result.Metadata["total"] != 2 {
		t.Fatalf("unexpected batch metadata: %v", result.Metadata)
	}
	if len(*captured) != 1 || (*captured)[0].to[0] != "member@example.com" {
		t.Fatalf("unexpected deliveries: %+v", *captured)
	}
}

func TestMailCanDeliver(t *testing.T) {
	m, _ := newTestMail()

	if !m.CanDeliver(domain.MailRecipient("a@b.com", "")) {
		t.Fatal("should deliver to mail recipients")
	}
	if m.CanDeliver(domain.PhoneRecipient("11999998888", "")) {
		t.Fatal("should not deliver to phone recipients")
	}
}

// --- composeMail ---

func TestComposeMail_EncodesUTF8Subject(t *testing.T) {
	msg := string(composeMail("n@e.com", "", "m@e.com", "Aniversário do João", "parabéns", ""))
	if !strings.Contains(msg, "Subject: =?utf-8?q?") {
		t.Fatalf("non-ASCII subject should be Q-encoded, got:\n%s", msg)
	}
}

func TestComposeMail_CRLFLineEndings(t *testing.T) {
	msg := string(composeMail("n@e.com", "", "m@e.com", "Hi", "line one\nline two", ""))
	stripped := strings.ReplaceAll(msg, "\r\n", "")
	if strings.ContainsAny(stripped, "\r\n") {
		t.Fatal("message must use CRLF line endings exclusively")
	}
	if !strings.Contains(msg, "line one\r\nline two") {
		t.Fatal("body newlines should be converted to CRLF")
	}
}
