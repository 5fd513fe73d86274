package domain

import (
	"testing"
	"time"
)

// --- Status transitions ---

func TestEnvelope_Transition_PendingToSent(t *testing.T) {
	env := NewEnvelope([]Recipient{PhoneRecipient("11999998888", "")}, Content{Text: "hi"})
	if env.Status != StatusPending {
		t.Fatalf("new envelope should be pending, got %s", env.Status)
	}
	if err := env.Transition(StatusSent); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Status != StatusSent {
		t.Fatalf("expected sent, got %s", env.Status)
	}
}

func TestEnvelope_Transition_TerminalIsImmutable(t *testing.T) {
	env := NewEnvelope([]Recipient{PhoneRecipient("11999998888", "")}, Content{Text: "hi"})
	if err := env.Transition(StatusFailed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.Transition(StatusSent); err == nil {
		t.Fatal("terminal envelope must not transition again")
	}
	if env.Status != StatusFailed {
		t.Fatalf("status mutated after terminal: %s", env.Status)
	}
}

func TestEnvelope_Transition_ToPendingRejected(t *testing.T) {
	env := NewEnvelope([]Recipient{PhoneRecipient("11999998888", "")}, Content{Text: "hi"})
	if err := env.Transition(StatusPending); err == nil {
		t.Fatal("transition to pending should be rejected")
	}
}

func TestStatus_Terminal(t *testing.T) {
	if StatusPending.Terminal() {
		t.Error("pending must not be terminal")
	}
	for _, s := range []Status{StatusSent, StatusFailed, StatusError} {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
}

// --- Retry ---

func TestEnvelope_Retry_FreshEnvelope(t *testing.T) {
	env := NewEnvelope([]Recipient{PhoneRecipient("11999998888", "Ana")}, Content{Text: "hi"})
	if err := env.Transition(StatusFailed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	retry := env.Retry()
	if retry.ID == env.ID {
		t.Fatal("retry must carry a fresh ID")
	}
	if retry.Status != StatusPending {
		t.Fatalf("retry should be pending, got %s", retry.Status)
	}
	if env.Status != StatusFailed {
		t.Fatalf("original must keep its terminal status, got %s", env.Status)
	}
	if retry.Metadata["retryOf"] != env.ID {
		t.Fatalf("retry should reference the original, got %v", retry.Metadata["retryOf"])
	}
	if retry.Content.Text != env.Content.Text {
		t.Fatal("retry should carry the same content")
	}
}

// --- Defaults ---

func TestNewEnvelope_Defaults(t *testing.T) {
	env := NewEnvelope([]Recipient{MailRecipient("a@b.co", "")}, Content{Text: "hi"})
	if env.ID == "" {
		t.Fatal("envelope needs an ID")
	}
	if env.Kind != KindText {
		t.Fatalf("default kind should be text, got %s", env.Kind)
	}
	if env.Priority != PriorityNormal {
		t.Fatalf("default priority should be normal, got %s", env.Priority)
	}
	if env.CreatedAt.IsZero() {
		t.Fatal("createdAt should be set")
	}
}

// --- SendResult ---

func TestSuccessResult(t *testing.T) {
	r := SuccessResult("msg-123")
	if !r.Success || r.MessageID != "msg-123" || r.Error != nil {
		t.Fatalf("unexpected result: %+v", r)
	}
	if r.Timestamp.IsZero() {
		t.Fatal("timestamp should be set")
	}
}

func TestFailureResult(t *testing.T) {
	r := FailureResult(NewSendError(ErrProvider, "rejected"))
	if r.Success || r.Error == nil {
		t.Fatalf("unexpected result: %+v", r)
	}
	if r.Error.Kind != ErrProvider {
		t.Fatalf("expected provider error, got %s", r.Error.Kind)
	}
}

func TestSendResult_WithMeta(t *testing.T) {
	r := SuccessResult("id").WithMeta("sent", 2).WithMeta("total", 3)
	if r.Metadata["sent"] != 2 || r.Metadata["total"] != 3 {
		t.Fatalf("unexpected metadata: %v", r.Metadata)
	}
}

// --- Content metadata ---

func TestContent_SubjectAndHTML(t *testing.T) {
	c := Content{Text: "plain", Metadata: map[string]string{
		"subject": "Reunion",
		"html":    "<b>plain</b>",
	}}
	if c.Subject() != "Reunion" {
		t.Fatalf("got %q", c.Subject())
	}
	if c.HTMLBody() != "<b>plain</b>" {
		t.Fatalf("got %q", c.HTMLBody())
	}

	var empty Content
	if empty.Subject() != "" || empty.HTMLBody() != "" {
		t.Fatal("nil metadata should yield empty strings")
	}
}

// --- Recipient union ---

func TestRecipient_Validate_ExactlyOneAddress(t *testing.T) {
	ok := PhoneRecipient("11999998888", "Ana")
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	both := Recipient{Kind: RecipientPhone, Phone: "11999998888", Mail: "a@b.co"}
	if err := both.Validate(); err == nil {
		t.Fatal("recipient with both addresses must be invalid")
	}

	neither := Recipient{Kind: RecipientMail}
	if err := neither.Validate(); err == nil {
		t.Fatal("recipient with no address must be invalid")
	}

	unknown := Recipient{Kind: "pigeon", Phone: "11999998888"}
	if err := unknown.Validate(); err == nil {
		t.Fatal("unknown kind must be invalid")
	}
}

func TestRecipient_Address(t *testing.T) {
	p := PhoneRecipient("11999998888", "")
	if p.Address() != "11999998888" {
		t.Fatalf("got %q", p.Address())
	}
	m := MailRecipient("a@b.co", "")
	if m.Address() != "a@b.co" {
		t.Fatalf("got %q", m.Address())
	}
}

// --- Timestamps sanity ---

func TestEnvelope_Retry_NewCreatedAt(t *testing.T) {
	env := NewEnvelope([]Recipient{PhoneRecipient("11999998888", "")}, Content{Text: "hi"})
	env.CreatedAt = time.Now().Add(-time.Hour)
	retry := env.Retry()
	if !retry.CreatedAt.After(env.CreatedAt) {
		t.Fatal("retry should get a fresh createdAt")
	}
}
