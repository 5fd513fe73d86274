package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"zapmail/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeCompanion is a minimal in-process stand-in for the Node.js service.
type fakeCompanion struct {
	status      StatusResponse
	sendStatus  int
	sendBody    map[string]any
	lastSend    sendRequest
	statusDelay time.Duration
}

func (f *fakeCompanion) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		if f.statusDelay > 0 {
			time.Sleep(f.statusDelay)
		}
		json.NewEncoder(w).Encode(f.status)
	})
	mux.HandleFunc("POST /send-message", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&f.lastSend)
		status := f.sendStatus
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(f.sendBody)
	})
	mux.HandleFunc("GET /contacts", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]contactEntry{
			{ID: "5511999998888@c.us", Name: "Maria", Phone: "+5511999998888"},
			{ID: "5511888887777@c.us", Name: "Ana", Phone: "+5511888887777"},
		})
	})
	mux.HandleFunc("POST /disconnect", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"success": true})
	})
	return mux
}

func newFakeClient(t *testing.T, f *fakeCompanion) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{BaseURL: srv.URL, Logger: testLogger()})
}

// --- Status ---

func TestClient_Status_Connected(t *testing.T) {
	f := &fakeCompanion{status: StatusResponse{Ready: true, Authenticated: true}}
	c := newFakeClient(t, f)

	got, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !got.Ready || !got.Authenticated || got.QRRequired {
		t.Fatalf("unexpected status: %+v", got)
	}
}

func TestClient_Status_QRRequired(t *testing.T) {
	f := &fakeCompanion{status: StatusResponse{QRRequired: true, QRCode: "data:image/png;base64,AAA"}}
	c := newFakeClient(t, f)

	got, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !got.QRRequired || got.QRCode == "" {
		t.Fatalf("expected QR payload, got %+v", got)
	}
}

func TestClient_Status_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(ClientConfig{BaseURL: url, Logger: testLogger()})
	_, err := c.Status(context.Background())
	if err == nil {
		t.Fatal("expected error for closed server")
	}
	if domain.KindOf(err) != domain.ErrConnection {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestClient_Status_TimeoutIsBounded(t *testing.T) {
	f := &fakeCompanion{statusDelay: 2 * time.Second}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	c := NewClient(ClientConfig{BaseURL: srv.URL, StatusTimeout: 50 * time.Millisecond, Logger: testLogger()})

	start := time.Now()
	_, err := c.Status(context.Background())
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected timeout error")
	}
	if domain.KindOf(err) != domain.ErrConnection {
		t.Fatalf("expected connection error, got %v", err)
	}
	if elapsed > time.Second {
		t.Fatalf("status poll not bounded: took %v", elapsed)
	}
}

// --- SendMessage ---

func TestClient_SendMessage_Success(t *testing.T) {
	f := &fakeCompanion{sendBody: map[string]any{"success": true, "message_id": "true_5511@c.us_ABC"}}
	c := newFakeClient(t, f)

	id, err := c.SendMessage(context.Background(), "+5511999998888", "hello", domain.KindText)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if id != "true_5511@c.us_ABC" {
		t.Fatalf("unexpected message id: %q", id)
	}
	if f.lastSend.Phone != "+5511999998888" || f.lastSend.Message != "hello" || f.lastSend.Type != "text" {
		t.Fatalf("unexpected request payload: %+v", f.lastSend)
	}
}

func TestClient_SendMessage_ProviderRejection(t *testing.T) {
	f := &fakeCompanion{sendBody: map[string]any{"success": false, "error": "number not on whatsapp"}}
	c := newFakeClient(t, f)

	_, err := c.SendMessage(context.Background(), "+5511999998888", "hello", domain.KindText)
	if err == nil {
		t.Fatal("expected provider error")
	}
	if domain.KindOf(err) != domain.ErrProvider {
		t.Fatalf("expected provider kind, got %v", err)
	}
	if !strings.Contains(err.Error(), "number not on whatsapp") {
		t.Fatalf("provider error text must be preserved, got %q", err.Error())
	}
}

func TestClient_SendMessage_ServerError(t *testing.T) {
	f := &fakeCompanion{sendStatus: http.StatusInternalServerError, sendBody: map[string]any{"success": false, "error": "session closed"}}
	c := newFakeClient(t, f)

	_, err := c.SendMessage(context.Background(), "+5511999998888", "hello", domain.KindText)
	if err == nil {
		t.Fatal("expected error for HTTP 500")
	}
	if domain.KindOf(err) != domain.ErrProvider {
		t.Fatalf("expected provider kind, got %v", err)
	}
}

func TestClient_SendMessage_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(ClientConfig{BaseURL: url, Logger: testLogger()})
	_, err := c.SendMessage(context.Background(), "+5511999998888", "hello", domain.KindText)
	if domain.KindOf(err) != domain.ErrConnection {
		t.Fatalf("expected connection error, got %v", err)
	}
}

// --- Contacts / Disconnect ---

func TestClient_Contacts(t *testing.T) {
	c := newFakeClient(t, &fakeCompanion{})

	contacts, err := c.Contacts(context.Background())
	if err != nil {
		t.Fatalf("Contacts: %v", err)
	}
	if len(contacts) != 2 {
		t.Fatalf("expected 2 contacts, got %d", len(contacts))
	}
	if contacts[0].Name != "Maria" || contacts[0].Phone != "+5511999998888" {
		t.Fatalf("unexpected contact: %+v", contacts[0])
	}
}

func TestClient_Disconnect(t *testing.T) {
	c := newFakeClient(t, &fakeCompanion{})
	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
}

// --- Defaults ---

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(ClientConfig{Logger: testLogger()})
	if c.BaseURL() != "http://127.0.0.1:3001" {
		t.Fatalf("unexpected default base URL: %s", c.BaseURL())
	}
	if c.statusTimeout != defaultStatusTimeout || c.sendTimeout != defaultSendTimeout {
		t.Fatalf("unexpected default timeouts: %v / %v", c.statusTimeout, c.sendTimeout)
	}
}
