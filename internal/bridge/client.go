// Package bridge owns the companion WhatsApp process: a small Node.js
// service (whatsapp-web.js behind a local HTTP API) that the gateway
// launches, polls, and sends through. The companion is a black box; this
// package only speaks its HTTP protocol and supervises its lifetime.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"zapmail/internal/domain"
	"zapmail/internal/metrics"
)

// DefaultPort is the local port the companion service listens on.
const DefaultPort = 3001

const (
	defaultStatusTimeout = 5 * time.Second
	defaultSendTimeout   = 30 * time.Second
)

// Client speaks the companion service's HTTP protocol.
type Client struct {
	baseURL       string
	statusTimeout time.Duration
	sendTimeout   time.Duration
	http          *http.Client
	logger        *slog.Logger
}

type ClientConfig struct {
	BaseURL       string        // default http://127.0.0.1:3001
	StatusTimeout time.Duration // GET /status bound (default 5s)
	SendTimeout   time.Duration // POST /send-message bound (default 30s)
	Logger        *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://127.0.0.1:%d", DefaultPort)
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = defaultStatusTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	return &Client{
		baseURL:       cfg.BaseURL,
		statusTimeout: cfg.StatusTimeout,
		sendTimeout:   cfg.SendTimeout,
		// Local loopback traffic; pooling one connection is plenty.
		http: &http.Client{Transport: &http.Transport{
			MaxIdleConns:    2,
			IdleConnTimeout: 90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   3 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		}},
		logger: cfg.Logger,
	}
}

// BaseURL returns the companion endpoint this client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// Status polls GET /status. A transport failure means the companion is not
// reachable and maps to a connection error.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.BridgeLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, domain.NewSendError(domain.ErrConnection, "companion unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewSendError(domain.ErrConnection,
			"companion status returned HTTP %d", resp.StatusCode)
	}

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, domain.NewSendError(domain.ErrConnection, "malformed status payload: %v", err)
	}
	return &status, nil
}

// SendMessage posts one message and returns the provider message ID.
// The phone must already be in canonical +<country><number> form.
func (c *Client) SendMessage(ctx context.Context, phone, message string, kind domain.MessageKind) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	payload, err := json.Marshal(sendRequest{Phone: phone, Message: message, Type: string(kind)})
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/send-message", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.BridgeLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", domain.NewSendError(domain.ErrConnection, "companion unreachable: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", domain.NewSendError(domain.ErrConnection, "read response: %v", err)
	}

	var result sendResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", domain.NewSendError(domain.ErrProvider,
			"malformed send response (HTTP %d): %s", resp.StatusCode, truncate(string(body), 200))
	}

	if resp.StatusCode != http.StatusOK || !result.Success {
		detail := result.Error
		if detail == "" {
			detail = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return "", domain.NewSendError(domain.ErrProvider, "%s", detail)
	}
	return result.MessageID, nil
}

// Contacts fetches the companion's synced contact list.
func (c *Client) Contacts(ctx context.Context) ([]domain.Contact, error) {
	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/contacts", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.NewSendError(domain.ErrConnection, "companion unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewSendError(domain.ErrProvider, "contacts returned HTTP %d", resp.StatusCode)
	}

	var entries []contactEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, domain.NewSendError(domain.ErrProvider, "malformed contacts payload: %v", err)
	}

	contacts := make([]domain.Contact, 0, len(entries))
	for _, e := range entries {
		contacts = append(contacts, domain.Contact{ID: e.ID, Name: e.Name, Phone: e.Phone})
	}
	return contacts, nil
}

// Disconnect asks the companion to log out of the session. Best effort:
// callers typically follow up by stopping the process.
func (c *Client) Disconnect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/disconnect", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NewSendError(domain.ErrConnection, "companion unreachable: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return domain.NewSendError(domain.ErrProvider, "disconnect returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// --- Companion service payload types ---

// StatusResponse is the GET /status payload.
type StatusResponse struct {
	Ready         bool   `json:"ready"`
	Authenticated bool   `json:"authenticated"`
	QRRequired    bool   `json:"qr_required"`
	QRCode        string `json:"qr_code,omitempty"`
}

type sendRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

type sendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

type contactEntry struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}
