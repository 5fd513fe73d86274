package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zapmail/internal/bridge"
	"zapmail/internal/config"
	"zapmail/internal/domain"
	"zapmail/internal/ratelimit"
)

const (
	connectPolls        = 3
	connectPollInterval = 2 * time.Second
)

// BridgeClient is the companion process HTTP contract the adapter polls
// and sends through.
type BridgeClient interface {
	Status(ctx context.Context) (*bridge.StatusResponse, error)
	SendMessage(ctx context.Context, phone, message string, kind domain.MessageKind) (string, error)
	Contacts(ctx context.Context) ([]domain.Contact, error)
	Disconnect(ctx context.Context) error
}

// BridgeSupervisor owns the companion process lifecycle.
type BridgeSupervisor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
}

// WebSender delivers through the WhatsApp Web browser flow, the adapter's
// secondary method when the companion bridge cannot be used.
type WebSender interface {
	Send(ctx context.Context, phone, text string) (string, error)
	Authenticated(ctx context.Context) bool
}

// WhatsApp implements domain.Channel against the companion bridge process,
// falling back to the browser method when one is configured.
type WhatsApp struct {
	cfg          config.WhatsAppConfig
	country      string
	messageDelay time.Duration
	limiter      *ratelimit.Limiter
	bridge       BridgeClient
	supervisor   BridgeSupervisor
	web          WebSender
	logger       *slog.Logger

	pollInterval time.Duration

	mu     sync.Mutex
	state  domain.ConnectionState
	method string // active method: "bridge" or "web"
	qrCode string
	detail string
}

type WhatsAppChannelConfig struct {
	Config       config.WhatsAppConfig
	CountryCode  string        // default country code for normalization
	MessageDelay time.Duration // pause between recipients of one envelope
	Bridge       BridgeClient
	Supervisor   BridgeSupervisor
	Web          WebSender // optional; enables the browser fallback method
	Limiter      *ratelimit.Limiter
	Logger       *slog.Logger
}

func NewWhatsApp(cfg WhatsAppChannelConfig) *WhatsApp {
	if cfg.CountryCode == "" {
		cfg.CountryCode = domain.DefaultCountryCode
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(cfg.Config.RateLimitPerMin, time.Minute)
	}
	method := cfg.Config.Method
	if method == "" {
		method = "bridge"
	}
	return &WhatsApp{
		cfg:          cfg.Config,
		country:      cfg.CountryCode,
		messageDelay: cfg.MessageDelay,
		limiter:      cfg.Limiter,
		bridge:       cfg.Bridge,
		supervisor:   cfg.Supervisor,
		web:          cfg.Web,
		logger:       cfg.Logger,
		pollInterval: connectPollInterval,
		state:        domain.StateDisconnected,
		method:       method,
	}
}

func (w *WhatsApp) Name() string { return "whatsapp" }

func (w *WhatsApp) CanDeliver(r domain.Recipient) bool {
	return r.Kind == domain.RecipientPhone
}

func (w *WhatsApp) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == domain.StateConnected
}

// Connect brings the channel up via the configured method. With the bridge
// method it launches the companion process and polls its status; a launch
// failure switches to the browser method when one is wired, otherwise the
// error propagates so the router can fall back to another channel.
func (w *WhatsApp) Connect(ctx context.Context) (domain.ConnectionState, error) {
	w.setState(domain.StateConnecting, "")

	if w.activeMethod() == "web" {
		return w.connectWeb(ctx)
	}

	if err := w.supervisor.Start(ctx); err != nil {
		w.logger.Error("companion launch failed", "err", err)
		if w.web != nil {
			w.logger.Info("switching to whatsapp web method")
			w.setMethod("web")
			return w.connectWeb(ctx)
		}
		w.setState(domain.StateError, err.Error())
		return domain.StateError, domain.AsSendError(err, true)
	}

	// The companion needs a few seconds after launch before it reports
	// ready or produces a QR; poll a bounded number of times.
	for attempt := 0; attempt < connectPolls; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				w.setState(domain.StateError, ctx.Err().Error())
				return domain.StateError, domain.NewSendError(domain.ErrConnection, "connect cancelled: %v", ctx.Err())
			case <-time.After(w.pollInterval):
			}
		}

		status, err := w.bridge.Status(ctx)
		if err != nil {
			w.setState(domain.StateError, err.Error())
			return domain.StateError, domain.AsSendError(err, true)
		}

		switch {
		case status.Ready && status.Authenticated:
			w.setConnected()
			w.logger.Info("whatsapp channel connected", "method", "bridge")
			return domain.StateConnected, nil
		case status.QRRequired:
			w.setQRRequired(status.QRCode)
			w.logger.Info("whatsapp pairing required, QR code available")
			return domain.StateQRRequired, nil
		}
	}

	// Still authenticating; the caller keeps polling Status.
	w.setState(domain.StateConnecting, "")
	return domain.StateConnecting, nil
}

func (w *WhatsApp) connectWeb(ctx context.Context) (domain.ConnectionState, error) {
	if w.web == nil {
		err := domain.NewSendError(domain.ErrLaunch, "whatsapp web method not configured")
		w.setState(domain.StateError, err.Message)
		return domain.StateError, err
	}
	if !w.web.Authenticated(ctx) {
		// The browser flow pairs through a visible window (login command),
		// not an embeddable QR payload.
		w.setQRRequired("")
		w.logger.Info("whatsapp web session unpaired, login required")
		return domain.StateQRRequired, nil
	}
	w.setConnected()
	w.logger.Info("whatsapp channel connected", "method", "web")
	return domain.StateConnected, nil
}

// Disconnect logs the session out and stops the companion process.
func (w *WhatsApp) Disconnect(ctx context.Context) error {
	if w.activeMethod() == "bridge" {
		if err := w.bridge.Disconnect(ctx); err != nil {
			// The process gets stopped regardless.
			w.logger.Warn("companion disconnect failed", "err", err)
		}
		if err := w.supervisor.Stop(ctx); err != nil {
			w.setState(domain.StateError, err.Error())
			return fmt.Errorf("stop companion: %w", err)
		}
	}
	w.setState(domain.StateDisconnected, "")
	return nil
}

// Send delivers the envelope to each phone recipient in order, with the
// configured pause between recipients. A connection-level failure aborts
// the loop; per-recipient provider rejections do not.
func (w *WhatsApp) Send(ctx context.Context, env domain.Envelope) domain.SendResult {
	if !w.IsConnected() {
		w.mu.Lock()
		state := w.state
		w.mu.Unlock()
		return domain.FailureResult(domain.NewSendError(domain.ErrNotConnected,
			"whatsapp channel is %s", state))
	}

	if !w.limiter.Allow(w.Name()) {
		return domain.FailureResult(domain.NewSendError(domain.ErrRateLimited,
			"whatsapp rate limit reached, retry in %s", w.limiter.RetryAfter(w.Name()).Round(time.Second))).
			WithMeta("retryAfterSeconds", int(w.limiter.RetryAfter(w.Name()).Seconds()))
	}

	text := domain.SanitizeText(env.Content.Text)
	sent := 0
	total := len(env.Recipients)
	var lastID string
	var failures []string

	for i, r := range env.Recipients {
		if i > 0 && w.messageDelay > 0 {
			select {
			case <-ctx.Done():
				return batchOutcome(sent, total, lastID, failures,
					domain.NewSendError(domain.ErrConnection, "send cancelled: %v", ctx.Err()))
			case <-time.After(w.messageDelay):
			}
		}

		if r.Kind != domain.RecipientPhone {
			failures = append(failures, fmt.Sprintf("%s: not a phone recipient", r.Address()))
			continue
		}
		phone, err := domain.NormalizePhoneCountry(r.Phone, w.country)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", r.Phone, err))
			continue
		}

		id, err := w.deliver(ctx, phone, text, env.Kind)
		if err != nil {
			se := domain.AsSendError(err, true)
			if se.ConnectionLevel() {
				w.setState(domain.StateError, se.Message)
				return batchOutcome(sent, total, lastID, failures, se)
			}
			w.logger.Warn("whatsapp send rejected", "phone", phone, "err", se.Message)
			failures = append(failures, fmt.Sprintf("%s: %s", phone, se.Message))
			continue
		}
		sent++
		lastID = id
		w.logger.Debug("whatsapp message sent", "phone", phone, "id", id)
	}

	if sent == 0 {
		kind := domain.ErrProvider
		if total > 0 && len(failures) == total && allValidation(env.Recipients, w.country) {
			kind = domain.ErrValidation
		}
		return batchOutcome(0, total, "", failures,
			domain.NewSendError(kind, "no recipient reached: %s", firstOr(failures, "no phone recipients")))
	}
	return batchOutcome(sent, total, lastID, failures, nil)
}

func (w *WhatsApp) deliver(ctx context.Context, phone, text string, kind domain.MessageKind) (string, error) {
	if w.activeMethod() == "web" {
		return w.web.Send(ctx, phone, text)
	}
	return w.bridge.SendMessage(ctx, phone, text, kind)
}

// batchOutcome folds a per-recipient loop into one SendResult. Partial
// delivery counts as success; an abort reason is kept for the audit trail.
func batchOutcome(sent, total int, lastID string, failures []string, err *domain.SendError) domain.SendResult {
	var result domain.SendResult
	if sent > 0 {
		result = domain.SuccessResult(lastID)
		if err != nil {
			result = result.WithMeta("aborted", err.Message)
		}
	} else {
		result = domain.FailureResult(err)
	}
	result = result.WithMeta("sent", sent).WithMeta("total", total)
	if len(failures) > 0 {
		result = result.WithMeta("failures", failures)
	}
	return result
}

// Status polls the companion when running the bridge method, so state
// transitions (pairing completed, session dropped) surface here.
func (w *WhatsApp) Status(ctx context.Context) domain.ChannelStatus {
	if w.activeMethod() == "bridge" {
		w.refreshFromBridge(ctx)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	st := domain.ChannelStatus{
		Name:      w.Name(),
		State:     w.state,
		Connected: w.state == domain.StateConnected,
	}
	if w.state == domain.StateQRRequired {
		st.QRCode = w.qrCode
	}
	if w.state == domain.StateError {
		st.Detail = w.detail
	}
	return st
}

func (w *WhatsApp) refreshFromBridge(ctx context.Context) {
	w.mu.Lock()
	state := w.state
	w.mu.Unlock()
	if state == domain.StateDisconnected {
		return
	}

	if !w.supervisor.Running() {
		w.setState(domain.StateError, "companion process exited")
		return
	}

	status, err := w.bridge.Status(ctx)
	if err != nil {
		w.setState(domain.StateError, err.Error())
		return
	}
	switch {
	case status.Ready && status.Authenticated:
		w.setConnected()
	case status.QRRequired:
		w.setQRRequired(status.QRCode)
	default:
		w.setState(domain.StateConnecting, "")
	}
}

// SyncContacts fetches the companion's contact list. Bridge method only:
// the browser flow exposes no contact API.
func (w *WhatsApp) SyncContacts(ctx context.Context) ([]domain.Contact, error) {
	if w.activeMethod() != "bridge" {
		return nil, domain.NewSendError(domain.ErrProvider, "contacts require the bridge method")
	}
	if !w.IsConnected() {
		return nil, domain.NewSendError(domain.ErrNotConnected, "whatsapp channel is not connected")
	}
	return w.bridge.Contacts(ctx)
}

// --- State helpers ---

func (w *WhatsApp) setState(state domain.ConnectionState, detail string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = state
	w.detail = detail
	if state != domain.StateQRRequired {
		w.qrCode = ""
	}
}

func (w *WhatsApp) setConnected() {
	w.setState(domain.StateConnected, "")
}

func (w *WhatsApp) setQRRequired(code string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = domain.StateQRRequired
	w.qrCode = code
	w.detail = ""
}

func (w *WhatsApp) setMethod(method string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.method = method
}

func (w *WhatsApp) activeMethod() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.method
}

func allValidation(recipients []domain.Recipient, country string) bool {
	for _, r := range recipients {
		if r.Kind != domain.RecipientPhone {
			continue
		}
		if _, err := domain.NormalizePhoneCountry(r.Phone, country); err == nil {
			return false
		}
	}
	return true
}

func firstOr(list []string, fallback string) string {
	if len(list) > 0 {
		return list[0]
	}
	return fallback
}
