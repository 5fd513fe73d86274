// Package webclient drives WhatsApp Web through a Chrome session. It is
// the chat channel's secondary send path, used when the companion bridge
// is disabled or failed to launch. The browser profile keeps the paired
// session between runs, so Login is needed once per profile.
package webclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"zapmail/internal/domain"
)

const (
	sendURLFormat   = "https://web.whatsapp.com/send?phone=%s&text=%s"
	defaultSendWait = 8 * time.Second
	composeTimeout  = 45 * time.Second
)

// Selectors are the CSS selectors for the WhatsApp Web UI. They break when
// WhatsApp ships a redesign, so they are overridable through config.
type Selectors struct {
	Compose string // message input box on a chat page
	Landing string // element present on the logged-in landing page
}

func DefaultSelectors() Selectors {
	return Selectors{
		Compose: `div[contenteditable="true"][data-tab="10"]`,
		Landing: `div[data-testid="chat-list"], div[aria-label="Chat list"]`,
	}
}

// Sender sends messages through WhatsApp Web in a dedicated Chrome profile.
type Sender struct {
	profileDir string
	headless   bool
	sendWait   time.Duration
	selectors  Selectors
	logger     *slog.Logger
}

type SenderConfig struct {
	ProfileDir string        // Chrome user data dir (persists the WhatsApp Web pairing)
	Headless   bool          // headless for sends; Login always opens a visible window
	SendWait   time.Duration // delivery wait after the message is submitted (default 8s)
	Selectors  Selectors     // zero value uses DefaultSelectors
	Logger     *slog.Logger
}

func NewSender(cfg SenderConfig) *Sender {
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".zapmail", "chrome-profiles", "whatsapp-web")
	}
	if cfg.SendWait <= 0 {
		cfg.SendWait = defaultSendWait
	}
	if cfg.Selectors.Compose == "" {
		cfg.Selectors = DefaultSelectors()
	}
	return &Sender{
		profileDir: cfg.ProfileDir,
		headless:   cfg.Headless,
		sendWait:   cfg.SendWait,
		selectors:  cfg.Selectors,
		logger:     cfg.Logger,
	}
}

// newContext creates a chromedp context bound to the sender's profile.
// The caller MUST call cancel() when done.
func (s *Sender) newContext(parentCtx context.Context, headless bool) (context.Context, context.CancelFunc) {
	if err := os.MkdirAll(s.profileDir, 0o755); err != nil {
		s.logger.Error("failed to create profile dir", "dir", s.profileDir, "err", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(s.profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"),
	)
	if !headless {
		// DefaultExecAllocatorOptions are headless; undo for visible mode.
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parentCtx, opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	cancelAll := func() {
		taskCancel()
		allocCancel()
	}
	return taskCtx, cancelAll
}

// Login opens a visible browser on web.whatsapp.com for QR pairing.
// The pairing is stored in the profile directory for later headless use.
func (s *Sender) Login(ctx context.Context) error {
	taskCtx, cancel := s.newContext(ctx, false)
	defer cancel()

	if err := chromedp.Run(taskCtx, chromedp.Navigate("https://web.whatsapp.com")); err != nil {
		return fmt.Errorf("open whatsapp web: %w", err)
	}

	s.logger.Info("browser opened. Scan the QR code with your phone, then press Ctrl+C.")
	<-ctx.Done()
	s.logger.Info("whatsapp web session saved", "profile", s.profileDir)
	return nil
}

// Send delivers one text message through the web UI and returns a locally
// generated message ID (the web flow exposes none). The phone must be in
// canonical +<country><number> form.
func (s *Sender) Send(ctx context.Context, phone, text string) (string, error) {
	digits := strings.TrimPrefix(phone, "+")
	target := fmt.Sprintf(sendURLFormat, digits, url.QueryEscape(text))

	taskCtx, cancel := s.newContext(ctx, s.headless)
	defer cancel()

	navCtx, navCancel := context.WithTimeout(taskCtx, composeTimeout)
	defer navCancel()

	err := chromedp.Run(navCtx,
		chromedp.Navigate(target),
		chromedp.WaitReady("body"),
		chromedp.WaitVisible(s.selectors.Compose, chromedp.ByQuery),
		chromedp.Sleep(1*time.Second),
	)
	if err != nil {
		if navCtx.Err() != nil {
			// The compose box never appeared: either the pairing is gone
			// or the number has no WhatsApp chat page.
			return "", domain.NewSendError(domain.ErrNotConnected,
				"whatsapp web compose box not found (session unpaired?)")
		}
		return "", domain.NewSendError(domain.ErrConnection, "open chat page: %v", err)
	}

	// The text arrives prefilled through the URL; Enter submits it.
	err = chromedp.Run(navCtx,
		chromedp.Click(s.selectors.Compose, chromedp.ByQuery),
		chromedp.SendKeys(s.selectors.Compose, kb.Enter, chromedp.ByQuery),
		chromedp.Sleep(s.sendWait),
	)
	if err != nil {
		return "", domain.NewSendError(domain.ErrConnection, "submit message: %v", err)
	}

	id := fmt.Sprintf("wpp_%d", time.Now().Unix())
	s.logger.Debug("whatsapp web send submitted", "phone", phone, "id", id)
	return id, nil
}

// Authenticated probes whether the stored profile still has a paired
// session by looking for the logged-in landing page.
func (s *Sender) Authenticated(ctx context.Context) bool {
	taskCtx, cancel := s.newContext(ctx, s.headless)
	defer cancel()

	probeCtx, probeCancel := context.WithTimeout(taskCtx, 30*time.Second)
	defer probeCancel()

	err := chromedp.Run(probeCtx,
		chromedp.Navigate("https://web.whatsapp.com"),
		chromedp.WaitReady("body"),
		chromedp.WaitVisible(s.selectors.Landing, chromedp.ByQuery),
	)
	return err == nil
}
