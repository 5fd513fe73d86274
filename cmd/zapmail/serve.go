package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"zapmail/internal/api"
	"zapmail/internal/bridge"
	"zapmail/internal/channel"
	"zapmail/internal/config"
	"zapmail/internal/domain"
	"zapmail/internal/events"
	"zapmail/internal/router"
	"zapmail/internal/store"
	"zapmail/internal/template"
	"zapmail/internal/webclient"

	"github.com/spf13/cobra"
)

// gateway bundles the wired components shared by serve and send.
type gateway struct {
	store     *store.Store
	router    *router.Router
	templates *template.Registry
	events    events.Publisher
	enabled   []string // channel names, registration order
}

func (g *gateway) Close() {
	if err := g.events.Close(); err != nil {
		logger.Warn("close event publisher", "err", err)
	}
	if err := g.store.Close(); err != nil {
		logger.Warn("close audit store", "err", err)
	}
}

// buildGateway wires store, channels, events, and router from config.
func buildGateway(ctx context.Context, cfg *config.Config) (*gateway, error) {
	st, err := store.New(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("audit store: %w", err)
	}

	messageDelay := time.Duration(cfg.Router.MessageDelaySeconds) * time.Second

	var channels []domain.Channel
	if cfg.Channels.WhatsApp.Enabled {
		channels = append(channels, buildWhatsApp(cfg, messageDelay))
	}
	if cfg.Channels.Mail.Enabled {
		channels = append(channels, channel.NewMail(channel.MailChannelConfig{
			Config: cfg.Channels.Mail,
			Logger: logger,
		}))
	}
	if len(channels) == 0 {
		st.Close()
		return nil, fmt.Errorf("no channels enabled: enable channels.whatsapp or channels.mail")
	}

	var pub events.Publisher
	if cfg.Events.Enabled {
		pub, err = events.Connect(ctx, events.Config{
			URL:      cfg.Events.URL,
			Exchange: cfg.Events.Exchange,
			Logger:   logger,
		})
		if err != nil {
			logger.Warn("event broker unreachable, publishing disabled", "err", err)
			pub = events.NewNop(logger)
		}
	} else {
		pub = events.NewNop(logger)
	}

	rt := router.New(router.Config{
		Channels:    channels,
		Store:       st,
		Events:      pub,
		Router:      cfg.Router,
		CountryCode: cfg.General.CountryCode,
		Logger:      logger,
	})

	templates := template.NewRegistry(logger)
	if err := templates.LoadDirectory(cfg.Templates.Dir); err != nil {
		logger.Warn("load templates", "dir", cfg.Templates.Dir, "err", err)
	}

	enabled := make([]string, 0, len(channels))
	for _, ch := range channels {
		enabled = append(enabled, ch.Name())
	}

	return &gateway{
		store:     st,
		router:    rt,
		templates: templates,
		events:    pub,
		enabled:   enabled,
	}, nil
}

// buildWhatsApp assembles the whatsapp channel: companion bridge client and
// supervisor, plus the browser sender for the web method.
func buildWhatsApp(cfg *config.Config, messageDelay time.Duration) *channel.WhatsApp {
	wcfg := cfg.Channels.WhatsApp

	client := bridge.NewClient(bridge.ClientConfig{
		BaseURL: fmt.Sprintf("http://127.0.0.1:%d", wcfg.BridgePort),
		Logger:  logger,
	})
	supervisor := bridge.NewSupervisor(bridge.SupervisorConfig{
		NodeBin:    wcfg.NodePath,
		SessionDir: wcfg.SessionDir,
		Port:       wcfg.BridgePort,
		Logger:     logger,
	})
	web := webclient.NewSender(webclient.SenderConfig{
		ProfileDir: wcfg.WebProfileDir,
		Headless:   wcfg.WebHeadless,
		SendWait:   time.Duration(wcfg.WebSendWaitSeconds) * time.Second,
		Logger:     logger,
	})

	return channel.NewWhatsApp(channel.WhatsAppChannelConfig{
		Config:       wcfg,
		CountryCode:  cfg.General.CountryCode,
		MessageDelay: messageDelay,
		Bridge:       client,
		Supervisor:   supervisor,
		Web:          web,
		Logger:       logger,
	})
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (channels + admin API)",
		Long:  "Brings the enabled channels up and serves the admin HTTP API. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger = newLogger(cfg.General)

	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := buildGateway(ctx, cfg)
	if err != nil {
		return err
	}

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			API:       cfg.API,
			Metrics:   cfg.Metrics,
			Router:    gw.router,
			Templates: gw.templates,
			Logger:    logger,
		})
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				logger.Error("admin API error", "err", err)
			}
		}()
	}

	// Bring channels up front. Failures are reported, not fatal: the router
	// reconnects on demand and the admin API can retry. Only the startup
	// connect retries; the send path gets exactly one fallback.
	for _, name := range gw.enabled {
		attempts, delay := 1, time.Duration(0)
		if name == "whatsapp" {
			attempts = cfg.Channels.WhatsApp.MaxReconnectAttempts
			delay = time.Duration(cfg.Channels.WhatsApp.ReconnectDelaySeconds) * time.Second
		}
		connectChannel(ctx, gw, name, attempts, delay)
	}

	logger.Info("gateway started. Press Ctrl+C to stop.")
	<-ctx.Done()
	logger.Info("shutting down gateway...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, name := range gw.enabled {
			if err := gw.router.Disconnect(shutdownCtx, name); err != nil {
				logger.Warn("channel disconnect", "channel", name, "err", err)
			}
		}
		gw.Close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

// connectChannel brings one channel up at startup, retrying failed connects
// per the reconnect policy. qr_required and connecting are valid landings:
// pairing is an operator action, not a transient failure.
func connectChannel(ctx context.Context, gw *gateway, name string, attempts int, delay time.Duration) {
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		state, err := gw.router.Connect(ctx, name)
		if err == nil {
			if state == domain.StateQRRequired {
				logger.Info("channel waiting for QR pairing, fetch the code from GET /api/status", "channel", name)
			} else {
				logger.Info("channel up", "channel", name, "state", state)
			}
			return
		}
		if attempt >= attempts {
			logger.Warn("channel connect failed, router will retry on demand",
				"channel", name, "attempts", attempt, "err", err)
			return
		}
		logger.Warn("channel connect failed, retrying",
			"channel", name, "attempt", attempt, "delay", delay, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func sendCmd() *cobra.Command {
	var (
		phones       []string
		mails        []string
		message      string
		subject      string
		channelName  string
		templateName string
		vars         []string
		kind         string
		mediaPath    string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a one-shot message",
		Long: "Delivers a single message and exits. Recipients come from --to (phone)\n" +
			"and --mail; the body from --message or a --template with --var values.",
		Example: "  zapmail send --to '+5511999998888' -m 'Culto hoje às 19h'\n" +
			"  zapmail send --mail ana@example.com --subject Lembrete -m 'Reunião amanhã'\n" +
			"  zapmail send --to 11988887777 --template welcome --var nome=Ana",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger = newLogger(cfg.General)

			if len(phones) == 0 && len(mails) == 0 {
				return fmt.Errorf("at least one --to or --mail recipient is required")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			gw, err := buildGateway(ctx, cfg)
			if err != nil {
				return err
			}
			defer gw.Close()

			var recipients []domain.Recipient
			for _, p := range phones {
				recipients = append(recipients, domain.PhoneRecipient(p, ""))
			}
			for _, m := range mails {
				recipients = append(recipients, domain.MailRecipient(m, ""))
			}

			text := message
			if templateName != "" {
				text, err = gw.templates.Render(templateName, parseVars(vars))
				if err != nil {
					return err
				}
			}

			content := domain.Content{Text: text, MediaPath: mediaPath}
			if subject != "" {
				content.Metadata = map[string]string{"subject": subject}
			}

			env := domain.NewEnvelope(recipients, content)
			if kind != "" {
				env.Kind = domain.MessageKind(kind)
			}

			result := gw.router.Send(ctx, env, channelName)

			// One-shot run: tear the channels down so the companion process
			// does not outlive us.
			for _, name := range gw.enabled {
				if err := gw.router.Disconnect(context.Background(), name); err != nil {
					logger.Warn("channel disconnect", "channel", name, "err", err)
				}
			}

			out, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(out))
			if !result.Success {
				return fmt.Errorf("send failed: %s", result.Error.Error())
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&phones, "to", nil, "phone recipient (repeatable)")
	cmd.Flags().StringArrayVar(&mails, "mail", nil, "mail recipient (repeatable)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "message text")
	cmd.Flags().StringVar(&subject, "subject", "", "mail subject")
	cmd.Flags().StringVar(&channelName, "channel", "", "force a channel (whatsapp, mail)")
	cmd.Flags().StringVar(&templateName, "template", "", "render a named template as the body")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "template variable as key=value (repeatable)")
	cmd.Flags().StringVar(&mediaPath, "media", "", "media file path or URL")
	cmd.Flags().StringVar(&kind, "kind", "", "message kind (image, video, audio, document)")
	return cmd
}

// parseVars turns repeated key=value flags into a template variable map.
func parseVars(pairs []string) map[string]string {
	vars := make(map[string]string, len(pairs))
	for _, p := range pairs {
		if k, v, ok := strings.Cut(p, "="); ok {
			vars[k] = v
		}
	}
	return vars
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Pair WhatsApp Web in a visible browser window",
		Long: "Opens Chrome on web.whatsapp.com so you can scan the QR code once.\n" +
			"The pairing is stored in the browser profile for later headless sends\n" +
			"with the web method.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sender := webclient.NewSender(webclient.SenderConfig{
				ProfileDir: cfg.Channels.WhatsApp.WebProfileDir,
				Logger:     logger,
			})
			return sender.Login(ctx)
		},
	}
}
