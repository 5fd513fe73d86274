package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for zapmail.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Channels  ChannelsConfig  `json:"channels"`
	Router    RouterConfig    `json:"router"`
	Store     StoreConfig     `json:"store"`
	Templates TemplatesConfig `json:"templates"`
	Events    EventsConfig    `json:"events"`
	API       APIConfig       `json:"api"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type GeneralConfig struct {
	DataDir     string `json:"dataDir"`           // session dirs, db, templates live under here
	LogLevel    string `json:"logLevel"`          // "debug" | "info" | "warn" | "error"
	LogFile     string `json:"logFile,omitempty"` // optional log file path
	CountryCode string `json:"countryCode"`       // default country code for national phone numbers
}

type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Mail     MailConfig     `json:"mail"`
}

type WhatsAppConfig struct {
	Enabled               bool   `json:"enabled"`
	Method                string `json:"method"` // "bridge" | "web"
	BridgePort            int    `json:"bridgePort"`
	SessionDir            string `json:"sessionDir,omitempty"` // companion session data (default <dataDir>/whatsapp-session)
	NodePath              string `json:"nodePath,omitempty"`   // node binary override
	WebProfileDir         string `json:"webProfileDir,omitempty"`
	WebHeadless           bool   `json:"webHeadless"`
	WebSendWaitSeconds    int    `json:"webSendWaitSeconds,omitempty"`
	RateLimitPerMin       int    `json:"rateLimitPerMinute"`
	MaxReconnectAttempts  int    `json:"maxReconnectAttempts"`
	ReconnectDelaySeconds int    `json:"reconnectDelaySeconds"`
}

type MailConfig struct {
	Enabled         bool   `json:"enabled"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Username        string `json:"username"`
	Password        string `json:"password,omitempty"`
	From            string `json:"from,omitempty"` // defaults to username
	FromName        string `json:"fromName,omitempty"`
	StartTLS        bool   `json:"startTLS"`
	RateLimitPerMin int    `json:"rateLimitPerMinute"`
}

type RouterConfig struct {
	DefaultChannel  string `json:"defaultChannel"`            // channel for mixed/ambiguous envelopes
	FallbackChannel string `json:"fallbackChannel,omitempty"` // "" disables fallback
	// Inter-send delays, independent of the rate limiter. messageDelay
	// separates recipients inside one envelope, bulkDelay separates
	// envelopes in a bulk batch, groupDelay replaces bulkDelay after an
	// envelope with multiple recipients.
	MessageDelaySeconds int `json:"messageDelaySeconds"`
	BulkDelaySeconds    int `json:"bulkDelaySeconds"`
	GroupDelaySeconds   int `json:"groupDelaySeconds"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

type TemplatesConfig struct {
	Dir string `json:"dir,omitempty"` // YAML override directory (default <dataDir>/templates)
}

// EventsConfig configures the optional AMQP event publisher.
type EventsConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url,omitempty"`
	Exchange string `json:"exchange,omitempty"`
}

// APIConfig configures the admin HTTP API served by `zapmail serve`.
type APIConfig struct {
	Enabled   bool   `json:"enabled"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	AuthToken string `json:"authToken,omitempty"` // bearer token; empty disables auth
}

// MetricsConfig configures the Prometheus-text metrics endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.zapmail).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".zapmail"
	}
	return filepath.Join(home, ".zapmail")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = expandPath(cfg.General.DataDir)
	cfg.General.LogFile = expandPath(cfg.General.LogFile)
	cfg.Store.DBPath = expandPath(cfg.Store.DBPath)
	cfg.Channels.WhatsApp.SessionDir = expandPath(cfg.Channels.WhatsApp.SessionDir)
	cfg.Channels.WhatsApp.WebProfileDir = expandPath(cfg.Channels.WhatsApp.WebProfileDir)
	cfg.Templates.Dir = expandPath(cfg.Templates.Dir)
	ApplyDerivedPaths(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ApplyDerivedPaths fills path fields that default relative to dataDir.
func ApplyDerivedPaths(cfg *Config) {
	if cfg.General.DataDir == "" {
		cfg.General.DataDir = DefaultConfigDir()
	}
	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = filepath.Join(cfg.General.DataDir, "zapmail.db")
	}
	if cfg.Channels.WhatsApp.SessionDir == "" {
		cfg.Channels.WhatsApp.SessionDir = filepath.Join(cfg.General.DataDir, "whatsapp-session")
	}
	if cfg.Channels.WhatsApp.WebProfileDir == "" {
		cfg.Channels.WhatsApp.WebProfileDir = filepath.Join(cfg.General.DataDir, "chrome-profiles", "whatsapp-web")
	}
	if cfg.Templates.Dir == "" {
		cfg.Templates.Dir = filepath.Join(cfg.General.DataDir, "templates")
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cc := cfg.General.CountryCode; cc != "" {
		if len(cc) > 3 || strings.Trim(cc, "0123456789") != "" {
			errs = append(errs, "general.countryCode must be 1-3 digits")
		}
	}

	switch cfg.Channels.WhatsApp.Method {
	case "bridge", "web":
		// valid
	default:
		errs = append(errs, "channels.whatsapp.method must be one of: bridge, web")
	}
	if p := cfg.Channels.WhatsApp.BridgePort; p < 1 || p > 65535 {
		errs = append(errs, "channels.whatsapp.bridgePort must be between 1 and 65535")
	}
	if cfg.Channels.WhatsApp.RateLimitPerMin < 1 {
		errs = append(errs, "channels.whatsapp.rateLimitPerMinute must be >= 1")
	}

	if cfg.Channels.Mail.Enabled {
		if cfg.Channels.Mail.Host == "" {
			errs = append(errs, "channels.mail.host is required when mail is enabled")
		}
		if cfg.Channels.Mail.Username == "" {
			errs = append(errs, "channels.mail.username is required when mail is enabled")
		}
	}
	if p := cfg.Channels.Mail.Port; p < 0 || p > 65535 {
		errs = append(errs, "channels.mail.port must be between 0 and 65535")
	}
	if cfg.Channels.Mail.RateLimitPerMin < 1 {
		errs = append(errs, "channels.mail.rateLimitPerMinute must be >= 1")
	}

	switch cfg.Router.DefaultChannel {
	case "whatsapp", "mail":
		// valid
	default:
		errs = append(errs, "router.defaultChannel must be one of: whatsapp, mail")
	}
	switch cfg.Router.FallbackChannel {
	case "", "whatsapp", "mail":
		// valid
	default:
		errs = append(errs, "router.fallbackChannel must be one of: whatsapp, mail (or empty)")
	}
	if cfg.Router.MessageDelaySeconds < 0 || cfg.Router.BulkDelaySeconds < 0 || cfg.Router.GroupDelaySeconds < 0 {
		errs = append(errs, "router delays must be >= 0")
	}

	if p := cfg.API.Port; p < 0 || p > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}

	if cfg.Events.Enabled && cfg.Events.URL == "" {
		errs = append(errs, "events.url is required when events are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func expandPath(path string) string {
	return ExpandPath(path)
}

// ExpandPath resolves ~/ to the user's home directory (used by init and Load).
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
