package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the root configuration for the distributor.
type Config struct {
	General   GeneralConfig             `json:"general"`
	Store     StoreConfig               `json:"store"`
	Queue     QueueConfig               `json:"queue"`
	Rules     RulesConfig               `json:"rules"`
	Providers ProvidersConfig           `json:"providers"`
	Templates map[string]TemplateConfig `json:"templates,omitempty"` // keyed by channel
	Server    ServerConfig              `json:"server"`
	Events    EventsConfig              `json:"events"`
}

type GeneralConfig struct {
	LogLevel      string `json:"logLevel"`
	LogFile       string `json:"logFile,omitempty"`
	DefaultTenant string `json:"defaultTenant,omitempty"`
	DispatchMode  string `json:"dispatchMode"` // "queued" | "immediate"
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

type QueueConfig struct {
	Backend        string      `json:"backend"` // "memory" | "redis"
	Redis          RedisConfig `json:"redis"`
	Concurrency    int         `json:"concurrency"`
	MaxRetries     int         `json:"maxRetries"` // total attempts per job
	BaseDelayMs    int         `json:"baseDelayMs"`
	MaxDelayMs     int         `json:"maxDelayMs"`
	KeepCompleted  int         `json:"keepCompleted"`
	KeepFailed     int         `json:"keepFailed"`
	PollIntervalMs int         `json:"pollIntervalMs"`
}

// BaseDelay returns the first retry delay.
func (q QueueConfig) BaseDelay() time.Duration { return time.Duration(q.BaseDelayMs) * time.Millisecond }

// MaxDelay returns the retry delay cap.
func (q QueueConfig) MaxDelay() time.Duration { return time.Duration(q.MaxDelayMs) * time.Millisecond }

// PollInterval returns how often idle workers poll the backend.
func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMs) * time.Millisecond
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

type RulesConfig struct {
	RejectUnboundedAmount bool   `json:"rejectUnboundedAmount"`
	CustomCostLimit       uint64 `json:"customCostLimit"`
	ProgramCacheSize      int    `json:"programCacheSize"`
	RuleDir               string `json:"ruleDir,omitempty"`
}

// ProvidersConfig carries credentials for every transport provider. A provider
// whose credentials are empty is not offered by its channel.
type ProvidersConfig struct {
	TimeoutSeconds int                 `json:"timeoutSeconds"`
	Fallback       map[string][]string `json:"fallback,omitempty"` // channel -> provider order
	SMTP           SMTPConfig          `json:"smtp"`
	SendGrid       SendGridConfig      `json:"sendgrid"`
	Mailgun        MailgunConfig       `json:"mailgun"`
	Twilio         TwilioConfig        `json:"twilio"`
	Vonage         VonageConfig        `json:"vonage"`
	WhatsApp       WhatsAppConfig      `json:"whatsapp"`
	Telegram       TelegramConfig      `json:"telegram"`
	Slack          SlackConfig         `json:"slack"`
	Discord        DiscordConfig       `json:"discord"`
	Postal         SimulatedConfig     `json:"postal"`
	EDI            SimulatedConfig     `json:"edi"`
}

// Timeout returns the per-request provider timeout.
func (p ProvidersConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

type SMTPConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	From      string `json:"from"`
	TLSPolicy string `json:"tlsPolicy"` // "mandatory" | "opportunistic" | "none"
}

type SendGridConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	From    string `json:"from,omitempty"`
	APIBase string `json:"apiBase,omitempty"`
}

type MailgunConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	Domain  string `json:"domain,omitempty"`
	From    string `json:"from,omitempty"`
	APIBase string `json:"apiBase,omitempty"`
}

type TwilioConfig struct {
	AccountSID string `json:"accountSid,omitempty"`
	AuthToken  string `json:"authToken,omitempty"`
	From       string `json:"from,omitempty"`
	APIBase    string `json:"apiBase,omitempty"`
}

type VonageConfig struct {
	APIKey    string `json:"apiKey,omitempty"`
	APISecret string `json:"apiSecret,omitempty"`
	From      string `json:"from,omitempty"`
	APIBase   string `json:"apiBase,omitempty"`
}

type WhatsAppConfig struct {
	AccessToken   string `json:"accessToken,omitempty"`
	PhoneNumberID string `json:"phoneNumberId,omitempty"`
	AppSecret     string `json:"appSecret,omitempty"`
	VerifyToken   string `json:"verifyToken,omitempty"`
	WebhookPath   string `json:"webhookPath,omitempty"`
	APIBase       string `json:"apiBase,omitempty"`
}

type TelegramConfig struct {
	Token     string `json:"token,omitempty"`
	ParseMode string `json:"parseMode,omitempty"`
}

type SlackConfig struct {
	BotToken string `json:"botToken,omitempty"`
	APIBase  string `json:"apiBase,omitempty"`
}

type DiscordConfig struct {
	Token string `json:"token,omitempty"`
}

// SimulatedConfig configures a provider that stands in for a physical or
// batch transport (print-and-mail, EDI gateway).
type SimulatedConfig struct {
	Enabled bool `json:"enabled"`
	DelayMs int  `json:"delayMs"`
}

// TemplateConfig renders the message for a channel from the document snapshot.
type TemplateConfig struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
	HTML    string `json:"html,omitempty"`
}

type ServerConfig struct {
	Enabled    bool   `json:"enabled"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	AdminToken string `json:"adminToken,omitempty"`

	// WebhookSecret signs generic delivery-report callbacks (X-Signature-256).
	WebhookSecret string `json:"webhookSecret,omitempty"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

type EventsConfig struct {
	HistorySize int         `json:"historySize"`
	Kafka       KafkaConfig `json:"kafka"`
}

type KafkaConfig struct {
	Enabled  bool     `json:"enabled"`
	Brokers  []string `json:"brokers,omitempty"`
	Topic    string   `json:"topic"`
	ClientID string   `json:"clientId"`
}

// providerChannels maps each built-in provider to the channel it serves.
var providerChannels = map[string]string{
	"smtp":     "email",
	"sendgrid": "email",
	"mailgun":  "email",
	"twilio":   "sms",
	"vonage":   "sms",
	"whatsapp": "chat",
	"telegram": "chat",
	"slack":    "chat",
	"discord":  "chat",
	"postal":   "postal",
	"edi":      "edi",
}

// ProviderChannel returns the channel a built-in provider serves.
func ProviderChannel(name string) (string, bool) {
	ch, ok := providerChannels[name]
	return ch, ok
}

var channelNames = []string{"email", "sms", "chat", "postal", "edi"}

// DefaultConfigDir returns the default config directory (~/.distributor).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".distributor"
	}
	return filepath.Join(home, ".distributor")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// LoadDotEnv loads KEY=VALUE pairs from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		p = ExpandPath(p)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads a JSON config file over Defaults, expanding ${VAR} references.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Rules.RuleDir = ExpandPath(cfg.Rules.RuleDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment value. ${VAR:-default}
// falls back to default when VAR is unset or empty; an unresolved reference
// without a default is left untouched.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[2]
		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		if def != "" {
			return def
		}
		return match
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks every section and reports all problems at once.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.DispatchMode {
	case "queued", "immediate":
	default:
		errs = append(errs, "general.dispatchMode must be one of: queued, immediate")
	}

	if cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required")
	}

	q := cfg.Queue
	switch q.Backend {
	case "memory":
	case "redis":
		if q.Redis.Addr == "" {
			errs = append(errs, "queue.redis.addr is required for the redis backend")
		}
	default:
		errs = append(errs, "queue.backend must be one of: memory, redis")
	}
	if q.Concurrency < 1 || q.Concurrency > 100 {
		errs = append(errs, "queue.concurrency must be between 1 and 100")
	}
	if q.MaxRetries < 1 || q.MaxRetries > 20 {
		errs = append(errs, "queue.maxRetries must be between 1 and 20")
	}
	if q.BaseDelayMs < 0 {
		errs = append(errs, "queue.baseDelayMs must be >= 0")
	}
	if q.MaxDelayMs < q.BaseDelayMs {
		errs = append(errs, "queue.maxDelayMs must be >= queue.baseDelayMs")
	}
	if q.KeepCompleted < 0 || q.KeepFailed < 0 {
		errs = append(errs, "queue.keepCompleted and queue.keepFailed must be >= 0")
	}
	if q.PollIntervalMs < 1 {
		errs = append(errs, "queue.pollIntervalMs must be >= 1")
	}

	if cfg.Providers.TimeoutSeconds < 1 {
		errs = append(errs, "providers.timeoutSeconds must be >= 1")
	}
	for ch, order := range cfg.Providers.Fallback {
		if !validChannel(ch) {
			errs = append(errs, fmt.Sprintf("providers.fallback: unknown channel %q", ch))
			continue
		}
		for _, name := range order {
			if served, ok := providerChannels[name]; !ok || served != ch {
				errs = append(errs, fmt.Sprintf("providers.fallback.%s references provider %q that does not serve this channel", ch, name))
			}
		}
	}
	switch cfg.Providers.SMTP.TLSPolicy {
	case "", "mandatory", "opportunistic", "none":
	default:
		errs = append(errs, "providers.smtp.tlsPolicy must be one of: mandatory, opportunistic, none")
	}

	for ch := range cfg.Templates {
		if !validChannel(ch) {
			errs = append(errs, fmt.Sprintf("templates: unknown channel %q", ch))
		}
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}

	if k := cfg.Events.Kafka; k.Enabled {
		if len(k.Brokers) == 0 {
			errs = append(errs, "events.kafka.brokers is required when kafka is enabled")
		}
		if k.Topic == "" {
			errs = append(errs, "events.kafka.topic is required when kafka is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validChannel(name string) bool {
	for _, ch := range channelNames {
		if ch == name {
			return true
		}
	}
	return false
}

// ExpandPath resolves a leading ~/ to the user's home directory.
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
