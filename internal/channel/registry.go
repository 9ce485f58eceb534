package channel

import (
	"log/slog"
	"sort"
	"sync"

	"distributor/internal/config"
	"distributor/internal/domain"
)

// Registry holds one Adapter per channel. It is built once at startup and
// passed explicitly to whoever dispatches messages.
type Registry struct {
	adapters map[domain.Channel]*Adapter
}

// RegistryConfig lists every known provider; unconfigured ones are dropped.
type RegistryConfig struct {
	Providers []domain.Provider
	Fallback  map[domain.Channel][]string
	Logger    *slog.Logger
	Observer  Observer
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	cfg.Logger = orDefault(cfg.Logger)
	r := &Registry{adapters: make(map[domain.Channel]*Adapter, len(domain.AllChannels))}
	for _, ch := range domain.AllChannels {
		r.adapters[ch] = newAdapter(ch, cfg.Providers, cfg.Fallback[ch], cfg.Logger, cfg.Observer)
		if names := r.adapters[ch].AvailableProviders(); len(names) > 0 {
			cfg.Logger.Info("channel ready", "channel", ch, "providers", names)
		}
	}
	return r
}

// Adapter returns the adapter of a channel. Every valid channel has one, even
// when it has no providers.
func (r *Registry) Adapter(ch domain.Channel) (*Adapter, error) {
	a, ok := r.adapters[ch]
	if !ok {
		return nil, &domain.ValidationError{Field: "channel", Message: "unknown channel " + string(ch)}
	}
	return a, nil
}

// Channels returns the channels that have at least one configured provider.
func (r *Registry) Channels() []domain.Channel {
	var out []domain.Channel
	for _, ch := range domain.AllChannels {
		if len(r.adapters[ch].providers) > 0 {
			out = append(out, ch)
		}
	}
	return out
}

// Constructor builds a provider from the providers section of the config.
type Constructor func(cfg config.ProvidersConfig, logger *slog.Logger) domain.Provider

// Factory builds the provider set from config.
type Factory struct {
	cfg          config.ProvidersConfig
	logger       *slog.Logger
	constructors map[string]Constructor
	mu           sync.RWMutex
}

// NewFactory creates a factory with the built-in providers registered.
func NewFactory(cfg config.ProvidersConfig, logger *slog.Logger) *Factory {
	f := &Factory{cfg: cfg, logger: orDefault(logger), constructors: make(map[string]Constructor)}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds or replaces a provider constructor.
func (f *Factory) RegisterConstructor(name string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
}

func (f *Factory) registerDefaults() {
	f.constructors["smtp"] = func(c config.ProvidersConfig, l *slog.Logger) domain.Provider {
		return NewSMTP(SMTPConfig{Config: c.SMTP, Timeout: c.Timeout(), Logger: l})
	}
	f.constructors["sendgrid"] = func(c config.ProvidersConfig, l *slog.Logger) domain.Provider {
		return NewSendGrid(SendGridConfig{Config: c.SendGrid, Client: newHTTPClient(c.Timeout()), Logger: l})
	}
	f.constructors["mailgun"] = func(c config.ProvidersConfig, l *slog.Logger) domain.Provider {
		return NewMailgun(MailgunConfig{Config: c.Mailgun, Client: newHTTPClient(c.Timeout()), Logger: l})
	}
	f.constructors["twilio"] = func(c config.ProvidersConfig, l *slog.Logger) domain.Provider {
		return NewTwilio(TwilioConfig{Config: c.Twilio, Client: newHTTPClient(c.Timeout()), Logger: l})
	}
	f.constructors["vonage"] = func(c config.ProvidersConfig, l *slog.Logger) domain.Provider {
		return NewVonage(VonageConfig{Config: c.Vonage, Client: newHTTPClient(c.Timeout()), Logger: l})
	}
	f.constructors["whatsapp"] = func(c config.ProvidersConfig, l *slog.Logger) domain.Provider {
		return NewWhatsApp(WhatsAppConfig{Config: c.WhatsApp, Client: newHTTPClient(c.Timeout()), Logger: l})
	}
	f.constructors["telegram"] = func(c config.ProvidersConfig, l *slog.Logger) domain.Provider {
		return NewTelegram(TelegramConfig{Token: c.Telegram.Token, ParseMode: c.Telegram.ParseMode, Client: newHTTPClient(c.Timeout()), Logger: l})
	}
	f.constructors["slack"] = func(c config.ProvidersConfig, l *slog.Logger) domain.Provider {
		return NewSlack(SlackConfig{BotToken: c.Slack.BotToken, APIBase: c.Slack.APIBase, Client: newHTTPClient(c.Timeout()), Logger: l})
	}
	f.constructors["discord"] = func(c config.ProvidersConfig, l *slog.Logger) domain.Provider {
		return NewDiscord(DiscordConfig{Token: c.Discord.Token, Client: newHTTPClient(c.Timeout()), Logger: l})
	}
	f.constructors["postal"] = func(c config.ProvidersConfig, l *slog.Logger) domain.Provider {
		return NewSimulated(SimulatedConfig{Name: "postal", Channel: domain.ChannelPostal, Config: c.Postal, Logger: l})
	}
	f.constructors["edi"] = func(c config.ProvidersConfig, l *slog.Logger) domain.Provider {
		return NewSimulated(SimulatedConfig{Name: "edi", Channel: domain.ChannelEDI, Config: c.EDI, Logger: l})
	}
}

// Build constructs every registered provider in name order.
func (f *Factory) Build() []domain.Provider {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.constructors))
	for name := range f.constructors {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]domain.Provider, 0, len(names))
	for _, name := range names {
		out = append(out, f.constructors[name](f.cfg, f.logger))
	}
	return out
}

// Registry builds the providers and wraps them in a Registry using the
// configured fallback order.
func (f *Factory) Registry(obs Observer) *Registry {
	fallback := make(map[domain.Channel][]string, len(f.cfg.Fallback))
	for ch, order := range f.cfg.Fallback {
		if parsed, err := domain.ParseChannel(ch); err == nil {
			fallback[parsed] = order
		}
	}
	return NewRegistry(RegistryConfig{
		Providers: f.Build(),
		Fallback:  fallback,
		Logger:    f.logger,
		Observer:  obs,
	})
}
