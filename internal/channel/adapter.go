package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"distributor/internal/domain"
)

// Observer receives the outcome of every provider call.
type Observer interface {
	ObserveSend(ch domain.Channel, provider string, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveSend(domain.Channel, string, time.Duration, error) {}

// Adapter sends messages on one channel through an ordered set of providers.
type Adapter struct {
	channel   domain.Channel
	providers []domain.Provider // configured providers, fallback order
	byName    map[string]domain.Provider
	logger    *slog.Logger
	observer  Observer
}

// newAdapter keeps the configured providers only, ordered by order first and
// registration order after that.
func newAdapter(ch domain.Channel, providers []domain.Provider, order []string, logger *slog.Logger, obs Observer) *Adapter {
	a := &Adapter{
		channel:  ch,
		byName:   make(map[string]domain.Provider),
		logger:   logger,
		observer: obs,
	}
	for _, p := range providers {
		if p.Channel() != ch {
			continue
		}
		if !p.Configured() {
			logger.Debug("provider not configured, skipping", "channel", ch, "provider", p.Name())
			continue
		}
		a.byName[p.Name()] = p
	}

	placed := make(map[string]bool)
	for _, name := range order {
		if p, ok := a.byName[name]; ok && !placed[name] {
			a.providers = append(a.providers, p)
			placed[name] = true
		}
	}
	for _, p := range providers {
		if _, ok := a.byName[p.Name()]; ok && !placed[p.Name()] {
			a.providers = append(a.providers, p)
			placed[p.Name()] = true
		}
	}
	return a
}

func (a *Adapter) Channel() domain.Channel { return a.channel }

// AvailableProviders returns the names of configured providers in fallback order.
func (a *Adapter) AvailableProviders() []string {
	names := make([]string, len(a.providers))
	for i, p := range a.providers {
		names[i] = p.Name()
	}
	return names
}

// Providers returns the configured providers in fallback order.
func (a *Adapter) Providers() []domain.Provider {
	out := make([]domain.Provider, len(a.providers))
	copy(out, a.providers)
	return out
}

// Send delivers msg through a single named provider.
func (a *Adapter) Send(ctx context.Context, provider string, msg domain.Message) domain.ChannelResult {
	p, ok := a.byName[provider]
	if !ok {
		return domain.ChannelResult{
			ProviderName: provider,
			Error:        fmt.Sprintf("provider %s is not available for channel %s", provider, a.channel),
		}
	}
	m, ok := addressFor(p, msg)
	if !ok {
		return domain.ChannelResult{
			ProviderName: provider,
			Error:        fmt.Sprintf("no recipient address for provider %s", provider),
		}
	}
	res, _ := a.send(ctx, p, m)
	res.Attempts = []domain.ProviderAttempt{attemptOf(res)}
	return res
}

// addressFor returns msg addressed for p. With per-provider addresses set,
// a provider without one cannot be used.
func addressFor(p domain.Provider, msg domain.Message) (domain.Message, bool) {
	if msg.ProviderTo == nil {
		return msg, true
	}
	to, ok := msg.ProviderTo[p.Name()]
	if !ok || strings.TrimSpace(to) == "" {
		return msg, false
	}
	msg.To = to
	return msg, true
}

// SendWithFallback tries providers in order until one succeeds. priority
// overrides the configured order; names not available on this channel are
// skipped. When every provider fails the result carries the last error and
// one attempt per provider tried.
func (a *Adapter) SendWithFallback(ctx context.Context, msg domain.Message, priority []string) domain.ChannelResult {
	chain := a.chain(priority)
	if len(chain) == 0 {
		return domain.ChannelResult{Error: fmt.Sprintf("no providers configured for channel %s", a.channel)}
	}

	var (
		attempts []domain.ProviderAttempt
		last     domain.ChannelResult
	)
	for i, p := range chain {
		if err := ctx.Err(); err != nil {
			last = domain.ChannelResult{ProviderName: p.Name(), Error: err.Error()}
			break
		}
		m, ok := addressFor(p, msg)
		if !ok {
			a.logger.Debug("no recipient address for provider, skipping", "channel", a.channel, "provider", p.Name())
			continue
		}
		res, err := a.send(ctx, p, m)
		attempts = append(attempts, attemptOf(res))
		if err == nil {
			if i > 0 {
				a.logger.Info("fallback provider delivered message",
					"channel", a.channel, "provider", p.Name(), "attempt", i+1)
			}
			res.Attempts = attempts
			return res
		}
		last = res
		a.logger.Warn("provider failed, trying next",
			"channel", a.channel, "provider", p.Name(), "attempt", i+1, "err", err)
	}

	if len(attempts) == 0 && last.Error == "" {
		last.Error = fmt.Sprintf("no recipient address for any %s provider", a.channel)
	}
	last.Success = false
	last.Attempts = attempts
	var total int64
	for _, at := range attempts {
		total += at.DeliveryTimeMs
	}
	last.DeliveryTimeMs = total
	a.logger.Error("all providers failed", "channel", a.channel, "attempts", len(attempts), "err", last.Error)
	return last
}

// TestProvider checks connectivity of one provider without sending.
func (a *Adapter) TestProvider(ctx context.Context, provider string) error {
	p, ok := a.byName[provider]
	if !ok {
		return domain.NotFound("provider", provider)
	}
	return p.Test(ctx)
}

func (a *Adapter) chain(priority []string) []domain.Provider {
	if len(priority) == 0 {
		return a.providers
	}
	var out []domain.Provider
	seen := make(map[string]bool)
	for _, name := range priority {
		p, ok := a.byName[name]
		if !ok {
			a.logger.Warn("requested provider not available, skipping", "channel", a.channel, "provider", name)
			continue
		}
		if !seen[name] {
			out = append(out, p)
			seen[name] = true
		}
	}
	return out
}

func (a *Adapter) send(ctx context.Context, p domain.Provider, msg domain.Message) (domain.ChannelResult, error) {
	start := time.Now()
	id, err := p.Send(ctx, msg)
	elapsed := time.Since(start)
	a.observer.ObserveSend(a.channel, p.Name(), elapsed, err)

	res := domain.ChannelResult{
		ProviderName:   p.Name(),
		DeliveryTimeMs: elapsed.Milliseconds(),
	}
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	res.Success = true
	res.ProviderMessageID = id
	return res, nil
}

func attemptOf(r domain.ChannelResult) domain.ProviderAttempt {
	return domain.ProviderAttempt{
		Provider:       r.ProviderName,
		Success:        r.Success,
		Error:          r.Error,
		DeliveryTimeMs: r.DeliveryTimeMs,
	}
}
