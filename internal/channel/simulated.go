package channel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"distributor/internal/config"
	"distributor/internal/domain"

	"github.com/google/uuid"
)

// Simulated stands in for a transport that has no online API, such as a
// print-and-mail house or an EDI gateway. It accepts the message after an
// artificial processing delay.
type Simulated struct {
	name    string
	channel domain.Channel
	enabled bool
	delay   time.Duration
	logger  *slog.Logger
}

type SimulatedConfig struct {
	Name    string
	Channel domain.Channel
	Config  config.SimulatedConfig
	Logger  *slog.Logger
}

func NewSimulated(cfg SimulatedConfig) *Simulated {
	return &Simulated{
		name:    cfg.Name,
		channel: cfg.Channel,
		enabled: cfg.Config.Enabled,
		delay:   time.Duration(cfg.Config.DelayMs) * time.Millisecond,
		logger:  orDefault(cfg.Logger),
	}
}

func (s *Simulated) Name() string            { return s.name }
func (s *Simulated) Channel() domain.Channel { return s.channel }
func (s *Simulated) Configured() bool        { return s.enabled }

func (s *Simulated) Send(ctx context.Context, msg domain.Message) (string, error) {
	if msg.To == "" {
		return "", fmt.Errorf("%s: recipient is required", s.name)
	}
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	id := s.name + "-" + uuid.NewString()
	s.logger.Debug("simulated delivery accepted", "provider", s.name, "to", msg.To, "message_id", id)
	return id, nil
}

func (s *Simulated) Test(ctx context.Context) error { return ctx.Err() }
