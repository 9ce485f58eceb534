package channel

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"distributor/internal/config"
	"distributor/internal/domain"

	"github.com/wneessen/go-mail"
)

// SMTP delivers email through an SMTP relay.
type SMTP struct {
	cfg     config.SMTPConfig
	timeout time.Duration
	logger  *slog.Logger
}

type SMTPConfig struct {
	Config  config.SMTPConfig
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewSMTP(cfg SMTPConfig) *SMTP {
	if cfg.Config.Port == 0 {
		cfg.Config.Port = 587
	}
	return &SMTP{cfg: cfg.Config, timeout: cfg.Timeout, logger: orDefault(cfg.Logger)}
}

func (s *SMTP) Name() string            { return "smtp" }
func (s *SMTP) Channel() domain.Channel { return domain.ChannelEmail }
func (s *SMTP) Configured() bool        { return s.cfg.Host != "" && s.cfg.From != "" }

func (s *SMTP) client() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTLSPolicy(tlsPolicy(s.cfg.TLSPolicy)),
	}
	if s.timeout > 0 {
		opts = append(opts, mail.WithTimeout(s.timeout))
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	return mail.NewClient(s.cfg.Host, opts...)
}

// buildMessage converts a domain message into a MIME message.
func (s *SMTP) buildMessage(msg domain.Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetMessageID()
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	if msg.HTMLBody != "" {
		m.AddAlternativeString(mail.TypeTextHTML, msg.HTMLBody)
	}
	for _, att := range msg.Attachments {
		if len(att.Content) == 0 {
			continue
		}
		var opts []mail.FileOption
		if att.ContentType != "" {
			opts = append(opts, mail.WithFileContentType(mail.ContentType(att.ContentType)))
		}
		m.AttachReadSeeker(att.Filename, bytes.NewReader(att.Content), opts...)
	}
	return m, nil
}

func (s *SMTP) Send(ctx context.Context, msg domain.Message) (string, error) {
	m, err := s.buildMessage(msg)
	if err != nil {
		return "", err
	}
	c, err := s.client()
	if err != nil {
		return "", fmt.Errorf("smtp client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return "", fmt.Errorf("smtp send: %w", err)
	}
	id := m.GetMessageID()
	s.logger.Debug("email sent", "provider", "smtp", "to", msg.To, "message_id", id)
	return id, nil
}

func (s *SMTP) Test(ctx context.Context) error {
	c, err := s.client()
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := c.DialWithContext(ctx); err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	return c.Close()
}

func tlsPolicy(p string) mail.TLSPolicy {
	switch p {
	case "mandatory":
		return mail.TLSMandatory
	case "none":
		return mail.NoTLS
	default:
		return mail.TLSOpportunistic
	}
}
