package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"distributor/internal/domain"

	"github.com/slack-go/slack"
)

const slackMaxMsgLen = 4000

// Slack posts chat messages with a bot token. The recipient is a channel or
// user id.
type Slack struct {
	botToken string
	api      *slack.Client
	logger   *slog.Logger
}

type SlackConfig struct {
	BotToken string
	APIBase  string // default https://slack.com/api/
	Client   *http.Client
	Logger   *slog.Logger
}

func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Client == nil {
		cfg.Client = newHTTPClient(0)
	}
	opts := []slack.Option{slack.OptionHTTPClient(cfg.Client)}
	if cfg.APIBase != "" {
		opts = append(opts, slack.OptionAPIURL(strings.TrimRight(cfg.APIBase, "/")+"/"))
	}
	return &Slack{
		botToken: cfg.BotToken,
		api:      slack.New(cfg.BotToken, opts...),
		logger:   orDefault(cfg.Logger),
	}
}

func (s *Slack) Name() string            { return "slack" }
func (s *Slack) Channel() domain.Channel { return domain.ChannelChat }
func (s *Slack) Configured() bool        { return s.botToken != "" }

// Send posts the message and returns the timestamp of the first post, which
// Slack uses as the message id.
func (s *Slack) Send(ctx context.Context, msg domain.Message) (string, error) {
	text := msg.Body
	if msg.Subject != "" {
		text = "*" + msg.Subject + "*\n" + text
	}
	for _, att := range msg.Attachments {
		if att.URL != "" {
			text += fmt.Sprintf("\n<%s|%s>", att.URL, att.Filename)
		}
	}

	var first string
	for _, chunk := range splitMessage(text, slackMaxMsgLen) {
		_, ts, err := s.api.PostMessageContext(ctx, msg.To, slack.MsgOptionText(chunk, false))
		if err != nil {
			return "", fmt.Errorf("slack post: %w", err)
		}
		if first == "" {
			first = ts
		}
	}
	return first, nil
}

func (s *Slack) Test(ctx context.Context) error {
	resp, err := s.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.logger.Debug("slack auth ok", "team", resp.Team, "user", resp.User)
	return nil
}
