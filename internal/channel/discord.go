package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"distributor/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const discordMaxMsgLen = 2000

// Discord sends chat messages to a Discord channel id over the REST API. No
// gateway connection is opened.
type Discord struct {
	token   string
	session *discordgo.Session
	logger  *slog.Logger
}

type DiscordConfig struct {
	Token  string
	Client *http.Client
	Logger *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	cfg.Logger = orDefault(cfg.Logger)
	d := &Discord{token: cfg.Token, logger: cfg.Logger}
	if cfg.Token == "" {
		return d
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		cfg.Logger.Warn("discord session init failed", "err", err)
		return d
	}
	if cfg.Client != nil {
		session.Client = cfg.Client
	}
	d.session = session
	return d
}

func (d *Discord) Name() string            { return "discord" }
func (d *Discord) Channel() domain.Channel { return domain.ChannelChat }
func (d *Discord) Configured() bool        { return d.session != nil }

func (d *Discord) Send(ctx context.Context, msg domain.Message) (string, error) {
	if d.session == nil {
		return "", fmt.Errorf("discord: not configured")
	}
	text := msg.Body
	if msg.Subject != "" {
		text = "**" + msg.Subject + "**\n" + text
	}
	for _, att := range msg.Attachments {
		if att.URL != "" {
			text += "\n" + att.Filename + ": " + att.URL
		}
	}

	var first string
	for _, chunk := range splitMessage(text, discordMaxMsgLen) {
		m, err := d.session.ChannelMessageSend(msg.To, chunk, discordgo.WithContext(ctx))
		if err != nil {
			return "", fmt.Errorf("discord send: %w", err)
		}
		if first == "" {
			first = m.ID
		}
	}
	return first, nil
}

func (d *Discord) Test(ctx context.Context) error {
	if d.session == nil {
		return fmt.Errorf("discord: not configured")
	}
	u, err := d.session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord auth: %w", err)
	}
	d.logger.Debug("discord auth ok", "user", u.Username)
	return nil
}
