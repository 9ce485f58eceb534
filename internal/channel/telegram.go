package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"distributor/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramMaxMsgLen = 4000

// Telegram sends chat messages through a Telegram bot. The recipient is a
// numeric chat id or an @channel username.
type Telegram struct {
	token     string
	parseMode string
	endpoint  string
	client    *http.Client
	logger    *slog.Logger

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

type TelegramConfig struct {
	Token     string
	ParseMode string
	Endpoint  string // Bot API endpoint format; default tgbotapi.APIEndpoint
	Client    *http.Client
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	if cfg.Client == nil {
		cfg.Client = newHTTPClient(0)
	}
	return &Telegram{
		token:     cfg.Token,
		parseMode: cfg.ParseMode,
		endpoint:  cfg.Endpoint,
		client:    cfg.Client,
		logger:    orDefault(cfg.Logger),
	}
}

func (t *Telegram) Name() string            { return "telegram" }
func (t *Telegram) Channel() domain.Channel { return domain.ChannelChat }
func (t *Telegram) Configured() bool        { return t.token != "" }

// botAPI connects on first use. Creating the client calls getMe, so a failed
// connection is retried on the next send.
func (t *Telegram) botAPI() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.client)
	if err != nil {
		return nil, redactSecret(fmt.Errorf("telegram bot init: %w", err), t.token)
	}
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	t.bot = bot
	return bot, nil
}

// Send delivers the body in chunks that fit the Bot API limit and returns
// the id of the first chunk.
func (t *Telegram) Send(ctx context.Context, msg domain.Message) (string, error) {
	bot, err := t.botAPI()
	if err != nil {
		return "", err
	}
	text := msg.Body
	if msg.Subject != "" {
		text = msg.Subject + "\n\n" + text
	}
	for _, att := range msg.Attachments {
		if att.URL != "" {
			text += "\n" + att.Filename + ": " + att.URL
		}
	}

	var first string
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		id, err := t.sendChunk(bot, msg.To, chunk)
		if err != nil {
			return "", err
		}
		if first == "" {
			first = id
		}
	}
	return first, nil
}

// sendChunk tries the configured parse mode first and falls back to plain
// text when Telegram rejects the markup.
func (t *Telegram) sendChunk(bot *tgbotapi.BotAPI, to, text string) (string, error) {
	m, err := newTelegramMessage(to, text)
	if err != nil {
		return "", err
	}
	m.ParseMode = t.parseMode
	sent, err := bot.Send(m)
	if err != nil && m.ParseMode != "" && strings.Contains(err.Error(), "can't parse entities") {
		t.logger.Warn("telegram markup rejected, retrying as plain text", "parse_mode", t.parseMode)
		m.ParseMode = ""
		sent, err = bot.Send(m)
	}
	if err != nil {
		return "", redactSecret(fmt.Errorf("telegram send: %w", err), t.token)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func newTelegramMessage(to, text string) (tgbotapi.MessageConfig, error) {
	to = strings.TrimSpace(to)
	if strings.HasPrefix(to, "@") {
		return tgbotapi.NewMessageToChannel(to, text), nil
	}
	id, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return tgbotapi.MessageConfig{}, fmt.Errorf("telegram: invalid chat id %q", to)
	}
	return tgbotapi.NewMessage(id, text), nil
}

func (t *Telegram) Test(ctx context.Context) error {
	bot, err := t.botAPI()
	if err != nil {
		return err
	}
	_, err = bot.GetMe()
	return redactSecret(err, t.token)
}
