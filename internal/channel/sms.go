package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"distributor/internal/config"
	"distributor/internal/domain"
)

const (
	twilioAPIBase = "https://api.twilio.com"
	vonageAPIBase = "https://rest.nexmo.com"
)

// Twilio sends SMS through the Twilio Messages API.
type Twilio struct {
	cfg    config.TwilioConfig
	base   string
	client *http.Client
	logger *slog.Logger
}

type TwilioConfig struct {
	Config config.TwilioConfig
	Client *http.Client
	Logger *slog.Logger
}

func NewTwilio(cfg TwilioConfig) *Twilio {
	if cfg.Client == nil {
		cfg.Client = newHTTPClient(0)
	}
	return &Twilio{
		cfg:    cfg.Config,
		base:   trimBase(cfg.Config.APIBase, twilioAPIBase),
		client: cfg.Client,
		logger: orDefault(cfg.Logger),
	}
}

func (t *Twilio) Name() string            { return "twilio" }
func (t *Twilio) Channel() domain.Channel { return domain.ChannelSMS }
func (t *Twilio) Configured() bool {
	return t.cfg.AccountSID != "" && t.cfg.AuthToken != "" && t.cfg.From != ""
}

func (t *Twilio) Send(ctx context.Context, msg domain.Message) (string, error) {
	form := url.Values{
		"To":   {msg.To},
		"From": {t.cfg.From},
		"Body": {msg.Body},
	}
	var resp struct {
		SID          string `json:"sid"`
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
	}
	_, err := apiCall{
		provider:    "twilio",
		method:      http.MethodPost,
		url:         fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.base, t.cfg.AccountSID),
		body:        formBody(form),
		contentType: "application/x-www-form-urlencoded",
		basicUser:   t.cfg.AccountSID,
		basicPass:   t.cfg.AuthToken,
	}.do(ctx, t.client, &resp)
	if err != nil {
		return "", err
	}
	if resp.Status == "failed" || resp.Status == "undelivered" {
		return "", fmt.Errorf("twilio: message %s %s: %s", resp.SID, resp.Status, resp.ErrorMessage)
	}
	return resp.SID, nil
}

func (t *Twilio) Test(ctx context.Context) error {
	_, err := apiCall{
		provider:  "twilio",
		method:    http.MethodGet,
		url:       fmt.Sprintf("%s/2010-04-01/Accounts/%s.json", t.base, t.cfg.AccountSID),
		basicUser: t.cfg.AccountSID,
		basicPass: t.cfg.AuthToken,
	}.do(ctx, t.client, nil)
	return err
}

// Vonage sends SMS through the Vonage (Nexmo) SMS API.
type Vonage struct {
	cfg    config.VonageConfig
	base   string
	client *http.Client
	logger *slog.Logger
}

type VonageConfig struct {
	Config config.VonageConfig
	Client *http.Client
	Logger *slog.Logger
}

func NewVonage(cfg VonageConfig) *Vonage {
	if cfg.Client == nil {
		cfg.Client = newHTTPClient(0)
	}
	return &Vonage{
		cfg:    cfg.Config,
		base:   trimBase(cfg.Config.APIBase, vonageAPIBase),
		client: cfg.Client,
		logger: orDefault(cfg.Logger),
	}
}

func (v *Vonage) Name() string            { return "vonage" }
func (v *Vonage) Channel() domain.Channel { return domain.ChannelSMS }
func (v *Vonage) Configured() bool {
	return v.cfg.APIKey != "" && v.cfg.APISecret != "" && v.cfg.From != ""
}

func (v *Vonage) Send(ctx context.Context, msg domain.Message) (string, error) {
	form := url.Values{
		"api_key":    {v.cfg.APIKey},
		"api_secret": {v.cfg.APISecret},
		"from":       {v.cfg.From},
		"to":         {msg.To},
		"text":       {msg.Body},
	}
	var resp struct {
		Messages []struct {
			Status    string `json:"status"`
			MessageID string `json:"message-id"`
			ErrorText string `json:"error-text"`
		} `json:"messages"`
	}
	_, err := apiCall{
		provider:    "vonage",
		method:      http.MethodPost,
		url:         v.base + "/sms/json",
		body:        formBody(form),
		contentType: "application/x-www-form-urlencoded",
	}.do(ctx, v.client, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Messages) == 0 {
		return "", fmt.Errorf("vonage: empty response")
	}
	// Vonage reports per-part status with HTTP 200; "0" means accepted.
	first := resp.Messages[0]
	if first.Status != "0" {
		return "", fmt.Errorf("vonage: status %s: %s", first.Status, first.ErrorText)
	}
	return first.MessageID, nil
}

func (v *Vonage) Test(ctx context.Context) error {
	q := url.Values{"api_key": {v.cfg.APIKey}, "api_secret": {v.cfg.APISecret}}
	_, err := apiCall{
		provider: "vonage",
		method:   http.MethodGet,
		url:      v.base + "/account/get-balance?" + q.Encode(),
	}.do(ctx, v.client, nil)
	return err
}
