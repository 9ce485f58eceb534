package channel

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"

	"distributor/internal/config"
	"distributor/internal/domain"
)

const (
	sendgridAPIBase = "https://api.sendgrid.com"
	mailgunAPIBase  = "https://api.mailgun.net"
)

// SendGrid delivers email through the SendGrid v3 mail API.
type SendGrid struct {
	cfg    config.SendGridConfig
	base   string
	client *http.Client
	logger *slog.Logger
}

type SendGridConfig struct {
	Config config.SendGridConfig
	Client *http.Client
	Logger *slog.Logger
}

func NewSendGrid(cfg SendGridConfig) *SendGrid {
	if cfg.Client == nil {
		cfg.Client = newHTTPClient(0)
	}
	return &SendGrid{
		cfg:    cfg.Config,
		base:   trimBase(cfg.Config.APIBase, sendgridAPIBase),
		client: cfg.Client,
		logger: orDefault(cfg.Logger),
	}
}

func (s *SendGrid) Name() string            { return "sendgrid" }
func (s *SendGrid) Channel() domain.Channel { return domain.ChannelEmail }
func (s *SendGrid) Configured() bool        { return s.cfg.APIKey != "" && s.cfg.From != "" }

type sgAddress struct {
	Email string `json:"email"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgAttachment struct {
	Content  string `json:"content"`
	Filename string `json:"filename"`
	Type     string `json:"type,omitempty"`
}

type sgPersonalization struct {
	To []sgAddress `json:"to"`
}

type sgRequest struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	Subject          string              `json:"subject"`
	Content          []sgContent         `json:"content"`
	Attachments      []sgAttachment      `json:"attachments,omitempty"`
}

func (s *SendGrid) Send(ctx context.Context, msg domain.Message) (string, error) {
	req := sgRequest{
		Personalizations: []sgPersonalization{{To: []sgAddress{{Email: msg.To}}}},
		From:             sgAddress{Email: s.cfg.From},
		Subject:          msg.Subject,
		Content:          []sgContent{{Type: "text/plain", Value: msg.Body}},
	}
	if msg.HTMLBody != "" {
		req.Content = append(req.Content, sgContent{Type: "text/html", Value: msg.HTMLBody})
	}
	for _, att := range msg.Attachments {
		if len(att.Content) == 0 {
			continue
		}
		req.Attachments = append(req.Attachments, sgAttachment{
			Content:  base64.StdEncoding.EncodeToString(att.Content),
			Filename: att.Filename,
			Type:     att.ContentType,
		})
	}

	body, err := jsonBody(req)
	if err != nil {
		return "", err
	}
	header, err := apiCall{
		provider:    "sendgrid",
		method:      http.MethodPost,
		url:         s.base + "/v3/mail/send",
		header:      http.Header{"Authorization": {"Bearer " + s.cfg.APIKey}},
		body:        body,
		contentType: "application/json",
	}.do(ctx, s.client, nil)
	if err != nil {
		return "", err
	}
	return header.Get("X-Message-Id"), nil
}

func (s *SendGrid) Test(ctx context.Context) error {
	_, err := apiCall{
		provider: "sendgrid",
		method:   http.MethodGet,
		url:      s.base + "/v3/scopes",
		header:   http.Header{"Authorization": {"Bearer " + s.cfg.APIKey}},
	}.do(ctx, s.client, nil)
	return err
}

// Mailgun delivers email through the Mailgun messages API.
type Mailgun struct {
	cfg    config.MailgunConfig
	base   string
	client *http.Client
	logger *slog.Logger
}

type MailgunConfig struct {
	Config config.MailgunConfig
	Client *http.Client
	Logger *slog.Logger
}

func NewMailgun(cfg MailgunConfig) *Mailgun {
	if cfg.Client == nil {
		cfg.Client = newHTTPClient(0)
	}
	return &Mailgun{
		cfg:    cfg.Config,
		base:   trimBase(cfg.Config.APIBase, mailgunAPIBase),
		client: cfg.Client,
		logger: orDefault(cfg.Logger),
	}
}

func (m *Mailgun) Name() string            { return "mailgun" }
func (m *Mailgun) Channel() domain.Channel { return domain.ChannelEmail }
func (m *Mailgun) Configured() bool {
	return m.cfg.APIKey != "" && m.cfg.Domain != "" && m.cfg.From != ""
}

func (m *Mailgun) Send(ctx context.Context, msg domain.Message) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"from", m.cfg.From},
		{"to", msg.To},
		{"subject", msg.Subject},
		{"text", msg.Body},
	}
	if msg.HTMLBody != "" {
		fields = append(fields, [2]string{"html", msg.HTMLBody})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return "", fmt.Errorf("mailgun form: %w", err)
		}
	}
	for _, att := range msg.Attachments {
		if len(att.Content) == 0 {
			continue
		}
		part, err := w.CreateFormFile("attachment", att.Filename)
		if err != nil {
			return "", fmt.Errorf("mailgun attachment: %w", err)
		}
		if _, err := part.Write(att.Content); err != nil {
			return "", fmt.Errorf("mailgun attachment: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("mailgun form: %w", err)
	}

	var resp struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	_, err := apiCall{
		provider:    "mailgun",
		method:      http.MethodPost,
		url:         fmt.Sprintf("%s/v3/%s/messages", m.base, m.cfg.Domain),
		body:        &buf,
		contentType: w.FormDataContentType(),
		basicUser:   "api",
		basicPass:   m.cfg.APIKey,
	}.do(ctx, m.client, &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (m *Mailgun) Test(ctx context.Context) error {
	_, err := apiCall{
		provider:  "mailgun",
		method:    http.MethodGet,
		url:       fmt.Sprintf("%s/v3/domains/%s", m.base, m.cfg.Domain),
		basicUser: "api",
		basicPass: m.cfg.APIKey,
	}.do(ctx, m.client, nil)
	return err
}
