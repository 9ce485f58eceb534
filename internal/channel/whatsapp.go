package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"distributor/internal/config"
	"distributor/internal/domain"
)

const whatsappAPIBase = "https://graph.facebook.com/v21.0"

// WhatsApp sends chat messages through the WhatsApp Business Cloud API.
type WhatsApp struct {
	cfg    config.WhatsAppConfig
	base   string
	client *http.Client
	logger *slog.Logger
}

type WhatsAppConfig struct {
	Config config.WhatsAppConfig
	Client *http.Client
	Logger *slog.Logger
}

func NewWhatsApp(cfg WhatsAppConfig) *WhatsApp {
	if cfg.Client == nil {
		cfg.Client = newHTTPClient(0)
	}
	return &WhatsApp{
		cfg:    cfg.Config,
		base:   trimBase(cfg.Config.APIBase, whatsappAPIBase),
		client: cfg.Client,
		logger: orDefault(cfg.Logger),
	}
}

func (w *WhatsApp) Name() string            { return "whatsapp" }
func (w *WhatsApp) Channel() domain.Channel { return domain.ChannelChat }
func (w *WhatsApp) Configured() bool {
	return w.cfg.AccessToken != "" && w.cfg.PhoneNumberID != ""
}

type waSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// Send posts the text body, then one document message per linked
// attachment. The id of the text message is returned.
func (w *WhatsApp) Send(ctx context.Context, msg domain.Message) (string, error) {
	id, err := w.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"to":                msg.To,
		"type":              "text",
		"text":              map[string]string{"body": msg.Body},
	})
	if err != nil {
		return "", err
	}
	for _, att := range msg.Attachments {
		if att.URL == "" {
			continue
		}
		_, err := w.post(ctx, map[string]any{
			"messaging_product": "whatsapp",
			"to":                msg.To,
			"type":              "document",
			"document":          map[string]string{"link": att.URL, "filename": att.Filename},
		})
		if err != nil {
			return "", fmt.Errorf("whatsapp attachment %s: %w", att.Filename, err)
		}
	}
	return id, nil
}

func (w *WhatsApp) post(ctx context.Context, payload map[string]any) (string, error) {
	body, err := jsonBody(payload)
	if err != nil {
		return "", err
	}
	var resp waSendResponse
	_, err = apiCall{
		provider:    "whatsapp",
		method:      http.MethodPost,
		url:         fmt.Sprintf("%s/%s/messages", w.base, w.cfg.PhoneNumberID),
		header:      http.Header{"Authorization": {"Bearer " + w.cfg.AccessToken}},
		body:        body,
		contentType: "application/json",
	}.do(ctx, w.client, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Messages) == 0 {
		return "", fmt.Errorf("whatsapp: response without message id")
	}
	return resp.Messages[0].ID, nil
}

func (w *WhatsApp) Test(ctx context.Context) error {
	_, err := apiCall{
		provider: "whatsapp",
		method:   http.MethodGet,
		url:      fmt.Sprintf("%s/%s", w.base, w.cfg.PhoneNumberID),
		header:   http.Header{"Authorization": {"Bearer " + w.cfg.AccessToken}},
	}.do(ctx, w.client, nil)
	return err
}

// WhatsAppWebhook receives message status callbacks from the Cloud API and
// turns them into delivery reports.
type WhatsAppWebhook struct {
	cfg      config.WhatsAppConfig
	reporter domain.DeliveryReporter
	tenantID string
	logger   *slog.Logger
}

type WhatsAppWebhookConfig struct {
	Config   config.WhatsAppConfig
	Reporter domain.DeliveryReporter
	TenantID string
	Logger   *slog.Logger
}

func NewWhatsAppWebhook(cfg WhatsAppWebhookConfig) *WhatsAppWebhook {
	return &WhatsAppWebhook{
		cfg:      cfg.Config,
		reporter: cfg.Reporter,
		tenantID: cfg.TenantID,
		logger:   orDefault(cfg.Logger),
	}
}

// Path returns the URL path the webhook is mounted on.
func (h *WhatsAppWebhook) Path() string {
	if h.cfg.WebhookPath == "" {
		return "/webhooks/whatsapp"
	}
	return h.cfg.WebhookPath
}

// Register mounts the verification and status handlers on mux.
func (h *WhatsAppWebhook) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+h.Path(), h.handleVerification)
	mux.HandleFunc("POST "+h.Path(), h.handleStatus)
}

func (h *WhatsAppWebhook) handleVerification(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	if mode == "subscribe" && h.cfg.VerifyToken != "" && q.Get("hub.verify_token") == h.cfg.VerifyToken {
		h.logger.Info("whatsapp webhook verified")
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, html.EscapeString(q.Get("hub.challenge")))
		return
	}
	h.logger.Warn("whatsapp webhook verification failed", "mode", mode)
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

func (h *WhatsAppWebhook) handleStatus(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}
	if h.cfg.AppSecret == "" {
		h.logger.Warn("whatsapp status refused: app secret not configured")
		http.Error(rw, "Forbidden", http.StatusForbidden)
		return
	}
	if !verifyHMAC(body, h.cfg.AppSecret, r.Header.Get("X-Hub-Signature-256")) {
		h.logger.Warn("whatsapp invalid signature")
		http.Error(rw, "Forbidden", http.StatusForbidden)
		return
	}

	var payload waPayload
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&payload); err != nil {
		h.logger.Warn("whatsapp bad payload", "err", err)
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, st := range change.Value.Statuses {
				report, ok := st.report(h.tenantID)
				if !ok {
					continue
				}
				if err := h.reporter.HandleDeliveryReport(r.Context(), report); err != nil {
					// Meta retries non-2xx responses; an unknown message id is not worth a retry.
					h.logger.Warn("whatsapp status not applied",
						"message_id", st.ID, "status", st.Status, "err", err)
				}
			}
		}
	}
	rw.WriteHeader(http.StatusOK)
}

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string     `json:"messaging_product"`
	Statuses         []waStatus `json:"statuses"`
}

type waStatus struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	RecipientID string    `json:"recipient_id"`
	Errors      []waError `json:"errors"`
}

type waError struct {
	Code  int    `json:"code"`
	Title string `json:"title"`
}

// report maps a Cloud API status onto the assignment lifecycle. "read"
// implies delivery; "sent" carries no new information.
func (s waStatus) report(tenantID string) (domain.DeliveryReport, bool) {
	r := domain.DeliveryReport{
		TenantID:          tenantID,
		Provider:          "whatsapp",
		ProviderMessageID: s.ID,
	}
	switch strings.ToLower(s.Status) {
	case "delivered", "read":
		r.Status = domain.StatusDelivered
	case "failed":
		r.Status = domain.StatusFailed
		if len(s.Errors) > 0 {
			r.Error = fmt.Sprintf("%d: %s", s.Errors[0].Code, s.Errors[0].Title)
		}
	default:
		return r, false
	}
	return r, s.ID != ""
}

// verifyHMAC checks a "sha256=<hex>" signature of body.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
