package channel

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"distributor/internal/domain"
)

// DeliveryWebhook accepts delivery reports from providers or gateways that
// post a plain JSON callback.
type DeliveryWebhook struct {
	path     string
	secret   string
	reporter domain.DeliveryReporter
	logger   *slog.Logger
}

// DeliveryWebhookConfig configures the delivery webhook.
type DeliveryWebhookConfig struct {
	Path     string // default: /webhooks/delivery
	Secret   string // HMAC secret for X-Signature-256; reports are refused while empty
	Reporter domain.DeliveryReporter
	Logger   *slog.Logger
}

func NewDeliveryWebhook(cfg DeliveryWebhookConfig) *DeliveryWebhook {
	if cfg.Path == "" {
		cfg.Path = "/webhooks/delivery"
	}
	return &DeliveryWebhook{
		path:     cfg.Path,
		secret:   cfg.Secret,
		reporter: cfg.Reporter,
		logger:   orDefault(cfg.Logger),
	}
}

func (w *DeliveryWebhook) Path() string { return w.path }

func (w *DeliveryWebhook) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+w.path, w.handle)
}

func (w *DeliveryWebhook) handle(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if w.secret == "" {
		w.logger.Warn("delivery report refused: webhook secret not configured")
		http.Error(rw, "Webhook secret not configured", http.StatusForbidden)
		return
	}
	sig := r.Header.Get("X-Signature-256")
	if sig == "" {
		http.Error(rw, "Missing signature", http.StatusUnauthorized)
		return
	}
	if !verifyHMAC(body, w.secret, sig) {
		http.Error(rw, "Invalid signature", http.StatusForbidden)
		return
	}

	var report domain.DeliveryReport
	if err := json.Unmarshal(body, &report); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if report.AssignmentID == "" && report.ProviderMessageID == "" {
		http.Error(rw, "assignmentId or providerMessageId is required", http.StatusBadRequest)
		return
	}

	w.logger.Info("delivery report received",
		"assignment", report.AssignmentID,
		"provider_message_id", report.ProviderMessageID,
		"status", report.Status,
	)

	if err := w.reporter.HandleDeliveryReport(r.Context(), report); err != nil {
		w.logger.Warn("delivery report rejected", "err", err)
		http.Error(rw, err.Error(), statusFor(err))
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusAccepted)
	json.NewEncoder(rw).Encode(map[string]string{"status": "accepted"})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
