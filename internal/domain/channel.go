package domain

import (
	"context"
	"strings"
)

// Channel is an outbound communication transport.
type Channel string

const (
	ChannelEmail  Channel = "email"
	ChannelSMS    Channel = "sms"
	ChannelChat   Channel = "chat" // WhatsApp first, then other chat transports
	ChannelPostal Channel = "postal"
	ChannelEDI    Channel = "edi"
)

// AllChannels lists every supported channel in reporting order.
var AllChannels = []Channel{ChannelEmail, ChannelSMS, ChannelChat, ChannelPostal, ChannelEDI}

// ParseChannel normalizes a channel name. "whatsapp" is accepted as an alias for chat.
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "email", "e-mail":
		return ChannelEmail, nil
	case "sms":
		return ChannelSMS, nil
	case "chat", "whatsapp":
		return ChannelChat, nil
	case "postal", "post", "letter":
		return ChannelPostal, nil
	case "edi":
		return ChannelEDI, nil
	}
	return "", &ValidationError{Field: "channel", Message: "unknown channel " + strings.TrimSpace(s)}
}

// Valid reports whether c is one of the known channels.
func (c Channel) Valid() bool {
	for _, ch := range AllChannels {
		if c == ch {
			return true
		}
	}
	return false
}

// JobType returns the queue job type used for sends on this channel.
func (c Channel) JobType() string {
	return "send-" + string(c)
}

// Attachment is a file shipped with a message.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
	Content     []byte `json:"content,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Message is the transport-neutral payload handed to a provider.
type Message struct {
	To          string         `json:"to"`
	Subject     string         `json:"subject,omitempty"`
	Body        string         `json:"body"`
	HTMLBody    string         `json:"htmlBody,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// ProviderTo holds per-provider addresses. When set, providers without
	// an entry are skipped and the others receive their own address.
	ProviderTo map[string]string `json:"providerTo,omitempty"`
}

// ProviderAttempt records a single provider call inside a fallback chain.
type ProviderAttempt struct {
	Provider       string `json:"provider"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	DeliveryTimeMs int64  `json:"deliveryTimeMs"`
}

// ChannelResult is returned by every adapter call. It is never persisted as-is.
type ChannelResult struct {
	Success           bool              `json:"success"`
	ProviderMessageID string            `json:"providerMessageId,omitempty"`
	Error             string            `json:"error,omitempty"`
	DeliveryTimeMs    int64             `json:"deliveryTimeMs"`
	ProviderName      string            `json:"providerName,omitempty"`
	Attempts          []ProviderAttempt `json:"attempts,omitempty"`
}

// FailedAttempts returns the attempts that did not succeed, in call order.
func (r ChannelResult) FailedAttempts() []ProviderAttempt {
	var out []ProviderAttempt
	for _, a := range r.Attempts {
		if !a.Success {
			out = append(out, a)
		}
	}
	return out
}

// Provider is the interface every transport provider implements.
type Provider interface {
	Name() string
	Channel() Channel
	// Configured reports whether credentials are present.
	Configured() bool
	Send(ctx context.Context, msg Message) (messageID string, err error)
	// Test checks connectivity without sending a real message.
	Test(ctx context.Context) error
}
