package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"sort"
	"strings"
	"text/template"

	"distributor/internal/config"
	"distributor/internal/domain"
)

// Content is the rendered message for an assignment.
type Content struct {
	Subject     string
	Body        string
	HTML        string
	Attachments []domain.Attachment
}

// ContentResolver renders the message of an assignment.
type ContentResolver interface {
	ResolveContent(ctx context.Context, a domain.Assignment) (Content, error)
}

// Recipient is the resolved address of an assignment. ByProvider is set for
// channels whose providers address the customer differently.
type Recipient struct {
	To         string
	ByProvider map[string]string
}

// RecipientResolver returns the channel-specific address of an assignment.
type RecipientResolver interface {
	ResolveRecipient(ctx context.Context, a domain.Assignment) (Recipient, error)
}

// chatProviders are the chat transports that address customers by their own
// ids rather than by phone number.
var chatProviders = []string{"telegram", "slack", "discord"}

// fallbackTemplate is used for channels without a configured template.
var fallbackTemplate = config.TemplateConfig{
	Subject: "Invoice {{.Number}}",
	Body:    `Invoice {{.Number}}: {{printf "%.2f" .Amount}} {{.Currency}}`,
}

type channelTemplates struct {
	subject *template.Template
	body    *template.Template
	html    *htmltemplate.Template
}

// TemplateResolver renders content from the document snapshot stored in the
// assignment metadata and picks the recipient from the customer contact
// fields. It implements both ContentResolver and RecipientResolver.
type TemplateResolver struct {
	templates map[domain.Channel]channelTemplates
	fallback  channelTemplates
}

// NewTemplateResolver parses the per-channel templates. Keys are channel names.
func NewTemplateResolver(cfg map[string]config.TemplateConfig) (*TemplateResolver, error) {
	r := &TemplateResolver{templates: make(map[domain.Channel]channelTemplates)}
	fb, err := parseTemplates("fallback", fallbackTemplate)
	if err != nil {
		return nil, err
	}
	r.fallback = fb
	for name, tc := range cfg {
		ch, err := domain.ParseChannel(name)
		if err != nil {
			return nil, fmt.Errorf("template %q: %w", name, err)
		}
		t, err := parseTemplates(string(ch), tc)
		if err != nil {
			return nil, err
		}
		r.templates[ch] = t
	}
	return r, nil
}

func parseTemplates(name string, tc config.TemplateConfig) (channelTemplates, error) {
	var out channelTemplates
	var err error
	if tc.Subject != "" {
		if out.subject, err = template.New(name + ".subject").Parse(tc.Subject); err != nil {
			return out, fmt.Errorf("template %s subject: %w", name, err)
		}
	}
	if out.body, err = template.New(name + ".body").Parse(tc.Body); err != nil {
		return out, fmt.Errorf("template %s body: %w", name, err)
	}
	if tc.HTML != "" {
		if out.html, err = htmltemplate.New(name + ".html").Parse(tc.HTML); err != nil {
			return out, fmt.Errorf("template %s html: %w", name, err)
		}
	}
	return out, nil
}

// ResolveContent renders the channel template against the document snapshot.
// A document attribute "pdfUrl" becomes an attachment.
func (r *TemplateResolver) ResolveContent(_ context.Context, a domain.Assignment) (Content, error) {
	doc, err := documentSnapshot(a)
	if err != nil {
		return Content{}, err
	}
	t, ok := r.templates[a.AssignedChannel]
	if !ok {
		t = r.fallback
	}

	var c Content
	if t.subject != nil {
		if c.Subject, err = render(t.subject, doc); err != nil {
			return Content{}, err
		}
	}
	if c.Body, err = render(t.body, doc); err != nil {
		return Content{}, err
	}
	if t.html != nil {
		var buf bytes.Buffer
		if err := t.html.Execute(&buf, doc); err != nil {
			return Content{}, fmt.Errorf("render html: %w", err)
		}
		c.HTML = buf.String()
	}
	if url, _ := doc.Attributes["pdfUrl"].(string); url != "" {
		name := doc.Number
		if name == "" {
			name = doc.ID
		}
		c.Attachments = []domain.Attachment{{Filename: name + ".pdf", ContentType: "application/pdf", URL: url}}
	}
	return c, nil
}

func render(t *template.Template, doc domain.Document) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, doc); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// ResolveRecipient picks the customer contact field matching the channel.
// Chat resolves one address per provider: WhatsApp takes the phone number,
// the other chat providers take their entry in chatIds or the generic chatId.
func (r *TemplateResolver) ResolveRecipient(_ context.Context, a domain.Assignment) (Recipient, error) {
	doc, err := documentSnapshot(a)
	if err != nil {
		return Recipient{}, err
	}
	c := doc.Customer
	var to, field string
	switch a.AssignedChannel {
	case domain.ChannelEmail:
		to, field = c.Email, "email"
	case domain.ChannelSMS:
		to, field = c.Phone, "phone"
	case domain.ChannelChat:
		return chatRecipient(c)
	case domain.ChannelPostal:
		to, field = c.PostalAddress, "postalAddress"
	case domain.ChannelEDI:
		to, field = c.EDIIdentifier, "ediIdentifier"
	default:
		return Recipient{}, &domain.ValidationError{Field: "assignedChannel", Message: "invalid channel " + string(a.AssignedChannel)}
	}
	if strings.TrimSpace(to) == "" {
		return Recipient{}, &domain.ValidationError{Field: "customer." + field, Message: "no " + field + " for " + string(a.AssignedChannel) + " delivery"}
	}
	return Recipient{To: to}, nil
}

func chatRecipient(c domain.Customer) (Recipient, error) {
	by := make(map[string]string)
	if id := firstNonBlank(c.ChatIDs["whatsapp"], c.Phone); id != "" {
		by["whatsapp"] = id
	}
	for _, name := range chatProviders {
		if id := firstNonBlank(c.ChatIDs[name], c.ChatID); id != "" {
			by[name] = id
		}
	}
	// Custom chat providers registered by name.
	for name, id := range c.ChatIDs {
		if _, ok := by[name]; !ok && strings.TrimSpace(id) != "" {
			by[name] = id
		}
	}
	if len(by) == 0 {
		return Recipient{}, &domain.ValidationError{Field: "customer.chatId", Message: "no chatId, chatIds or phone for chat delivery"}
	}
	return Recipient{To: firstNonBlank(c.ChatID, c.Phone, anyValue(by)), ByProvider: by}, nil
}

func firstNonBlank(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// anyValue returns the value of the smallest key, for a stable display address.
func anyValue(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return ""
	}
	return m[keys[0]]
}

// documentSnapshot decodes metadata.document. After a store round trip it is
// a generic map, so it is re-encoded through JSON.
func documentSnapshot(a domain.Assignment) (domain.Document, error) {
	raw, ok := a.Metadata["document"]
	if !ok || raw == nil {
		return domain.Document{}, &domain.ValidationError{Field: "metadata.document", Message: "assignment " + a.ID + " has no document snapshot"}
	}
	if doc, ok := raw.(domain.Document); ok {
		return doc, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return domain.Document{}, fmt.Errorf("encode document snapshot: %w", err)
	}
	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return domain.Document{}, &domain.ValidationError{Field: "metadata.document", Message: err.Error()}
	}
	return doc, nil
}
