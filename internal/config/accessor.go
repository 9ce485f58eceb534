package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// toTree renders the config as its generic JSON tree.
func toTree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// GetByPath retrieves a value by dot-notation path (e.g. "queue.maxRetries").
func GetByPath(cfg *Config, path string) (any, error) {
	tree, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	var node any = tree
	for _, key := range strings.Split(path, ".") {
		switch v := node.(type) {
		case map[string]any:
			next, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			node = next
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid array index: %s", key)
			}
			node = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %s", node, key)
		}
	}
	return node, nil
}

// SetByPath sets a value by dot-notation path. String values are coerced to
// bool or number when they parse as one. The result is re-validated.
func SetByPath(cfg *Config, path string, value any) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	tree, err := toTree(cfg)
	if err != nil {
		return err
	}

	keys := strings.Split(path, ".")
	parent := tree
	for _, key := range keys[:len(keys)-1] {
		child, ok := parent[key]
		if !ok || child == nil {
			created := map[string]any{}
			parent[key] = created
			parent = created
			continue
		}
		m, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("cannot traverse into %T at %s", child, key)
		}
		parent = m
	}
	parent[keys[len(keys)-1]] = coerce(value)

	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	next := &Config{}
	if err := json.Unmarshal(data, next); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	if err := Validate(next); err != nil {
		return err
	}
	*cfg = *next
	return nil
}

func coerce(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			return decoded
		}
	}
	return s
}

// Sanitize returns a copy of the config with credentials masked.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return cfg
	}

	p := &out.Providers
	for _, secret := range []*string{
		&p.SMTP.Password, &p.SendGrid.APIKey, &p.Mailgun.APIKey,
		&p.Twilio.AuthToken, &p.Vonage.APISecret, &p.Vonage.APIKey,
		&p.WhatsApp.AccessToken, &p.WhatsApp.AppSecret, &p.WhatsApp.VerifyToken,
		&p.Telegram.Token, &p.Slack.BotToken, &p.Discord.Token,
		&out.Queue.Redis.Password, &out.Server.AdminToken, &out.Server.WebhookSecret,
	} {
		if *secret != "" {
			*secret = maskString(*secret)
		}
	}
	return &out
}

// maskString keeps the first and last 4 characters of long secrets.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// PathValue is one leaf of the config tree.
type PathValue struct {
	Path  string
	Value any
}

// ListPaths returns every leaf path with its value, sorted by path.
func ListPaths(cfg *Config) []PathValue {
	tree, err := toTree(cfg)
	if err != nil {
		return nil
	}
	var out []PathValue
	flatten("", tree, &out)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func flatten(prefix string, m map[string]any, out *[]PathValue) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(path, child, out)
			continue
		}
		*out = append(*out, PathValue{Path: path, Value: v})
	}
}
