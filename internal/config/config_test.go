package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- Validate ---

func TestDefaults_Valid(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if cfg.Queue.MaxRetries != 3 || cfg.Queue.Concurrency != 5 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Queue.KeepCompleted != 100 || cfg.Queue.KeepFailed != 500 {
		t.Fatalf("unexpected retention defaults: %+v", cfg.Queue)
	}
}

func TestValidate_AggregatesErrors(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "chatty"
	cfg.Queue.Concurrency = 0
	cfg.Queue.MaxRetries = 0

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"general.logLevel", "queue.concurrency", "queue.maxRetries"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in error, got: %v", want, err)
		}
	}
}

func TestValidate_Queue(t *testing.T) {
	cfg := Defaults()
	cfg.Queue.Backend = "rabbit"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown backend")
	}

	cfg = Defaults()
	cfg.Queue.Backend = "redis"
	cfg.Queue.Redis.Addr = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for redis without addr")
	}

	cfg = Defaults()
	cfg.Queue.MaxDelayMs = 100
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxDelay below baseDelay")
	}
}

func TestValidate_FallbackProviders(t *testing.T) {
	cfg := Defaults()
	cfg.Providers.Fallback["email"] = []string{"smtp", "twilio"}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for sms provider in email fallback")
	}

	cfg = Defaults()
	cfg.Providers.Fallback["fax"] = []string{"smtp"}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_KafkaRequiresBrokers(t *testing.T) {
	cfg := Defaults()
	cfg.Events.Kafka.Enabled = true
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for kafka without brokers")
	}
	cfg.Events.Kafka.Brokers = []string{"localhost:9092"}
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	original := Defaults()
	original.General.DefaultTenant = "acme"
	original.Providers.SMTP.Host = "smtp.example.com"

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.General.DefaultTenant != "acme" || loaded.Providers.SMTP.Host != "smtp.example.com" {
		t.Fatalf("round trip lost values: %+v", loaded.General)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"queue": {"maxRetries": 0}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for maxRetries=0")
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_DISTRIBUTOR_TWILIO_TOKEN", "tok-123")
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"providers": {
			"twilio": {"accountSid": "AC1", "authToken": "${TEST_DISTRIBUTOR_TWILIO_TOKEN}", "from": "+15550001"},
			"vonage": {"apiKey": "${TEST_DISTRIBUTOR_UNSET_KEY:-fallback}"}
		}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Providers.Twilio.AuthToken != "tok-123" {
		t.Fatalf("expected env substitution, got %q", cfg.Providers.Twilio.AuthToken)
	}
	if cfg.Providers.Vonage.APIKey != "fallback" {
		t.Fatalf("expected default value, got %q", cfg.Providers.Vonage.APIKey)
	}
	// Unset sections keep their defaults.
	if cfg.Queue.MaxRetries != 3 {
		t.Fatalf("expected default maxRetries, got %d", cfg.Queue.MaxRetries)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("TEST_DISTRIBUTOR_DOTENV=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	os.Unsetenv("TEST_DISTRIBUTOR_DOTENV")
	t.Cleanup(func() { os.Unsetenv("TEST_DISTRIBUTOR_DOTENV") })

	if err := LoadDotEnv(envFile, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("TEST_DISTRIBUTOR_DOTENV"); got != "from-file" {
		t.Fatalf("expected value from .env, got %q", got)
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("DIST_HOST", "localhost")
	t.Setenv("DIST_PORT", "3000")
	t.Setenv("DIST_EMPTY", "")
	os.Unsetenv("DIST_UNSET_XYZ")

	tests := []struct {
		in, want string
	}{
		{`"${DIST_HOST}:${DIST_PORT}"`, `"localhost:3000"`},
		{`"${DIST_UNSET_XYZ:-8080}"`, `"8080"`},
		{`"${DIST_PORT:-8080}"`, `"3000"`},
		{`"${DIST_EMPTY:-fallback}"`, `"fallback"`},
		{`"${DIST_UNSET_XYZ}"`, `"${DIST_UNSET_XYZ}"`},
		{`"$HOME is not substituted"`, `"$HOME is not substituted"`},
	}
	for _, tt := range tests {
		if got := ExpandEnvVars(tt.in); got != tt.want {
			t.Errorf("ExpandEnvVars(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

// --- Accessor ---

func TestGetByPath(t *testing.T) {
	cfg := Defaults()
	val, err := GetByPath(cfg, "queue.backend")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "memory" {
		t.Fatalf("expected 'memory', got %v", val)
	}

	val, err = GetByPath(cfg, "providers.fallback.email.1")
	if err != nil {
		t.Fatalf("get array element: %v", err)
	}
	if val != "sendgrid" {
		t.Fatalf("expected 'sendgrid', got %v", val)
	}

	if _, err := GetByPath(cfg, "nonexistent.path"); err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_Coercion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "queue.maxRetries", "5"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Queue.MaxRetries != 5 {
		t.Fatalf("expected 5, got %d", cfg.Queue.MaxRetries)
	}
	if err := SetByPath(cfg, "rules.rejectUnboundedAmount", "true"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if !cfg.Rules.RejectUnboundedAmount {
		t.Fatal("expected rejectUnboundedAmount=true")
	}
	if err := SetByPath(cfg, "providers.fallback.sms", `["vonage","twilio"]`); err != nil {
		t.Fatalf("set list: %v", err)
	}
	if got := cfg.Providers.Fallback["sms"]; len(got) != 2 || got[0] != "vonage" {
		t.Fatalf("unexpected fallback: %v", got)
	}
}

func TestSetByPath_RejectsInvalidValue(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "queue.concurrency", "0"); err == nil {
		t.Fatal("expected validation error")
	}
	if cfg.Queue.Concurrency != 5 {
		t.Fatalf("config modified on failed set: %d", cfg.Queue.Concurrency)
	}
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Providers.Telegram.Token = "123456789:ABCdefGHIjklMNOpqrSTUvwxyz"
	cfg.Providers.SendGrid.APIKey = "SG.short"
	cfg.Providers.WhatsApp.AppSecret = "whatsapp-secret-12345678"

	s := Sanitize(cfg)
	if s.Providers.Telegram.Token == cfg.Providers.Telegram.Token {
		t.Fatal("telegram token should be masked")
	}
	if s.Providers.SendGrid.APIKey != "***" {
		t.Fatalf("short secret should be '***', got %q", s.Providers.SendGrid.APIKey)
	}
	if s.Providers.WhatsApp.AppSecret == cfg.Providers.WhatsApp.AppSecret {
		t.Fatal("whatsapp app secret should be masked")
	}
	if cfg.Providers.Telegram.Token != "123456789:ABCdefGHIjklMNOpqrSTUvwxyz" {
		t.Fatal("original config should not be modified")
	}
}

func TestListPaths_SortedLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	if len(paths) == 0 {
		t.Fatal("expected non-empty paths")
	}
	seen := map[string]bool{}
	for i, p := range paths {
		seen[p.Path] = true
		if i > 0 && paths[i-1].Path > p.Path {
			t.Fatalf("paths not sorted at %d: %s > %s", i, paths[i-1].Path, p.Path)
		}
	}
	for _, want := range []string{"general.logLevel", "queue.maxRetries", "store.dbPath"} {
		if !seen[want] {
			t.Errorf("missing expected path: %s", want)
		}
	}
}
