package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_LogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "chatty"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown log level")
	}
	for _, lvl := range []string{"debug", "info", "warn", "error"} {
		cfg.General.LogLevel = lvl
		if err := Validate(cfg); err != nil {
			t.Fatalf("log level %q should be valid: %v", lvl, err)
		}
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.Server.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_RateLimitNeedsBurst(t *testing.T) {
	cfg := Defaults()
	cfg.Server.RateLimitBurst = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for zero burst with rate limiting on")
	}
	cfg.Server.RateLimitPerMinute = 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("burst is irrelevant when limiting is off: %v", err)
	}
}

func TestValidate_ChatLimits(t *testing.T) {
	cfg := Defaults()
	cfg.Chat.WindowSize = 1
	cfg.Chat.SessionTTL = 0
	cfg.Chat.MaxSessions = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"chat.windowSize", "chat.sessionTTLMinutes", "chat.maxSessions"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidate_Providers(t *testing.T) {
	cfg := Defaults()
	cfg.Providers["claude"] = ProviderConfig{Enabled: true}
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "unknown provider") {
		t.Fatalf("expected unknown provider error, got %v", err)
	}

	cfg = Defaults()
	cfg.Providers["bedrock"] = ProviderConfig{Enabled: true}
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "region") {
		t.Fatalf("expected bedrock region error, got %v", err)
	}
}

func TestValidate_PolicyWatchNeedsFile(t *testing.T) {
	cfg := Defaults()
	cfg.Policy.Watch = true
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for watch without file")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.Chat.DefaultModel = "bedrock/amazon.nova-premier-v1:0"

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("config mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Chat.DefaultModel != "bedrock/amazon.nova-premier-v1:0" {
		t.Fatalf("expected bedrock model, got %q", loaded.Chat.DefaultModel)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{"chat":{"windowSize":0}}`), 0o644)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "chat.windowSize") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_CHATGUARD_OPENAI_KEY", "sk-from-env")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"providers": {
			"openai": {"enabled": true, "apiKey": "${TEST_CHATGUARD_OPENAI_KEY}"},
			"groq": {"enabled": true, "apiKey": "${TEST_CHATGUARD_GROQ_KEY:-gsk-default}"}
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := cfg.Providers["openai"].APIKey; got != "sk-from-env" {
		t.Fatalf("openai key = %q", got)
	}
	if got := cfg.Providers["groq"].APIKey; got != "gsk-default" {
		t.Fatalf("groq key = %q", got)
	}
}

// --- Accessors ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()
	v, err := GetByPath(cfg, "chat.windowSize")
	if err != nil {
		t.Fatal(err)
	}
	if v.(float64) != 19 {
		t.Fatalf("windowSize = %v", v)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	if _, err := GetByPath(Defaults(), "chat.nope"); err == nil {
		t.Fatal("expected error")
	}
}

func TestSetByPath_Conversions(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "policy.watch", "true"); err != nil {
		t.Fatal(err)
	}
	if err := SetByPath(cfg, "server.port", "9191"); err != nil {
		t.Fatal(err)
	}
	if err := SetByPath(cfg, "chat.defaultModel", "gemini-2.0-flash"); err != nil {
		t.Fatal(err)
	}
	if !cfg.Policy.Watch || cfg.Server.Port != 9191 || cfg.Chat.DefaultModel != "gemini-2.0-flash" {
		t.Fatalf("unexpected config after set: %+v", cfg)
	}
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Providers["bedrock"] = ProviderConfig{Region: "us-east-1", AccessKey: "AKIAABCDEFGHIJKL", SecretKey: "short"}
	cfg.Server.APIKey = "server-key-123456"

	s := Sanitize(cfg)
	if got := s.Providers["bedrock"].AccessKey; got != "AKIA****IJKL" {
		t.Fatalf("access key = %q", got)
	}
	if got := s.Providers["bedrock"].SecretKey; got != "***" {
		t.Fatalf("secret key = %q", got)
	}
	if got := s.Server.APIKey; got != "serv****3456" {
		t.Fatalf("server key = %q", got)
	}
	if s.Providers["openai"].APIKey != "" {
		t.Fatal("unset key should stay empty")
	}
	if cfg.Server.APIKey != "server-key-123456" {
		t.Fatal("sanitize must not modify the original")
	}
}

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	for _, want := range []string{"general.logLevel", "server.port", "chat.windowSize", "storage.dbPath"} {
		if _, ok := paths[want]; !ok {
			t.Fatalf("missing path %s", want)
		}
	}
}

// --- Env expansion ---

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("CG_SET", "value")
	t.Setenv("CG_EMPTY", "")
	tests := []struct {
		in, want string
	}{
		{"${CG_SET}", "value"},
		{"${CG_UNSET_X:-fallback}", "fallback"},
		{"${CG_SET:-fallback}", "value"},
		{"${CG_EMPTY:-fallback}", "fallback"},
		{"${CG_UNSET_X}", "${CG_UNSET_X}"},
		{"a ${CG_SET} b ${CG_SET}", "a value b value"},
		{"$CG_SET", "$CG_SET"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := ExpandEnvVars(tt.in); got != tt.want {
			t.Errorf("ExpandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// --- Defaults ---

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Chat.WindowSize != 19 {
		t.Fatalf("window size = %d, want 19", cfg.Chat.WindowSize)
	}
	if cfg.Chat.TTL() != time.Hour {
		t.Fatalf("ttl = %v", cfg.Chat.TTL())
	}
	if cfg.Inspection.Timeout() != 30*time.Second {
		t.Fatalf("inspection timeout = %v", cfg.Inspection.Timeout())
	}
}
