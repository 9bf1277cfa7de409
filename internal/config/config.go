package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Config is the root configuration for chatguard. The AI Defense policy is
// not part of it: that lives in the settings blob managed by package policy.
type Config struct {
	General    GeneralConfig             `json:"general"`
	Server     ServerConfig              `json:"server"`
	Chat       ChatConfig                `json:"chat"`
	Providers  map[string]ProviderConfig `json:"providers"`
	Inspection InspectionConfig          `json:"inspection"`
	Storage    StorageConfig             `json:"storage"`
	Policy     PolicyConfig              `json:"policy"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"`
	DataDir  string `json:"dataDir"`
}

type ServerConfig struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	APIKey string `json:"apiKey,omitempty"` // bearer token; empty disables auth
	// RateLimitPerMinute is per client IP; 0 disables limiting.
	RateLimitPerMinute int `json:"rateLimitPerMinute"`
	RateLimitBurst     int `json:"rateLimitBurst"`
	ReadTimeoutSec     int `json:"readTimeoutSeconds"`
	WriteTimeoutSec    int `json:"writeTimeoutSeconds"`
}

type ChatConfig struct {
	DefaultModel string `json:"defaultModel"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	WindowSize   int    `json:"windowSize"` // messages kept, system message included
	SessionTTL   int    `json:"sessionTTLMinutes"`
	MaxSessions  int    `json:"maxSessions"`
	SamplesFile  string `json:"samplesFile,omitempty"`
	// PersistSessions keeps conversation windows in the SQLite database
	// instead of process memory, so `chat --session` can resume them.
	PersistSessions bool `json:"persistSessions"`
}

// ProviderConfig holds credentials for one model family. Keys are the
// family names: openai, groq, gemini, ollama, bedrock.
type ProviderConfig struct {
	Enabled      bool     `json:"enabled"`
	APIBase      string   `json:"apiBase,omitempty"`
	APIKey       string   `json:"apiKey,omitempty"`
	Models       []string `json:"models,omitempty"`
	Region       string   `json:"region,omitempty"`
	AccessKey    string   `json:"accessKey,omitempty"`
	SecretKey    string   `json:"secretKey,omitempty"`
	SessionToken string   `json:"sessionToken,omitempty"`
	CustomHost   string   `json:"customHost,omitempty"`
}

type InspectionConfig struct {
	TimeoutSec  int  `json:"timeoutSeconds"`
	InsecureTLS bool `json:"insecureTLS,omitempty"`
}

type StorageConfig struct {
	DBPath string `json:"dbPath"`
	// SecretPassphrase keys the obfuscation of stored credentials.
	SecretPassphrase string `json:"secretPassphrase,omitempty"`
}

// PolicyConfig selects where the AI Defense settings blob is kept. An empty
// File stores it in the SQLite database.
type PolicyConfig struct {
	File  string `json:"file,omitempty"`
	Watch bool   `json:"watch"`
}

func (c ChatConfig) TTL() time.Duration {
	return time.Duration(c.SessionTTL) * time.Minute
}

func (i InspectionConfig) Timeout() time.Duration {
	return time.Duration(i.TimeoutSec) * time.Second
}

// DefaultConfigDir returns the default config directory (~/.chatguard).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatguard"
	}
	return filepath.Join(home, ".chatguard")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.ExpandPaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ExpandPaths resolves ~/ in every path setting.
func (c *Config) ExpandPaths() {
	c.General.DataDir = ExpandPath(c.General.DataDir)
	c.General.LogFile = ExpandPath(c.General.LogFile)
	c.Storage.DBPath = ExpandPath(c.Storage.DBPath)
	c.Policy.File = ExpandPath(c.Policy.File)
	c.Chat.SamplesFile = ExpandPath(c.Chat.SamplesFile)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty. Unset variables
// without a default are left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Save writes the config with owner-only permissions since it holds
// provider credentials.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

var knownProviders = map[string]bool{
	"openai": true, "groq": true, "gemini": true, "ollama": true, "bedrock": true,
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.RateLimitPerMinute < 0 {
		errs = append(errs, "server.rateLimitPerMinute must be >= 0")
	}
	if cfg.Server.RateLimitPerMinute > 0 && cfg.Server.RateLimitBurst < 1 {
		errs = append(errs, "server.rateLimitBurst must be >= 1 when rate limiting is enabled")
	}

	if cfg.Chat.WindowSize < 2 {
		errs = append(errs, "chat.windowSize must be >= 2")
	}
	if cfg.Chat.SessionTTL < 1 {
		errs = append(errs, "chat.sessionTTLMinutes must be >= 1")
	}
	if cfg.Chat.MaxSessions < 1 {
		errs = append(errs, "chat.maxSessions must be >= 1")
	}

	if cfg.Inspection.TimeoutSec < 1 {
		errs = append(errs, "inspection.timeoutSeconds must be >= 1")
	}

	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.dbPath is required")
	}
	if cfg.Policy.Watch && cfg.Policy.File == "" {
		errs = append(errs, "policy.watch requires policy.file")
	}

	for name, pc := range cfg.Providers {
		if !knownProviders[name] {
			errs = append(errs, fmt.Sprintf("providers.%s: unknown provider (want openai, groq, gemini, ollama or bedrock)", name))
			continue
		}
		if pc.Enabled && name == "bedrock" && pc.Region == "" {
			errs = append(errs, "providers.bedrock: region is required")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
