package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
			DataDir:  "~/.chatguard",
		},
		Server: ServerConfig{
			Host:               "127.0.0.1",
			Port:               8080,
			RateLimitPerMinute: 60,
			RateLimitBurst:     10,
			ReadTimeoutSec:     30,
			WriteTimeoutSec:    180,
		},
		Chat: ChatConfig{
			DefaultModel: "gpt-4o-mini",
			SystemPrompt: "You are a helpful assistant.",
			WindowSize:   19,
			SessionTTL:   60,
			MaxSessions:  1000,
		},
		Providers: map[string]ProviderConfig{
			"openai": {
				Enabled: true,
			},
			"ollama": {
				Enabled: false,
				APIBase: "http://localhost:11434",
			},
		},
		Inspection: InspectionConfig{
			TimeoutSec: 30,
		},
		Storage: StorageConfig{
			DBPath: "~/.chatguard/chatguard.db",
		},
	}
}
