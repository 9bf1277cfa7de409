package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"chatguard/internal/secret"
)

// Store persists the settings blob. Load returns Defaults when nothing has
// been saved yet.
type Store interface {
	Load(ctx context.Context) (Config, error)
	Save(ctx context.Context, cfg Config) error
}

// Encode renders cfg as the settings blob with the inspection API key
// obfuscated.
func Encode(cfg Config, obf *secret.Obfuscator) ([]byte, error) {
	out := cfg.Clone()
	if obf != nil {
		sealed, err := obf.Seal(out.InspectionAPIKey)
		if err != nil {
			return nil, fmt.Errorf("seal inspection key: %w", err)
		}
		out.InspectionAPIKey = sealed
	}
	return json.MarshalIndent(out, "", "  ")
}

// Decode parses a settings blob over Defaults, so rules missing from older
// blobs keep their default setting.
func Decode(data []byte, obf *secret.Obfuscator) (Config, error) {
	cfg := Defaults()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse settings: %w", err)
	}
	if cfg.Rules == nil {
		cfg.Rules = Defaults().Rules
	}
	if cfg.InspectionServer == "" {
		cfg.InspectionServer = DefaultInspectionServer
	}
	if cfg.PromptRouting == "" {
		cfg.PromptRouting = RoutingServer
	}
	if obf != nil {
		key, err := obf.Open(cfg.InspectionAPIKey)
		if err != nil {
			return Config{}, fmt.Errorf("open inspection key: %w", err)
		}
		cfg.InspectionAPIKey = key
	}
	return cfg, nil
}

// FileStore keeps the settings blob in a JSON file.
type FileStore struct {
	Path string
	Obf  *secret.Obfuscator
}

func (s *FileStore) Load(_ context.Context) (Config, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Defaults(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read settings %s: %w", s.Path, err)
	}
	return Decode(data, s.Obf)
}

// Save writes through a temp file and rename so watchers never observe a
// partial blob.
func (s *FileStore) Save(_ context.Context, cfg Config) error {
	data, err := Encode(cfg, s.Obf)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

// KV is a string key/value backend such as the SQLite settings table.
type KV interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
}

// BlobStore keeps the settings blob under SettingsKey in a KV backend.
type BlobStore struct {
	kv  KV
	obf *secret.Obfuscator
}

func NewBlobStore(kv KV, obf *secret.Obfuscator) *BlobStore {
	return &BlobStore{kv: kv, obf: obf}
}

func (s *BlobStore) Load(ctx context.Context) (Config, error) {
	raw, ok, err := s.kv.GetSetting(ctx, SettingsKey)
	if err != nil {
		return Config{}, fmt.Errorf("load settings: %w", err)
	}
	if !ok {
		return Defaults(), nil
	}
	return Decode([]byte(raw), s.obf)
}

func (s *BlobStore) Save(ctx context.Context, cfg Config) error {
	data, err := Encode(cfg, s.obf)
	if err != nil {
		return err
	}
	if err := s.kv.PutSetting(ctx, SettingsKey, string(data)); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
