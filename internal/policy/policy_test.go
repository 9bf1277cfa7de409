package policy

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chatguard/internal/catalog"
	"chatguard/internal/secret"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Validation ---

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"egress", func(c *Config) { c.Mode = ModeEgress }, ""},
		{"gateway without url", func(c *Config) { c.Mode = ModeGateway }, "gateway URL"},
		{"gateway bad scheme", func(c *Config) { c.Mode = ModeGateway; c.GatewayURL = "ftp://x" }, "http or https"},
		{"gateway ok", func(c *Config) { c.Mode = ModeGateway; c.GatewayURL = "https://gw.example.com/conn" }, ""},
		{"api without key", func(c *Config) { c.Mode = ModeInspectionAPI }, "API key"},
		{"api ok", func(c *Config) { c.Mode = ModeInspectionAPI; c.InspectionAPIKey = "k" }, ""},
		{"bad routing", func(c *Config) { c.PromptRouting = "sideways" }, "prompt routing"},
		{"bad action", func(c *Config) { c.Rules[catalog.PII] = RuleSetting{Enabled: true, Action: "Shout"} }, "unknown action"},
		{"bad mode", func(c *Config) { c.Mode = "teleport" }, "unknown mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			var ce *ConfigError
			require.True(t, errors.As(err, &ce), "want ConfigError, got %v", err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseModeLegacyBrowser(t *testing.T) {
	var cfg Config
	require.NoError(t, json.Unmarshal([]byte(`{"mode":"browser"}`), &cfg))
	assert.Equal(t, ModeDirect, cfg.Mode)

	require.Error(t, json.Unmarshal([]byte(`{"mode":"warp"}`), &cfg))
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("block")
	require.NoError(t, err)
	assert.Equal(t, ActionBlock, a)
	_, err = ParseAction("explode")
	assert.Error(t, err)
}

// --- Rules ---

func TestEnabledRulesOrderAndExpansion(t *testing.T) {
	cfg := Defaults()
	cfg.Rules[catalog.PII] = RuleSetting{Enabled: true, Action: ActionBlock}
	cfg.Rules[catalog.CodeDetection] = RuleSetting{Enabled: true, Action: ActionAlert}
	cfg.Rules["Zeta Custom"] = RuleSetting{Enabled: true, Action: ActionAlert}
	cfg.Rules["Alpha Custom"] = RuleSetting{Enabled: true, Action: ActionAlert}

	got := cfg.EnabledRules()
	require.Len(t, got, 4)
	assert.Equal(t, catalog.CodeDetection, got[0].Name)
	assert.Equal(t, catalog.PII, got[1].Name)
	assert.Len(t, got[1].EntityTypes, 6)
	assert.Equal(t, "Alpha Custom", got[2].Name)
	assert.Equal(t, "Zeta Custom", got[3].Name)
	assert.Empty(t, got[3].EntityTypes)
}

func TestDefaultsHaveNoEnabledRules(t *testing.T) {
	assert.Empty(t, Defaults().EnabledRules())
}

func TestCloneIsDeep(t *testing.T) {
	a := Defaults()
	b := a.Clone()
	b.Rules[catalog.PII] = RuleSetting{Enabled: true, Action: ActionBlock}
	assert.False(t, a.Rules[catalog.PII].Enabled)
}

// --- Persistence ---

func TestFileStoreRoundTripObfuscatesKey(t *testing.T) {
	obf, err := secret.New("")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "settings.json")
	store := &FileStore{Path: path, Obf: obf}

	cfg, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)

	cfg.Mode = ModeInspectionAPI
	cfg.InspectionAPIKey = "abcd1234secretwxyz"
	cfg.Rules[catalog.PII] = RuleSetting{Enabled: true, Action: ActionBlock}
	require.NoError(t, store.Save(context.Background(), cfg))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "abcd1234secretwxyz")
	assert.Contains(t, string(raw), secret.Prefix)

	back, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestDecodeFillsDefaults(t *testing.T) {
	cfg, err := Decode([]byte(`{"mode":"gateway","gatewayUrl":"https://gw"}`), nil)
	require.NoError(t, err)
	assert.Equal(t, ModeGateway, cfg.Mode)
	assert.Equal(t, DefaultInspectionServer, cfg.InspectionServer)
	assert.Equal(t, RoutingServer, cfg.PromptRouting)
	assert.Len(t, cfg.Rules, len(catalog.Names()))
}

type mapKV struct {
	mu sync.Mutex
	m  map[string]string
}

func (k *mapKV) GetSetting(_ context.Context, key string) (string, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.m[key]
	return v, ok, nil
}

func (k *mapKV) PutSetting(_ context.Context, key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = value
	return nil
}

func TestBlobStoreUsesSettingsKey(t *testing.T) {
	kv := &mapKV{m: map[string]string{}}
	store := NewBlobStore(kv, nil)
	cfg := Defaults()
	cfg.Mode = ModeEgress
	require.NoError(t, store.Save(context.Background(), cfg))

	raw, ok := kv.m[SettingsKey]
	require.True(t, ok)
	assert.True(t, strings.Contains(raw, `"mode": "egress"`))

	back, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeEgress, back.Mode)
}

// --- Holder ---

func TestHolderUpdateRejectsInvalid(t *testing.T) {
	h := NewHolder(Defaults(), nil)
	bad := Defaults()
	bad.Mode = ModeGateway
	err := h.Update(context.Background(), bad)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ModeDirect, h.Snapshot().Mode)
}

func TestHolderSnapshotIsolation(t *testing.T) {
	h := NewHolder(Defaults(), nil)
	snap := h.Snapshot()
	snap.Rules[catalog.PII] = RuleSetting{Enabled: true, Action: ActionBlock}
	assert.False(t, h.Snapshot().Rules[catalog.PII].Enabled)
}

func TestHolderNotifiesListeners(t *testing.T) {
	store := &FileStore{Path: filepath.Join(t.TempDir(), "settings.json")}
	h := NewHolder(Defaults(), store)

	var mu sync.Mutex
	var sources []string
	h.OnChange(func(source string, cfg Config) {
		mu.Lock()
		defer mu.Unlock()
		sources = append(sources, source+":"+string(cfg.Mode))
	})

	next := Defaults()
	next.Mode = ModeEgress
	require.NoError(t, h.Update(context.Background(), next))

	bad := Defaults()
	bad.Mode = ModeGateway
	require.Error(t, h.Update(context.Background(), bad))

	require.NoError(t, h.Reload(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"update:egress", "reload:egress"}, sources)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	store := &FileStore{Path: path}
	require.NoError(t, store.Save(context.Background(), Defaults()))

	h, err := LoadHolder(context.Background(), store)
	require.NoError(t, err)

	w, err := NewWatcher(h, path, nil)
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	next := Defaults()
	next.Mode = ModeEgress
	require.NoError(t, store.Save(context.Background(), next))

	require.Eventually(t, func() bool {
		return h.Snapshot().Mode == ModeEgress
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
