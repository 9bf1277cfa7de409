package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"chatguard/internal/config"
	"chatguard/internal/domain"
	"chatguard/internal/policy"
)

const (
	discoverTimeout  = 3 * time.Second
	discoverCacheTTL = time.Minute
)

// Readier is implemented by adapters that can detect missing credentials
// without a network call.
type Readier interface {
	Ready() error
}

// Constructor builds an adapter for one family from its config entry.
type Constructor func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.ModelAdapter

var constructors = map[Family]Constructor{
	FamilyOpenAI: func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.ModelAdapter {
		return NewOpenAI(OpenAIConfig{Name: string(FamilyOpenAI), APIKey: pc.APIKey, APIBase: pc.APIBase, HTTPClient: client, Logger: logger})
	},
	FamilyGroq: func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.ModelAdapter {
		return NewOpenAI(OpenAIConfig{Name: string(FamilyGroq), APIKey: pc.APIKey, APIBase: pc.APIBase, HTTPClient: client, Logger: logger})
	},
	FamilyOllama: func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.ModelAdapter {
		return NewOpenAI(OpenAIConfig{Name: string(FamilyOllama), APIBase: pc.APIBase, Ollama: true, HTTPClient: client, Logger: logger})
	},
	FamilyGemini: func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.ModelAdapter {
		return NewGemini(GeminiConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, HTTPClient: client, Logger: logger})
	},
	FamilyBedrock: func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.ModelAdapter {
		return NewBedrock(BedrockConfig{
			Region:       pc.Region,
			AccessKey:    pc.AccessKey,
			SecretKey:    pc.SecretKey,
			SessionToken: pc.SessionToken,
			CustomHost:   pc.CustomHost,
			HTTPClient:   client,
			Logger:       logger,
		})
	},
}

// Build constructs an adapter without caching. The header-driven inference
// endpoint uses it for per-request credentials.
func Build(family Family, pc config.ProviderConfig, client *http.Client, logger *slog.Logger) (domain.ModelAdapter, error) {
	ctor, ok := constructors[family]
	if !ok {
		return nil, fmt.Errorf("no adapter for model family %q", family)
	}
	return ctor(pc, client, logger), nil
}

// Factory resolves model identifiers to adapters and caches one adapter per
// family.
type Factory struct {
	providers map[string]config.ProviderConfig
	client    *http.Client
	logger    *slog.Logger
	cache     map[Family]domain.ModelAdapter
	listed    map[Family]listedModels
	mu        sync.RWMutex
}

type listedModels struct {
	ids []string
	at  time.Time
}

func NewFactory(providers map[string]config.ProviderConfig, client *http.Client, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		providers: providers,
		client:    client,
		logger:    logger,
		cache:     make(map[Family]domain.ModelAdapter),
		listed:    make(map[Family]listedModels),
	}
}

// Register installs an adapter for a family, replacing any cached one.
func (f *Factory) Register(family Family, a domain.ModelAdapter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[family] = a
}

// Resolve checks the model against the mode and returns its adapter. No
// network call is made; unsupported pairings, unknown models, disabled
// families and missing credentials are all reported here.
func (f *Factory) Resolve(model string, mode policy.Mode) (domain.ModelAdapter, error) {
	if err := CheckSupported(model, mode); err != nil {
		return nil, err
	}
	family, err := Classify(model)
	if err != nil {
		return nil, err
	}
	a, err := f.get(family)
	if err != nil {
		return nil, err
	}
	if r, ok := a.(Readier); ok {
		if err := r.Ready(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (f *Factory) get(family Family) (domain.ModelAdapter, error) {
	// Fast path: read lock.
	f.mu.RLock()
	if cached, ok := f.cache[family]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.cache[family]; ok {
		return cached, nil
	}
	pc, ok := f.providers[string(family)]
	if !ok || !pc.Enabled {
		return nil, &policy.ConfigError{Problems: []string{fmt.Sprintf("provider %s is not enabled", family)}}
	}
	a, err := Build(family, pc, f.client, f.logger)
	if err != nil {
		return nil, err
	}
	f.cache[family] = a
	return a, nil
}

// Models lists the selectable model identifiers of every enabled family.
// A family's configured model list wins, then the models an Ollama server
// reports as installed, then the built-in list.
func (f *Factory) Models() []string {
	var out []string
	for name, pc := range f.providers {
		if !pc.Enabled {
			continue
		}
		if len(pc.Models) > 0 {
			out = append(out, pc.Models...)
			continue
		}
		family := Family(name)
		if ids := f.discover(family); len(ids) > 0 {
			out = append(out, ids...)
			continue
		}
		out = append(out, DefaultModels(family)...)
	}
	sort.Strings(out)
	return out
}

// discover asks an Ollama backend for its installed models. Results,
// failures included, are cached for discoverCacheTTL.
func (f *Factory) discover(family Family) []string {
	if family != FamilyOllama {
		return nil
	}
	f.mu.RLock()
	c, ok := f.listed[family]
	f.mu.RUnlock()
	if ok && time.Since(c.at) < discoverCacheTTL {
		return c.ids
	}

	a, err := f.get(family)
	if err != nil {
		return nil
	}
	lister, ok := a.(ModelLister)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), discoverTimeout)
	defer cancel()
	ids, err := lister.ListModels(ctx)
	if err != nil {
		f.logger.Debug("model discovery failed, using built-in list", "family", family, "err", err)
		ids = nil
	}

	f.mu.Lock()
	f.listed[family] = listedModels{ids: ids, at: time.Now()}
	f.mu.Unlock()
	return ids
}

// DefaultModels returns the built-in model list of a family.
func DefaultModels(family Family) []string {
	if family == FamilyBedrock {
		ids := make([]string, 0, len(crossRegionModels))
		for id := range crossRegionModels {
			ids = append(ids, bedrockPrefix+id)
		}
		sort.Strings(ids)
		return ids
	}
	src := defaultModels[family]
	out := make([]string, len(src))
	copy(out, src)
	return out
}
