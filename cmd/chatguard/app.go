package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"chatguard/internal/agent"
	"chatguard/internal/bus"
	"chatguard/internal/config"
	"chatguard/internal/domain"
	"chatguard/internal/inspect"
	"chatguard/internal/memory"
	"chatguard/internal/metrics"
	"chatguard/internal/policy"
	"chatguard/internal/prompts"
	"chatguard/internal/provider"
	"chatguard/internal/secret"
)

const evictInterval = time.Minute

// app holds the components shared by serve and chat.
type app struct {
	cfg     *config.Config
	store   *memory.SQLiteStore
	holder  *policy.Holder
	client  *http.Client
	factory *provider.Factory
	samples *prompts.Catalog
	events  *bus.EventBus
	orch    *agent.Orchestrator

	memSessions *agent.MemorySessions // nil when sessions are persisted
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, holder, err := openPolicy(ctx, cfg)
	if err != nil {
		return nil, err
	}

	samples, err := loadSamples(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		store:   store,
		holder:  holder,
		client:  provider.SharedHTTPClient(cfg.Inspection.Timeout(), cfg.Inspection.InsecureTLS),
		samples: samples,
		events:  bus.New(bus.Config{Logger: logger}),
	}
	holder.OnChange(func(source string, c policy.Config) {
		typ := bus.PolicyUpdated
		if source == policy.ChangeReload {
			typ = bus.PolicyReloaded
		}
		a.events.Publish(bus.Event{Type: typ, Mode: string(c.Mode), Detail: fmt.Sprintf("%d rule(s) enabled", len(c.EnabledRules()))})
	})
	a.factory = provider.NewFactory(cfg.Providers, a.client, logger)

	var sessions domain.SessionStore = store
	if !cfg.Chat.PersistSessions {
		a.memSessions = agent.NewMemorySessions(agent.SessionsConfig{
			TTL:         cfg.Chat.TTL(),
			MaxSessions: cfg.Chat.MaxSessions,
			Logger:      logger,
		})
		sessions = a.memSessions
	}

	inspector := inspect.NewClient(inspect.ClientConfig{
		HTTPClient: a.client,
		Timeout:    cfg.Inspection.Timeout(),
		Logger:     logger,
	})
	a.orch = agent.NewOrchestrator(agent.OrchestratorConfig{
		Policy:       holder,
		Adapters:     a.factory,
		Inspector:    inspector,
		Sessions:     sessions,
		Transcript:   store,
		Events:       a.events,
		SystemPrompt: cfg.Chat.SystemPrompt,
		WindowSize:   cfg.Chat.WindowSize,
		Logger:       logger,
	})
	return a, nil
}

// openPolicy opens the database and loads the AI Defense settings from the
// policy file when one is configured, else from the database.
func openPolicy(ctx context.Context, cfg *config.Config) (*memory.SQLiteStore, *policy.Holder, error) {
	obf, err := secret.New(cfg.Storage.SecretPassphrase)
	if err != nil {
		return nil, nil, err
	}
	store, err := memory.NewSQLiteStore(cfg.Storage.DBPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	store.SetSessionTTL(cfg.Chat.TTL())

	var ps policy.Store = policy.NewBlobStore(store, obf)
	if cfg.Policy.File != "" {
		ps = &policy.FileStore{Path: cfg.Policy.File, Obf: obf}
	}
	holder, err := policy.LoadHolder(ctx, ps)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("load AI Defense settings: %w", err)
	}
	return store, holder, nil
}

func loadSamples(cfg *config.Config) (*prompts.Catalog, error) {
	c, err := prompts.Load(cfg.Chat.SamplesFile)
	if err != nil {
		return nil, fmt.Errorf("load samples: %w", err)
	}
	return c, nil
}

// startBackground runs the policy file watcher and session eviction until
// ctx is cancelled.
func (a *app) startBackground(ctx context.Context) {
	if a.cfg.Policy.Watch && a.cfg.Policy.File != "" {
		w, err := policy.NewWatcher(a.holder, a.cfg.Policy.File, logger)
		if err != nil {
			logger.Warn("policy file watch disabled", "file", a.cfg.Policy.File, "err", err)
		} else {
			go func() {
				if err := w.Run(ctx); err != nil {
					logger.Error("policy watcher stopped", "err", err)
				}
			}()
			logger.Info("watching policy file", "file", a.cfg.Policy.File)
		}
	}

	if a.memSessions != nil {
		go a.memSessions.Run(ctx)
		return
	}
	go a.evictIdle(ctx)
}

func (a *app) evictIdle(ctx context.Context) {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.store.EvictIdle(ctx)
			if err != nil {
				logger.Warn("session eviction failed", "err", err)
				continue
			}
			if n > 0 {
				metrics.SessionsEvicted.Add(n)
				logger.Debug("evicted idle sessions", "count", n)
			}
		}
	}
}

func (a *app) Close() error {
	return a.store.Close()
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
