package policy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Change sources passed to listeners.
const (
	ChangeUpdate = "update"
	ChangeReload = "reload"
)

// Listener is called after a new snapshot has been published.
type Listener func(source string, cfg Config)

// Holder publishes the current settings. Each turn takes one Snapshot and
// uses it throughout, so a concurrent settings change never produces a torn
// read mid-turn.
type Holder struct {
	cur   atomic.Pointer[Config]
	store Store

	mu        sync.Mutex
	listeners []Listener
}

func NewHolder(initial Config, store Store) *Holder {
	h := &Holder{store: store}
	c := initial.Clone()
	h.cur.Store(&c)
	return h
}

// LoadHolder reads the persisted settings, falling back to Defaults.
func LoadHolder(ctx context.Context, store Store) (*Holder, error) {
	cfg, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return NewHolder(cfg, store), nil
}

func (h *Holder) Snapshot() Config {
	return h.cur.Load().Clone()
}

// Update validates cfg, persists it when a store is attached and then
// publishes it.
func (h *Holder) Update(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if h.store != nil {
		if err := h.store.Save(ctx, cfg); err != nil {
			return fmt.Errorf("persist settings: %w", err)
		}
	}
	c := cfg.Clone()
	h.cur.Store(&c)
	h.notify(ChangeUpdate, c)
	return nil
}

// Reload re-reads the store and publishes the result if it is valid.
func (h *Holder) Reload(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	cfg, err := h.store.Load(ctx)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	h.cur.Store(&cfg)
	h.notify(ChangeReload, cfg)
	return nil
}

// OnChange registers fn for every later Update and Reload.
func (h *Holder) OnChange(fn Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

func (h *Holder) notify(source string, cfg Config) {
	h.mu.Lock()
	listeners := append([]Listener(nil), h.listeners...)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(source, cfg.Clone())
	}
}
