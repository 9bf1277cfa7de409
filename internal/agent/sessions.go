package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatguard/internal/domain"
	"chatguard/internal/metrics"
)

const (
	defaultSessionTTL  = time.Hour
	defaultMaxSessions = 1000
	sweepInterval      = time.Minute
)

// MemorySessions is an in-process domain.SessionStore. Idle sessions expire
// after the TTL and the least recently used session is evicted once the
// store is full.
type MemorySessions struct {
	mu          sync.Mutex
	entries     map[string]*sessionEntry
	ttl         time.Duration
	maxSessions int
	now         func() time.Time
	logger      *slog.Logger
}

type sessionEntry struct {
	window   []domain.Message
	lastUsed time.Time
}

type SessionsConfig struct {
	TTL         time.Duration
	MaxSessions int
	Logger      *slog.Logger
}

func NewMemorySessions(cfg SessionsConfig) *MemorySessions {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultSessionTTL
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MemorySessions{
		entries:     make(map[string]*sessionEntry),
		ttl:         cfg.TTL,
		maxSessions: cfg.MaxSessions,
		now:         time.Now,
		logger:      cfg.Logger,
	}
}

func (s *MemorySessions) Get(_ context.Context, id string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	now := s.now()
	if now.Sub(e.lastUsed) > s.ttl {
		s.removeLocked(id)
		return nil, nil
	}
	e.lastUsed = now
	out := make([]domain.Message, len(e.window))
	copy(out, e.window)
	return out, nil
}

func (s *MemorySessions) Put(_ context.Context, id string, window []domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]domain.Message, len(window))
	copy(stored, window)

	if e, ok := s.entries[id]; ok {
		e.window = stored
		e.lastUsed = s.now()
		return nil
	}
	if len(s.entries) >= s.maxSessions {
		s.evictOldestLocked()
	}
	s.entries[id] = &sessionEntry{window: stored, lastUsed: s.now()}
	metrics.ActiveSessions.Set(int64(len(s.entries)))
	return nil
}

func (s *MemorySessions) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		delete(s.entries, id)
		metrics.ActiveSessions.Set(int64(len(s.entries)))
	}
	return nil
}

func (s *MemorySessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep drops every session idle for longer than the TTL and returns how
// many were removed.
func (s *MemorySessions) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, e := range s.entries {
		if now.Sub(e.lastUsed) > s.ttl {
			s.removeLocked(id)
			n++
		}
	}
	return n
}

// Run sweeps periodically until ctx is cancelled.
func (s *MemorySessions) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Info("expired idle sessions", "count", n)
			}
		}
	}
}

func (s *MemorySessions) removeLocked(id string) {
	delete(s.entries, id)
	metrics.SessionsEvicted.Inc()
	metrics.ActiveSessions.Set(int64(len(s.entries)))
}

func (s *MemorySessions) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, e := range s.entries {
		if oldestID == "" || e.lastUsed.Before(oldest) {
			oldestID, oldest = id, e.lastUsed
		}
	}
	if oldestID != "" {
		s.logger.Debug("evicting least recently used session", "session", oldestID)
		s.removeLocked(oldestID)
	}
}
