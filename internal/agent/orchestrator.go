package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatguard/internal/bus"
	"chatguard/internal/domain"
	"chatguard/internal/inspect"
	"chatguard/internal/metrics"
	"chatguard/internal/policy"
	"chatguard/internal/provider"
	"chatguard/internal/verdict"
)

// State is a step of the turn state machine.
type State string

const (
	StateIdle               State = "idle"
	StatePromptInspecting   State = "prompt_inspecting"
	StateModelCalling       State = "model_calling"
	StateResponseInspecting State = "response_inspecting"
	StateCommitted          State = "committed"
	StateBlockedAtPrompt    State = "blocked_at_prompt"
	StateFailed             State = "failed"
)

var (
	ErrTurnInFlight = errors.New("a turn is already in flight for this session")
	ErrEmptyPrompt  = errors.New("prompt is empty")
)

// Inspector is the inspection gateway as seen by the orchestrator.
type Inspector interface {
	Inspect(ctx context.Context, req inspect.Request) (*inspect.Verdict, error)
}

// AdapterResolver picks the model adapter for a model and mode, rejecting
// unsupported pairings without a network call.
type AdapterResolver interface {
	Resolve(model string, mode policy.Mode) (domain.ModelAdapter, error)
}

// PolicySource hands out one settings snapshot per turn.
type PolicySource interface {
	Snapshot() policy.Config
}

// Publisher receives an audit event for every committed or rejected turn.
type Publisher interface {
	Publish(e bus.Event)
}

type OrchestratorConfig struct {
	Policy     PolicySource
	Adapters   AdapterResolver
	Inspector  Inspector
	Sessions   domain.SessionStore
	Transcript domain.TranscriptStore // optional
	Events     Publisher              // optional
	// SystemPrompt is pinned first in every window.
	SystemPrompt string
	WindowSize   int
	Logger       *slog.Logger
}

// Orchestrator runs chat turns: inspect the prompt, call the model, inspect
// the response and commit the outcome. One turn per session runs at a time.
type Orchestrator struct {
	policy       PolicySource
	adapters     AdapterResolver
	inspector    Inspector
	sessions     domain.SessionStore
	transcript   domain.TranscriptStore
	events       Publisher
	systemPrompt string
	windowSize   int
	logger       *slog.Logger
	now          func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.WindowSize < 2 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sessions == nil {
		cfg.Sessions = NewMemorySessions(SessionsConfig{Logger: cfg.Logger})
	}
	return &Orchestrator{
		policy:       cfg.Policy,
		adapters:     cfg.Adapters,
		inspector:    cfg.Inspector,
		sessions:     cfg.Sessions,
		transcript:   cfg.Transcript,
		events:       cfg.Events,
		systemPrompt: cfg.SystemPrompt,
		windowSize:   cfg.WindowSize,
		logger:       cfg.Logger,
		now:          time.Now,
		inFlight:     make(map[string]struct{}),
	}
}

// Turn is one user submission.
type Turn struct {
	SessionID string
	Prompt    string
	Model     string
	Document  string
	// Policy overrides the shared settings for this turn only.
	Policy *policy.Config
	// SystemPrompt overrides the configured system prompt when non-empty.
	SystemPrompt string
	// Stateless skips the session window even with server-side routing.
	Stateless bool
	// Adapter replaces the configured adapter for this turn. The model and
	// mode pairing is still checked.
	Adapter domain.ModelAdapter
	// BlockUnsafe blocks on every reported violation regardless of the
	// local rule actions.
	BlockUnsafe bool
}

// Result is the committed outcome plus the terminal state reached.
type Result struct {
	Outcome domain.TurnOutcome
	State   State
}

// Submit runs a turn to a terminal state. A returned error means the turn
// never started: a turn already in flight, an empty prompt, invalid
// settings, an unknown model or an unsupported model and mode pairing.
// Everything that goes wrong after that is reported in the outcome.
func (o *Orchestrator) Submit(ctx context.Context, t Turn) (*Result, error) {
	if strings.TrimSpace(t.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	t.Model = strings.TrimSpace(t.Model)
	if !o.acquire(t.SessionID) {
		metrics.TurnsIgnored.Inc()
		return nil, ErrTurnInFlight
	}
	defer o.release(t.SessionID)

	var cfg policy.Config
	if t.Policy != nil {
		cfg = t.Policy.Clone()
	} else {
		cfg = o.policy.Snapshot()
	}
	if err := cfg.Validate(); err != nil {
		o.reject(t, cfg.Mode, err)
		return nil, err
	}
	adapter, err := o.resolve(t, cfg.Mode)
	if err != nil {
		o.reject(t, cfg.Mode, err)
		return nil, err
	}

	run := &turnRun{
		o:       o,
		turn:    t,
		cfg:     cfg,
		adapter: adapter,
		state:   StateIdle,
		start:   o.now(),
		logger:  o.logger.With("session", t.SessionID, "model", t.Model, "mode", cfg.Mode),
	}
	return run.execute(ctx), nil
}

func (o *Orchestrator) reject(t Turn, mode policy.Mode, err error) {
	metrics.TurnsRejected.Inc()
	o.publish(bus.Event{Type: bus.TurnRejected, SessionID: t.SessionID, Model: t.Model, Mode: string(mode), Detail: err.Error()})
}

func (o *Orchestrator) publish(e bus.Event) {
	if o.events != nil {
		o.events.Publish(e)
	}
}

func (o *Orchestrator) resolve(t Turn, mode policy.Mode) (domain.ModelAdapter, error) {
	if t.Adapter == nil {
		return o.adapters.Resolve(t.Model, mode)
	}
	if err := provider.CheckSupported(t.Model, mode); err != nil {
		return nil, err
	}
	return t.Adapter, nil
}

func (o *Orchestrator) acquire(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[id]; busy {
		return false
	}
	o.inFlight[id] = struct{}{}
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.inFlight, id)
	o.mu.Unlock()
}

// Clear forgets a session's window and transcript. A turn already in
// flight still completes and commits.
func (o *Orchestrator) Clear(ctx context.Context, sessionID string) error {
	if err := o.sessions.Delete(ctx, sessionID); err != nil {
		return err
	}
	if o.transcript != nil {
		return o.transcript.ClearHistory(ctx, sessionID)
	}
	return nil
}

// History returns the committed outcomes of a session, oldest first.
func (o *Orchestrator) History(ctx context.Context, sessionID string, limit int) ([]domain.TurnOutcome, error) {
	if o.transcript == nil {
		return nil, nil
	}
	return o.transcript.History(ctx, sessionID, limit)
}

type turnRun struct {
	o       *Orchestrator
	turn    Turn
	cfg     policy.Config
	adapter domain.ModelAdapter
	state   State
	start   time.Time
	logger  *slog.Logger

	window   *Window
	warnings []domain.Notice
}

func (r *turnRun) to(next State) {
	r.logger.Debug("turn state", "from", r.state, "to", next)
	r.state = next
}

// serverMemory reports whether the session window carries over turns.
func (r *turnRun) serverMemory() bool {
	return !r.turn.Stateless && r.cfg.PromptRouting == policy.RoutingServer
}

func (r *turnRun) execute(ctx context.Context) *Result {
	r.loadWindow(ctx)
	r.window.Append(domain.Message{Role: domain.RoleUser, Content: r.turn.Prompt})

	inspected := domain.WithDocument(r.turn.Prompt, r.turn.Document)
	if r.cfg.Inspects() {
		r.to(StatePromptInspecting)
		prompt := domain.Message{Role: domain.RoleUser, Content: inspected}
		d, err := r.inspect(ctx, domain.StagePrompt, []domain.Message{prompt})
		if err != nil {
			r.to(StateFailed)
			out := domain.Allowed(userMessage(err))
			out.Failed = true
			return r.commit(ctx, out)
		}
		if d.Blocks() {
			r.to(StateBlockedAtPrompt)
			return r.commit(ctx, domain.Blocked(notice(domain.StagePrompt, d)))
		}
		if d != nil {
			r.warnings = append(r.warnings, notice(domain.StagePrompt, d))
		}
	}

	r.to(StateModelCalling)
	answer, err := r.complete(ctx)
	if err != nil {
		r.to(StateFailed)
		out := domain.Allowed(Diagnose(r.cfg, err))
		out.Failed = true
		out.Warnings = r.warnings
		return r.commit(ctx, out)
	}

	if r.cfg.Inspects() {
		r.to(StateResponseInspecting)
		pair := []domain.Message{
			{Role: domain.RoleUser, Content: inspected},
			{Role: domain.RoleAssistant, Content: answer},
		}
		d, err := r.inspect(ctx, domain.StageResponse, pair)
		switch {
		case err != nil:
			r.logger.Warn("response inspection failed, showing answer without inspection", "err", err)
		case d.Blocks():
			r.to(StateCommitted)
			out := domain.Blocked(notice(domain.StageResponse, d))
			out.Warnings = r.warnings
			return r.commit(ctx, out)
		case d != nil:
			r.warnings = append(r.warnings, notice(domain.StageResponse, d))
		}
	}

	r.to(StateCommitted)
	r.window.Append(domain.Message{Role: domain.RoleAssistant, Content: answer})
	r.saveWindow(ctx)
	return r.commit(ctx, r.shown(answer))
}

// shown builds an outcome that displays answer with any pending warnings.
func (r *turnRun) shown(answer string) domain.TurnOutcome {
	if len(r.warnings) > 0 {
		return domain.Warned(answer, r.warnings...)
	}
	return domain.Allowed(answer)
}

func (r *turnRun) loadWindow(ctx context.Context) {
	system := r.o.systemPrompt
	if r.turn.SystemPrompt != "" {
		system = r.turn.SystemPrompt
	}
	var stored []domain.Message
	if r.serverMemory() {
		var err error
		stored, err = r.o.sessions.Get(ctx, r.turn.SessionID)
		if err != nil {
			r.logger.Warn("load session window failed, starting fresh", "err", err)
			stored = nil
		}
	}
	r.window = NewWindow(r.o.windowSize, system, stored)
}

func (r *turnRun) saveWindow(ctx context.Context) {
	if !r.serverMemory() {
		return
	}
	if err := r.o.sessions.Put(ctx, r.turn.SessionID, r.window.Messages()); err != nil {
		r.logger.Warn("save session window failed", "err", err)
	}
}

func (r *turnRun) inspect(ctx context.Context, stage domain.Stage, msgs []domain.Message) (*verdict.Decision, error) {
	if r.o.inspector == nil {
		return nil, &inspect.Error{Kind: inspect.KindOther, Message: "no inspection client configured"}
	}
	metrics.InspectionCalls.Inc()
	start := time.Now()
	v, err := r.o.inspector.Inspect(ctx, inspect.Request{
		Server:   r.cfg.InspectionServer,
		APIKey:   r.cfg.InspectionAPIKey,
		Messages: msgs,
		Rules:    r.cfg.EnabledRules(),
	})
	metrics.InspectionLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		kind := inspect.KindOther
		var ie *inspect.Error
		if errors.As(err, &ie) {
			kind = ie.Kind
		}
		metrics.InspectionErrors(kind.String()).Inc()
		r.logger.Warn("inspection failed", "stage", stage, "kind", kind.String(), "err", err)
		return nil, err
	}
	d := verdict.Evaluate(v, r.cfg)
	if d != nil && r.turn.BlockUnsafe {
		d.Action = policy.ActionBlock
	}
	if d != nil {
		metrics.Decisions(string(stage), string(d.Action)).Inc()
		r.logger.Info("inspection decision", "stage", stage, "action", d.Action, "violations", len(d.Violations))
	}
	return d, nil
}

func (r *turnRun) complete(ctx context.Context) (string, error) {
	req := domain.CompletionRequest{
		Messages: r.window.Conversation(),
		Model:    r.turn.Model,
		Document: r.turn.Document,
	}
	if msgs := r.window.Messages(); len(msgs) > 0 && msgs[0].Role == domain.RoleSystem {
		req.SystemPrompt = msgs[0].Content
	}
	if r.cfg.Mode == policy.ModeGateway {
		req.GatewayURL = r.cfg.GatewayURL
	}

	metrics.ModelCalls.Inc()
	start := time.Now()
	answer, err := r.adapter.Complete(ctx, req)
	metrics.ModelLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		kind := "unknown"
		var pe *provider.Error
		if errors.As(err, &pe) {
			kind = pe.Kind.String()
		}
		metrics.ModelErrors(r.adapter.Name(), kind).Inc()
		r.logger.Warn("model call failed", "provider", r.adapter.Name(), "err", err)
	}
	return answer, err
}

func (r *turnRun) commit(ctx context.Context, out domain.TurnOutcome) *Result {
	out.SessionID = r.turn.SessionID
	out.Prompt = r.turn.Prompt
	out.Model = r.turn.Model
	out.CreatedAt = r.o.now()
	out.LatencyMs = out.CreatedAt.Sub(r.start).Milliseconds()

	if r.o.transcript != nil {
		id, err := r.o.transcript.Append(ctx, out)
		if err != nil {
			r.logger.Error("append transcript failed", "err", err)
		}
		out.ID = id
	}
	metrics.TurnOutcomes(string(out.Kind)).Inc()
	r.logger.Info("turn committed", "state", r.state, "outcome", out.Kind, "failed", out.Failed, "latency_ms", out.LatencyMs)
	r.o.publish(auditEvent(out, r.cfg.Mode))
	return &Result{Outcome: out, State: r.state}
}

func auditEvent(out domain.TurnOutcome, mode policy.Mode) bus.Event {
	e := bus.Event{SessionID: out.SessionID, Model: out.Model, Mode: string(mode), Time: out.CreatedAt}
	switch {
	case out.Failed:
		e.Type, e.Detail = bus.TurnFailed, out.Answer
	case out.Block != nil:
		e.Type, e.Stage, e.Detail = bus.TurnBlocked, string(out.Block.Stage), strings.TrimSpace(out.Block.Summary)
	case len(out.Warnings) > 0:
		e.Type = bus.TurnWarned
		stages := make([]string, 0, len(out.Warnings))
		details := make([]string, 0, len(out.Warnings))
		for _, w := range out.Warnings {
			stages = append(stages, string(w.Stage))
			details = append(details, strings.TrimSpace(w.Summary))
		}
		e.Stage, e.Detail = strings.Join(stages, ","), strings.Join(details, "; ")
	default:
		e.Type = bus.TurnAllowed
	}
	return e
}

func notice(stage domain.Stage, d *verdict.Decision) domain.Notice {
	return domain.Notice{
		Stage:           stage,
		Message:         d.Message,
		Summary:         verdict.Inline(d.Violations),
		Severity:        d.Severity,
		AttackTechnique: d.AttackTechnique,
	}
}

// userMessage renders an inspection failure for the transcript.
func userMessage(err error) string {
	var ie *inspect.Error
	if errors.As(err, &ie) {
		return ie.UserMessage()
	}
	return "API Inspect Request Failed due to: " + err.Error()
}
