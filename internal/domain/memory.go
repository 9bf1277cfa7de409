package domain

import (
	"context"
	"time"
)

type OutcomeKind string

const (
	OutcomeAllowed OutcomeKind = "allowed"
	OutcomeBlocked OutcomeKind = "blocked"
	OutcomeWarned  OutcomeKind = "warned"
)

type Stage string

const (
	StagePrompt   Stage = "prompt"
	StageResponse Stage = "response"
)

// Notice is a warning or block explanation produced by an inspection pass.
type Notice struct {
	Stage           Stage  `json:"stage"`
	Message         string `json:"message"`
	// Summary is the one-line form of Message.
	Summary         string `json:"summary,omitempty"`
	Severity        string `json:"severity,omitempty"`
	AttackTechnique string `json:"attack_technique,omitempty"`
}

// TurnOutcome is the result of one user turn and the unit appended to the
// transcript.
type TurnOutcome struct {
	ID        int64       `json:"id,omitempty"`
	SessionID string      `json:"session_id"`
	Kind      OutcomeKind `json:"kind"`
	Prompt    string      `json:"prompt"`
	Model     string      `json:"model"`
	Answer    string      `json:"answer,omitempty"`
	Block     *Notice     `json:"block,omitempty"`
	Warnings  []Notice    `json:"warnings,omitempty"`
	// Failed marks a synthetic diagnostic answer.
	Failed    bool      `json:"failed,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

func Allowed(answer string) TurnOutcome {
	return TurnOutcome{Kind: OutcomeAllowed, Answer: answer}
}

func Blocked(n Notice) TurnOutcome {
	return TurnOutcome{Kind: OutcomeBlocked, Block: &n}
}

func Warned(answer string, warnings ...Notice) TurnOutcome {
	return TurnOutcome{Kind: OutcomeWarned, Answer: answer, Warnings: warnings}
}

// TranscriptStore persists committed turn outcomes per session.
type TranscriptStore interface {
	Append(ctx context.Context, outcome TurnOutcome) (int64, error)
	History(ctx context.Context, sessionID string, limit int) ([]TurnOutcome, error)
	ClearHistory(ctx context.Context, sessionID string) error
}

// SessionStore holds the server-side conversation window of each session.
// A window belongs to exactly one session id.
type SessionStore interface {
	Get(ctx context.Context, id string) ([]Message, error)
	Put(ctx context.Context, id string, window []Message) error
	Delete(ctx context.Context, id string) error
}
