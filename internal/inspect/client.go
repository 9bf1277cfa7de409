// Package inspect talks to the AI Defense chat inspection API.
package inspect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatguard/internal/catalog"
	"chatguard/internal/domain"
)

const (
	inspectPath    = "/api/v1/inspect/chat"
	apiKeyHeader   = "X-Cisco-AI-Defense-API-Key"
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 1 << 20

	noneAttackTechnique = "NONE_ATTACK_TECHNIQUE"
	noneSeverity        = "NONE_SEVERITY"
)

type TriggeredRule struct {
	RuleName       string   `json:"rule_name"`
	Classification string   `json:"classification"`
	EntityTypes    []string `json:"entity_types"`
}

// Verdict is the structured result of one inspection call.
type Verdict struct {
	IsSafe          bool            `json:"is_safe"`
	AttackTechnique string          `json:"attack_technique"`
	Severity        string          `json:"severity"`
	Rules           []TriggeredRule `json:"rules"`
}

// Request describes one inspection call. Server and APIKey come from the
// policy snapshot of the current turn.
type Request struct {
	Server   string
	APIKey   string
	Messages []domain.Message
	Rules    []catalog.Rule
}

type ClientConfig struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger
}

type Client struct {
	client *http.Client
	logger *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{client: cfg.HTTPClient, logger: cfg.Logger}
}

type wireRequest struct {
	Messages []domain.Message `json:"messages"`
	Metadata map[string]any   `json:"metadata"`
	Config   wireConfig       `json:"config"`
}

type wireConfig struct {
	EnabledRules []catalog.Rule `json:"enabled_rules"`
}

type wireError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Endpoint joins the inspection server and the chat inspection path.
func Endpoint(server string) string {
	return strings.TrimRight(server, "/") + inspectPath
}

// Inspect sends the messages and the locally enabled rules for inspection.
// Failures are always returned as *Error.
func (c *Client) Inspect(ctx context.Context, req Request) (*Verdict, error) {
	rules := req.Rules
	if rules == nil {
		rules = []catalog.Rule{}
	}
	body, err := json.Marshal(wireRequest{
		Messages: req.Messages,
		Metadata: map[string]any{},
		Config:   wireConfig{EnabledRules: rules},
	})
	if err != nil {
		return nil, &Error{Kind: KindOther, Message: "encode request", Err: err}
	}

	url := Endpoint(req.Server)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindOther, Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(apiKeyHeader, req.APIKey)

	c.logger.Debug("inspect request",
		"url", url,
		"headers", map[string]string{apiKeyHeader: MaskKey(req.APIKey), "Content-Type": "application/json"},
		"body", string(body),
	)

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.Warn("inspect request failed", "url", url, "err", err)
		return nil, &Error{Kind: KindOther, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Kind: KindOther, Status: resp.StatusCode, Message: "read response", Err: err}
	}
	c.logger.Debug("inspect response",
		"status", resp.StatusCode,
		"body", string(raw),
		"latency_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := classify(resp.StatusCode, len(req.Rules) > 0)
		e := &Error{Kind: kind, Status: resp.StatusCode, Message: upstreamMessage(raw)}
		c.logger.Warn("inspect rejected", "status", resp.StatusCode, "kind", kind.String())
		return nil, e
	}

	var v Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, &Error{Kind: KindOther, Status: resp.StatusCode, Message: "malformed inspection response", Err: err}
	}
	v.normalize()
	return &v, nil
}

func (v *Verdict) normalize() {
	if v.AttackTechnique == noneAttackTechnique {
		v.AttackTechnique = ""
	}
	if v.Severity == noneSeverity {
		v.Severity = ""
	}
}

func upstreamMessage(raw []byte) string {
	var we wireError
	if err := json.Unmarshal(raw, &we); err == nil {
		if we.Message != "" {
			return we.Message
		}
		if we.Error != "" {
			return we.Error
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return ""
	}
	return fmt.Sprintf("upstream said %q", s)
}
