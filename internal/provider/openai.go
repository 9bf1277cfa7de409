package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"chatguard/internal/domain"
)

const (
	openAIDefaultBase = "https://api.openai.com/v1"
	groqDefaultBase   = "https://api.groq.com/openai/v1"
	ollamaDefaultBase = "http://localhost:11434"
	gatewayChatPath   = "/v1/chat/completions"
	defaultMaxTokens  = 1000
)

// OpenAI implements domain.ModelAdapter for OpenAI-compatible chat
// completion APIs: OpenAI itself, Groq, and Ollama's native chat endpoint.
type OpenAI struct {
	name    string
	apiKey  string
	apiBase string
	ollama  bool
	client  *http.Client
	logger  *slog.Logger
}

type OpenAIConfig struct {
	// Name labels errors and logs: openai, groq or ollama.
	Name    string
	APIKey  string
	APIBase string
	// Ollama switches to /api/chat with stream disabled and no auth header.
	Ollama     bool
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Name == "" {
		cfg.Name = string(FamilyOpenAI)
	}
	if cfg.APIBase == "" {
		switch {
		case cfg.Ollama:
			cfg.APIBase = ollamaDefaultBase
		case cfg.Name == string(FamilyGroq):
			cfg.APIBase = groqDefaultBase
		default:
			cfg.APIBase = openAIDefaultBase
		}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAI{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		ollama:  cfg.Ollama,
		client:  cfg.HTTPClient,
		logger:  cfg.Logger,
	}
}

func (o *OpenAI) Name() string { return o.name }

// Ready reports missing credentials before any call is attempted.
func (o *OpenAI) Ready() error {
	if !o.ollama && o.apiKey == "" {
		return missingCredential("no " + o.name + " API key configured")
	}
	return nil
}

type oaiRequest struct {
	Model           string       `json:"model"`
	Messages        []oaiMessage `json:"messages"`
	MaxTokens       int          `json:"max_tokens,omitempty"`
	ReasoningEffort string       `json:"reasoning_effort,omitempty"`
	Stream          *bool        `json:"stream,omitempty"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

var openAIPaths = []Path{
	{"choices", 0, "message", "content"},
	{"candidates", 0, "content", "parts", 0, "text"},
	{"message", "content"},
}

// endpoint picks the URL for a request. Gateway routing wins over the
// configured base.
func (o *OpenAI) endpoint(gatewayURL string) string {
	switch {
	case gatewayURL != "":
		return strings.TrimRight(gatewayURL, "/") + gatewayChatPath
	case o.ollama:
		return o.apiBase + "/api/chat"
	default:
		return o.apiBase + "/chat/completions"
	}
}

func (o *OpenAI) payload(req domain.CompletionRequest) oaiRequest {
	model := req.Model
	if o.ollama {
		model = strings.TrimPrefix(model, ollamaPrefix)
	}
	prepared := req.Prepared()
	msgs := make([]oaiMessage, 0, len(prepared))
	for _, m := range prepared {
		msgs = append(msgs, oaiMessage{Role: string(m.Role), Content: m.Content})
	}

	body := oaiRequest{Model: model, Messages: msgs}
	switch {
	case o.ollama:
		off := false
		body.Stream = &off
	case model == "o3-mini":
		body.ReasoningEffort = "medium"
	default:
		body.MaxTokens = defaultMaxTokens
	}
	return body
}

func (o *OpenAI) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	jsonBody, err := json.Marshal(o.payload(req))
	if err != nil {
		return "", &Error{Kind: KindUpstreamHTTP, Provider: o.name, Message: "marshal request", Err: err}
	}

	url := o.endpoint(req.GatewayURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return "", networkError(o.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if !o.ollama {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	o.logger.Debug("model request", "provider", o.name, "url", url, "model", req.Model, "messages", len(req.Messages))
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", networkError(o.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", networkError(o.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", httpError(o.name, resp.StatusCode, respBody)
	}
	return FirstDefined(decodeAny(respBody), domain.NoResponse, openAIPaths...), nil
}
