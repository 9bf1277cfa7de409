package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"chatguard/internal/domain"
	"chatguard/internal/policy"
)

const geminiDefaultBase = "https://generativelanguage.googleapis.com/v1beta"

// Gemini implements domain.ModelAdapter for the generateContent API.
type Gemini struct {
	apiKey  string
	apiBase string
	client  *http.Client
	logger  *slog.Logger
}

type GeminiConfig struct {
	APIKey     string
	APIBase    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewGemini(cfg GeminiConfig) *Gemini {
	if cfg.APIBase == "" {
		cfg.APIBase = geminiDefaultBase
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gemini{
		apiKey:  cfg.APIKey,
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		client:  cfg.HTTPClient,
		logger:  cfg.Logger,
	}
}

func (g *Gemini) Name() string { return string(FamilyGemini) }

func (g *Gemini) Ready() error {
	if g.apiKey == "" {
		return missingCredential("no gemini API key configured")
	}
	return nil
}

type gemRequest struct {
	Contents          []gemContent `json:"contents"`
	SystemInstruction *gemContent  `json:"systemInstruction,omitempty"`
}

type gemContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []gemPart `json:"parts"`
}

type gemPart struct {
	Text string `json:"text"`
}

var geminiPaths = []Path{
	{"candidates", 0, "content", "parts", 0, "text"},
}

func (g *Gemini) payload(req domain.CompletionRequest) gemRequest {
	var body gemRequest
	for _, m := range req.Prepared() {
		switch m.Role {
		case domain.RoleSystem:
			body.SystemInstruction = &gemContent{Parts: []gemPart{{Text: m.Content}}}
		case domain.RoleAssistant:
			body.Contents = append(body.Contents, gemContent{Role: "model", Parts: []gemPart{{Text: m.Content}}})
		default:
			body.Contents = append(body.Contents, gemContent{Role: "user", Parts: []gemPart{{Text: m.Content}}})
		}
	}
	return body
}

// Complete refuses gateway requests: the AI Defense gateway cannot front
// Gemini, and sending the prompt to Google would skip it.
func (g *Gemini) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	if req.GatewayURL != "" {
		return "", &UnsupportedError{Model: req.Model, Family: FamilyGemini, Mode: policy.ModeGateway}
	}
	jsonBody, err := json.Marshal(g.payload(req))
	if err != nil {
		return "", &Error{Kind: KindUpstreamHTTP, Provider: g.Name(), Message: "marshal request", Err: err}
	}

	endpoint := g.apiBase + "/models/" + url.PathEscape(req.Model) + ":generateContent?key=" + url.QueryEscape(g.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return "", networkError(g.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	g.logger.Debug("model request", "provider", g.Name(), "model", req.Model, "messages", len(req.Messages))
	resp, err := g.client.Do(httpReq)
	if err != nil {
		// The URL carries the key; keep it out of the error text.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return "", networkError(g.Name(), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", networkError(g.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", httpError(g.Name(), resp.StatusCode, respBody)
	}
	return FirstDefined(decodeAny(respBody), domain.NoResponse, geminiPaths...), nil
}
