package channel

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatguard/internal/agent"
	"chatguard/internal/config"
	"chatguard/internal/domain"
	"chatguard/internal/inspect"
	"chatguard/internal/policy"
	"chatguard/internal/provider"
)

// Request headers of the inference endpoint.
const (
	hdrModel          = "model"
	hdrAPIKey         = "api-key"
	hdrMode           = "ai-defense-mode"
	hdrGatewayURL     = "ai-defense-gateway-url"
	hdrRegion         = "ai-defense-region"
	hdrInspectKey     = "ai-defense-key"
	hdrAWSRegion      = "aws-region"
	hdrAWSCustomDNS   = "aws-bedrock-custom-dns"
	hdrAWSAccessKey   = "aws-access-key"
	hdrAWSSecretKey   = "aws-secret-key"
	blockedPromptTag  = "AI Defense [Prompt]: "
	blockedAnswerTag  = "AI Defense [Response]: "
	inferenceIDPrefix = "req_"
)

type inferenceRequest struct {
	Instructions string          `json:"instructions"`
	Messages     json.RawMessage `json:"messages"`
}

type inferenceChoice struct {
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
}

type inferenceResponse struct {
	ID      string            `json:"id"`
	Model   string            `json:"model"`
	Created int64             `json:"created"`
	Choices []inferenceChoice `json:"choices"`
}

// prompt accepts either a plain string or a chat message list, in which
// case the last user message is used.
func (r inferenceRequest) prompt() string {
	var text string
	if err := json.Unmarshal(r.Messages, &text); err == nil {
		return text
	}
	var msgs []domain.Message
	if err := json.Unmarshal(r.Messages, &msgs); err != nil {
		return ""
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

// handleInference runs one stateless turn configured entirely by request
// headers. Inspection uses the server-side policy of the AI Defense key and
// any violation blocks.
func (s *Server) handleInference(rw http.ResponseWriter, r *http.Request) {
	h := r.Header
	model := h.Get(hdrModel)
	if model == "" {
		writeError(rw, http.StatusBadRequest, "'model' header is missing from HTTP request")
		return
	}
	family, err := provider.Classify(model)
	if err != nil {
		writeError(rw, http.StatusBadRequest, "LLM Model is not recognized. Please check you are using a supported model in the 'model' header")
		return
	}

	cfg, msg := inferencePolicy(h)
	if msg != "" {
		writeError(rw, http.StatusBadRequest, msg)
		return
	}

	pc := config.ProviderConfig{Enabled: true, APIKey: h.Get(hdrAPIKey)}
	switch family {
	case provider.FamilyOllama:
		if pc.APIKey == "" {
			writeError(rw, http.StatusBadRequest, "'api-key' header should have ollama URL value")
			return
		}
		pc.APIBase, pc.APIKey = pc.APIKey, ""
	case provider.FamilyBedrock:
		pc.Region = h.Get(hdrAWSRegion)
		pc.CustomHost = h.Get(hdrAWSCustomDNS)
		pc.AccessKey = h.Get(hdrAWSAccessKey)
		pc.SecretKey = h.Get(hdrAWSSecretKey)
	default:
		if pc.APIKey == "" {
			writeError(rw, http.StatusBadRequest, "'api-key' header is missing from HTTP request")
			return
		}
	}
	adapter, err := provider.Build(family, pc, s.httpClient, s.logger)
	if err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	if rd, ok := adapter.(provider.Readier); ok {
		if err := rd.Ready(); err != nil {
			s.writeTurnError(rw, err)
			return
		}
	}

	var req inferenceRequest
	if !decodeBody(rw, r, &req) {
		return
	}

	id := inferenceIDPrefix + uuid.NewString()
	res, err := s.orch.Submit(r.Context(), agent.Turn{
		SessionID:    id,
		Prompt:       req.prompt(),
		Model:        model,
		SystemPrompt: req.Instructions,
		Policy:       &cfg,
		Stateless:    true,
		Adapter:      adapter,
		BlockUnsafe:  true,
	})
	if err != nil {
		s.writeTurnError(rw, err)
		return
	}

	out := res.Outcome
	resp := inferenceResponse{ID: id, Model: model, Created: time.Now().UnixMilli()}
	switch {
	case out.Kind == domain.OutcomeBlocked:
		resp.Model = blockedPromptTag
		if out.Block.Stage == domain.StageResponse {
			resp.Model = blockedAnswerTag
		}
		resp.Choices = []inferenceChoice{{Role: domain.RoleAssistant, Content: "Blocked due to" + out.Block.Summary + "."}}
	case out.Failed:
		writeError(rw, http.StatusBadGateway, out.Answer)
		return
	default:
		resp.Choices = []inferenceChoice{{Role: domain.RoleAssistant, Content: out.Answer}}
	}
	writeJSON(rw, http.StatusOK, resp)
}

// inferencePolicy builds the per-request settings. The returned message is
// non-empty when a required header is missing.
func inferencePolicy(h http.Header) (policy.Config, string) {
	cfg := policy.Defaults()
	cfg.Rules = map[string]policy.RuleSetting{}
	cfg.PromptRouting = policy.RoutingClient

	switch strings.ToLower(h.Get(hdrMode)) {
	case "":
		cfg.Mode = policy.ModeDirect
	case "gateway":
		cfg.Mode = policy.ModeGateway
		cfg.GatewayURL = h.Get(hdrGatewayURL)
		if cfg.GatewayURL == "" {
			return cfg, "'ai-defense-gateway-url' header is missing from HTTP request"
		}
	case "api":
		cfg.Mode = policy.ModeInspectionAPI
		region := h.Get(hdrRegion)
		if region == "" {
			return cfg, "'ai-defense-region' header is missing from HTTP request"
		}
		server, err := inspect.RegionServer(region)
		if err != nil {
			server, _ = inspect.RegionServer("us")
		}
		cfg.InspectionServer = server
		cfg.InspectionAPIKey = h.Get(hdrInspectKey)
		if cfg.InspectionAPIKey == "" {
			return cfg, "'ai-defense-key' header is missing from HTTP request"
		}
	default:
		return cfg, "AI Defense Mode is not recognized. It should be 'gateway' or 'api'"
	}
	return cfg, ""
}
