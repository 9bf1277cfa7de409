package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	ollamaTagsPath    = "/api/tags"
	ollamaTagsMaxBody = 1 << 20
)

// ModelLister is implemented by adapters that can ask their backend which
// models are installed.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

type ollamaTags struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// OllamaModels lists the models installed on an Ollama server as
// selectable identifiers (ollama-<name>).
func OllamaModels(ctx context.Context, client *http.Client, apiBase string) ([]string, error) {
	if apiBase == "" {
		apiBase = ollamaDefaultBase
	}
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(apiBase, "/")+ollamaTagsPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	var tags ollamaTags
	if err := json.NewDecoder(io.LimitReader(resp.Body, ollamaTagsMaxBody)).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode ollama tags: %w", err)
	}
	out := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		if m.Name != "" {
			out = append(out, ollamaPrefix+m.Name)
		}
	}
	return out, nil
}

// ListModels asks the Ollama server for its installed models. Other
// OpenAI-style backends have no listing.
func (o *OpenAI) ListModels(ctx context.Context) ([]string, error) {
	if !o.ollama {
		return nil, fmt.Errorf("%s does not list models", o.name)
	}
	return OllamaModels(ctx, o.client, o.apiBase)
}
