package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"chatguard/internal/domain"
)

const bedrockSigningService = "bedrock"

// crossRegionModels are invoked through a cross-region inference profile,
// addressed as "<geo>.<model-id>".
var crossRegionModels = map[string]bool{
	"anthropic.claude-haiku-4-5-20251001-v1:0":  true,
	"anthropic.claude-sonnet-4-5-20250929-v1:0": true,
	"anthropic.claude-opus-4-1-20250805-v1:0":   true,
	"anthropic.claude-sonnet-4-20250514-v1:0":   true,
	"anthropic.claude-3-7-sonnet-20250219-v1:0": true,
	"anthropic.claude-3-5-haiku-20241022-v1:0":  true,
	"anthropic.claude-3-5-sonnet-20240620-v1:0": true,
	"amazon.nova-premier-v1:0":                  true,
	"meta.llama4-maverick-17b-instruct-v1:0":    true,
	"meta.llama3-3-70b-instruct-v1:0":           true,
	"meta.llama3-2-11b-instruct-v1:0":           true,
	"meta.llama3-1-70b-instruct-v1:0":           true,
	"meta.llama3-1-8b-instruct-v1:0":            true,
}

// Bedrock implements domain.ModelAdapter for the Bedrock Converse API with
// SigV4 signed requests.
type Bedrock struct {
	region     string
	customHost string
	mu         sync.Mutex
	creds      aws.CredentialsProvider
	signer     *v4.Signer
	client     *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

type BedrockConfig struct {
	Region string
	// AccessKey and SecretKey select static credentials. When empty the
	// default AWS credential chain is used.
	AccessKey    string
	SecretKey    string
	SessionToken string
	// CustomHost replaces bedrock-runtime.<region>.amazonaws.com, for
	// private endpoints.
	CustomHost string
	// Credentials overrides both of the above.
	Credentials aws.CredentialsProvider
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

func NewBedrock(cfg BedrockConfig) *Bedrock {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	creds := cfg.Credentials
	if creds == nil && cfg.AccessKey != "" && cfg.SecretKey != "" {
		creds = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)
	}
	return &Bedrock{
		region:     cfg.Region,
		customHost: strings.TrimSpace(cfg.CustomHost),
		creds:      creds,
		signer:     v4.NewSigner(),
		client:     cfg.HTTPClient,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

func (b *Bedrock) Name() string { return string(FamilyBedrock) }

func (b *Bedrock) Ready() error {
	if b.region == "" {
		return missingCredential("no AWS region configured for bedrock")
	}
	return nil
}

// InvocationID returns the model id to put in the URL, adding the
// cross-region prefix for models that need it.
func (b *Bedrock) InvocationID(model string) string {
	id := BedrockModelID(model)
	if crossRegionModels[id] && len(b.region) >= 2 {
		return b.region[:2] + "." + id
	}
	return id
}

func (b *Bedrock) host() string {
	if b.customHost != "" {
		return strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(b.customHost, "https://"), "http://"), "/")
	}
	return "bedrock-runtime." + b.region + ".amazonaws.com"
}

type brMessage struct {
	Role    string      `json:"role"`
	Content []brContent `json:"content"`
}

type brContent struct {
	Text string `json:"text"`
}

type brRequest struct {
	Messages []brMessage `json:"messages"`
	System   []brContent `json:"system,omitempty"`
}

var bedrockPaths = []Path{
	{"output", "message", "content", 0, "text"},
	{"content", 0, "text"},
}

// acceptsSystem reports whether the model family honours a system block.
func acceptsSystem(modelID string) bool {
	return strings.HasPrefix(modelID, "meta") || strings.HasPrefix(modelID, "anthropic")
}

func (b *Bedrock) payload(req domain.CompletionRequest) brRequest {
	var body brRequest
	for _, m := range req.Prepared() {
		if m.Role == domain.RoleSystem {
			if acceptsSystem(BedrockModelID(req.Model)) {
				body.System = []brContent{{Text: m.Content}}
			}
			continue
		}
		body.Messages = append(body.Messages, brMessage{Role: string(m.Role), Content: []brContent{{Text: m.Content}}})
	}
	return body
}

// credentials falls back to the default AWS chain, resolved once.
func (b *Bedrock) credentials(ctx context.Context) (aws.Credentials, error) {
	b.mu.Lock()
	if b.creds == nil {
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(b.region))
		if err != nil {
			b.mu.Unlock()
			return aws.Credentials{}, err
		}
		b.creds = cfg.Credentials
	}
	creds := b.creds
	b.mu.Unlock()

	if creds == nil {
		return aws.Credentials{}, fmt.Errorf("no AWS credentials available")
	}
	return creds.Retrieve(ctx)
}

// request builds the unsigned Converse request. The model id is escaped in
// RawPath so the ':' in versioned ids is signed as %3A.
func (b *Bedrock) request(ctx context.Context, model, gatewayURL string, body []byte) (*http.Request, error) {
	id := b.InvocationID(model)
	escaped := strings.ReplaceAll(url.PathEscape(id), ":", "%3A")

	base := "https://" + b.host()
	if gatewayURL != "" {
		base = strings.TrimRight(gatewayURL, "/")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse bedrock endpoint: %w", err)
	}
	rawPrefix := strings.TrimRight(u.EscapedPath(), "/")
	u.Path = strings.TrimRight(u.Path, "/") + "/model/" + id + "/converse"
	u.RawPath = rawPrefix + "/model/" + escaped + "/converse"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.URL = u
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (b *Bedrock) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	jsonBody, err := json.Marshal(b.payload(req))
	if err != nil {
		return "", &Error{Kind: KindUpstreamHTTP, Provider: b.Name(), Message: "marshal request", Err: err}
	}

	httpReq, err := b.request(ctx, req.Model, req.GatewayURL, jsonBody)
	if err != nil {
		return "", networkError(b.Name(), err)
	}

	creds, err := b.credentials(ctx)
	if err != nil {
		return "", &Error{Kind: KindAuth, Provider: b.Name(), Message: "resolve AWS credentials", Err: err}
	}
	sum := sha256.Sum256(jsonBody)
	if err := b.signer.SignHTTP(ctx, creds, httpReq, hex.EncodeToString(sum[:]), bedrockSigningService, b.region, b.now()); err != nil {
		return "", &Error{Kind: KindAuth, Provider: b.Name(), Message: "sign request", Err: err}
	}

	b.logger.Debug("model request", "provider", b.Name(), "url", httpReq.URL.String(), "model", req.Model)
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", networkError(b.Name(), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", networkError(b.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", httpError(b.Name(), resp.StatusCode, respBody)
	}
	return FirstDefined(decodeAny(respBody), domain.NoResponse, bedrockPaths...), nil
}
