package provider

import (
	"fmt"
	"strings"

	"chatguard/internal/policy"
)

// Family groups models that share a wire format and credentials.
type Family string

const (
	FamilyOpenAI  Family = "openai"
	FamilyGroq    Family = "groq"
	FamilyOllama  Family = "ollama"
	FamilyGemini  Family = "gemini"
	FamilyBedrock Family = "bedrock"
)

const (
	bedrockPrefix   = "bedrock/"
	bedrockUIPrefix = "bedrock - "
	ollamaPrefix    = "ollama-"
)

// familyPrefixes is the dispatch table from model identifier prefix to
// family. Order matters: the first match wins.
var familyPrefixes = []struct {
	prefix string
	family Family
}{
	{bedrockPrefix, FamilyBedrock},
	{bedrockUIPrefix, FamilyBedrock},
	{ollamaPrefix, FamilyOllama},
	{"gemini", FamilyGemini},
	{"gpt", FamilyOpenAI},
	{"o1", FamilyOpenAI},
	{"o3", FamilyOpenAI},
	{"o4", FamilyOpenAI},
	{"meta-llama", FamilyGroq},
	{"llama", FamilyGroq},
	{"deepseek", FamilyGroq},
	{"qwen", FamilyGroq},
	{"moonshotai", FamilyGroq},
}

// gatewayUnsupported lists model prefixes the AI Defense gateway cannot
// front.
var gatewayUnsupported = []string{
	"gemini",
	"llama-",
	"deepseek-",
	"ollama",
	"meta-llama",
	"qwen/",
	"moonshotai/",
}

// Classify maps a model identifier to its family.
func Classify(model string) (Family, error) {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, fp := range familyPrefixes {
		if strings.HasPrefix(m, fp.prefix) {
			return fp.family, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownModel, model)
}

// CheckSupported rejects model and mode pairings that are known not to
// work, before any network call is made.
func CheckSupported(model string, mode policy.Mode) error {
	family, err := Classify(model)
	if err != nil {
		return err
	}
	if mode != policy.ModeGateway {
		return nil
	}
	m := strings.ToLower(strings.TrimSpace(model))
	for _, p := range gatewayUnsupported {
		if strings.HasPrefix(m, p) {
			return &UnsupportedError{Model: model, Family: family, Mode: mode}
		}
	}
	return nil
}

// BedrockModelID strips the bedrock/ routing prefix.
func BedrockModelID(model string) string {
	model = strings.TrimSpace(model)
	for _, p := range []string{bedrockPrefix, bedrockUIPrefix} {
		if len(model) >= len(p) && strings.EqualFold(model[:len(p)], p) {
			return model[len(p):]
		}
	}
	return model
}

var defaultModels = map[Family][]string{
	FamilyOpenAI: {"gpt-4o", "gpt-4o-mini", "gpt-4.1", "o3-mini"},
	FamilyGroq: {
		"llama-3.3-70b-versatile",
		"deepseek-r1-distill-llama-70b",
		"qwen/qwen3-32b",
		"moonshotai/kimi-k2-instruct",
		"meta-llama/llama-4-scout-17b-16e-instruct",
	},
	FamilyGemini: {"gemini-2.0-flash", "gemini-1.5-pro"},
	FamilyOllama: {"ollama-llama3.1:8b"},
}
