package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"chatguard/internal/config"
	"chatguard/internal/inspect"
	"chatguard/internal/policy"
	"chatguard/internal/provider"

	"github.com/spf13/cobra"
)

// providerMeta describes a model family option for the setup flow.
type providerMeta struct {
	Family  provider.Family
	EnvVar  string
	APIBase string
}

var setupProviders = []providerMeta{
	{Family: provider.FamilyOpenAI, EnvVar: "OPENAI_API_KEY"},
	{Family: provider.FamilyGroq, EnvVar: "GROQ_API_KEY"},
	{Family: provider.FamilyGemini, EnvVar: "GEMINI_API_KEY"},
	{Family: provider.FamilyOllama, APIBase: "http://localhost:11434"},
	{Family: provider.FamilyBedrock},
}

var setupModes = []struct {
	Mode policy.Mode
	Desc string
}{
	{policy.ModeDirect, "no inspection"},
	{policy.ModeEgress, "traffic leaves through an egress gateway (MCD)"},
	{policy.ModeGateway, "models are reached through an AI Defense gateway"},
	{policy.ModeInspectionAPI, "prompts and answers are checked by the inspection API"},
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup: model provider → AI Defense mode → save",
		Long:  "Guides you through the model provider and its credentials, then the AI Defense mode. Writes config.json and the AI Defense settings.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(context.Background(), os.Stdin, os.Stdout)
		},
	}
}

type setupPrompter struct {
	r   *bufio.Reader
	out io.Writer
}

// ask prints label and returns the trimmed answer, or def when it is empty.
func (p *setupPrompter) ask(label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}
	line, err := p.r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	s := strings.TrimSpace(line)
	if s == "" {
		return def, nil
	}
	return s, nil
}

// choose asks for a 1-based index and falls back to def on bad input.
func (p *setupPrompter) choose(label string, n, def int) (int, error) {
	ans, err := p.ask(fmt.Sprintf("%s (1-%d)", label, n), fmt.Sprint(def))
	if err != nil {
		return 0, err
	}
	var idx int
	if k, _ := fmt.Sscanf(ans, "%d", &idx); k != 1 || idx < 1 || idx > n {
		idx = def
	}
	return idx, nil
}

func runSetup(ctx context.Context, in io.Reader, out io.Writer) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
		cfg.ExpandPaths()
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]config.ProviderConfig)
	}
	p := &setupPrompter{r: bufio.NewReader(in), out: out}

	fmt.Fprintln(out, "\n--- Step 1: Model provider ---")
	for i, m := range setupProviders {
		fmt.Fprintf(out, "  %d) %s\n", i+1, m.Family)
	}
	idx, err := p.choose("Choose provider", len(setupProviders), 1)
	if err != nil {
		return err
	}
	meta := setupProviders[idx-1]
	pc := cfg.Providers[string(meta.Family)]
	pc.Enabled = true

	switch meta.Family {
	case provider.FamilyOllama:
		base := pc.APIBase
		if base == "" {
			base = meta.APIBase
		}
		if pc.APIBase, err = p.ask("Ollama URL", base); err != nil {
			return err
		}
	case provider.FamilyBedrock:
		if pc.Region, err = p.ask("AWS region", orDefault(pc.Region, "us-east-1")); err != nil {
			return err
		}
		fmt.Fprintln(out, "  Leave the keys empty to use the default AWS credential chain.")
		if pc.AccessKey, err = p.ask("AWS access key", pc.AccessKey); err != nil {
			return err
		}
		if pc.SecretKey, err = p.ask("AWS secret key", pc.SecretKey); err != nil {
			return err
		}
	default:
		fmt.Fprintf(out, "  Paste the key, or an env var reference such as ${%s}\n", meta.EnvVar)
		if pc.APIKey, err = p.ask("API key", orDefault(pc.APIKey, "${"+meta.EnvVar+"}")); err != nil {
			return err
		}
	}
	cfg.Providers[string(meta.Family)] = pc

	models := provider.DefaultModels(meta.Family)
	if meta.Family == provider.FamilyOllama {
		models = ollamaSetupModels(ctx, out, pc.APIBase, models)
	}
	if len(models) > 0 {
		if cfg.Chat.DefaultModel, err = p.ask("Default model", models[0]); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "\n--- Step 2: AI Defense mode ---")
	for i, m := range setupModes {
		fmt.Fprintf(out, "  %d) %-8s %s\n", i+1, m.Mode, m.Desc)
	}
	idx, err = p.choose("Choose mode", len(setupModes), 1)
	if err != nil {
		return err
	}
	mode := setupModes[idx-1].Mode

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nConfig saved to %s\n", cfgPath)

	store, holder, err := openPolicy(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	settings := holder.Snapshot()
	settings.Mode = mode
	switch mode {
	case policy.ModeGateway:
		if settings.GatewayURL, err = p.ask("Gateway connection URL", settings.GatewayURL); err != nil {
			return err
		}
		if err := provider.CheckSupported(cfg.Chat.DefaultModel, mode); err != nil {
			fmt.Fprintf(out, "  Note: %v\n", err)
		}
	case policy.ModeInspectionAPI:
		region, err := p.ask("Region (us, eu, ap, uae)", "us")
		if err != nil {
			return err
		}
		if settings.InspectionServer, err = inspect.RegionServer(region); err != nil {
			return err
		}
		masked := ""
		if settings.InspectionAPIKey != "" {
			masked = inspect.MaskKey(settings.InspectionAPIKey)
		}
		key, err := p.ask("AI Defense API key", masked)
		if err != nil {
			return err
		}
		if key != masked {
			settings.InspectionAPIKey = key
		}
	}
	if err := holder.Update(ctx, settings); err != nil {
		return err
	}
	fmt.Fprintf(out, "AI Defense mode set to %s.\n", mode)
	fmt.Fprintln(out, "Next: run 'chatguard chat' for the CLI, or 'chatguard serve' for the HTTP API.")
	return nil
}

// ollamaSetupModels lists the models installed on the Ollama server,
// keeping fallback when it cannot be reached or has none.
func ollamaSetupModels(ctx context.Context, out io.Writer, apiBase string, fallback []string) []string {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	models, err := provider.OllamaModels(ctx, nil, apiBase)
	if err != nil {
		fmt.Fprintf(out, "  Could not list Ollama models: %v\n", err)
		return fallback
	}
	if len(models) == 0 {
		fmt.Fprintln(out, "  No Ollama models installed yet (run 'ollama pull <model>').")
		return fallback
	}
	fmt.Fprintf(out, "  Installed: %s\n", strings.Join(models, ", "))
	return models
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
