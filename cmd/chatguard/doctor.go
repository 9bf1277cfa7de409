package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"chatguard/internal/config"
	"chatguard/internal/policy"
	"chatguard/internal/provider"

	"github.com/spf13/cobra"
)

const dialTimeout = 5 * time.Second

type doctorTally struct {
	passed, warned, failed int
}

func (d *doctorTally) pass(check, detail string) {
	d.passed++
	fmt.Printf("  [PASS] %-24s %s\n", check, detail)
}

func (d *doctorTally) warn(check, detail string) {
	d.warned++
	fmt.Printf("  [WARN] %-24s %s\n", check, detail)
}

func (d *doctorTally) fail(check, detail string) {
	d.failed++
	fmt.Printf("  [FAIL] %-24s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	var online bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your chatguard installation",
		Long: `Verifies that the configuration, database, model providers and AI Defense
settings are usable. With --online it also dials the inspection server and
the gateway.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("chatguard doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var d doctorTally

			if _, err := os.Stat(cfgPath); err != nil {
				d.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'chatguard init' to create a default configuration.\n")
				return nil
			}
			d.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				d.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", d.passed, d.failed)
				return nil
			}
			d.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			store, holder, err := openPolicy(ctx, cfg)
			if err != nil {
				d.fail("Database", err.Error())
			} else {
				defer store.Close()
				if v, err := store.SchemaVersion(); err != nil {
					d.fail("Database", err.Error())
				} else {
					d.pass("Database", fmt.Sprintf("%s (schema v%d)", cfg.Storage.DBPath, v))
				}
			}

			checkProviders(&d, cfg)

			var settings policy.Config
			if holder != nil {
				settings = holder.Snapshot()
				if err := settings.Validate(); err != nil {
					d.fail("AI Defense settings", err.Error())
				} else {
					d.pass("AI Defense settings", fmt.Sprintf("mode %s, %d rule(s) enabled", settings.Mode, len(settings.EnabledRules())))
				}
				if settings.Mode == policy.ModeGateway {
					if err := provider.CheckSupported(cfg.Chat.DefaultModel, settings.Mode); err != nil {
						d.warn("Default model", err.Error())
					}
				}
			}

			if online {
				checkOllama(ctx, &d, cfg)
			}

			if online && holder != nil {
				switch settings.Mode {
				case policy.ModeInspectionAPI:
					dialCheck(&d, "Inspection server", settings.InspectionServer)
				case policy.ModeGateway:
					dialCheck(&d, "AI Defense gateway", settings.GatewayURL)
				}
			}

			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				d.warn("Server port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
			} else {
				d.pass("Server port", fmt.Sprintf(":%d available", cfg.Server.Port))
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					d.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					d.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", d.passed, d.warned, d.failed)
			if d.failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running chatguard.\n")
				return fmt.Errorf("%d check(s) failed", d.failed)
			}
			if d.warned > 0 {
				fmt.Printf("\nchatguard should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! chatguard is ready to run.\n")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&online, "online", false, "also dial the inspection server or gateway")
	return cmd
}

// checkProviders builds each enabled provider and asks it whether its
// credentials are complete.
func checkProviders(d *doctorTally, cfg *config.Config) {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	enabled := 0
	for _, name := range names {
		pc := cfg.Providers[name]
		if !pc.Enabled {
			continue
		}
		enabled++
		a, err := provider.Build(provider.Family(name), pc, nil, logger)
		if err != nil {
			d.fail("Provider: "+name, err.Error())
			continue
		}
		if r, ok := a.(provider.Readier); ok {
			if err := r.Ready(); err != nil {
				d.warn("Provider: "+name, err.Error())
				continue
			}
		}
		d.pass("Provider: "+name, "configured")
	}
	if enabled == 0 {
		d.fail("Providers", "no providers enabled")
	}
}

// checkOllama lists the models installed on an enabled Ollama server.
func checkOllama(ctx context.Context, d *doctorTally, cfg *config.Config) {
	pc, ok := cfg.Providers[string(provider.FamilyOllama)]
	if !ok || !pc.Enabled {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	models, err := provider.OllamaModels(ctx, nil, pc.APIBase)
	switch {
	case err != nil:
		d.fail("Ollama models", err.Error())
	case len(models) == 0:
		d.warn("Ollama models", "no models installed (run 'ollama pull <model>')")
	default:
		d.pass("Ollama models", fmt.Sprintf("%d installed: %s", len(models), strings.Join(models, ", ")))
	}
}

func dialCheck(d *doctorTally, check, rawURL string) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		d.fail(check, fmt.Sprintf("invalid URL %q", rawURL))
		return
	}
	host := u.Host
	if u.Port() == "" {
		port := "443"
		if u.Scheme == "http" {
			port = "80"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	conn, err := net.DialTimeout("tcp", host, dialTimeout)
	if err != nil {
		d.fail(check, err.Error())
		return
	}
	conn.Close()
	d.pass(check, host+" reachable")
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
