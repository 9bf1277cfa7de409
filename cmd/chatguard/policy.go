package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"chatguard/internal/agent"
	"chatguard/internal/catalog"
	"chatguard/internal/inspect"
	"chatguard/internal/policy"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "View and modify the AI Defense settings",
		Long: `The AI Defense settings (mode, gateway URL, inspection server and key,
prompt routing and per-rule actions) are stored apart from config.json: in
policy.file when set, else in the database.`,
	}
	cmd.AddCommand(policyShowCmd())
	cmd.AddCommand(policySetModeCmd())
	cmd.AddCommand(policySetRuleCmd())
	cmd.AddCommand(policySetKeyCmd())
	cmd.AddCommand(policyRulesCmd())
	return cmd
}

// editPolicy loads the settings, applies fn and saves the result through
// the Holder so it is validated first.
func editPolicy(fn func(cfg *policy.Config) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, holder, err := openPolicy(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	next := holder.Snapshot()
	if err := fn(&next); err != nil {
		return err
	}
	if err := holder.Update(ctx, next); err != nil {
		var ce *policy.ConfigError
		if errors.As(err, &ce) {
			return errors.New(ce.UserMessage())
		}
		return err
	}
	fmt.Println(agent.PolicySummary(holder.Snapshot()))
	return nil
}

func policyShowCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current settings (API key masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, holder, err := openPolicy(context.Background(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			snap := holder.Snapshot()
			if !asJSON {
				fmt.Println(agent.PolicySummary(snap))
				return nil
			}
			if snap.InspectionAPIKey != "" {
				snap.InspectionAPIKey = inspect.MaskKey(snap.InspectionAPIKey)
			}
			data, _ := json.MarshalIndent(snap, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the settings blob as JSON")
	return cmd
}

func policySetModeCmd() *cobra.Command {
	var gatewayURL, region, server, routing string
	cmd := &cobra.Command{
		Use:   "set-mode <direct|egress|gateway|api>",
		Short: "Choose how chat traffic is protected",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := policy.ParseMode(args[0])
			if err != nil {
				return err
			}
			return editPolicy(func(cfg *policy.Config) error {
				cfg.Mode = mode
				if gatewayURL != "" {
					cfg.GatewayURL = gatewayURL
				}
				switch {
				case server != "":
					cfg.InspectionServer = server
				case region != "":
					s, err := inspect.RegionServer(region)
					if err != nil {
						return err
					}
					cfg.InspectionServer = s
				}
				switch routing {
				case "":
				case string(policy.RoutingServer), string(policy.RoutingClient):
					cfg.PromptRouting = policy.Routing(routing)
				default:
					return fmt.Errorf("unknown routing %q (want server or client)", routing)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&gatewayURL, "gateway-url", "", "AI Defense gateway connection URL (gateway mode)")
	cmd.Flags().StringVar(&region, "region", "", "inspection API region: us, eu, ap or uae")
	cmd.Flags().StringVar(&server, "server", "", "inspection API server URL (overrides --region)")
	cmd.Flags().StringVar(&routing, "routing", "", "prompt routing: server (multi-turn memory) or client")
	return cmd
}

func policySetRuleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-rule <name> <Block|Alert|Ignore|off>",
		Short: "Enable a rule with an action, or turn it off",
		Long:  "Rule names are listed by 'chatguard policy rules'. Quote names with spaces.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !catalog.Known(name) {
				return fmt.Errorf("unknown rule %q", name)
			}
			return editPolicy(func(cfg *policy.Config) error {
				setting := cfg.Rules[name]
				if strings.EqualFold(args[1], "off") {
					setting.Enabled = false
				} else {
					action, err := policy.ParseAction(args[1])
					if err != nil {
						return err
					}
					setting = policy.RuleSetting{Enabled: true, Action: action}
				}
				if cfg.Rules == nil {
					cfg.Rules = make(map[string]policy.RuleSetting)
				}
				cfg.Rules[name] = setting
				return nil
			})
		},
	}
}

func policySetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key",
		Short: "Store the AI Defense inspection API key",
		Long:  "Reads the key from the terminal without echo, or from stdin when piped.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := readSecret("AI Defense API key: ")
			if err != nil {
				return err
			}
			if key == "" {
				return errors.New("empty key")
			}
			return editPolicy(func(cfg *policy.Config) error {
				cfg.InspectionAPIKey = key
				return nil
			})
		},
	}
}

func policyRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List the rule catalog",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range catalog.Names() {
				fmt.Println(name)
				for _, e := range catalog.Expand(name) {
					fmt.Printf("    %s\n", e)
				}
			}
		},
	}
}

// readSecret prompts on a terminal with echo disabled, else reads one line
// from stdin.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read key: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read key: %w", err)
	}
	return strings.TrimSpace(line), nil
}
