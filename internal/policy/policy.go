// Package policy models the AI Defense settings that steer every chat turn:
// how traffic reaches the model, where inspection happens and what each
// triggered rule should do.
package policy

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"chatguard/internal/catalog"
)

// SettingsKey is the fixed name the settings blob is stored under.
const SettingsKey = "AI_DEFENSE_SETTINGS"

const DefaultInspectionServer = "https://us.api.inspect.aidefense.security.cisco.com/"

type Mode string

const (
	ModeDirect        Mode = "direct"
	ModeEgress        Mode = "egress"
	ModeGateway       Mode = "gateway"
	ModeInspectionAPI Mode = "api"
)

// ParseMode accepts the canonical names plus "browser", the legacy name for
// direct mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "direct", "browser", "":
		return ModeDirect, nil
	case "egress":
		return ModeEgress, nil
	case "gateway":
		return ModeGateway, nil
	case "api":
		return ModeInspectionAPI, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

func (m *Mode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

type Routing string

const (
	RoutingServer Routing = "server"
	RoutingClient Routing = "client"
)

type Action string

const (
	ActionBlock  Action = "Block"
	ActionAlert  Action = "Alert"
	ActionIgnore Action = "Ignore"
)

func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "block":
		return ActionBlock, nil
	case "alert":
		return ActionAlert, nil
	case "ignore", "":
		return ActionIgnore, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

type RuleSetting struct {
	Enabled bool   `json:"enabled"`
	Action  Action `json:"action"`
}

// Config is one snapshot of the AI Defense settings. Treat it as a value:
// use Clone before mutating a copy obtained from a Holder.
type Config struct {
	Mode             Mode                   `json:"mode"`
	GatewayURL       string                 `json:"gatewayUrl,omitempty"`
	InspectionServer string                 `json:"inspectionServer"`
	InspectionAPIKey string                 `json:"inspectionApiKey,omitempty"`
	PromptRouting    Routing                `json:"promptRouting"`
	Rules            map[string]RuleSetting `json:"rules"`
}

// Defaults returns direct mode with every catalog rule disabled.
func Defaults() Config {
	rules := make(map[string]RuleSetting)
	for _, name := range catalog.Names() {
		rules[name] = RuleSetting{Enabled: false, Action: ActionIgnore}
	}
	return Config{
		Mode:             ModeDirect,
		InspectionServer: DefaultInspectionServer,
		PromptRouting:    RoutingServer,
		Rules:            rules,
	}
}

func (c Config) Clone() Config {
	out := c
	out.Rules = make(map[string]RuleSetting, len(c.Rules))
	for k, v := range c.Rules {
		out.Rules[k] = v
	}
	return out
}

// Rule looks up the local setting for a rule name.
func (c Config) Rule(name string) (RuleSetting, bool) {
	r, ok := c.Rules[name]
	return r, ok
}

// EnabledRules returns the enabled rules, expanded to their entity types,
// in catalog order followed by any custom names sorted alphabetically.
func (c Config) EnabledRules() []catalog.Rule {
	var known, custom []string
	for name, r := range c.Rules {
		if !r.Enabled {
			continue
		}
		if catalog.Known(name) {
			known = append(known, name)
		} else {
			custom = append(custom, name)
		}
	}
	order := make(map[string]int)
	for i, n := range catalog.Names() {
		order[n] = i
	}
	sort.Slice(known, func(i, j int) bool { return order[known[i]] < order[known[j]] })
	sort.Strings(custom)

	out := make([]catalog.Rule, 0, len(known)+len(custom))
	for _, name := range append(known, custom...) {
		out = append(out, catalog.Resolve(name))
	}
	return out
}

// Inspects reports whether turns are inspected by the AI Defense API.
func (c Config) Inspects() bool {
	return c.Mode == ModeInspectionAPI
}

// ConfigError lists everything that keeps a policy from being usable.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "policy configuration invalid: " + strings.Join(e.Problems, "; ")
}

func (e *ConfigError) UserMessage() string {
	return "AI Defense settings are incomplete: " + strings.Join(e.Problems, "; ")
}

// Validate enforces the mode invariants: a gateway URL in gateway mode and
// an API key in inspection API mode.
func (c Config) Validate() error {
	var problems []string

	switch c.Mode {
	case ModeDirect, ModeEgress:
	case ModeGateway:
		if c.GatewayURL == "" {
			problems = append(problems, "gateway mode requires a gateway URL")
		} else if err := checkURL(c.GatewayURL); err != nil {
			problems = append(problems, "gateway URL "+err.Error())
		}
	case ModeInspectionAPI:
		if c.InspectionAPIKey == "" {
			problems = append(problems, "inspection API mode requires an API key")
		}
		if err := checkURL(c.InspectionServer); err != nil {
			problems = append(problems, "inspection server "+err.Error())
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown mode %q", c.Mode))
	}

	switch c.PromptRouting {
	case RoutingServer, RoutingClient:
	default:
		problems = append(problems, fmt.Sprintf("unknown prompt routing %q", c.PromptRouting))
	}

	for name, r := range c.Rules {
		switch r.Action {
		case ActionBlock, ActionAlert, ActionIgnore:
		default:
			problems = append(problems, fmt.Sprintf("rule %q has unknown action %q", name, r.Action))
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return &ConfigError{Problems: problems}
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("has no host: %q", raw)
	}
	return nil
}
