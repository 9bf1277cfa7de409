package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"chatguard/internal/policy"
	"chatguard/internal/prompts"
)

// ChatCommand represents a parsed chat command.
type ChatCommand struct {
	Name string   // command name without "/"
	Args []string // arguments after the command
	Raw  string   // original full text
}

// CommandResult holds the response for a handled command.
type CommandResult struct {
	Response string // text shown to the user
	Handled  bool   // false means the text is a prompt
	Quit     bool
	// Prompt is submitted as a turn after the response is shown.
	Prompt string
}

// ParseCommand checks if a message starts with "/" and parses it into a ChatCommand.
// Returns nil if the message is not a command.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil
	}
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	return &ChatCommand{
		Name: strings.ToLower(strings.TrimPrefix(parts[0], "/")),
		Args: args,
		Raw:  text,
	}
}

// PolicyEditor reads and replaces the shared inspection settings.
type PolicyEditor interface {
	Snapshot() policy.Config
	Update(ctx context.Context, cfg policy.Config) error
}

// ChatSession is the per-user state of an interactive chat: the session id,
// the selected model and an attached document.
type ChatSession struct {
	ID       string
	Model    string
	Document string

	Orchestrator *Orchestrator
	Policy       PolicyEditor
	Samples      *prompts.Catalog
	// Models lists selectable model ids for /model.
	Models func() []string
}

// Turn builds the turn for a prompt typed in this session.
func (s *ChatSession) Turn(prompt string) Turn {
	return Turn{SessionID: s.ID, Prompt: prompt, Model: s.Model, Document: s.Document}
}

// HandleCommand processes a chat command. Unknown commands come back with
// Handled=false so the caller can report them.
func (s *ChatSession) HandleCommand(ctx context.Context, cmd *ChatCommand) CommandResult {
	switch cmd.Name {
	case "help":
		return CommandResult{Response: helpText(), Handled: true}

	case "quit", "exit":
		return CommandResult{Handled: true, Quit: true}

	case "clear", "new":
		if err := s.Orchestrator.Clear(ctx, s.ID); err != nil {
			return CommandResult{Response: "Clear failed: " + err.Error(), Handled: true}
		}
		return CommandResult{Response: "Conversation cleared. Starting fresh.", Handled: true}

	case "model":
		return s.modelCommand(cmd.Args)

	case "samples":
		if s.Samples == nil {
			return CommandResult{Response: "No samples loaded.", Handled: true}
		}
		return CommandResult{Response: s.Samples.Format(), Handled: true}

	case "sample":
		return s.sampleCommand(cmd.Args)

	case "doc":
		return s.docCommand(cmd.Args)

	case "policy":
		return s.policyCommand(ctx, cmd.Args)

	default:
		return CommandResult{Handled: false}
	}
}

func (s *ChatSession) modelCommand(args []string) CommandResult {
	if len(args) == 0 {
		var sb strings.Builder
		fmt.Fprintf(&sb, "Current model: %s\n", s.Model)
		if s.Models != nil {
			sb.WriteString("Available:\n")
			for _, m := range s.Models() {
				fmt.Fprintf(&sb, "  %s\n", m)
			}
		}
		return CommandResult{Response: strings.TrimRight(sb.String(), "\n"), Handled: true}
	}
	s.Model = args[0]
	return CommandResult{Response: "Model set to " + s.Model, Handled: true}
}

func (s *ChatSession) sampleCommand(args []string) CommandResult {
	if s.Samples == nil || len(args) != 1 {
		return CommandResult{Response: "Usage: /sample <n> (see /samples)", Handled: true}
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return CommandResult{Response: "Usage: /sample <n> (see /samples)", Handled: true}
	}
	sample, ok := s.Samples.Get(n)
	if !ok {
		return CommandResult{Response: fmt.Sprintf("No sample %d.", n), Handled: true}
	}
	return CommandResult{
		Response: fmt.Sprintf("[%s] %s", sample.Category, sample.Label),
		Handled:  true,
		Prompt:   sample.Text,
	}
}

func (s *ChatSession) docCommand(args []string) CommandResult {
	if len(args) == 0 {
		if s.Document == "" {
			return CommandResult{Response: "No document attached. Usage: /doc <path> or /doc off", Handled: true}
		}
		return CommandResult{Response: fmt.Sprintf("Document attached (%d chars).", len(s.Document)), Handled: true}
	}
	if args[0] == "off" {
		s.Document = ""
		return CommandResult{Response: "Document detached.", Handled: true}
	}
	data, err := os.ReadFile(strings.Join(args, " "))
	if err != nil {
		return CommandResult{Response: "Read document: " + err.Error(), Handled: true}
	}
	s.Document = string(data)
	return CommandResult{Response: fmt.Sprintf("Document attached (%d chars).", len(s.Document)), Handled: true}
}

// policyCommand shows the settings, or changes the mode or one rule:
// /policy mode <mode>, /policy rule <name> <Block|Alert|Ignore|off>.
func (s *ChatSession) policyCommand(ctx context.Context, args []string) CommandResult {
	if s.Policy == nil {
		return CommandResult{Response: "Policy editing is not available.", Handled: true}
	}
	cfg := s.Policy.Snapshot()
	if len(args) == 0 {
		return CommandResult{Response: PolicySummary(cfg), Handled: true}
	}
	switch {
	case args[0] == "mode" && len(args) == 2:
		mode, err := policy.ParseMode(args[1])
		if err != nil {
			return CommandResult{Response: err.Error(), Handled: true}
		}
		cfg.Mode = mode
	case args[0] == "rule" && len(args) == 3:
		setting := cfg.Rules[args[1]]
		if strings.EqualFold(args[2], "off") {
			setting.Enabled = false
		} else {
			action, err := policy.ParseAction(args[2])
			if err != nil {
				return CommandResult{Response: err.Error(), Handled: true}
			}
			setting.Enabled = true
			setting.Action = action
		}
		if cfg.Rules == nil {
			cfg.Rules = make(map[string]policy.RuleSetting)
		}
		cfg.Rules[args[1]] = setting
	default:
		return CommandResult{Response: "Usage: /policy [mode <mode> | rule <name> <Block|Alert|Ignore|off>]", Handled: true}
	}
	if err := s.Policy.Update(ctx, cfg); err != nil {
		var ce *policy.ConfigError
		if errors.As(err, &ce) {
			return CommandResult{Response: ce.UserMessage(), Handled: true}
		}
		return CommandResult{Response: "Update failed: " + err.Error(), Handled: true}
	}
	return CommandResult{Response: PolicySummary(s.Policy.Snapshot()), Handled: true}
}

// PolicySummary renders the settings for terminals with the API key masked.
func PolicySummary(cfg policy.Config) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Mode: %s\n", cfg.Mode)
	switch cfg.Mode {
	case policy.ModeGateway:
		fmt.Fprintf(&sb, "Gateway: %s\n", cfg.GatewayURL)
	case policy.ModeInspectionAPI:
		fmt.Fprintf(&sb, "Inspection server: %s\n", cfg.InspectionServer)
		fmt.Fprintf(&sb, "Prompt routing: %s\n", cfg.PromptRouting)
		rules := cfg.EnabledRules()
		if len(rules) == 0 {
			sb.WriteString("Rules: none enabled locally (server-side policy)\n")
		}
		for _, r := range rules {
			setting, _ := cfg.Rule(r.Name)
			fmt.Fprintf(&sb, "  %-28s %s\n", r.Name, setting.Action)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func helpText() string {
	return `Commands

/help             Show this help message
/clear            Start a new conversation
/model [id]       Show or switch the model
/samples          List sample prompts
/sample <n>       Send sample prompt n
/doc <path|off>   Attach a document to every prompt
/policy           Show or edit inspection settings
/quit             Leave the chat`
}
