package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"chatguard/internal/agent"
	"chatguard/internal/domain"
	"chatguard/internal/policy"
	"chatguard/internal/provider"
)

// CLI is the interactive terminal chat.
type CLI struct {
	session   *agent.ChatSession
	logger    *slog.Logger
	in        io.Reader
	out       io.Writer
	spinner   bool
	thinking  bool
	thinkMu   sync.Mutex
	thinkStop chan struct{}
	thinkDone chan struct{}
}

type CLIConfig struct {
	Session *agent.ChatSession
	Logger  *slog.Logger
	In      io.Reader
	Out     io.Writer
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &CLI{
		session: cfg.Session,
		logger:  cfg.Logger,
		in:      cfg.In,
		out:     cfg.Out,
	}
	if f, ok := cfg.Out.(*os.File); ok {
		c.spinner = term.IsTerminal(int(f.Fd()))
	}
	return c
}

// Start runs the REPL until EOF, /quit or ctx is cancelled.
func (c *CLI) Start(ctx context.Context) error {
	fmt.Fprintf(c.out, "chatguard chat, model %s. Type /help for commands, /quit to exit.\n", c.session.Model)
	c.prompt()

	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 64*1024), maxBodySize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return nil // EOF
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			c.prompt()
			continue
		}

		if cmd := agent.ParseCommand(line); cmd != nil {
			res := c.session.HandleCommand(ctx, cmd)
			if res.Quit {
				c.logger.Info("user requested quit")
				return nil
			}
			if !res.Handled {
				fmt.Fprintf(c.out, "Unknown command /%s. Type /help.\n", cmd.Name)
				c.prompt()
				continue
			}
			if res.Response != "" {
				fmt.Fprintln(c.out, res.Response)
			}
			if res.Prompt == "" {
				c.prompt()
				continue
			}
			line = res.Prompt
			fmt.Fprintf(c.out, "You> %s\n", line)
		}

		c.runTurn(ctx, line)
		c.prompt()
	}
}

func (c *CLI) prompt() {
	fmt.Fprint(c.out, "You> ")
}

func (c *CLI) runTurn(ctx context.Context, text string) {
	c.startThinking()
	res, err := c.session.Orchestrator.Submit(ctx, c.session.Turn(text))
	c.stopThinking()
	if err != nil {
		fmt.Fprintln(c.out, rejectionText(err))
		return
	}
	fmt.Fprint(c.out, FormatOutcome(res.Outcome))
}

// rejectionText renders a turn that never started.
func rejectionText(err error) string {
	var ce *policy.ConfigError
	var ue *provider.UnsupportedError
	switch {
	case errors.As(err, &ce):
		return ce.UserMessage()
	case errors.As(err, &ue):
		return ue.UserMessage()
	case errors.Is(err, agent.ErrTurnInFlight):
		return "A turn is already running."
	default:
		return "Error: " + err.Error()
	}
}

// FormatOutcome renders an outcome for terminals: blocks first, then the
// answer, then warnings.
func FormatOutcome(o domain.TurnOutcome) string {
	var sb strings.Builder
	if o.Block != nil {
		fmt.Fprintf(&sb, "[BLOCKED at %s] %s\n", o.Block.Stage, o.Block.Message)
		appendDetails(&sb, *o.Block)
	}
	if o.Answer != "" {
		sb.WriteString("--- Assistant ---\n")
		sb.WriteString(o.Answer)
		sb.WriteString("\n-----------------\n")
	}
	for _, w := range o.Warnings {
		fmt.Fprintf(&sb, "[WARNING at %s] %s\n", w.Stage, w.Message)
		appendDetails(&sb, w)
	}
	return sb.String()
}

func appendDetails(sb *strings.Builder, n domain.Notice) {
	if n.Severity != "" {
		fmt.Fprintf(sb, "  severity: %s\n", n.Severity)
	}
	if n.AttackTechnique != "" {
		fmt.Fprintf(sb, "  attack technique: %s\n", n.AttackTechnique)
	}
}

func (c *CLI) startThinking() {
	if !c.spinner {
		return
	}
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	c.thinkDone = make(chan struct{})
	go func(stop, done chan struct{}) {
		defer close(done)
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				fmt.Fprint(c.out, "\r\033[K")
				return
			case <-ticker.C:
				fmt.Fprintf(c.out, "\r%s Inspecting...", frames[i%len(frames)])
				i++
			}
		}
	}(c.thinkStop, c.thinkDone)
}

func (c *CLI) stopThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
	<-c.thinkDone
}
