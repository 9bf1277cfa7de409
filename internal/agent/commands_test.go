package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chatguard/internal/catalog"
	"chatguard/internal/policy"
	"chatguard/internal/prompts"
)

func TestParseCommand(t *testing.T) {
	cmd := ParseCommand("  /Sample 3 ")
	if cmd == nil {
		t.Fatal("expected command")
	}
	if cmd.Name != "sample" || len(cmd.Args) != 1 || cmd.Args[0] != "3" {
		t.Fatalf("unexpected parse: %+v", cmd)
	}
	if ParseCommand("hello /help") != nil {
		t.Fatal("plain text must not parse as a command")
	}
}

func newTestChat(t *testing.T) *ChatSession {
	t.Helper()
	holder := policy.NewHolder(policy.Defaults(), nil)
	o := newTestOrchestrator(t, policy.Defaults(), &fakeAdapter{answer: "ok"}, nil)
	return &ChatSession{
		ID:           "cli",
		Model:        "gpt-4o-mini",
		Orchestrator: o,
		Policy:       holder,
		Samples:      prompts.Default(),
		Models:       func() []string { return []string{"gpt-4o", "gpt-4o-mini"} },
	}
}

func run(t *testing.T, s *ChatSession, text string) CommandResult {
	t.Helper()
	cmd := ParseCommand(text)
	if cmd == nil {
		t.Fatalf("%q is not a command", text)
	}
	return s.HandleCommand(context.Background(), cmd)
}

func TestModelCommand(t *testing.T) {
	s := newTestChat(t)
	res := run(t, s, "/model")
	if !strings.Contains(res.Response, "Current model: gpt-4o-mini") || !strings.Contains(res.Response, "gpt-4o\n") {
		t.Fatalf("unexpected listing: %q", res.Response)
	}
	run(t, s, "/model gpt-4o")
	if s.Model != "gpt-4o" {
		t.Fatalf("model not switched: %q", s.Model)
	}
	if turn := s.Turn("hi"); turn.Model != "gpt-4o" || turn.SessionID != "cli" {
		t.Fatalf("unexpected turn: %+v", turn)
	}
}

func TestSampleCommand(t *testing.T) {
	s := newTestChat(t)
	res := run(t, s, "/sample 1")
	want, _ := s.Samples.Get(1)
	if res.Prompt != want.Text {
		t.Fatalf("expected sample text to be submitted, got %q", res.Prompt)
	}
	if res := run(t, s, "/sample 999"); res.Prompt != "" {
		t.Fatal("out of range sample must not submit")
	}
	if res := run(t, s, "/sample x"); !strings.HasPrefix(res.Response, "Usage") {
		t.Fatalf("expected usage, got %q", res.Response)
	}
}

func TestDocCommand(t *testing.T) {
	s := newTestChat(t)
	path := filepath.Join(t.TempDir(), "doc.txt")
	if err := os.WriteFile(path, []byte("quarterly numbers"), 0o600); err != nil {
		t.Fatal(err)
	}
	run(t, s, "/doc "+path)
	if s.Document != "quarterly numbers" {
		t.Fatalf("document not attached: %q", s.Document)
	}
	if turn := s.Turn("summarize"); turn.Document != "quarterly numbers" {
		t.Fatal("turn must carry the document")
	}
	run(t, s, "/doc off")
	if s.Document != "" {
		t.Fatal("document not detached")
	}
	if res := run(t, s, "/doc /no/such/file"); !strings.HasPrefix(res.Response, "Read document") {
		t.Fatalf("unexpected response: %q", res.Response)
	}
}

func TestPolicyCommand(t *testing.T) {
	s := newTestChat(t)
	if res := run(t, s, "/policy"); !strings.Contains(res.Response, "Mode: direct") {
		t.Fatalf("unexpected summary: %q", res.Response)
	}

	res := run(t, s, "/policy mode api")
	if !strings.Contains(res.Response, "API key") {
		t.Fatalf("expected validation message, got %q", res.Response)
	}
	if s.Policy.Snapshot().Mode != policy.ModeDirect {
		t.Fatal("invalid settings must not be published")
	}

	run(t, s, "/policy mode egress")
	if s.Policy.Snapshot().Mode != policy.ModeEgress {
		t.Fatal("mode not updated")
	}

	run(t, s, "/policy rule PII Block")
	r, _ := s.Policy.Snapshot().Rule(catalog.PII)
	if !r.Enabled || r.Action != policy.ActionBlock {
		t.Fatalf("rule not updated: %+v", r)
	}
	run(t, s, "/policy rule PII off")
	r, _ = s.Policy.Snapshot().Rule(catalog.PII)
	if r.Enabled {
		t.Fatal("rule not disabled")
	}
}

func TestQuitAndUnknown(t *testing.T) {
	s := newTestChat(t)
	if res := run(t, s, "/quit"); !res.Quit {
		t.Fatal("expected quit")
	}
	if res := run(t, s, "/frobnicate"); res.Handled {
		t.Fatal("unknown command must not be handled")
	}
	if res := run(t, s, "/clear"); !strings.Contains(res.Response, "cleared") {
		t.Fatalf("unexpected clear response: %q", res.Response)
	}
}
