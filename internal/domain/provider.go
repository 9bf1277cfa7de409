package domain

import "context"

// NoResponse is returned by adapters when none of the known response
// fields carry completion text.
const NoResponse = "No response received."

// ModelAdapter is the contract every model backend implements.
type ModelAdapter interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	Name() string
}

type CompletionRequest struct {
	Messages     []Message // conversation window, oldest first, without system message
	Model        string
	SystemPrompt string
	Document     string
	// GatewayURL routes the call through an AI Defense gateway when non-empty.
	GatewayURL string
}

// Prepared returns the messages to send upstream: the system prompt pinned
// first and the latest user message rewritten with the document, if any.
func (r CompletionRequest) Prepared() []Message {
	out := make([]Message, 0, len(r.Messages)+1)
	if r.SystemPrompt != "" {
		out = append(out, Message{Role: RoleSystem, Content: r.SystemPrompt})
	}
	last := -1
	for i, m := range r.Messages {
		if m.Role == RoleUser {
			last = i
		}
	}
	for i, m := range r.Messages {
		if m.Role == RoleSystem {
			continue
		}
		if i == last && r.Document != "" {
			m.Content = WithDocument(m.Content, r.Document)
		}
		out = append(out, m)
	}
	return out
}
