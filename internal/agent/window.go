package agent

import "chatguard/internal/domain"

// DefaultWindowSize caps the messages kept per session, the pinned system
// message included.
const DefaultWindowSize = 19

// Window is a bounded conversation with an optional system message pinned
// at index 0.
type Window struct {
	limit int
	msgs  []domain.Message
}

// NewWindow restores a window from stored messages. Stored system messages
// are dropped and replaced by system, so a changed system prompt takes
// effect on the next turn.
func NewWindow(limit int, system string, stored []domain.Message) *Window {
	if limit < 2 {
		limit = DefaultWindowSize
	}
	w := &Window{limit: limit}
	if system != "" {
		w.msgs = append(w.msgs, domain.Message{Role: domain.RoleSystem, Content: system})
	}
	for _, m := range stored {
		if m.Role != domain.RoleSystem {
			w.msgs = append(w.msgs, m)
		}
	}
	w.trim()
	return w
}

func (w *Window) Append(msgs ...domain.Message) {
	w.msgs = append(w.msgs, msgs...)
	w.trim()
}

func (w *Window) pinned() int {
	if len(w.msgs) > 0 && w.msgs[0].Role == domain.RoleSystem {
		return 1
	}
	return 0
}

// trim keeps the newest messages within the limit. The conversation part
// must start with a user message, so a leading assistant reply left over
// from a split exchange is dropped as well.
func (w *Window) trim() {
	p := w.pinned()
	conv := w.msgs[p:]
	if over := len(w.msgs) - w.limit; over > 0 {
		conv = conv[over:]
	}
	for len(conv) > 0 && conv[0].Role != domain.RoleUser {
		conv = conv[1:]
	}
	out := make([]domain.Message, 0, p+len(conv))
	out = append(out, w.msgs[:p]...)
	w.msgs = append(out, conv...)
}

// Messages returns a copy including the pinned system message.
func (w *Window) Messages() []domain.Message {
	out := make([]domain.Message, len(w.msgs))
	copy(out, w.msgs)
	return out
}

// Conversation returns a copy without the system message.
func (w *Window) Conversation() []domain.Message {
	conv := w.msgs[w.pinned():]
	out := make([]domain.Message, len(conv))
	copy(out, conv)
	return out
}

func (w *Window) Len() int { return len(w.msgs) }
