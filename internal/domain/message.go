package domain

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// WithDocument rewrites a user question so the model answers against the
// attached document text.
func WithDocument(question, document string) string {
	if document == "" {
		return question
	}
	return `Based on this document: "` + document + `", answer: ` + question
}
