// Package catalog holds the fixed set of AI Defense rules and the entity
// types each rule expands to when sent to the inspection endpoint.
package catalog

const (
	CodeDetection        = "Code Detection"
	Harassment           = "Harassment"
	HateSpeech           = "Hate Speech"
	PCI                  = "PCI"
	PHI                  = "PHI"
	PII                  = "PII"
	PromptInjection      = "Prompt Injection"
	Profanity            = "Profanity"
	SexualContent        = "Sexual Content & Exploitation"
	SocialDivision       = "Social Division & Polarization"
	ViolencePublicSafety = "Violence & Public Safety Threats"
)

// Rule is a named inspection rule. EntityTypes is empty for rules that are
// not entity based.
type Rule struct {
	Name        string   `json:"rule_name"`
	EntityTypes []string `json:"entity_types,omitempty"`
}

var names = []string{
	CodeDetection,
	Harassment,
	HateSpeech,
	PCI,
	PHI,
	PII,
	PromptInjection,
	Profanity,
	SexualContent,
	SocialDivision,
	ViolencePublicSafety,
}

var entities = map[string][]string{
	PCI: {
		"Individual Taxpayer Identification Number (ITIN) (US)",
		"International Bank Account Number (IBAN)",
		"American Bankers Association (ABA) Routing Number (US)",
		"Credit Card Number",
		"Bank Account Number (US)",
	},
	PII: {
		"Email Address",
		"IP Address",
		"Phone Number",
		"Driver's License Number (US)",
		"Passport Number (US)",
		"Social Security Number (SSN) (US)",
	},
	PHI: {
		"Medical License Number (US)",
		"National Health Service (NHS) Number",
	},
}

// Expand returns the entity types for ruleName. Unknown names and
// non-entity rules yield an empty, non-nil slice. The result is a copy.
func Expand(ruleName string) []string {
	src := entities[ruleName]
	out := make([]string, len(src))
	copy(out, src)
	return out
}

// Names lists every known rule in display order.
func Names() []string {
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// Known reports whether ruleName is in the catalog.
func Known(ruleName string) bool {
	for _, n := range names {
		if n == ruleName {
			return true
		}
	}
	return false
}

// Resolve builds the wire form of a rule.
func Resolve(ruleName string) Rule {
	return Rule{Name: ruleName, EntityTypes: Expand(ruleName)}
}
