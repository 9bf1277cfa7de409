// Package verdict turns an inspection verdict and the local rule settings
// into a single decision for the user.
package verdict

import (
	"strings"

	"chatguard/internal/inspect"
	"chatguard/internal/policy"
)

const header = "Violation detected:"

// Violation is a triggered rule joined with the local action for it.
type Violation struct {
	RuleName        string
	Classification  string
	EntityTypes     []string
	AttackTechnique string
	Severity        string
	Action          policy.Action
}

// Decision is the aggregate outcome of one inspection pass. Action is
// either Block or Alert.
type Decision struct {
	Action          policy.Action
	Message         string
	Severity        string
	AttackTechnique string
	Violations      []Violation
}

func (d *Decision) Blocks() bool { return d != nil && d.Action == policy.ActionBlock }

// Evaluate returns nil when the verdict needs no user-visible effect.
//
// When cfg has no enabled rules the inspection server applied its own
// policy, so every triggered rule is reported as an Alert.
func Evaluate(v *inspect.Verdict, cfg policy.Config) *Decision {
	if v == nil || v.IsSafe {
		return nil
	}
	serverSide := len(cfg.EnabledRules()) == 0

	var violations []Violation
	for _, tr := range v.Rules {
		action := policy.ActionAlert
		if !serverSide {
			setting, ok := cfg.Rule(tr.RuleName)
			if !ok || !setting.Enabled || setting.Action == policy.ActionIgnore {
				continue
			}
			action = setting.Action
		}
		violations = append(violations, Violation{
			RuleName:        tr.RuleName,
			Classification:  tr.Classification,
			EntityTypes:     nonEmpty(tr.EntityTypes),
			AttackTechnique: v.AttackTechnique,
			Severity:        v.Severity,
			Action:          action,
		})
	}
	if len(violations) == 0 {
		return nil
	}

	d := &Decision{
		Action:          policy.ActionAlert,
		Severity:        v.Severity,
		AttackTechnique: v.AttackTechnique,
		Violations:      violations,
	}
	for _, vi := range violations {
		if vi.Action == policy.ActionBlock {
			d.Action = policy.ActionBlock
			break
		}
	}
	d.Message = Message(violations)
	return d
}

// Message renders violations one per line under the "Violation detected:"
// header. Each line is " <classification>: <rule>" followed by the entity
// types in parentheses when there are any.
func Message(violations []Violation) string {
	lines := make([]string, 0, len(violations))
	for _, v := range violations {
		line := " " + v.Classification + ": " + v.RuleName
		if len(v.EntityTypes) > 0 {
			line += " (" + strings.Join(v.EntityTypes, ",") + ")"
		}
		lines = append(lines, line)
	}
	return header + "\n" + strings.Join(lines, "\n")
}

// Inline renders violations on a single line, comma separated, with entity
// types joined by ", ".
func Inline(violations []Violation) string {
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		part := " " + v.Classification + ": " + v.RuleName
		if len(v.EntityTypes) > 0 {
			part += " (" + strings.Join(v.EntityTypes, ", ") + ")"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ",")
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
