package verdict

import (
	"testing"

	"chatguard/internal/catalog"
	"chatguard/internal/inspect"
	"chatguard/internal/policy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withRules(settings map[string]policy.RuleSetting) policy.Config {
	cfg := policy.Defaults()
	for k, v := range settings {
		cfg.Rules[k] = v
	}
	return cfg
}

func triggered(rules ...inspect.TriggeredRule) *inspect.Verdict {
	return &inspect.Verdict{IsSafe: false, Rules: rules}
}

func TestSafeVerdictIgnoresPolicy(t *testing.T) {
	cfg := withRules(map[string]policy.RuleSetting{catalog.PII: {Enabled: true, Action: policy.ActionBlock}})
	v := &inspect.Verdict{IsSafe: true, Rules: []inspect.TriggeredRule{{RuleName: catalog.PII}}}
	assert.Nil(t, Evaluate(v, cfg))
	assert.Nil(t, Evaluate(nil, cfg))
}

func TestBlockMessageFormat(t *testing.T) {
	cfg := withRules(map[string]policy.RuleSetting{catalog.PII: {Enabled: true, Action: policy.ActionBlock}})
	d := Evaluate(triggered(inspect.TriggeredRule{
		RuleName:       catalog.PII,
		Classification: "PRIVACY_VIOLATION",
		EntityTypes:    []string{"Email Address"},
	}), cfg)
	require.NotNil(t, d)
	assert.Equal(t, policy.ActionBlock, d.Action)
	assert.Equal(t, "Violation detected:\n PRIVACY_VIOLATION: PII (Email Address)", d.Message)
	assert.True(t, d.Blocks())
}

func TestIgnoredAndDisabledProduceNothing(t *testing.T) {
	cfg := withRules(map[string]policy.RuleSetting{
		catalog.PII:        {Enabled: true, Action: policy.ActionIgnore},
		catalog.Harassment: {Enabled: false, Action: policy.ActionBlock},
		catalog.Profanity:  {Enabled: true, Action: policy.ActionAlert},
	})
	d := Evaluate(triggered(
		inspect.TriggeredRule{RuleName: catalog.PII, Classification: "PRIVACY_VIOLATION"},
		inspect.TriggeredRule{RuleName: catalog.Harassment, Classification: "SAFETY_VIOLATION"},
		inspect.TriggeredRule{RuleName: "Unmapped", Classification: "SAFETY_VIOLATION"},
	), cfg)
	assert.Nil(t, d)
}

func TestBlockDominatesAlert(t *testing.T) {
	cfg := withRules(map[string]policy.RuleSetting{
		catalog.Harassment: {Enabled: true, Action: policy.ActionAlert},
		catalog.PII:        {Enabled: true, Action: policy.ActionBlock},
		catalog.Profanity:  {Enabled: true, Action: policy.ActionAlert},
	})
	d := Evaluate(triggered(
		inspect.TriggeredRule{RuleName: catalog.Harassment, Classification: "SAFETY_VIOLATION"},
		inspect.TriggeredRule{RuleName: catalog.PII, Classification: "PRIVACY_VIOLATION", EntityTypes: []string{"Email Address", "", "IP Address"}},
		inspect.TriggeredRule{RuleName: catalog.Profanity, Classification: "SAFETY_VIOLATION"},
	), cfg)
	require.NotNil(t, d)
	assert.Equal(t, policy.ActionBlock, d.Action)
	assert.Len(t, d.Violations, 3)
	assert.Equal(t, "Violation detected:\n"+
		" SAFETY_VIOLATION: Harassment\n"+
		" PRIVACY_VIOLATION: PII (Email Address,IP Address)\n"+
		" SAFETY_VIOLATION: Profanity", d.Message)
}

func TestAlertOnly(t *testing.T) {
	cfg := withRules(map[string]policy.RuleSetting{catalog.Harassment: {Enabled: true, Action: policy.ActionAlert}})
	v := triggered(inspect.TriggeredRule{RuleName: catalog.Harassment, Classification: "SAFETY_VIOLATION"})
	v.Severity = "HIGH"
	v.AttackTechnique = "JAILBREAK"
	d := Evaluate(v, cfg)
	require.NotNil(t, d)
	assert.Equal(t, policy.ActionAlert, d.Action)
	assert.Equal(t, "HIGH", d.Severity)
	assert.Equal(t, "JAILBREAK", d.Violations[0].AttackTechnique)
}

func TestServerSidePolicyAlwaysAlerts(t *testing.T) {
	// No rule is enabled locally, so the server applied its own policy.
	cfg := policy.Defaults()
	cfg.Rules[catalog.PII] = policy.RuleSetting{Enabled: false, Action: policy.ActionBlock}
	d := Evaluate(triggered(inspect.TriggeredRule{RuleName: catalog.PII, Classification: "PRIVACY_VIOLATION"}), cfg)
	require.NotNil(t, d)
	assert.Equal(t, policy.ActionAlert, d.Action)
	assert.Equal(t, "Violation detected:\n PRIVACY_VIOLATION: PII", d.Message)
}

func TestInline(t *testing.T) {
	got := Inline([]Violation{
		{Classification: "PRIVACY_VIOLATION", RuleName: catalog.PII, EntityTypes: []string{"Email Address", "Phone Number"}},
		{Classification: "SAFETY_VIOLATION", RuleName: catalog.Harassment},
	})
	assert.Equal(t, " PRIVACY_VIOLATION: PII (Email Address, Phone Number), SAFETY_VIOLATION: Harassment", got)
	assert.Empty(t, Inline(nil))
}
