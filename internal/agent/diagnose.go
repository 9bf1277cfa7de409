package agent

import (
	"errors"

	"chatguard/internal/policy"
	"chatguard/internal/provider"
)

const (
	MsgEgressBlocked = "Blocked by Server Egress Gateway (MCD)"
	MsgWrongGateway  = "Please make sure you are using the right AI Defense Gateway endpoint URL"
	MsgNoResponse    = "No response"
)

// Diagnose turns a failed model call into the answer shown in the
// transcript. Raw upstream errors are never shown.
func Diagnose(cfg policy.Config, err error) string {
	var pe *provider.Error
	if !errors.As(err, &pe) {
		return MsgNoResponse
	}
	egress := cfg.Mode == policy.ModeEgress ||
		(cfg.Mode == policy.ModeInspectionAPI && cfg.PromptRouting == policy.RoutingServer)
	if egress && pe.Status == 403 {
		return MsgEgressBlocked
	}
	if cfg.Mode == policy.ModeGateway &&
		(pe.Status == 400 || pe.Status == 404 || pe.Kind == provider.KindNetwork) {
		return MsgWrongGateway
	}
	return MsgNoResponse
}
