package provider

import (
	"errors"
	"fmt"
	"strings"

	"chatguard/internal/policy"
)

type ErrorKind int

const (
	KindUpstreamHTTP ErrorKind = iota
	KindAuth
	KindNetwork
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindNetwork:
		return "network"
	default:
		return "upstream_http"
	}
}

// Error is a failed model call. Status is set for KindUpstreamHTTP and for
// KindAuth errors that came from an HTTP 401.
type Error struct {
	Kind     ErrorKind
	Provider string
	Status   int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(" ")
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " %d", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func httpError(provider string, status int, body []byte) *Error {
	kind := KindUpstreamHTTP
	if status == 401 {
		kind = KindAuth
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return &Error{Kind: kind, Provider: provider, Status: status, Message: msg}
}

func networkError(provider string, err error) *Error {
	return &Error{Kind: KindNetwork, Provider: provider, Err: err}
}

var ErrUnknownModel = errors.New("unknown model")

// UnsupportedError rejects a model family that cannot be used in a mode.
type UnsupportedError struct {
	Model  string
	Family Family
	Mode   policy.Mode
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("model %q (%s) is not supported in %s mode", e.Model, e.Family, e.Mode)
}

func (e *UnsupportedError) UserMessage() string {
	return fmt.Sprintf("The model %s is not supported with the AI Defense Gateway. Choose another model or switch mode in Settings.", e.Model)
}

func missingCredential(what string) error {
	return &policy.ConfigError{Problems: []string{what}}
}
