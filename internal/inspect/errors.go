package inspect

import (
	"fmt"
)

type Kind int

const (
	KindOther Kind = iota
	KindUnauthorized
	KindPolicyConflict
	KindPolicyMissing
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindPolicyConflict:
		return "policy_conflict"
	case KindPolicyMissing:
		return "policy_missing"
	default:
		return "other"
	}
}

const (
	msgUnauthorized   = "API Inspect Request Failed due to: Unauthorized (Invalid API Key)"
	msgPolicyConflict = "This connection already has policy configured on AI Defense Dashboard. Please disable the existing Enabled Rules in Settings or use an API key associated with a connection that has no rules configured."
	msgPolicyMissing  = "The AI Defense API key that you are using is not associated with any policy on AI Defense Dashboard. Please configure policy on AI Defense Dashboard or enable any of existing rules here"
)

// Error is a failed inspection call. Status is 0 for transport failures.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

// Sentinels for errors.Is; only Kind is compared.
var (
	ErrUnauthorized   = &Error{Kind: KindUnauthorized}
	ErrPolicyConflict = &Error{Kind: KindPolicyConflict}
	ErrPolicyMissing  = &Error{Kind: KindPolicyMissing}
	ErrOther          = &Error{Kind: KindOther}
)

func (e *Error) Error() string {
	s := "inspect " + e.Kind.String()
	if e.Status != 0 {
		s += fmt.Sprintf(" (%d)", e.Status)
	}
	if e.Message != "" {
		s += ": " + e.Message
	} else if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// UserMessage is the text shown in the transcript for this failure.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindUnauthorized:
		return msgUnauthorized
	case KindPolicyConflict:
		return msgPolicyConflict
	case KindPolicyMissing:
		return msgPolicyMissing
	}
	detail := e.Message
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	if detail == "" && e.Status != 0 {
		detail = fmt.Sprintf("HTTP %d", e.Status)
	}
	return "API Inspect Request Failed due to: " + detail
}

// classify maps an upstream status to an error kind. rulesSent tells whether
// the request carried locally enabled rules.
func classify(status int, rulesSent bool) Kind {
	switch {
	case status == 401:
		return KindUnauthorized
	case status == 400:
		return KindPolicyConflict
	case status == 500 && !rulesSent:
		return KindPolicyMissing
	}
	return KindOther
}
