// Package engerr implements a typed error taxonomy so callers can branch
// on kind with errors.As instead of string matching, while the state
// machine still renders a stable "<PHASE>_FAILED:<Kind>" string for
// EngineRun.last_error.
package engerr

import (
	"errors"
	"fmt"
)

// Kind names one of the taxonomy's six error classes.
type Kind string

const (
	KindInputNotReady    Kind = "InputNotReady"
	KindDataIntegrity    Kind = "DataIntegrity"
	KindContractViolation Kind = "ContractViolation"
	KindBrokerTransient  Kind = "BrokerTransient"
	KindRiskLimitExceeded Kind = "RiskLimitExceeded"
	KindTimeout          Kind = "Timeout"
)

// Error wraps an underlying cause with a taxonomy Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func new_(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// InputNotReady signals an upstream output is absent; callers may wait or
// push the run back to WAITING_FOR_DATA.
func InputNotReady(msg string, err error) *Error { return new_(KindInputNotReady, msg, err) }

// DataIntegrity signals a dimension mismatch, non-finite value, or negative
// quantity; fatal to the current phase.
func DataIntegrity(msg string, err error) *Error { return new_(KindDataIntegrity, msg, err) }

// ContractViolation signals an output that breaks an invariant (e.g. gross
// exposure over cap); fatal to the phase.
func ContractViolation(msg string, err error) *Error { return new_(KindContractViolation, msg, err) }

// BrokerTransient signals a retryable broker connectivity/rate-limit error.
func BrokerTransient(msg string, err error) *Error { return new_(KindBrokerTransient, msg, err) }

// RiskLimitExceeded signals a software or book risk reject; does not fail
// the run, only the order.
func RiskLimitExceeded(msg string, err error) *Error { return new_(KindRiskLimitExceeded, msg, err) }

// Timeout signals a phase exceeded its configured budget.
func Timeout(msg string, err error) *Error { return new_(KindTimeout, msg, err) }

// PhaseFailure renders the stable short string used for
// EngineRun.last_error, e.g. "SIGNALS_FAILED:DataIntegrity".
func PhaseFailure(phase string, err error) string {
	var kind Kind = "Unknown"
	var e *Error
	if errors.As(err, &e) {
		kind = e.Kind
	}
	return fmt.Sprintf("%s_FAILED:%s", phase, kind)
}

// IsKind reports whether err (or anything it wraps) is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}
