package enums

import "fmt"

// SessionState is the lifecycle position of a payment session.
type SessionState string

const (
	SessionStateCreated               SessionState = "created"
	SessionStateAwaitingGatewayIntent SessionState = "awaiting_gateway_intent"
	SessionStateAwaitingConfirmation  SessionState = "awaiting_confirmation"
	SessionStateConfirming            SessionState = "confirming"
	SessionStateReconciling           SessionState = "reconciling"
	SessionStateSucceeded             SessionState = "succeeded"
	SessionStateFailed                SessionState = "failed"
	SessionStateCancelled             SessionState = "cancelled"
	SessionStateExpired               SessionState = "expired"
)

var validSessionStates = []SessionState{
	SessionStateCreated,
	SessionStateAwaitingGatewayIntent,
	SessionStateAwaitingConfirmation,
	SessionStateConfirming,
	SessionStateReconciling,
	SessionStateSucceeded,
	SessionStateFailed,
	SessionStateCancelled,
	SessionStateExpired,
}

// String implements fmt.Stringer.
func (s SessionState) String() string {
	return string(s)
}

// IsValid reports whether the value is a known SessionState.
func (s SessionState) IsValid() bool {
	for _, candidate := range validSessionStates {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave the state.
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionStateSucceeded, SessionStateFailed, SessionStateCancelled, SessionStateExpired:
		return true
	}
	return false
}

// ParseSessionState converts raw input into a SessionState.
func ParseSessionState(value string) (SessionState, error) {
	for _, candidate := range validSessionStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid session state %q", value)
}
