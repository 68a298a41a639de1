package enums

import "fmt"

// IntentStatus mirrors the gateway-owned status of a payment intent.
type IntentStatus string

const (
	IntentStatusRequiresAction IntentStatus = "requires_action"
	IntentStatusProcessing     IntentStatus = "processing"
	IntentStatusSucceeded      IntentStatus = "succeeded"
	IntentStatusCanceled       IntentStatus = "canceled"
	IntentStatusFailed         IntentStatus = "failed"
)

var validIntentStatuses = []IntentStatus{
	IntentStatusRequiresAction,
	IntentStatusProcessing,
	IntentStatusSucceeded,
	IntentStatusCanceled,
	IntentStatusFailed,
}

// String implements fmt.Stringer.
func (s IntentStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known IntentStatus.
func (s IntentStatus) IsValid() bool {
	for _, candidate := range validIntentStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the gateway will not move the intent any further.
func (s IntentStatus) IsTerminal() bool {
	switch s {
	case IntentStatusSucceeded, IntentStatusCanceled, IntentStatusFailed:
		return true
	}
	return false
}

// ParseIntentStatus converts raw input into an IntentStatus. The legacy
// "requires_payment_method" status some providers report is folded into failed.
func ParseIntentStatus(value string) (IntentStatus, error) {
	if value == "requires_payment_method" {
		return IntentStatusFailed, nil
	}
	if value == "cancelled" {
		return IntentStatusCanceled, nil
	}
	for _, candidate := range validIntentStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid intent status %q", value)
}
