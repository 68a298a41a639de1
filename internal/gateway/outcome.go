package gateway

import "github.com/angelmondragon/kluret-checkout/pkg/enums"

// OutcomeKind tags the result of a confirmation attempt.
type OutcomeKind string

const (
	OutcomeSucceeded        OutcomeKind = "succeeded"
	OutcomeFailed           OutcomeKind = "failed"
	OutcomeRequiresRedirect OutcomeKind = "requires_redirect"
	// OutcomeCanceled means the customer abandoned the provider page; no
	// charge was made.
	OutcomeCanceled OutcomeKind = "canceled"
	// OutcomePending means the gateway still needs customer action or is processing.
	OutcomePending OutcomeKind = "pending"
)

// Outcome is the tagged result of Confirm.
type Outcome struct {
	Kind        OutcomeKind
	IntentID    string
	Reason      string
	RedirectURL string
	Status      enums.IntentStatus
}

func Succeeded(intentID string) Outcome {
	return Outcome{Kind: OutcomeSucceeded, IntentID: intentID, Status: enums.IntentStatusSucceeded}
}

func Failed(intentID, reason string) Outcome {
	return Outcome{Kind: OutcomeFailed, IntentID: intentID, Reason: reason, Status: enums.IntentStatusFailed}
}

func Canceled(intentID string) Outcome {
	return Outcome{Kind: OutcomeCanceled, IntentID: intentID, Status: enums.IntentStatusCanceled}
}

func RequiresRedirect(intentID, url string) Outcome {
	return Outcome{Kind: OutcomeRequiresRedirect, IntentID: intentID, RedirectURL: url, Status: enums.IntentStatusRequiresAction}
}

func Pending(intentID string, status enums.IntentStatus) Outcome {
	return Outcome{Kind: OutcomePending, IntentID: intentID, Status: status}
}

// OutcomeFromStatus maps a gateway status onto the outcome it implies.
func OutcomeFromStatus(intentID string, status enums.IntentStatus, reason string) Outcome {
	switch status {
	case enums.IntentStatusSucceeded:
		return Succeeded(intentID)
	case enums.IntentStatusCanceled:
		return Canceled(intentID)
	case enums.IntentStatusFailed:
		if reason == "" {
			reason = "payment " + status.String()
		}
		return Failed(intentID, reason)
	default:
		return Pending(intentID, status)
	}
}

// IsTerminal reports whether the outcome ends confirmation.
func (o Outcome) IsTerminal() bool {
	return o.Kind == OutcomeSucceeded || o.Kind == OutcomeFailed || o.Kind == OutcomeCanceled
}
