package enums

// FailureKind classifies why a payment session reached the failed state.
type FailureKind string

const (
	FailureKindValidation            FailureKind = "validation_failed"
	FailureKindGatewayUnavailable    FailureKind = "gateway_unavailable"
	FailureKindGatewayDeclined       FailureKind = "gateway_declined"
	FailureKindPartialReconciliation FailureKind = "partial_reconciliation"
)

// String implements fmt.Stringer.
func (f FailureKind) String() string {
	return string(f)
}

// RequiresManualRecovery reports whether funds may have moved without the
// order bookkeeping completing.
func (f FailureKind) RequiresManualRecovery() bool {
	return f == FailureKindPartialReconciliation
}
