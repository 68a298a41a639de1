package enums

import "fmt"

// PaymentMethod selects the gateway capability variant used for a checkout attempt.
type PaymentMethod string

const (
	// PaymentMethodEmbedded confirms in-page (tokenized card element).
	PaymentMethodEmbedded PaymentMethod = "embedded"
	// PaymentMethodRedirect confirms on a third-party page (wallet / pay-later).
	PaymentMethodRedirect PaymentMethod = "redirect"
)

var validPaymentMethods = []PaymentMethod{
	PaymentMethodEmbedded,
	PaymentMethodRedirect,
}

// String implements fmt.Stringer.
func (p PaymentMethod) String() string {
	return string(p)
}

// IsValid reports whether the value is a known PaymentMethod.
func (p PaymentMethod) IsValid() bool {
	for _, candidate := range validPaymentMethods {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePaymentMethod converts raw input into a PaymentMethod.
func ParsePaymentMethod(value string) (PaymentMethod, error) {
	for _, candidate := range validPaymentMethods {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment method %q", value)
}
