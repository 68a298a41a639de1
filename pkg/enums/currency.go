package enums

import (
	"fmt"
	"strings"
)

// Currency represents the supported settlement currencies. Values use the
// lowercase ISO codes the payment backend expects on the wire.
type Currency string

const (
	CurrencySEK Currency = "sek"
	CurrencyNOK Currency = "nok"
	CurrencyDKK Currency = "dkk"
	CurrencyEUR Currency = "eur"
	CurrencyISK Currency = "isk"
)

// DefaultCurrency is used when a checkout request omits the currency.
const DefaultCurrency = CurrencySEK

var validCurrencies = []Currency{
	CurrencySEK,
	CurrencyNOK,
	CurrencyDKK,
	CurrencyEUR,
	CurrencyISK,
}

// String implements fmt.Stringer.
func (c Currency) String() string {
	return string(c)
}

// IsValid reports whether the currency is recognized.
func (c Currency) IsValid() bool {
	for _, candidate := range validCurrencies {
		if candidate == c {
			return true
		}
	}
	return false
}

// ParseCurrency converts a raw string into a Currency. Input is case-insensitive.
func ParseCurrency(value string) (Currency, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range validCurrencies {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid currency %q", value)
}
