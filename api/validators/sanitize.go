package validators

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	pkgerrors "github.com/angelmondragon/kluret-checkout/pkg/errors"
)

// SanitizeString trims surrounding space, drops control characters and caps
// the result at maxLen bytes without splitting a UTF-8 sequence.
func SanitizeString(input string, maxLen int) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(input))
	if maxLen <= 0 || len(cleaned) <= maxLen {
		return cleaned
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
		cut--
	}
	return strings.TrimSpace(cleaned[:cut])
}

// SanitizeBounded cleans input like SanitizeString but rejects values longer
// than maxLen bytes instead of truncating them.
func SanitizeBounded(field, input string, maxLen int) (string, error) {
	cleaned := SanitizeString(input, 0)
	if maxLen > 0 && len(cleaned) > maxLen {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
			WithDetails(map[string]string{field: fmt.Sprintf("must be at most %d bytes", maxLen)})
	}
	return cleaned, nil
}
