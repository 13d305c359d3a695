// ABOUTME: Phone number normalization to E.164
// ABOUTME: Strips formatting and applies a default country code to bare national numbers
package rules

import "strings"

// defaultCountryCode is prepended to 10-digit national numbers. The source
// platforms only store North American numbers without a country prefix.
const defaultCountryCode = "1"

// NormalizePhone converts a free-form phone string to E.164. Values that
// cannot be interpreted as a phone number are returned with formatting
// stripped rather than rejected.
func NormalizePhone(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}

	var b strings.Builder
	for i, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			continue
		}
		// A leading + marks an already international number.
		if r == '+' && i == 0 {
			continue
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}

	switch {
	case strings.HasPrefix(value, "+"):
		return "+" + digits
	case strings.HasPrefix(digits, "00"):
		// International dialing prefix
		return "+" + strings.TrimPrefix(digits, "00")
	case len(digits) == 10:
		return "+" + defaultCountryCode + digits
	case len(digits) == 11 && strings.HasPrefix(digits, defaultCountryCode):
		return "+" + digits
	default:
		return "+" + digits
	}
}
