// Package format normalizes raw contact phone numbers into the chat
// identifiers used by the WhatsApp transport.
package format

import "strings"

const (
	// CountryCode is prefixed to domestic numbers.
	CountryCode = "91"

	// TrunkPrefix is the domestic long-distance prefix stripped before
	// applying the country code.
	TrunkPrefix = "0"

	// ChatIDSuffix is appended to produce a user chat identifier.
	ChatIDSuffix = "@c.us"
)

// NormalizePhone converts a raw phone number into a transport chat ID.
// It is pure and total: invalid input produces a best-effort chat ID that
// a later send can reject.
//
// Rules, applied to the digits of the input:
//   - 10 digits: assumed domestic, country code prefixed
//   - already starting with the country code: passed through
//   - leading trunk prefix: prefix stripped, country code applied
//   - anything else: passed through unchanged
func NormalizePhone(raw string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)

	switch {
	case len(digits) == 10:
		digits = CountryCode + digits
	case strings.HasPrefix(digits, CountryCode) && len(digits) == len(CountryCode)+10:
		// Already carries the country code.
	case strings.HasPrefix(digits, TrunkPrefix) && len(digits) == len(TrunkPrefix)+10:
		digits = CountryCode + strings.TrimPrefix(digits, TrunkPrefix)
	}

	return digits + ChatIDSuffix
}
