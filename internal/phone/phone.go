// Package phone canonicalizes US phone numbers for invite tracking.
package phone

import "strings"

// Digits strips everything that is not 0-9.
func Digits(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Canonical returns the 10-digit canonical form of a US number: all
// non-digits stripped and a leading country-code 1 dropped. Malformed input
// comes back as-is (possibly empty); callers must check IsCanonical before
// dialing or keying on the result.
func Canonical(raw string) string {
	d := Digits(raw)
	if len(d) == 11 && strings.HasPrefix(d, "1") {
		d = d[1:]
	}
	return d
}

// IsCanonical reports whether s is a usable 10-digit canonical number.
func IsCanonical(s string) bool {
	return len(s) == 10 && s == Digits(s)
}

// Dialable converts a canonical 10-digit number to E.164 (+1XXXXXXXXXX).
// Anything that is not 10 or 11 digits is returned unchanged as a fallback.
func Dialable(d10 string) string {
	d := Digits(d10)
	if len(d) == 10 {
		return "+1" + d
	}
	if len(d) == 11 && strings.HasPrefix(d, "1") {
		return "+" + d
	}
	return d10
}
