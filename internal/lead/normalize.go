package lead

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// NormalizeEmail lower-cases and trims an email. Returns "" when absent.
func NormalizeEmail(e string) string {
	return lower(strings.TrimSpace(e))
}

// NormalizePhone keeps only digits and drops a leading US country code.
// Returns "" unless at least 10 digits remain.
func NormalizePhone(p string) string {
	var b strings.Builder
	b.Grow(len(p))
	for _, r := range p {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) < 10 {
		return ""
	}
	return digits
}

// NormalizeName lower-cases, trims and collapses whitespace runs.
func NormalizeName(n string) string {
	return lower(strings.Join(strings.Fields(n), " "))
}

// NormalizeKeyPart trims and lower-cases a company, city or state value.
func NormalizeKeyPart(s string) string {
	return lower(strings.TrimSpace(s))
}

// lower uses a fresh Caser per call; Casers carry state.
func lower(s string) string {
	if s == "" {
		return ""
	}
	return cases.Lower(language.Und).String(s)
}
