package logging

import (
	"regexp"
	"strings"
)

// Helpers for sanitizing values before they reach logs. Subjects and
// addresses are user data; when sanitized logging is enabled, callers mask
// them with these instead of logging raw values.

// MaskEmail masks the local part and domain labels of an address, keeping
// the first and last character of each segment.
func MaskEmail(s string) string {
	s = strings.TrimSpace(s)
	at := strings.IndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return s
	}
	user := s[:at]
	domain := s[at+1:]
	mask := func(part string) string {
		switch len(part) {
		case 0, 1:
			return "*"
		case 2:
			return part[:1] + "*"
		}
		return part[:1] + strings.Repeat("*", len(part)-2) + part[len(part)-1:]
	}
	dParts := strings.Split(domain, ".")
	for i, p := range dParts {
		dParts[i] = mask(p)
	}
	return mask(user) + "@" + strings.Join(dParts, ".")
}

var emailRE = regexp.MustCompile(`(?i)[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

// RedactEmailsIn masks every email address found in free-form text.
func RedactEmailsIn(s string) string {
	return emailRE.ReplaceAllStringFunc(s, MaskEmail)
}

// BoundAndClean trims control characters and bounds the length of arbitrary
// strings for safe logging.
func BoundAndClean(s string, max int) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 32 || r == 127 {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if max > 0 && len(out) > max {
		// Avoid cutting in the middle of a UTF-8 sequence.
		cut := max
		for cut > 0 && cut < len(out) {
			if (out[cut]&0x80) == 0 || (out[cut]&0xC0) == 0xC0 {
				break
			}
			cut--
		}
		if cut <= 0 {
			cut = max
		}
		return out[:cut]
	}
	return out
}
