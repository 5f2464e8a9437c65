package policy

import "regexp"

// Call transcripts routinely contain callback numbers and payment details
// spoken aloud; everything persisted or logged goes through RedactPII first.
type piiRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Card redaction runs before phone so long digit runs are not misread as
// phone numbers.
var piiRules = []piiRule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks common high-risk PII patterns in transcript text.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, rule := range piiRules {
		next := rule.pattern.ReplaceAllString(out, rule.replacement)
		changed = changed || next != out
		out = next
	}
	return out, changed
}
