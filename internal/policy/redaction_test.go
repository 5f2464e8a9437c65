package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Reach me at lead@example.com or +1 (555) 123-9876, card 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIICleanTranscript(t *testing.T) {
	input := "Sure, next Tuesday at 3pm sounds good."
	out, changed := RedactPII(input)
	if changed || out != input {
		t.Fatalf("RedactPII(%q) = (%q, %v), want unchanged", input, out, changed)
	}
}
