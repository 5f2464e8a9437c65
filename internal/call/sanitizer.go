package call

import (
	"regexp"
	"strings"
)

// Sanitizer rewrites assistant text that identifies the agent by a
// placeholder, a deny-listed name, or a greeting with the wrong name. A
// changed transcript during the opening hold forces a regeneration so the
// spoken audio matches the corrected text.
type Sanitizer struct {
	agentName string
	patterns  []*regexp.Regexp
}

// greetingRe catches self-identification greetings regardless of which name
// the model invented; the deny-list only covers names seen before.
var greetingRe = regexp.MustCompile(`(?i)\b(hi|hello|hey)([,!]?\s+this\s+is\s+)([A-Za-z]+)`)

func NewSanitizer(agentName string, denyList []string) *Sanitizer {
	s := &Sanitizer{agentName: agentName}
	for _, name := range denyList {
		name = strings.TrimSpace(name)
		if name == "" || strings.EqualFold(name, agentName) {
			continue
		}
		s.patterns = append(s.patterns, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(name)+`\b`))
	}
	return s
}

// Sanitize replaces deny-listed names with the agent's real name and
// normalizes greeting self-identification ("Hello, this is X") to the
// agent's name. The second return reports whether anything changed.
func (s *Sanitizer) Sanitize(text string) (string, bool) {
	out := text
	changed := false
	for _, re := range s.patterns {
		replaced := re.ReplaceAllString(out, s.agentName)
		if replaced != out {
			changed = true
			out = replaced
		}
	}

	normalized := greetingRe.ReplaceAllStringFunc(out, func(m string) string {
		sub := greetingRe.FindStringSubmatch(m)
		if strings.EqualFold(sub[3], s.agentName) {
			return m
		}
		return sub[1] + sub[2] + s.agentName
	})
	if normalized != out {
		changed = true
		out = normalized
	}

	if changed {
		out = collapseSpaces(out)
	}
	return out, changed
}

var multiSpaceRe = regexp.MustCompile(`[ \t]{2,}`)

func collapseSpaces(text string) string {
	return multiSpaceRe.ReplaceAllString(text, " ")
}
