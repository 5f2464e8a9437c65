package call

import (
	"strings"
	"unicode"

	"github.com/pitchline/pitchline/internal/registry"
)

// Speaker is the inferred author of a completed model utterance during the
// opening hold.
type Speaker string

const (
	SpeakerAgent     Speaker = "agent"
	SpeakerCustomer  Speaker = "customer"
	SpeakerAmbiguous Speaker = "ambiguous"
)

// Classifier decides whose turn an opening utterance sounds like. The model
// occasionally opens by voicing the customer's side of the conversation; those
// utterances must never reach the caller.
type Classifier interface {
	Classify(transcript string, profile registry.AgentProfile) Speaker
}

// HeuristicClassifier combines three signals: a whole-word match of the
// agent's name, a prefix match against the opening line, and a
// customer-acceptance phrase list. Customer evidence overrides a name match;
// the model sometimes puts the agent's name inside a hallucinated customer
// line.
type HeuristicClassifier struct {
	CustomerPhrases []string
}

const openingPrefixLen = 20

func NewHeuristicClassifier(customerPhrases []string) *HeuristicClassifier {
	return &HeuristicClassifier{CustomerPhrases: customerPhrases}
}

func (c *HeuristicClassifier) Classify(transcript string, profile registry.AgentProfile) Speaker {
	canon := canonicalize(transcript)
	if canon == "" {
		return SpeakerAmbiguous
	}

	containsName := false
	if name := canonicalize(profile.Name); name != "" {
		containsName = strings.Contains(" "+canon+" ", " "+name+" ")
	}

	matchesOpening := false
	if opening := canonicalize(profile.OpeningLine); opening != "" {
		prefix := opening
		if len(prefix) > openingPrefixLen {
			prefix = prefix[:openingPrefixLen]
		}
		matchesOpening = strings.Contains(canon, prefix)
	}

	looksLikeCustomer := false
	for _, phrase := range c.CustomerPhrases {
		if p := canonicalize(phrase); p != "" && strings.Contains(canon, p) {
			looksLikeCustomer = true
			break
		}
	}

	switch {
	case looksLikeCustomer:
		return SpeakerCustomer
	case containsName || matchesOpening:
		return SpeakerAgent
	default:
		return SpeakerAmbiguous
	}
}

func canonicalize(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
