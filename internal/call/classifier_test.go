package call

import (
	"testing"

	"github.com/pitchline/pitchline/internal/registry"
)

func TestClassifyOpening(t *testing.T) {
	profile := registry.AgentProfile{
		Name:        "Jordan",
		OpeningLine: "Hi, this is Jordan, thanks for taking my call.",
	}
	c := NewHeuristicClassifier([]string{"sounds good", "works for me", "i'm interested"})

	cases := []struct {
		name       string
		transcript string
		want       Speaker
	}{
		{"agent self identification", "Hi, this is Jordan from Voice Sales, how are you?", SpeakerAgent},
		{"customer acceptance", "Sure, next Tuesday at 3pm sounds good.", SpeakerCustomer},
		{"neither", "Let me think about that.", SpeakerAmbiguous},
		{"agent name mid sentence", "You can always reach Jordan on this number.", SpeakerAgent},
		{"name must match whole words", "The Jordanian office handles that region.", SpeakerAmbiguous},
		{"empty", "   ", SpeakerAmbiguous},
	}

	for _, tc := range cases {
		if got := c.Classify(tc.transcript, profile); got != tc.want {
			t.Fatalf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestClassifyCustomerOverridesNameMatch(t *testing.T) {
	profile := registry.AgentProfile{Name: "Jordan", OpeningLine: "Hi, this is Jordan."}
	c := NewHeuristicClassifier([]string{"sounds good"})

	// The model can put the agent's name inside a hallucinated customer line.
	got := c.Classify("Okay Jordan, Tuesday sounds good to me.", profile)
	if got != SpeakerCustomer {
		t.Fatalf("expected customer, got %s", got)
	}
}

func TestClassifyOpeningPrefixWithoutName(t *testing.T) {
	profile := registry.AgentProfile{
		Name:        "Jordan",
		OpeningLine: "Good afternoon, calling from Pitchline about your demo.",
	}
	c := NewHeuristicClassifier(nil)

	got := c.Classify("Good afternoon, calling about that demo you requested.", profile)
	if got != SpeakerAgent {
		t.Fatalf("expected agent via opening prefix, got %s", got)
	}
}
