package session

import "strings"

// Fast-path replies for trivially classifiable utterances. Classification
// is deterministic and side-effect free, so it is safe to re-run on every
// turn; a miss simply falls through to the pipeline.
var fastPathReplies = map[string]string{
	"hi":           "Hello! How can I help you today?",
	"hello":        "Hello! How can I help you today?",
	"hey":          "Hello! How can I help you today?",
	"good morning": "Good morning! How can I help you today?",
	"thanks":       "You're welcome!",
	"thank you":    "You're welcome!",
	"bye":          "Goodbye! Have a great day.",
	"goodbye":      "Goodbye! Have a great day.",
}

// classifyFastPath returns a canned reply for greetings and sign-offs that
// need no pipeline round trip.
func classifyFastPath(message string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(message))
	normalized = strings.TrimRight(normalized, ".!?")
	reply, ok := fastPathReplies[normalized]
	return reply, ok
}
