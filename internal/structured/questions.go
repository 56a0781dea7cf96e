package structured

import (
	"encoding/json"
	"strings"
)

// DefaultQuestions is used when a model asks for more information but
// supplies no usable questions.
var DefaultQuestions = []string{
	"What symptoms are you noticing, and when did they start?",
	"Are there any warning lights or codes?",
	"Does anything make the issue better or worse?",
}

// QuestionsSchema is the {questions: [string]} request schema.
func QuestionsSchema() Schema {
	return Object(map[string]Schema{
		"questions": StringArray("Short, single-focus diagnostic questions"),
	}, "questions")
}

// Questions returns the cleaned "questions" array of a structured reply.
func Questions(text string) ([]string, bool) {
	obj, ok := ParseObject(text)
	if !ok {
		return nil, false
	}
	items, ok := obj["questions"].([]any)
	if !ok {
		return nil, false
	}
	return CleanStrings(items), true
}

// QuestionsPayload serialises questions as {"questions": [...]}. Blank items
// are dropped and an empty list is replaced by DefaultQuestions.
func QuestionsPayload(questions []string) string {
	cleaned := make([]string, 0, len(questions))
	for _, q := range questions {
		if q = strings.TrimSpace(q); q != "" {
			cleaned = append(cleaned, q)
		}
	}
	if len(cleaned) == 0 {
		cleaned = append(cleaned, DefaultQuestions...)
	}
	b, _ := json.Marshal(struct {
		Questions []string `json:"questions"`
	}{cleaned})
	return string(b)
}
