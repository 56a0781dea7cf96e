// Package intake runs the question/answer phase that precedes a diagnosis:
// it derives the intake context from a conversation, generates follow-up
// questions, and decides when enough information has been gathered.
package intake

import (
	"strings"

	"github.com/kalambet/carllm/internal/storage"
	"github.com/kalambet/carllm/internal/structured"
)

// Context is the intake state of a conversation. It is never stored; it is
// rebuilt from the message history on demand.
type Context struct {
	Initial   string
	Questions []string
	Answers   []string
}

// FromMessages derives the intake context from messages in creation order.
//
// User intake messages tagged "initial" set the initial report. Messages
// tagged "followup_answer" contribute the "answers" array of a structured
// payload, or their raw text. Untagged user intake messages fill the initial
// report if it is still empty and otherwise count as answers. Assistant
// intake messages contribute their "questions" array, or their raw text.
func FromMessages(msgs []storage.Message) Context {
	var c Context
	for _, m := range msgs {
		if m.PromptType != storage.PromptIntake || m.Role != storage.RoleUser {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch m.Metadata.IntakeStage {
		case storage.StageInitial:
			c.Initial = content
		case storage.StageFollowupAnswer:
			if answers, ok := answersOf(content); ok {
				c.Answers = append(c.Answers, answers...)
			} else {
				c.Answers = append(c.Answers, content)
			}
		default:
			if c.Initial == "" {
				c.Initial = content
			} else {
				c.Answers = append(c.Answers, content)
			}
		}
	}

	for _, m := range msgs {
		if m.PromptType != storage.PromptIntake || m.Role != storage.RoleAssistant {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if questions, ok := structured.Questions(content); ok {
			c.Questions = append(c.Questions, questions...)
		} else {
			c.Questions = append(c.Questions, content)
		}
	}
	return c
}

func answersOf(content string) ([]string, bool) {
	obj, ok := structured.ParseObject(content)
	if !ok {
		return nil, false
	}
	items, ok := obj["answers"].([]any)
	if !ok {
		return nil, false
	}
	return structured.CleanStrings(items), true
}

// Snapshot returns the immutable copy of c recorded on inference runs.
func (c Context) Snapshot() storage.SnapshotIntake {
	return storage.SnapshotIntake{
		Initial:   c.Initial,
		Questions: append([]string{}, c.Questions...),
		Answers:   append([]string{}, c.Answers...),
	}
}
