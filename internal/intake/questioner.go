package intake

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kalambet/carllm/internal/openrouter"
	"github.com/kalambet/carllm/internal/storage"
	"github.com/kalambet/carllm/internal/structured"
)

// Streamer is the streaming half of the inference provider client.
type Streamer interface {
	Stream(ctx context.Context, req openrouter.ChatRequest, reporter openrouter.Reporter) (openrouter.StreamResult, error)
}

const questionerSystemPrompt = "You are an automotive diagnostic assistant. Ask concise, high-signal follow-up " +
	"questions to clarify symptoms. Always ask for mileage if it was not provided. " +
	"Ask 3-6 questions max."

// Questioner generates the first round of follow-up questions from a
// problem description.
type Questioner struct {
	client Streamer
	model  string
}

func NewQuestioner(client Streamer, model string) *Questioner {
	return &Questioner{client: client, model: model}
}

// Model returns the model the questioner asks.
func (q *Questioner) Model() string {
	return q.model
}

// Generate asks the intake model for follow-up questions and returns them as
// a {"questions": [...]} payload. When the reply is not structured, the raw
// text becomes the single question. Only provider failures are returned.
func (q *Questioner) Generate(ctx context.Context, description string, v storage.Vehicle, reporter openrouter.Reporter) (string, error) {
	res, err := q.client.Stream(ctx, openrouter.ChatRequest{
		Model: q.model,
		Messages: []openrouter.Message{
			{Role: "system", Content: questionerSystemPrompt},
			{Role: "user", Content: questionerPrompt(description, v)},
		},
		Temperature:    openrouter.Temperature(0.3),
		ResponseFormat: structured.Format("intake_questions", structured.QuestionsSchema()),
	}, reporter)
	if err != nil {
		return "", err
	}

	if questions, ok := structured.Questions(res.Content); ok {
		return structured.QuestionsPayload(questions), nil
	}
	slog.Warn("intake: unstructured questions, wrapping raw text", "model", q.model)
	return structured.QuestionsPayload([]string{res.Content}), nil
}

func questionerPrompt(description string, v storage.Vehicle) string {
	var b strings.Builder
	b.WriteString("User description:\n")
	b.WriteString(strings.TrimSpace(description))
	b.WriteString("\n\nCar info:\n")
	b.WriteString(vehicleLines(v))
	return b.String()
}
