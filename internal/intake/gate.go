package intake

import (
	"context"
	"log/slog"

	"github.com/kalambet/carllm/internal/openrouter"
	"github.com/kalambet/carllm/internal/structured"
)

// DefaultSufficiencyThreshold is the minimum confidence at which a claim of
// sufficiency is accepted.
const DefaultSufficiencyThreshold = 0.85

const gateSystemPrompt = "You are a master automotive diagnostician. Decide if the intake provides " +
	"enough information to confidently choose a single diagnosis. Only say it is " +
	"sufficient when you are very confident. If insufficient, ask 3-6 more focused " +
	"questions, one question per item."

// Decision is the sufficiency gate's verdict.
type Decision struct {
	Sufficient bool
	Confidence float64
	FollowUps  []string
	// Proceed is true only when the model claims sufficiency with at least
	// the threshold confidence.
	Proceed bool
}

// QuestionsPayload returns the follow-up questions to send back to the user,
// falling back to the generic set.
func (d Decision) QuestionsPayload() string {
	return structured.QuestionsPayload(d.FollowUps)
}

// Gate decides whether the intake is complete enough to fan out.
type Gate struct {
	client    Streamer
	model     string
	threshold float64
}

// NewGate creates a Gate. A non-positive threshold selects the default.
func NewGate(client Streamer, model string, threshold float64) *Gate {
	if threshold <= 0 {
		threshold = DefaultSufficiencyThreshold
	}
	return &Gate{client: client, model: model, threshold: threshold}
}

func (g *Gate) Model() string {
	return g.model
}

// Evaluate asks the judge model whether intakeText is sufficient. Only
// provider failures are returned; an unparseable reply is a negative decision.
func (g *Gate) Evaluate(ctx context.Context, intakeText string, reporter openrouter.Reporter) (Decision, error) {
	res, err := g.client.Stream(ctx, openrouter.ChatRequest{
		Model: g.model,
		Messages: []openrouter.Message{
			{Role: "system", Content: gateSystemPrompt},
			{Role: "user", Content: intakeText},
		},
		Temperature:    openrouter.Temperature(0.1),
		ResponseFormat: structured.Format("diagnosis_sufficiency", sufficiencySchema()),
	}, reporter)
	if err != nil {
		return Decision{}, err
	}

	d := Decide(res.Content, g.threshold)
	slog.Debug("sufficiency decision", "model", g.model, "sufficient", d.Sufficient, "confidence", d.Confidence, "proceed", d.Proceed)
	return d, nil
}

// Decide interprets a sufficiency reply. A missing or non-numeric confidence
// counts as zero and anything other than a boolean true is not sufficient.
func Decide(raw string, threshold float64) Decision {
	obj, ok := structured.ParseObject(raw)
	if !ok {
		slog.Warn("sufficiency: unparseable response")
		return Decision{}
	}

	var d Decision
	d.Sufficient, _ = obj["is_sufficient"].(bool)
	d.Confidence, _ = structured.NumberField(obj, "confidence")
	if items, ok := obj["followup_questions"].([]any); ok {
		d.FollowUps = structured.CleanStrings(items)
	}
	d.Proceed = d.Sufficient && d.Confidence >= threshold
	return d
}

func sufficiencySchema() structured.Schema {
	return structured.Object(map[string]structured.Schema{
		"is_sufficient":      structured.Boolean(),
		"confidence":         structured.Number("Confidence from 0 to 1 that a single diagnosis is correct"),
		"followup_questions": structured.StringArray(""),
	}, "is_sufficient", "confidence", "followup_questions")
}
