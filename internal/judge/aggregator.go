// Package judge reviews the fan-out candidates and produces one verdict.
package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/kalambet/carllm/internal/fanout"
	"github.com/kalambet/carllm/internal/openrouter"
	"github.com/kalambet/carllm/internal/structured"
)

// FallbackOutput is recorded when the judge returns nothing at all.
const FallbackOutput = "Unable to determine a diagnosis at this time."

const noResponse = "No response."

const systemPrompt = "You are a master automotive diagnostician. Review the candidate diagnoses and " +
	"select the most accurate given the intake data. Return JSON with keys " +
	"`model_name`, `diagnostic_answer`, `justification`, and `explanation`. " +
	"`diagnostic_answer` must be a short title only (no full explanation). " +
	"`justification` must be an array of brief bullet-point strings."

// Streamer is the streaming half of the inference provider client.
type Streamer interface {
	Stream(ctx context.Context, req openrouter.ChatRequest, reporter openrouter.Reporter) (openrouter.StreamResult, error)
}

// Judgement is the structured verdict.
type Judgement struct {
	ModelName        string   `json:"model_name"`
	DiagnosticAnswer string   `json:"diagnostic_answer"`
	Justification    []string `json:"justification"`
	Explanation      string   `json:"explanation"`
}

// Verdict is what gets recorded for a diagnostic attempt. Judgement is nil
// and WinnerModel empty when the reply could not be parsed; CombinedOutput
// then holds the raw text.
type Verdict struct {
	CombinedOutput string
	WinnerModel    string
	Judgement      *Judgement
}

// Aggregator asks the judge model to pick among fan-out candidates.
type Aggregator struct {
	client Streamer
	model  string
}

func NewAggregator(client Streamer, model string) *Aggregator {
	return &Aggregator{client: client, model: model}
}

func (a *Aggregator) Model() string {
	return a.model
}

// Judge sends the intake text and every candidate to the judge model. Failed
// engines appear with a "No response." placeholder. Only provider failures
// are returned.
func (a *Aggregator) Judge(ctx context.Context, intakeText string, results []fanout.Result, reporter openrouter.Reporter) (Verdict, error) {
	res, err := a.client.Stream(ctx, openrouter.ChatRequest{
		Model: a.model,
		Messages: []openrouter.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: Prompt(intakeText, results)},
		},
		Temperature:    openrouter.Temperature(0.2),
		ResponseFormat: structured.Format("diagnosis_judgement", judgementSchema()),
	}, reporter)
	if err != nil {
		return Verdict{}, err
	}
	return Parse(res.Content), nil
}

// Prompt builds the judge's user message. Candidates are ordered by model so
// the prompt does not depend on completion order.
func Prompt(intakeText string, results []fanout.Result) string {
	sorted := append([]fanout.Result(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Model < sorted[j].Model })

	sections := make([]string, 0, len(sorted))
	for _, r := range sorted {
		output := r.Output
		if output == "" {
			output = noResponse
		}
		sections = append(sections, "Model: "+r.Model+"\nResponse:\n"+output)
	}
	return intakeText + "\n\nCandidate diagnoses:\n\n" + strings.Join(sections, "\n\n")
}

// Parse applies the judge's strict policy: the raw text must decode as a JSON
// object as-is. Anything else is kept verbatim with no winner. Fields are read
// leniently once the object decodes, and the legacy "modelName" and
// "justifacation" keys are accepted.
func Parse(raw string) Verdict {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		if raw != "" {
			slog.Warn("judge: unstructured verdict, keeping raw text", "error", err)
		}
		return withFallback(Verdict{CombinedOutput: raw})
	}

	j := &Judgement{
		ModelName:        stringField(obj, "model_name", "modelName"),
		DiagnosticAnswer: textField(obj, "diagnostic_answer"),
		Justification:    listField(obj, "justification", "justifacation"),
		Explanation:      textField(obj, "explanation"),
	}

	b, err := json.Marshal(j)
	if err != nil {
		return withFallback(Verdict{CombinedOutput: raw})
	}
	return Verdict{CombinedOutput: string(b), WinnerModel: j.ModelName, Judgement: j}
}

// stringField returns the first key holding a non-empty string.
func stringField(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := obj[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// textField is stringField that also renders numbers and booleans.
func textField(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64, bool:
		return fmt.Sprint(v)
	default:
		return ""
	}
}

// listField reads a list of bullet points. A single string becomes a
// one-element list.
func listField(obj map[string]any, keys ...string) []string {
	out := []string{}
	for _, k := range keys {
		switch v := obj[k].(type) {
		case []any:
			for _, item := range v {
				if s := scalarText(item); s != "" {
					out = append(out, s)
				}
			}
			return out
		case string:
			if s := strings.TrimSpace(v); s != "" {
				out = append(out, s)
			}
			return out
		}
	}
	return out
}

func scalarText(v any) string {
	switch v := v.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64, bool:
		return fmt.Sprint(v)
	default:
		return ""
	}
}

func withFallback(v Verdict) Verdict {
	if strings.TrimSpace(v.CombinedOutput) == "" {
		v.CombinedOutput = FallbackOutput
	}
	return v
}

func judgementSchema() structured.Schema {
	return structured.Object(map[string]structured.Schema{
		"model_name":        structured.String("The winning model identifier"),
		"diagnostic_answer": structured.String("Short title of what is wrong with the car"),
		"justification":     structured.StringArray("Bullet point reasons supporting the diagnosis"),
		"explanation":       structured.String("Concise explanation for the user"),
	}, "model_name", "diagnostic_answer", "justification", "explanation")
}
