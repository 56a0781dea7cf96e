package intake

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/carllm/internal/openrouter"
	"github.com/kalambet/carllm/internal/storage"
	"github.com/kalambet/carllm/internal/structured"
)

type fakeStreamer struct {
	content string
	err     error
	got     openrouter.ChatRequest
}

func (f *fakeStreamer) Stream(_ context.Context, req openrouter.ChatRequest, r openrouter.Reporter) (openrouter.StreamResult, error) {
	f.got = req
	if f.err != nil {
		return openrouter.StreamResult{}, f.err
	}
	if r != nil {
		r.Add(openrouter.EstimateTokens(f.content), true)
	}
	return openrouter.StreamResult{Content: f.content}, nil
}

func msg(role storage.Role, stage storage.IntakeStage, content string) storage.Message {
	return storage.Message{
		Role:       role,
		PromptType: storage.PromptIntake,
		Content:    content,
		Metadata:   storage.MessageMetadata{IntakeStage: stage},
	}
}

func TestFromMessages(t *testing.T) {
	msgs := []storage.Message{
		msg(storage.RoleUser, storage.StageInitial, "  check engine light on, 80k miles "),
		msg(storage.RoleAssistant, storage.StageFollowupQuestions, `{"questions":["Any codes?","When did it start?"]}`),
		msg(storage.RoleUser, storage.StageFollowupAnswer, "```json\n{\"answers\":[\"P0420\",\" \",\"last week\"]}\n```"),
		msg(storage.RoleAssistant, storage.StageFollowupQuestions, "Is the light flashing?"),
		msg(storage.RoleUser, storage.StageFollowupAnswer, "it is steady"),
		msg(storage.RoleUser, "", "also smells of sulfur"),
		{Role: storage.RoleUser, PromptType: storage.PromptNormal, Content: "unrelated chat"},
		msg(storage.RoleUser, storage.StageFollowupAnswer, "   "),
	}

	got := FromMessages(msgs)
	want := Context{
		Initial:   "check engine light on, 80k miles",
		Questions: []string{"Any codes?", "When did it start?", "Is the light flashing?"},
		Answers:   []string{"P0420", "last week", "it is steady", "also smells of sulfur"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FromMessages mismatch (-want +got):\n%s", diff)
	}
}

func TestFromMessages_UntaggedFirstIsInitial(t *testing.T) {
	got := FromMessages([]storage.Message{
		msg(storage.RoleUser, "", "car shakes at idle"),
		msg(storage.RoleUser, "", "only when cold"),
	})
	if got.Initial != "car shakes at idle" {
		t.Errorf("Initial = %q", got.Initial)
	}
	if diff := cmp.Diff([]string{"only when cold"}, got.Answers); diff != "" {
		t.Errorf("Answers mismatch (-want +got):\n%s", diff)
	}
}

func TestFromMessages_Empty(t *testing.T) {
	got := FromMessages(nil)
	if got.Initial != "" || len(got.Questions) != 0 || len(got.Answers) != 0 {
		t.Errorf("FromMessages(nil) = %+v, want zero", got)
	}
}

func TestRender(t *testing.T) {
	v := storage.Vehicle{Year: 2015, Make: "Honda", Model: "Civic"}
	c := Context{Initial: "check engine light", Questions: []string{"Codes?", "Mileage?"}}

	want := "Vehicle context:\n" +
		"Year: 2015\n" +
		"Make: Honda\n" +
		"Model: Civic\n" +
		"Mileage: unknown\n" +
		"\nInitial report:\n" +
		"check engine light\n\n" +
		"Follow-up questions:\n" +
		"Codes?\nMileage?\n\n" +
		"User answers:\n" +
		"None"
	if got := Render(v, c); got != want {
		t.Errorf("Render =\n%s\nwant\n%s", got, want)
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	c := Context{Initial: "x", Questions: []string{"q1"}, Answers: []string{"a1"}}
	snap := Snapshot(storage.Vehicle{Year: 2010, Mileage: 120000}, c)
	c.Questions[0] = "mutated"

	if snap.Intake.Questions[0] != "q1" {
		t.Errorf("snapshot shares backing array with context")
	}
	if snap.Car.Year != 2010 || snap.Car.Mileage != 120000 {
		t.Errorf("Car = %+v", snap.Car)
	}
}

func TestQuestionerGenerate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{
			name:    "structured",
			content: `{"questions":["What is the mileage?","Is the light flashing?","Any recent repairs?"]}`,
			want:    []string{"What is the mileage?", "Is the light flashing?", "Any recent repairs?"},
		},
		{
			name:    "raw text wrapped",
			content: "How many miles are on the car?",
			want:    []string{"How many miles are on the car?"},
		},
		{
			name:    "empty list defaults",
			content: `{"questions":[]}`,
			want:    structured.DefaultQuestions,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &fakeStreamer{content: tt.content}
			q := NewQuestioner(fs, "google/gemini-3-flash-preview")

			payload, err := q.Generate(context.Background(), "check engine light on", storage.Vehicle{Make: "Honda"}, nil)
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			var got struct {
				Questions []string `json:"questions"`
			}
			if err := json.Unmarshal([]byte(payload), &got); err != nil {
				t.Fatalf("payload %q is not JSON: %v", payload, err)
			}
			if diff := cmp.Diff(tt.want, got.Questions); diff != "" {
				t.Errorf("questions mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestQuestionerGenerate_Request(t *testing.T) {
	fs := &fakeStreamer{content: `{"questions":["a"]}`}
	q := NewQuestioner(fs, "google/gemini-3-flash-preview")
	if _, err := q.Generate(context.Background(), "noise from the front", storage.Vehicle{Year: 2018}, nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if fs.got.Model != "google/gemini-3-flash-preview" {
		t.Errorf("Model = %q", fs.got.Model)
	}
	if fs.got.Temperature == nil || *fs.got.Temperature != 0.3 {
		t.Errorf("Temperature = %v, want 0.3", fs.got.Temperature)
	}
	if fs.got.ResponseFormat == nil || fs.got.ResponseFormat.JSONSchema.Name != "intake_questions" {
		t.Errorf("ResponseFormat = %+v", fs.got.ResponseFormat)
	}
	if len(fs.got.Messages) != 2 || !strings.Contains(fs.got.Messages[0].Content, "Always ask for mileage") {
		t.Errorf("system prompt missing mileage probe: %+v", fs.got.Messages)
	}
	user := fs.got.Messages[1].Content
	if !strings.Contains(user, "noise from the front") || !strings.Contains(user, "Year: 2018") || !strings.Contains(user, "Mileage: unknown") {
		t.Errorf("user prompt = %q", user)
	}
}

func TestQuestionerGenerate_ProviderError(t *testing.T) {
	fs := &fakeStreamer{err: &openrouter.ProviderError{Op: "stream", Status: 500, Err: errors.New("boom")}}
	q := NewQuestioner(fs, "m")
	if _, err := q.Generate(context.Background(), "x", storage.Vehicle{}, nil); !openrouter.IsProviderError(err) {
		t.Errorf("err = %v, want ProviderError", err)
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		proceed bool
		conf    float64
		follow  []string
	}{
		{"below threshold", `{"is_sufficient":true,"confidence":0.84,"followup_questions":["Any codes?"]}`, false, 0.84, []string{"Any codes?"}},
		{"at threshold", `{"is_sufficient":true,"confidence":0.85,"followup_questions":[]}`, true, 0.85, []string{}},
		{"above threshold", `{"is_sufficient":true,"confidence":0.9,"followup_questions":[]}`, true, 0.9, []string{}},
		{"not sufficient", `{"is_sufficient":false,"confidence":0.99,"followup_questions":["Mileage?"]}`, false, 0.99, []string{"Mileage?"}},
		{"string confidence", `{"is_sufficient":true,"confidence":"0.95","followup_questions":[]}`, false, 0, []string{}},
		{"missing confidence", `{"is_sufficient":true}`, false, 0, nil},
		{"truthy non-bool", `{"is_sufficient":"yes","confidence":0.95}`, false, 0.95, nil},
		{"fenced", "```json\n{\"is_sufficient\":true,\"confidence\":0.92,\"followup_questions\":[]}\n```", true, 0.92, []string{}},
		{"prose", "I think we have enough.", false, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.raw, DefaultSufficiencyThreshold)
			if d.Proceed != tt.proceed {
				t.Errorf("Proceed = %v, want %v", d.Proceed, tt.proceed)
			}
			if d.Confidence != tt.conf {
				t.Errorf("Confidence = %v, want %v", d.Confidence, tt.conf)
			}
			if diff := cmp.Diff(tt.follow, d.FollowUps); diff != "" {
				t.Errorf("FollowUps mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecision_QuestionsPayloadDefaults(t *testing.T) {
	got, ok := structured.Questions(Decision{}.QuestionsPayload())
	if !ok {
		t.Fatal("payload did not parse")
	}
	if diff := cmp.Diff(structured.DefaultQuestions, got); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestGateEvaluate(t *testing.T) {
	fs := &fakeStreamer{content: `{"is_sufficient":true,"confidence":0.84,"followup_questions":["Is it worse when cold?"]}`}
	g := NewGate(fs, "google/gemini-3-pro-preview", 0)

	d, err := g.Evaluate(context.Background(), "Vehicle context: ...", nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Proceed {
		t.Error("Proceed = true for confidence 0.84")
	}
	if fs.got.Temperature == nil || *fs.got.Temperature != 0.1 {
		t.Errorf("Temperature = %v, want 0.1", fs.got.Temperature)
	}
	if fs.got.ResponseFormat.JSONSchema.Name != "diagnosis_sufficiency" {
		t.Errorf("schema name = %q", fs.got.ResponseFormat.JSONSchema.Name)
	}

	fs.content = `{"is_sufficient":true,"confidence":0.9,"followup_questions":[]}`
	d, err = g.Evaluate(context.Background(), "Vehicle context: ...", nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Proceed {
		t.Error("Proceed = false for confidence 0.9")
	}
}
