package structured

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseObject(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   map[string]any
		wantOK bool
	}{
		{
			name:   "plain object",
			input:  `{"questions":["a","b"]}`,
			want:   map[string]any{"questions": []any{"a", "b"}},
			wantOK: true,
		},
		{
			name:   "json fence",
			input:  "```json\n{\"is_sufficient\": true, \"confidence\": 0.9}\n```",
			want:   map[string]any{"is_sufficient": true, "confidence": 0.9},
			wantOK: true,
		},
		{
			name:   "bare fence with surrounding whitespace",
			input:  "  \n```\n{\"a\": 1}\n```  \n",
			want:   map[string]any{"a": float64(1)},
			wantOK: true,
		},
		{
			name:   "fence without closing line",
			input:  "```json\n{\"a\": 1}",
			want:   map[string]any{"a": float64(1)},
			wantOK: true,
		},
		{name: "empty", input: "", wantOK: false},
		{name: "whitespace", input: "   \n\t", wantOK: false},
		{name: "prose", input: "The alternator is failing.", wantOK: false},
		{name: "array", input: `["a","b"]`, wantOK: false},
		{name: "prose around object", input: `Sure! {"a": 1}`, wantOK: false},
		{name: "truncated", input: `{"a": 1`, wantOK: false},
		{name: "braces but invalid", input: `{not json}`, wantOK: false},
		{name: "null literal in fence", input: "```\nnull\n```", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseObject(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("ParseObject ok = %v, want %v", ok, tt.wantOK)
			}
			if diff := cmp.Diff(tt.want, got); tt.wantOK && diff != "" {
				t.Errorf("ParseObject mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// TestParseObject_Idempotent re-parses the serialisation of every successful
// parse and expects an equal object back.
func TestParseObject_Idempotent(t *testing.T) {
	inputs := []string{
		`{"questions":["When did it start?"," Any codes? "]}`,
		"```json\n{\"model_name\":\"x-ai/grok\",\"justification\":[\"a\",\"b\"],\"nested\":{\"k\":[1,2,3]}}\n```",
		`{"has_update":false,"confidence":0,"updates":{}}`,
		`{}`,
	}
	for _, in := range inputs {
		first, ok := ParseObject(in)
		if !ok {
			t.Fatalf("ParseObject(%q) failed", in)
		}
		b, err := json.Marshal(first)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		second, ok := ParseObject(string(b))
		if !ok {
			t.Fatalf("re-parse of %s failed", b)
		}
		if diff := cmp.Diff(first, second); diff != "" {
			t.Errorf("re-parse mismatch (-first +second):\n%s", diff)
		}
	}
}

func TestParseObject_NeverPanics(t *testing.T) {
	inputs := []string{"{", "}", "```", "```\n```", "{}}", "{\"a\":[}", strings.Repeat("{", 1000)}
	for _, in := range inputs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Errorf("ParseObject(%q) panicked: %v", in, r)
				}
			}()
			ParseObject(in)
		}()
	}
}

func TestDecode(t *testing.T) {
	var out struct {
		HasUpdate  bool    `json:"has_update"`
		Confidence float64 `json:"confidence"`
	}
	if !Decode("```json\n{\"has_update\":true,\"confidence\":0.91}\n```", &out) {
		t.Fatal("Decode returned false")
	}
	if !out.HasUpdate || out.Confidence != 0.91 {
		t.Errorf("decoded %+v", out)
	}

	if Decode(`{"has_update":"yes"}`, &out) {
		t.Error("Decode accepted a mistyped field")
	}
	if Decode("no json here", &out) {
		t.Error("Decode accepted prose")
	}
}

func TestFormat(t *testing.T) {
	rf := Format("intake_questions", QuestionsSchema())
	b, err := json.Marshal(rf)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got := string(b)
	for _, want := range []string{
		`"type":"json_schema"`,
		`"name":"intake_questions"`,
		`"strict":true`,
		`"required":["questions"]`,
		`"additionalProperties":false`,
		`"items":{"type":"string"}`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("format %s does not contain %s", got, want)
		}
	}
}

func TestNumberField(t *testing.T) {
	obj, _ := ParseObject(`{"a":0.5,"b":"0.9","c":true}`)
	if v, ok := NumberField(obj, "a"); !ok || v != 0.5 {
		t.Errorf("a = %v, %v", v, ok)
	}
	if _, ok := NumberField(obj, "b"); ok {
		t.Error("string accepted as number")
	}
	if _, ok := NumberField(obj, "c"); ok {
		t.Error("bool accepted as number")
	}
	if _, ok := NumberField(obj, "missing"); ok {
		t.Error("missing key accepted")
	}
}
