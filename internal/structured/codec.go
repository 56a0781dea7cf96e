// Package structured builds JSON-schema response formats for the inference
// provider and parses model output that is expected to be a JSON object.
//
// Providers do not always honour schema constraints: output may arrive wrapped
// in a markdown fence or not be JSON at all. Parsing therefore never fails
// loudly; callers get a boolean and must supply their own textual fallback.
package structured

import (
	"encoding/json"
	"strings"
)

// ResponseFormat is the OpenAI-compatible response_format request field.
type ResponseFormat struct {
	Type       string     `json:"type"`
	JSONSchema JSONSchema `json:"json_schema"`
}

// JSONSchema names a schema and marks it strict.
type JSONSchema struct {
	Name   string `json:"name"`
	Strict bool   `json:"strict"`
	Schema Schema `json:"schema"`
}

// Schema describes an object, array, or scalar in the request schema.
type Schema struct {
	Type                 string            `json:"type"`
	Description          string            `json:"description,omitempty"`
	Properties           map[string]Schema `json:"properties,omitempty"`
	Items                *Schema           `json:"items,omitempty"`
	Required             []string          `json:"required,omitempty"`
	AdditionalProperties *bool             `json:"additionalProperties,omitempty"`
}

// Format wraps a schema into a strict json_schema response format.
func Format(name string, schema Schema) *ResponseFormat {
	return &ResponseFormat{
		Type: "json_schema",
		JSONSchema: JSONSchema{
			Name:   name,
			Strict: true,
			Schema: schema,
		},
	}
}

// Object returns an object schema that forbids extra properties.
func Object(props map[string]Schema, required ...string) Schema {
	closed := false
	return Schema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: &closed,
	}
}

// String returns a string property.
func String(description string) Schema {
	return Schema{Type: "string", Description: description}
}

// Number returns a numeric property.
func Number(description string) Schema {
	return Schema{Type: "number", Description: description}
}

// Boolean returns a boolean property.
func Boolean() Schema {
	return Schema{Type: "boolean"}
}

// StringArray returns an array-of-strings property.
func StringArray(description string) Schema {
	return Schema{Type: "array", Description: description, Items: &Schema{Type: "string"}}
}

// ParseObject extracts a single JSON object from model output. It strips a
// surrounding code fence, requires the remainder to start with '{' and end
// with '}', and decodes it. Any failure yields (nil, false).
func ParseObject(text string) (map[string]any, bool) {
	body, ok := objectText(text)
	if !ok {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(body), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// Decode applies the same preprocessing as ParseObject and decodes into v.
// It reports false when the text is not a well-formed object or does not fit v.
func Decode(text string, v any) bool {
	body, ok := objectText(text)
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(body), v) == nil
}

func objectText(text string) (string, bool) {
	trimmed := stripFence(strings.TrimSpace(text))
	if trimmed == "" {
		return "", false
	}
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return "", false
	}
	return trimmed, true
}

// stripFence removes a leading ``` line (with optional language tag) and a
// trailing ``` line.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	lines = lines[1:]
	if n := len(lines); n > 0 && strings.HasPrefix(strings.TrimSpace(lines[n-1]), "```") {
		lines = lines[:n-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// CleanStrings trims each item and drops blanks. Non-string items are skipped.
func CleanStrings(items []any) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// NumberField reads a numeric field. JSON booleans and strings are not numbers.
func NumberField(obj map[string]any, key string) (float64, bool) {
	f, ok := obj[key].(float64)
	return f, ok
}
