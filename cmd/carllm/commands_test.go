package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/carllm/internal/openrouter"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"chat not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useServer points the CLI commands at ts for the duration of the test.
func useServer(t *testing.T, ts *testServer) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() {
		newAPIClient = old
		rootCmd.SetArgs(nil)
	})
}

var ctx = context.Background()

func TestClient_SendsBearerAndJSON(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/vehicles": `{"id":"veh-1","make":"Toyota","model":"Camry"}`,
	})

	resp, err := ts.client().post(ctx, "/v1/vehicles", map[string]any{"make": "Toyota", "model": "Camry"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var v vehicleInfo
	if err := decodeJSON(resp, &v); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if v.ID != "veh-1" {
		t.Errorf("id = %q, want veh-1", v.ID)
	}

	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	if r.ContentType != "application/json" {
		t.Errorf("content type = %q, want application/json", r.ContentType)
	}
}

func TestDecodeJSON_ErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/v1/chats/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var c chatInfo
	err = decodeJSON(resp, &c)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	for _, want := range []string{"404", "not_found", "chat not found"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %q, want it to mention %q", err.Error(), want)
		}
	}
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Errorf("error = %#v, want *apiError with status 404", err)
	}
}

func TestClient_ServerNotRunning(t *testing.T) {
	c := &apiClient{baseURL: "http://127.0.0.1:1", token: "t", httpClient: http.DefaultClient}
	_, err := c.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNextStage(t *testing.T) {
	tests := []struct {
		name       string
		promptType string
		stage      string
		want       string
	}{
		{"initial description", "intake", "initial", "intake"},
		{"answers", "intake", "followup_answer", "diagnose"},
		{"follow-up chat", "normal", "", "reply"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m messageInfo
			m.PromptType = tt.promptType
			m.Metadata.IntakeStage = tt.stage
			if got := nextStage(m); got != tt.want {
				t.Errorf("nextStage = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChatSend_RunsIntakeForFirstMessage(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/chats/c1/messages": `{"id":"m1","role":"user","prompt_type":"intake","content":"noise","metadata":{"intake_stage":"initial"}}`,
		"POST /v1/chats/c1/intake":   `{"status":"ok"}`,
		"GET /v1/chats/c1/messages":  `[{"id":"m1","role":"user","content":"noise"},{"id":"m2","role":"assistant","prompt_type":"intake","content":"{\"questions\":[\"When?\"]}"}]`,
	})
	useServer(t, ts)

	rootCmd.SetArgs([]string{"chat", "send", "c1", "grinding", "noise"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(ts.requests))
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["content"] != "grinding noise" {
		t.Errorf("content = %q, want %q", body["content"], "grinding noise")
	}
	if ts.requests[1].Path != "/v1/chats/c1/intake" {
		t.Errorf("stage path = %q, want /v1/chats/c1/intake", ts.requests[1].Path)
	}
	if err := json.Unmarshal([]byte(ts.requests[1].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["message_id"] != "m1" {
		t.Errorf("message_id = %q, want m1", body["message_id"])
	}
}

func TestDiagnose_UsesLatestMessage(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/chats/c1":           `{"id":"c1","latest_message_id":"m7"}`,
		"POST /v1/chats/c1/diagnose": `{"status":"needs_more_info"}`,
		"GET /v1/chats/c1/messages":  `[]`,
	})
	useServer(t, ts)

	rootCmd.SetArgs([]string{"diagnose", "c1"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(ts.requests[1].Body, `"m7"`) {
		t.Errorf("diagnose body = %q, want message m7", ts.requests[1].Body)
	}
}

func TestServiceRecord_ContentType(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/vehicles/v1/service-records": `{"status":"queued","characters":12}`,
	})
	useServer(t, ts)

	dir := t.TempDir()
	txt := filepath.Join(dir, "invoice.txt")
	pdf := filepath.Join(dir, "invoice.PDF")
	for _, p := range []string{txt, pdf} {
		if err := os.WriteFile(p, []byte("Oil change"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	for _, tc := range []struct{ file, want string }{
		{txt, "text/plain; charset=utf-8"},
		{pdf, "application/pdf"},
	} {
		rootCmd.SetArgs([]string{"service-record", "v1", tc.file})
		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got := ts.requests[len(ts.requests)-1]
		if got.ContentType != tc.want {
			t.Errorf("%s: content type = %q, want %q", filepath.Base(tc.file), got.ContentType, tc.want)
		}
		if got.Body != "Oil change" {
			t.Errorf("body = %q, want raw file contents", got.Body)
		}
	}
}

func TestVehicleAdd_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"vehicle", "add", "Toyota"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for missing model")
	}
}

func TestRenderContent(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	tests := []struct {
		name string
		msg  messageInfo
		want []string
	}{
		{
			"questions",
			messageInfo{PromptType: "intake", Content: `{"questions":["Any codes?","Mileage?"]}`},
			[]string{"1. Any codes?", "2. Mileage?"},
		},
		{
			"verdict",
			messageInfo{PromptType: "aggregate", Content: `{"diagnostic_answer":"Bad O2 sensor","justification":["P0136"],"explanation":"Replace it."}`},
			[]string{"Bad O2 sensor", "- P0136", "Replace it."},
		},
		{
			"unstructured verdict",
			messageInfo{PromptType: "aggregate", Content: "Engines disagree."},
			[]string{"Engines disagree."},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := renderContent(tt.msg)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("renderContent = %q, want it to contain %q", got, w)
				}
			}
		})
	}
}

type fakeLister struct {
	models []openrouter.Model
	err    error
}

func (f fakeLister) ListModels(context.Context) ([]openrouter.Model, error) {
	return f.models, f.err
}

func TestReportEngines(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	out := captureStderr(t, func() {
		reportEngines(ctx, fakeLister{models: []openrouter.Model{{ID: "a/one"}}}, []string{"a/one", "b/two"})
	})
	if !strings.Contains(out, "a/one available") {
		t.Errorf("output = %q, want a/one available", out)
	}
	if !strings.Contains(out, "b/two missing") {
		t.Errorf("output = %q, want b/two missing", out)
	}

	out = captureStderr(t, func() {
		reportEngines(ctx, fakeLister{err: errors.New("boom")}, []string{"a/one"})
	})
	if !strings.Contains(out, "unreachable") || !strings.Contains(out, "a/one (unknown)") {
		t.Errorf("output = %q, want unreachable provider and unknown engine", out)
	}
}

func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	old := statusOut
	statusOut = &buf
	defer func() { statusOut = old }()
	fn()
	return buf.String()
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	t.Setenv("NO_COLOR", "")
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := pidFilePath(t.TempDir())
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error after removal")
	}
}
