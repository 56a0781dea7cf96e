package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/carllm/internal/fanout"
	"github.com/kalambet/carllm/internal/intake"
	"github.com/kalambet/carllm/internal/judge"
	"github.com/kalambet/carllm/internal/metrics"
	"github.com/kalambet/carllm/internal/openrouter"
	"github.com/kalambet/carllm/internal/pipeline"
	"github.com/kalambet/carllm/internal/storage"
	"github.com/kalambet/carllm/internal/trigger"
)

var testEngines = []string{"engine-a", "engine-b"}

// scriptedProvider answers by response schema name, or by model when the
// request has no schema.
type scriptedProvider struct {
	mu      sync.Mutex
	replies map[string]string
}

func (p *scriptedProvider) set(key, reply string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies[key] = reply
}

func (p *scriptedProvider) Stream(_ context.Context, req openrouter.ChatRequest, r openrouter.Reporter) (openrouter.StreamResult, error) {
	key := req.Model
	if req.ResponseFormat != nil {
		key = req.ResponseFormat.JSONSchema.Name
	}
	p.mu.Lock()
	content, ok := p.replies[key]
	p.mu.Unlock()
	if !ok {
		return openrouter.StreamResult{}, &openrouter.ProviderError{Op: "stream", Status: 503, Err: errors.New("no reply scripted")}
	}
	if r != nil {
		r.Add(openrouter.EstimateTokens(content), true)
	}
	return openrouter.StreamResult{Content: content}, nil
}

type testEnv struct {
	store    *storage.Store
	provider *scriptedProvider
	pipeline *pipeline.Service
	metrics  *metrics.Metrics
	server   *httptest.Server
	user     storage.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	u, err := st.CreateUser(ctx, storage.User{})
	require.NoError(t, err)

	p := &scriptedProvider{replies: map[string]string{}}
	m := metrics.New()
	enq := trigger.NewEnqueuer(st)
	svc := pipeline.NewService(pipeline.Deps{
		Store:      st,
		Provider:   p,
		Questioner: intake.NewQuestioner(p, "intake-model"),
		Gate:       intake.NewGate(p, "judge-model", 0),
		FanOut:     fanout.New(st, p, testEngines),
		Judge:      judge.NewAggregator(p, "judge-model"),
		ChatModel:  "chat-model",
		Metrics:    m,
		Notifier:   enq,
	})

	srv := httptest.NewServer(NewHandler(Deps{Store: st, Pipeline: svc, Enqueuer: enq, Metrics: m}))
	t.Cleanup(srv.Close)

	return &testEnv{store: st, provider: p, pipeline: svc, metrics: m, server: srv, user: u}
}

func (e *testEnv) do(t *testing.T, method, path, contentType string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.user.Token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) postJSON(t *testing.T, path string, v any) *http.Response {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return e.do(t, http.MethodPost, path, "application/json", bytes.NewReader(b))
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (e *testEnv) createVehicle(t *testing.T) vehicleView {
	t.Helper()
	resp := e.postJSON(t, "/v1/vehicles", map[string]any{"year": 2012, "make": "Toyota", "model": "Camry", "mileage": 180000})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[vehicleView](t, resp)
}

func (e *testEnv) createChat(t *testing.T, vehicleID string) chatView {
	t.Helper()
	resp := e.postJSON(t, "/v1/chats", map[string]string{"vehicle_id": vehicleID})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[chatView](t, resp)
}

func (e *testEnv) send(t *testing.T, chatID, content string) messageView {
	t.Helper()
	resp := e.postJSON(t, "/v1/chats/"+chatID+"/messages", map[string]string{"content": content})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[messageView](t, resp)
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	env.metrics.ObserveRequest("diagnose", "ok")
	resp, err = http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ = io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "carllm_pipeline_requests_total")
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic " + env.user.Token},
		{"unknown token", "Bearer not-a-token"},
		{"empty token", "Bearer "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, env.server.URL+"/v1/vehicles", nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			body := decode[errorBody](t, resp)
			assert.Equal(t, "unauthenticated", body.Error.Type)
		})
	}
}

func TestCreateVehicle(t *testing.T) {
	env := newTestEnv(t)

	v := env.createVehicle(t)
	assert.NotEmpty(t, v.ID)
	assert.Equal(t, "Toyota", v.Make)
	assert.Equal(t, 180000, v.Mileage)
	assert.Equal(t, []string{}, v.Replacements)

	resp := env.do(t, http.MethodGet, "/v1/vehicles", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]vehicleView](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, v.ID, list[0].ID)

	resp = env.do(t, http.MethodGet, "/v1/vehicles/"+v.ID, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/vehicles/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateVehicle_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"make":`},
		{"missing make", `{"model":"Camry"}`},
		{"blank model", `{"make":"Toyota","model":"  "}`},
		{"negative mileage", `{"make":"Toyota","model":"Camry","mileage":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/v1/vehicles", "application/json", strings.NewReader(tt.body))
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "invalid_argument", decode[errorBody](t, resp).Error.Type)
		})
	}
}

func TestChatFlow(t *testing.T) {
	env := newTestEnv(t)
	v := env.createVehicle(t)
	chat := env.createChat(t, v.ID)
	assert.Empty(t, chat.Phase)

	msg := env.send(t, chat.ID, "Check engine light is on and the car hesitates.")
	assert.Equal(t, "user", msg.Role)
	assert.Equal(t, "intake", msg.PromptType)

	counts, err := env.store.CountJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts["pending"], "both extractors are queued for a user message")

	env.provider.set("intake_questions", `{"questions":["Any codes stored?","What is the mileage?","When did it start?"]}`)
	resp := env.postJSON(t, "/v1/chats/"+chat.ID+"/intake", map[string]string{"message_id": msg.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]string{"status": "ok"}, decode[map[string]string](t, resp))

	resp = env.do(t, http.MethodGet, "/v1/chats/"+chat.ID, "", nil)
	chat = decode[chatView](t, resp)
	assert.Equal(t, "intake_answers", chat.Phase)
	assert.False(t, chat.AwaitingResponse)
	assert.Positive(t, chat.TokensReceived)

	answers := env.send(t, chat.ID, "P0420, 180k miles, started last week")
	env.provider.set("diagnosis_sufficiency", `{"is_sufficient":true,"confidence":0.95,"followup_questions":[]}`)
	env.provider.set("engine-a", "Failing catalytic converter")
	env.provider.set("engine-b", "Downstream O2 sensor")
	env.provider.set("diagnosis_judgement", `{"model_name":"engine-a","diagnostic_answer":"Catalytic converter","justification":["P0420 stored"],"explanation":"Replace the converter."}`)

	resp = env.postJSON(t, "/v1/chats/"+chat.ID+"/diagnose", map[string]string{"message_id": answers.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])

	resp = env.do(t, http.MethodGet, "/v1/chats/"+chat.ID+"/messages", "", nil)
	msgs := decode[[]messageView](t, resp)
	require.Len(t, msgs, 4)
	last := msgs[3]
	assert.Equal(t, "assistant", last.Role)
	assert.Equal(t, "aggregate", last.PromptType)
	assert.Equal(t, storage.SourceLLM, last.Source)
	assert.Contains(t, last.Content, "Catalytic converter")

	resp = env.do(t, http.MethodGet, "/v1/chats/"+chat.ID+"/runs?message_id="+answers.ID, "", nil)
	runs := decode[[]runView](t, resp)
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, "completed", r.Status)
		assert.NotNil(t, r.FinishedAt)
	}
}

func TestStageErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	v := env.createVehicle(t)
	chat := env.createChat(t, v.ID)
	msg := env.send(t, chat.ID, "Grinding noise when braking")

	other, err := env.store.CreateUser(context.Background(), storage.User{})
	require.NoError(t, err)
	foreignVehicle, err := env.store.CreateVehicle(context.Background(), storage.Vehicle{UserID: other.ID, Make: "Honda", Model: "Civic"})
	require.NoError(t, err)
	foreignChat, err := env.store.CreateConversation(context.Background(), storage.Conversation{UserID: other.ID, VehicleID: foreignVehicle.ID})
	require.NoError(t, err)

	tests := []struct {
		name     string
		path     string
		body     map[string]string
		wantCode int
		wantType string
	}{
		{"missing message id", "/v1/chats/" + chat.ID + "/diagnose", map[string]string{}, http.StatusBadRequest, "invalid_argument"},
		{"unknown chat", "/v1/chats/nope/diagnose", map[string]string{"message_id": msg.ID}, http.StatusNotFound, "not_found"},
		{"foreign chat", "/v1/chats/" + foreignChat.ID + "/reply", map[string]string{"message_id": msg.ID}, http.StatusForbidden, "forbidden"},
		{"unknown message", "/v1/chats/" + chat.ID + "/reply", map[string]string{"message_id": "nope"}, http.StatusNotFound, "not_found"},
		// No reply is scripted for the chat model.
		{"provider failure", "/v1/chats/" + chat.ID + "/reply", map[string]string{"message_id": msg.ID}, http.StatusBadGateway, "provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.postJSON(t, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, resp.StatusCode)
			assert.Equal(t, tt.wantType, decode[errorBody](t, resp).Error.Type)
		})
	}
}

func TestDiagnose_WithoutIntakeFailsPrecondition(t *testing.T) {
	env := newTestEnv(t)
	v := env.createVehicle(t)
	chat := env.createChat(t, v.ID)

	// A follow-up-phase chat whose history has no initial description.
	require.NoError(t, env.store.UpdateConversation(context.Background(), chat.ID, storage.ConversationUpdate{
		Phase: ptr(storage.PhaseNormal),
	}))
	msg := env.send(t, chat.ID, "and it smells like sulfur")

	resp := env.postJSON(t, "/v1/chats/"+chat.ID+"/diagnose", map[string]string{"message_id": msg.ID})
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
	assert.Equal(t, "failed_precondition", decode[errorBody](t, resp).Error.Type)
}

func TestServiceRecord_PlainText(t *testing.T) {
	env := newTestEnv(t)
	v := env.createVehicle(t)

	resp := env.do(t, http.MethodPost, "/v1/vehicles/"+v.ID+"/service-records", "text/plain; charset=utf-8",
		strings.NewReader("  Replaced front brake pads and rotors.  "))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, v.ID, body["vehicle_id"])
	assert.EqualValues(t, len("Replaced front brake pads and rotors."), body["characters"])

	job, err := env.store.ClaimNextJob(context.Background(), []string{trigger.JobExtractReplacements})
	require.NoError(t, err)
	require.NotNil(t, job)
	var p trigger.Payload
	require.NoError(t, json.Unmarshal([]byte(job.PayloadJSON), &p))
	assert.Equal(t, v.ID, p.VehicleID)
	assert.Equal(t, "Replaced front brake pads and rotors.", p.Content)
}

func TestServiceRecord_Rejections(t *testing.T) {
	env := newTestEnv(t)
	v := env.createVehicle(t)

	tests := []struct {
		name        string
		vehicleID   string
		contentType string
		body        string
		wantCode    int
	}{
		{"invalid pdf", v.ID, "application/pdf", "not a pdf", http.StatusBadRequest},
		{"unsupported type", v.ID, "image/png", "png", http.StatusUnsupportedMediaType},
		{"blank text", v.ID, "text/plain", "   \n", http.StatusUnprocessableEntity},
		{"unknown vehicle", "nope", "text/plain", "Oil change", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/v1/vehicles/"+tt.vehicleID+"/service-records", tt.contentType, strings.NewReader(tt.body))
			assert.Equal(t, tt.wantCode, resp.StatusCode)
		})
	}

	counts, err := env.store.CountJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "héllo", truncateRunes("héllo", 10))
	assert.Equal(t, "hé", truncateRunes("héllo", 2))
}

func ptr[T any](v T) *T { return &v }
