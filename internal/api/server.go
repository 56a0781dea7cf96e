package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/carllm/internal/metrics"
	"github.com/kalambet/carllm/internal/pipeline"
	"github.com/kalambet/carllm/internal/storage"
	"github.com/kalambet/carllm/internal/trigger"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps holds everything the HTTP surface needs.
type Deps struct {
	Store    *storage.Store
	Pipeline *pipeline.Service
	Enqueuer *trigger.Enqueuer
	Metrics  *metrics.Metrics
}

// NewHandler returns the HTTP API. /health and /metrics are public; every
// /v1 route requires a bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(Authenticate(deps.Store))

		r.Post("/vehicles", handleCreateVehicle(deps))
		r.Get("/vehicles", handleListVehicles(deps))
		r.Get("/vehicles/{id}", handleGetVehicle(deps))
		r.Post("/vehicles/{id}/service-records", handleServiceRecord(deps))

		r.Post("/chats", handleCreateChat(deps))
		r.Get("/chats/{id}", handleGetChat(deps))
		r.Get("/chats/{id}/messages", handleListMessages(deps))
		r.Post("/chats/{id}/messages", handleSendMessage(deps))
		r.Get("/chats/{id}/runs", handleListRuns(deps))
		r.Post("/chats/{id}/intake", handleStage(deps.Pipeline.QuestionPrompt))
		r.Post("/chats/{id}/diagnose", handleStage(deps.Pipeline.Diagnose))
		r.Post("/chats/{id}/reply", handleStage(deps.Pipeline.Reply))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_argument", "invalid request body: %v", err)
		return false
	}
	return true
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// pipelineError writes err with the status code for its kind.
func pipelineError(w http.ResponseWriter, err error) {
	kind := pipeline.Kind(err)
	code := http.StatusInternalServerError
	switch kind {
	case "unauthenticated":
		code = http.StatusUnauthorized
	case "forbidden":
		code = http.StatusForbidden
	case "not_found":
		code = http.StatusNotFound
	case "invalid_argument":
		code = http.StatusBadRequest
	case "failed_precondition":
		code = http.StatusPreconditionFailed
	case "provider":
		code = http.StatusBadGateway
	}
	httpError(w, code, kind, "%v", err)
}

// storeError maps storage lookups that bypass the pipeline guards.
func storeError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "%s not found", what)
		return
	}
	httpError(w, http.StatusInternalServerError, "internal", "loading %s: %v", what, err)
}

// --- response views ---

type vehicleView struct {
	ID               string    `json:"id"`
	Year             int       `json:"year,omitempty"`
	Make             string    `json:"make,omitempty"`
	Model            string    `json:"model,omitempty"`
	Mileage          int       `json:"mileage,omitempty"`
	EngineType       string    `json:"engine_type,omitempty"`
	TransmissionType string    `json:"transmission_type,omitempty"`
	Drivetrain       string    `json:"drivetrain,omitempty"`
	FuelType         string    `json:"fuel_type,omitempty"`
	Replacements     []string  `json:"replacements"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func newVehicleView(v storage.Vehicle) vehicleView {
	repl := v.Replacements
	if repl == nil {
		repl = []string{}
	}
	return vehicleView{
		ID:               v.ID,
		Year:             v.Year,
		Make:             v.Make,
		Model:            v.Model,
		Mileage:          v.Mileage,
		EngineType:       v.EngineType,
		TransmissionType: v.TransmissionType,
		Drivetrain:       v.Drivetrain,
		FuelType:         v.FuelType,
		Replacements:     repl,
		CreatedAt:        v.CreatedAt,
		UpdatedAt:        v.UpdatedAt,
	}
}

type chatView struct {
	ID               string    `json:"id"`
	VehicleID        string    `json:"vehicle_id,omitempty"`
	Phase            string    `json:"phase"`
	AwaitingResponse bool      `json:"awaiting_response"`
	TokensReceived   int       `json:"tokens_received"`
	LatestMessageID  string    `json:"latest_message_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func newChatView(c storage.Conversation) chatView {
	return chatView{
		ID:               c.ID,
		VehicleID:        c.VehicleID,
		Phase:            string(c.Phase),
		AwaitingResponse: c.AwaitingResponse,
		TokensReceived:   c.TokensReceived,
		LatestMessageID:  c.LatestMessageID,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

type messageView struct {
	ID         string                  `json:"id"`
	Role       string                  `json:"role"`
	PromptType string                  `json:"prompt_type,omitempty"`
	Content    string                  `json:"content"`
	Source     string                  `json:"source,omitempty"`
	Metadata   storage.MessageMetadata `json:"metadata"`
	CreatedAt  time.Time               `json:"created_at"`
}

func newMessageView(m storage.Message) messageView {
	return messageView{
		ID:         m.ID,
		Role:       string(m.Role),
		PromptType: string(m.PromptType),
		Content:    m.Content,
		Source:     string(m.Source),
		Metadata:   m.Metadata,
		CreatedAt:  m.CreatedAt,
	}
}

type runView struct {
	ID         string     `json:"id"`
	MessageID  string     `json:"message_id"`
	Model      string     `json:"model"`
	Provider   string     `json:"provider"`
	Status     string     `json:"status"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func newRunView(r storage.InferenceRun) runView {
	v := runView{
		ID:        r.ID,
		MessageID: r.MessageID,
		Model:     r.Model,
		Provider:  r.Provider,
		Status:    string(r.Status),
		Output:    r.Output,
		Error:     r.Error,
		CreatedAt: r.CreatedAt,
	}
	if !r.FinishedAt.IsZero() {
		t := r.FinishedAt
		v.FinishedAt = &t
	}
	return v
}
