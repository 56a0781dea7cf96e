package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/carllm/internal/pipeline"
)

type createChatRequest struct {
	VehicleID string `json:"vehicle_id"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type stageRequest struct {
	MessageID string `json:"message_id"`
}

func handleCreateChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createChatRequest
		if !decodeBody(w, r, &req) {
			return
		}
		conv, err := deps.Pipeline.StartChat(r.Context(), UserID(r.Context()), req.VehicleID)
		if err != nil {
			pipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, newChatView(conv))
	}
}

func handleGetChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, err := deps.Pipeline.Chat(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			pipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newChatView(conv))
	}
}

func handleListMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, err := deps.Pipeline.Chat(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			pipelineError(w, err)
			return
		}
		msgs, err := deps.Store.ListMessages(r.Context(), conv.ID)
		if err != nil {
			storeError(w, "messages", err)
			return
		}
		views := make([]messageView, len(msgs))
		for i, m := range msgs {
			views[i] = newMessageView(m)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleSendMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendMessageRequest
		if !decodeBody(w, r, &req) {
			return
		}
		msg, err := deps.Pipeline.Send(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"), req.Content)
		if err != nil {
			pipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, newMessageView(msg))
	}
}

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, err := deps.Pipeline.Chat(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			pipelineError(w, err)
			return
		}
		runs, err := deps.Store.ListRuns(r.Context(), conv.ID, r.URL.Query().Get("message_id"))
		if err != nil {
			storeError(w, "runs", err)
			return
		}
		views := make([]runView, len(runs))
		for i, run := range runs {
			views[i] = newRunView(run)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

type stageFunc func(ctx context.Context, uid, chatID, messageID string) (pipeline.Status, error)

// handleStage runs one pipeline entry point for the message named in the
// body and replies with its status.
func handleStage(run stageFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req stageRequest
		if !decodeBody(w, r, &req) {
			return
		}
		status, err := run(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"), req.MessageID)
		if err != nil {
			pipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
	}
}
