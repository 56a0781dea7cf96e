// Package trigger delivers message-created events to the vehicle extractors
// through the SQLite job queue. Delivery is at-least-once; the extractors
// are idempotent.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/kalambet/carllm/internal/extract"
	"github.com/kalambet/carllm/internal/storage"
)

// Job types.
const (
	JobExtractAttributes   = "extract_attributes"
	JobExtractReplacements = "extract_replacements"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	MessageByID(ctx context.Context, id string) (storage.Message, error)
}

// Payload is the JSON body of an extraction job. Either MessageID refers to a
// stored message, or VehicleID and Content carry the text directly.
type Payload struct {
	MessageID      string `json:"message_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	VehicleID      string `json:"vehicle_id,omitempty"`
	Content        string `json:"content,omitempty"`
}

// Worker processes extraction jobs.
type Worker struct {
	store    JobStore
	handlers map[string]extract.Handler
	types    []string
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker dispatching each job type to its handler.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, handlers map[string]extract.Handler, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	types := make([]string, 0, len(handlers))
	for t := range handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return &Worker{
		store:    store,
		handlers: handlers,
		types:    types,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single extraction job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, w.types)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	handler, ok := w.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler for job type %q", job.Type)
	}

	var payload Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	ev, ok, err := w.event(ctx, payload)
	if err != nil {
		return err
	}
	if !ok {
		w.logger.Info("job refers to a missing message, dropping", "job_id", job.ID, "message_id", payload.MessageID)
		return nil
	}
	return handler.Handle(ctx, ev)
}

func (w *Worker) event(ctx context.Context, p Payload) (extract.Event, bool, error) {
	if p.MessageID == "" {
		return extract.Event{
			VehicleID: p.VehicleID,
			Role:      storage.RoleUser,
			Content:   p.Content,
		}, true, nil
	}

	msg, err := w.store.MessageByID(ctx, p.MessageID)
	if errors.Is(err, storage.ErrNotFound) {
		return extract.Event{}, false, nil
	}
	if err != nil {
		return extract.Event{}, false, fmt.Errorf("loading message %s: %w", p.MessageID, err)
	}
	return extract.Event{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Role:           msg.Role,
		Content:        msg.Content,
	}, true, nil
}
