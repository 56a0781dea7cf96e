package trigger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kalambet/carllm/internal/storage"
)

// JobQueue is the enqueue side of the job store.
type JobQueue interface {
	EnqueueJob(ctx context.Context, job storage.Job) (storage.Job, error)
}

// Enqueuer turns new messages and uploaded service records into extraction
// jobs.
type Enqueuer struct {
	queue JobQueue
}

func NewEnqueuer(queue JobQueue) *Enqueuer {
	return &Enqueuer{queue: queue}
}

// MessageCreated enqueues both extractors for a user message. Assistant
// messages are ignored.
func (e *Enqueuer) MessageCreated(ctx context.Context, m storage.Message) error {
	if m.Role != storage.RoleUser {
		return nil
	}
	p := Payload{MessageID: m.ID, ConversationID: m.ConversationID}
	for _, typ := range []string{JobExtractAttributes, JobExtractReplacements} {
		if err := e.enqueue(ctx, typ, p); err != nil {
			return err
		}
	}
	return nil
}

// ServiceRecord enqueues a replacement extraction over text taken from a
// service record.
func (e *Enqueuer) ServiceRecord(ctx context.Context, vehicleID, content string) error {
	return e.enqueue(ctx, JobExtractReplacements, Payload{VehicleID: vehicleID, Content: content})
}

func (e *Enqueuer) enqueue(ctx context.Context, typ string, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", typ, err)
	}
	if _, err := e.queue.EnqueueJob(ctx, storage.Job{Type: typ, PayloadJSON: string(body)}); err != nil {
		return fmt.Errorf("enqueueing %s: %w", typ, err)
	}
	return nil
}
