package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const runColumns = `id, conversation_id, message_id, model, provider, status, prompt_type,
	input_snapshot, output, error, created_at, started_at, finished_at`

// ProviderOf returns the vendor prefix of a model identifier ("z-ai" for
// "z-ai/glm-4.7").
func ProviderOf(model string) string {
	provider, _, ok := strings.Cut(model, "/")
	if !ok {
		return ""
	}
	return provider
}

// CreateRun stores a queued run together with its input snapshot.
func (s *Store) CreateRun(ctx context.Context, r InferenceRun) (InferenceRun, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Provider == "" {
		r.Provider = ProviderOf(r.Model)
	}
	if r.PromptType == "" {
		r.PromptType = PromptAggregate
	}
	r.Status = RunQueued
	r.CreatedAt = nowUTC()

	snapshot, err := json.Marshal(r.InputSnapshot)
	if err != nil {
		return InferenceRun{}, fmt.Errorf("encoding snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO inference_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, '', '')`,
		r.ID, r.ConversationID, r.MessageID, r.Model, r.Provider, string(r.Status), string(r.PromptType),
		string(snapshot), formatTime(r.CreatedAt),
	)
	if err != nil {
		return InferenceRun{}, fmt.Errorf("inserting run: %w", err)
	}
	return r, nil
}

// MarkRunRunning moves a queued run to running.
func (s *Store) MarkRunRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE inference_runs SET status = 'running', started_at = ? WHERE id = ? AND status = 'queued'`,
		formatTime(nowUTC()), id,
	)
	if err != nil {
		return fmt.Errorf("marking run running: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// CompleteRun records the output and finishes the run.
func (s *Store) CompleteRun(ctx context.Context, id, output string) error {
	return s.finishRun(ctx, id, RunCompleted, output, "")
}

// FailRun records the error and finishes the run with an empty output.
func (s *Store) FailRun(ctx context.Context, id, errMsg string) error {
	return s.finishRun(ctx, id, RunFailed, "", errMsg)
}

func (s *Store) finishRun(ctx context.Context, id string, status RunStatus, output, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inference_runs SET status = ?, output = ?, error = ?, finished_at = ?
		WHERE id = ? AND status IN ('queued', 'running')`,
		string(status), output, errMsg, formatTime(nowUTC()), id,
	)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// checkTransition distinguishes a missing run from one that is already
// terminal when a guarded update matched no rows.
func (s *Store) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM inference_runs WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if RunStatus(status).Terminal() {
		return ErrRunTerminal
	}
	return fmt.Errorf("run %s: invalid transition from %s", id, status)
}

func (s *Store) GetRun(ctx context.Context, id string) (InferenceRun, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM inference_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return InferenceRun{}, ErrNotFound
	}
	return r, err
}

// ListRuns returns a conversation's runs in creation order, optionally
// restricted to one triggering message.
func (s *Store) ListRuns(ctx context.Context, conversationID, messageID string) ([]InferenceRun, error) {
	query := `SELECT ` + runColumns + ` FROM inference_runs WHERE conversation_id = ?`
	args := []any{conversationID}
	if messageID != "" {
		query += ` AND message_id = ?`
		args = append(args, messageID)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []InferenceRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func scanRun(row scanner) (InferenceRun, error) {
	var r InferenceRun
	var status, promptType, snapshot, createdAt, startedAt, finishedAt string
	if err := row.Scan(&r.ID, &r.ConversationID, &r.MessageID, &r.Model, &r.Provider, &status, &promptType,
		&snapshot, &r.Output, &r.Error, &createdAt, &startedAt, &finishedAt); err != nil {
		return InferenceRun{}, err
	}
	r.Status = RunStatus(status)
	r.PromptType = PromptType(promptType)
	if err := json.Unmarshal([]byte(snapshot), &r.InputSnapshot); err != nil {
		return InferenceRun{}, fmt.Errorf("decoding input_snapshot: %w", err)
	}
	var err error
	if r.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return InferenceRun{}, err
	}
	if r.StartedAt, err = parseTime("started_at", startedAt); err != nil {
		return InferenceRun{}, err
	}
	if r.FinishedAt, err = parseTime("finished_at", finishedAt); err != nil {
		return InferenceRun{}, err
	}
	return r, nil
}
