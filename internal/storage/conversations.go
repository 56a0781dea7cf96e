package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// --- Conversations ---

const conversationColumns = `id, user_id, vehicle_id, phase, awaiting_response, tokens_received,
	latest_message_id, created_at, updated_at`

func (s *Store) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt = nowUTC()
	c.UpdatedAt = c.CreatedAt
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.VehicleID, string(c.Phase), c.AwaitingResponse, c.TokensReceived,
		c.LatestMessageID, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("inserting conversation: %w", err)
	}
	return c, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var c Conversation
	var phase, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id).Scan(
		&c.ID, &c.UserID, &c.VehicleID, &phase, &c.AwaitingResponse, &c.TokensReceived,
		&c.LatestMessageID, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	c.Phase = Phase(phase)
	if c.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Conversation{}, err
	}
	if c.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// UpdateConversation applies the non-nil fields of u.
func (s *Store) UpdateConversation(ctx context.Context, id string, u ConversationUpdate) error {
	var sets []string
	var args []any
	if u.Phase != nil {
		sets = append(sets, "phase = ?")
		args = append(args, string(*u.Phase))
	}
	if u.AwaitingResponse != nil {
		sets = append(sets, "awaiting_response = ?")
		args = append(args, *u.AwaitingResponse)
	}
	if u.TokensReceived != nil {
		sets = append(sets, "tokens_received = ?")
		args = append(args, *u.TokensReceived)
	}
	if u.LatestMessageID != nil {
		sets = append(sets, "latest_message_id = ?")
		args = append(args, *u.LatestMessageID)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, formatTime(nowUTC()), id)

	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	return affectedOne(res)
}

// IncrementTokens atomically adds delta to the conversation's token counter.
func (s *Store) IncrementTokens(ctx context.Context, conversationID string, delta int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET tokens_received = tokens_received + ? WHERE id = ?`,
		delta, conversationID,
	)
	if err != nil {
		return fmt.Errorf("incrementing tokens: %w", err)
	}
	return affectedOne(res)
}

// --- Messages ---

const messageColumns = `id, conversation_id, role, prompt_type, content, source, metadata_json, created_at`

func (s *Store) CreateMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return Message{}, fmt.Errorf("encoding metadata: %w", err)
	}
	m.CreatedAt = nowUTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, string(m.Role), string(m.PromptType), m.Content, m.Source,
		string(meta), formatTime(m.CreatedAt),
	)
	if err != nil {
		return Message{}, fmt.Errorf("inserting message: %w", err)
	}
	return m, nil
}

// GetMessage returns a message of the given conversation.
func (s *Store) GetMessage(ctx context.Context, conversationID, id string) (Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND id = ?`,
		conversationID, id,
	)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return Message{}, ErrNotFound
	}
	return m, err
}

// MessageByID looks a message up without knowing its conversation.
func (s *Store) MessageByID(ctx context.Context, id string) (Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Message{}, ErrNotFound
	}
	return m, err
}

// ListMessages returns the conversation's messages in creation order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY seq ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

func scanMessage(row scanner) (Message, error) {
	var m Message
	var role, promptType, meta, createdAt string
	if err := row.Scan(&m.ID, &m.ConversationID, &role, &promptType, &m.Content, &m.Source, &meta, &createdAt); err != nil {
		return Message{}, err
	}
	m.Role = Role(role)
	m.PromptType = PromptType(promptType)
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			return Message{}, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	var err error
	if m.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Message{}, err
	}
	return m, nil
}

// --- Aggregations ---

func (s *Store) CreateAggregation(ctx context.Context, a Aggregation) (Aggregation, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Strategy == "" {
		a.Strategy = StrategyJudge
	}
	a.CreatedAt = nowUTC()
	var winner sql.NullString
	if a.WinnerModel != "" {
		winner = sql.NullString{String: a.WinnerModel, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aggregations (id, conversation_id, message_id, run_ids, combined_output, winner_model, strategy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ConversationID, a.MessageID, encodeStrings(a.RunIDs), a.CombinedOutput, winner,
		a.Strategy, formatTime(a.CreatedAt),
	)
	if err != nil {
		return Aggregation{}, fmt.Errorf("inserting aggregation: %w", err)
	}
	return a, nil
}

func (s *Store) ListAggregations(ctx context.Context, conversationID string) ([]Aggregation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, message_id, run_ids, combined_output, winner_model, strategy, created_at
		FROM aggregations WHERE conversation_id = ? ORDER BY seq ASC`, conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Aggregation
	for rows.Next() {
		var a Aggregation
		var runIDs, createdAt string
		var winner sql.NullString
		if err := rows.Scan(&a.ID, &a.ConversationID, &a.MessageID, &runIDs, &a.CombinedOutput, &winner, &a.Strategy, &createdAt); err != nil {
			return nil, err
		}
		a.WinnerModel = winner.String
		if a.RunIDs, err = decodeStrings("run_ids", runIDs); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	return results, rows.Err()
}
