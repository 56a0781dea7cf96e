// Package extract derives vehicle updates from freeform user text. Both
// extractors are confidence gated and idempotent: replaying the same message
// writes nothing the second time.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/carllm/internal/openrouter"
	"github.com/kalambet/carllm/internal/storage"
	"github.com/kalambet/carllm/internal/structured"
)

// DefaultConfidenceThreshold is the minimum confidence for any write.
const DefaultConfidenceThreshold = 0.8

// Event is a newly created message handed to the extractors. VehicleID may
// be empty, in which case it is resolved through the conversation.
type Event struct {
	MessageID      string
	ConversationID string
	VehicleID      string
	Role           storage.Role
	Content        string
}

// Handler processes one event. Errors are reserved for failures worth
// retrying; everything else is logged and dropped.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

// Completer is the non-streaming half of the inference provider client.
type Completer interface {
	Complete(ctx context.Context, req openrouter.ChatRequest) (string, error)
}

// VehicleLookup resolves the vehicle an event refers to.
type VehicleLookup interface {
	GetConversation(ctx context.Context, id string) (storage.Conversation, error)
	GetVehicle(ctx context.Context, id string) (storage.Vehicle, error)
}

// Outcome classifies what an extraction did.
type Outcome string

const (
	OutcomeUpdated       Outcome = "updated"
	OutcomeSkipped       Outcome = "skipped"
	OutcomeNoUpdate      Outcome = "no_update"
	OutcomeLowConfidence Outcome = "low_confidence"
	OutcomeUnchanged     Outcome = "unchanged"
	OutcomeInvalid       Outcome = "invalid_response"
	OutcomeProviderError Outcome = "provider_error"
)

// Observer is told the outcome of every extraction.
type Observer func(extractor string, outcome Outcome)

type base struct {
	name      string
	client    Completer
	model     string
	threshold float64
	logger    *slog.Logger
	observer  Observer
}

// Option configures an extractor.
type Option func(*base)

// WithThreshold overrides the confidence threshold.
func WithThreshold(t float64) Option {
	return func(b *base) {
		if t > 0 {
			b.threshold = t
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *base) { b.logger = l }
}

func WithObserver(o Observer) Option {
	return func(b *base) { b.observer = o }
}

func newBase(name string, client Completer, model string, opts []Option) base {
	b := base{
		name:      name,
		client:    client,
		model:     model,
		threshold: DefaultConfidenceThreshold,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&b)
	}
	b.logger = b.logger.With("extractor", name)
	return b
}

func (b *base) observe(o Outcome) {
	if b.observer != nil {
		b.observer(b.name, o)
	}
}

// resolve applies the common skip rules and loads the vehicle. A nil vehicle
// with a nil error means the event is skipped.
func (b *base) resolve(ctx context.Context, store VehicleLookup, ev Event) (*storage.Vehicle, error) {
	if ev.Role != storage.RoleUser {
		b.logger.Debug("skipping non-user message", "message_id", ev.MessageID)
		return nil, nil
	}
	if strings.TrimSpace(ev.Content) == "" {
		b.logger.Info("empty message content", "message_id", ev.MessageID)
		return nil, nil
	}

	vehicleID := ev.VehicleID
	if vehicleID == "" {
		if ev.ConversationID == "" {
			b.logger.Warn("event has neither vehicle nor conversation", "message_id", ev.MessageID)
			return nil, nil
		}
		conv, err := store.GetConversation(ctx, ev.ConversationID)
		if errors.Is(err, storage.ErrNotFound) {
			b.logger.Warn("conversation not found", "chat_id", ev.ConversationID)
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("loading conversation: %w", err)
		}
		vehicleID = conv.VehicleID
	}
	if vehicleID == "" {
		b.logger.Info("conversation has no vehicle", "chat_id", ev.ConversationID)
		return nil, nil
	}

	v, err := store.GetVehicle(ctx, vehicleID)
	if errors.Is(err, storage.ErrNotFound) {
		b.logger.Warn("vehicle not found", "vehicle_id", vehicleID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading vehicle: %w", err)
	}
	return &v, nil
}

// ask issues the structured extraction request and applies the confidence
// gate. It returns the parsed object only when an update may be applied.
func (b *base) ask(ctx context.Context, system, user, schemaName string, schema structured.Schema) (map[string]any, Outcome) {
	raw, err := b.client.Complete(ctx, openrouter.ChatRequest{
		Model: b.model,
		Messages: []openrouter.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    openrouter.Temperature(0.1),
		ResponseFormat: structured.Format(schemaName, schema),
	})
	if err != nil {
		b.logger.Error("provider request failed", "error", err)
		return nil, OutcomeProviderError
	}

	obj, ok := structured.ParseObject(raw)
	if !ok {
		b.logger.Warn("invalid JSON response")
		return nil, OutcomeInvalid
	}
	return obj, b.gate(obj)
}

func (b *base) gate(obj map[string]any) Outcome {
	if hasUpdate, _ := obj["has_update"].(bool); !hasUpdate {
		b.logger.Info("no update suggested")
		return OutcomeNoUpdate
	}
	confidence, ok := structured.NumberField(obj, "confidence")
	if !ok || confidence < b.threshold {
		b.logger.Info("low confidence", "confidence", obj["confidence"])
		return OutcomeLowConfidence
	}
	return OutcomeUpdated
}

// UserText turns a structured {"answers": [...]} payload into a bullet list
// and otherwise returns the trimmed text.
func UserText(content string) string {
	if obj, ok := structured.ParseObject(content); ok {
		if items, ok := obj["answers"].([]any); ok {
			var clean []string
			for _, item := range items {
				if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
					clean = append(clean, s)
				}
			}
			if len(clean) > 0 {
				return "User answers:\n- " + strings.Join(clean, "\n- ")
			}
		}
	}
	return strings.TrimSpace(content)
}

func normalize(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
