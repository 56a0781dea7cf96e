// Package pipeline implements the three diagnostic entry points: intake
// questions, diagnosis, and free-form reply. Each call is guarded by
// authentication and ownership checks before any side effect, and every
// failure after the guards clears the conversation's awaiting flag.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/carllm/internal/fanout"
	"github.com/kalambet/carllm/internal/intake"
	"github.com/kalambet/carllm/internal/judge"
	"github.com/kalambet/carllm/internal/metrics"
	"github.com/kalambet/carllm/internal/openrouter"
	"github.com/kalambet/carllm/internal/progress"
	"github.com/kalambet/carllm/internal/storage"
)

// Status is the result reported to the caller of an entry point.
type Status string

const (
	StatusOK            Status = "ok"
	StatusNeedsMoreInfo Status = "needs_more_info"
)

const (
	noResponse = "No response generated."

	diagnosisSystemPrompt = "You are an automotive diagnostic assistant. Provide a concise diagnosis, " +
		"likely root causes, and the next 2-3 checks to confirm. Be specific."

	replySystemPrompt = "You are an automotive diagnostic assistant. Use the full conversation " +
		"context and answer the latest user question clearly and concisely."

	replyTemperature = 0.3
)

// Store is the persistence the pipeline needs.
type Store interface {
	progress.Sink
	GetConversation(ctx context.Context, id string) (storage.Conversation, error)
	UpdateConversation(ctx context.Context, id string, u storage.ConversationUpdate) error
	CreateConversation(ctx context.Context, c storage.Conversation) (storage.Conversation, error)
	GetVehicle(ctx context.Context, id string) (storage.Vehicle, error)
	GetMessage(ctx context.Context, conversationID, id string) (storage.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]storage.Message, error)
	CreateMessage(ctx context.Context, m storage.Message) (storage.Message, error)
	CreateAggregation(ctx context.Context, a storage.Aggregation) (storage.Aggregation, error)
}

// Streamer is the streaming half of the inference provider client.
type Streamer interface {
	Stream(ctx context.Context, req openrouter.ChatRequest, reporter openrouter.Reporter) (openrouter.StreamResult, error)
}

// Notifier is told about every user message the service stores.
type Notifier interface {
	MessageCreated(ctx context.Context, m storage.Message) error
}

// Deps wires a Service. Metrics, Notifier, Clock and Logger are optional.
type Deps struct {
	Store      Store
	Provider   Streamer
	Questioner *intake.Questioner
	Gate       *intake.Gate
	FanOut     *fanout.Executor
	Judge      *judge.Aggregator
	ChatModel  string

	ProgressInterval time.Duration
	Clock            progress.Clock
	Metrics          *metrics.Metrics
	Notifier         Notifier
	Logger           *slog.Logger
}

// Service runs the diagnostic pipeline.
type Service struct {
	store      Store
	provider   Streamer
	questioner *intake.Questioner
	gate       *intake.Gate
	fanout     *fanout.Executor
	judge      *judge.Aggregator
	chatModel  string

	interval time.Duration
	clock    progress.Clock
	metrics  *metrics.Metrics
	notifier Notifier
	logger   *slog.Logger
}

func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      d.Store,
		provider:   d.Provider,
		questioner: d.Questioner,
		gate:       d.Gate,
		fanout:     d.FanOut,
		judge:      d.Judge,
		chatModel:  d.ChatModel,
		interval:   d.ProgressInterval,
		clock:      d.Clock,
		metrics:    d.Metrics,
		notifier:   d.Notifier,
		logger:     logger,
	}
}

// QuestionPrompt generates the first round of follow-up questions for the
// user's initial problem description.
func (s *Service) QuestionPrompt(ctx context.Context, uid, chatID, messageID string) (status Status, err error) {
	defer s.observe("question_prompt", &status, &err)

	conv, err := s.authorize(ctx, uid, chatID, messageID)
	if err != nil {
		return "", err
	}
	defer s.releaseOnError(ctx, conv.ID, &err)
	s.resetTokens(ctx, conv.ID)

	msg, err := s.message(ctx, conv.ID, messageID)
	if err != nil {
		return "", err
	}
	description := strings.TrimSpace(msg.Content)
	if description == "" {
		return "", fmt.Errorf("%w: missing description", ErrInvalidArgument)
	}

	vehicle, err := s.vehicle(ctx, conv)
	if err != nil {
		return "", err
	}

	payload, err := s.questioner.Generate(ctx, description, vehicle, s.tracker(ctx, conv.ID))
	if err != nil {
		return "", err
	}

	reply, err := s.store.CreateMessage(ctx, storage.Message{
		ConversationID: conv.ID,
		Role:           storage.RoleAssistant,
		PromptType:     storage.PromptIntake,
		Content:        payload,
		Source:         storage.SourceLLM,
		Metadata: storage.MessageMetadata{
			Model:       s.questioner.Model(),
			IntakeStage: storage.StageFollowupQuestions,
		},
	})
	if err != nil {
		return "", fmt.Errorf("storing intake questions: %w", err)
	}
	if err := s.settle(ctx, conv.ID, storage.PhaseIntakeAnswers, reply.ID); err != nil {
		return "", err
	}
	return StatusOK, nil
}

// Diagnose decides whether the intake is sufficient and, if so, fans the
// intake out to every engine and records the judge's verdict.
func (s *Service) Diagnose(ctx context.Context, uid, chatID, messageID string) (status Status, err error) {
	defer s.observe("diagnose", &status, &err)

	conv, err := s.authorize(ctx, uid, chatID, messageID)
	if err != nil {
		return "", err
	}
	defer s.releaseOnError(ctx, conv.ID, &err)
	if _, err := s.message(ctx, conv.ID, messageID); err != nil {
		return "", err
	}

	vehicle, err := s.vehicle(ctx, conv)
	if err != nil {
		return "", err
	}
	history, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return "", fmt.Errorf("loading messages: %w", err)
	}
	ic := intake.FromMessages(history)
	if ic.Initial == "" {
		return "", fmt.Errorf("%w: missing intake context", ErrPrecondition)
	}

	intakeText := intake.Render(vehicle, ic)
	tracker := s.tracker(ctx, conv.ID)

	decision, err := s.gate.Evaluate(ctx, intakeText, tracker)
	if err != nil {
		return "", err
	}
	s.metrics.ObserveSufficiency(decision.Proceed)

	if !decision.Proceed {
		s.logger.Info("pipeline: intake insufficient",
			"chat_id", conv.ID, "sufficient", decision.Sufficient, "confidence", decision.Confidence)
		reply, err := s.store.CreateMessage(ctx, storage.Message{
			ConversationID: conv.ID,
			Role:           storage.RoleAssistant,
			PromptType:     storage.PromptIntake,
			Content:        decision.QuestionsPayload(),
			Source:         storage.SourceLLM,
			Metadata: storage.MessageMetadata{
				Model:       s.gate.Model(),
				IntakeStage: storage.StageFollowupQuestions,
			},
		})
		if err != nil {
			return "", fmt.Errorf("storing follow-up questions: %w", err)
		}
		if err := s.settle(ctx, conv.ID, storage.PhaseIntakeAnswers, reply.ID); err != nil {
			return "", err
		}
		return StatusNeedsMoreInfo, nil
	}

	results, err := s.fanout.Run(ctx, fanout.Dispatch{
		ConversationID: conv.ID,
		MessageID:      messageID,
		Snapshot:       intake.Snapshot(vehicle, ic),
		Messages: []openrouter.Message{
			{Role: "system", Content: diagnosisSystemPrompt},
			{Role: "user", Content: intakeText},
		},
	}, tracker)
	if err != nil {
		return "", fmt.Errorf("dispatching engines: %w", err)
	}
	if fanout.Succeeded(results) == 0 {
		return "", &openrouter.ProviderError{Op: "fanout", Err: errors.New("all inference engines failed")}
	}

	verdict, err := s.judge.Judge(ctx, intakeText, results, tracker)
	if err != nil {
		return "", err
	}

	agg, err := s.store.CreateAggregation(ctx, storage.Aggregation{
		ConversationID: conv.ID,
		MessageID:      messageID,
		RunIDs:         fanout.RunIDs(results),
		CombinedOutput: verdict.CombinedOutput,
		WinnerModel:    verdict.WinnerModel,
		Strategy:       storage.StrategyJudge,
	})
	if err != nil {
		return "", fmt.Errorf("storing aggregation: %w", err)
	}

	reply, err := s.store.CreateMessage(ctx, storage.Message{
		ConversationID: conv.ID,
		Role:           storage.RoleAssistant,
		PromptType:     storage.PromptAggregate,
		Content:        verdict.CombinedOutput,
		Source:         storage.SourceLLM,
		Metadata: storage.MessageMetadata{
			Model:         s.judge.Model(),
			WinnerModel:   verdict.WinnerModel,
			AggregationID: agg.ID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("storing diagnosis: %w", err)
	}

	s.logger.Info("pipeline: diagnosis recorded",
		"chat_id", conv.ID, "succeeded", fanout.Succeeded(results), "engines", len(results), "winner", verdict.WinnerModel)
	if err := s.settle(ctx, conv.ID, storage.PhaseNormal, reply.ID); err != nil {
		return "", err
	}
	return StatusOK, nil
}

// Reply answers the latest user message using the whole conversation as
// context.
func (s *Service) Reply(ctx context.Context, uid, chatID, messageID string) (status Status, err error) {
	defer s.observe("reply", &status, &err)

	conv, err := s.authorize(ctx, uid, chatID, messageID)
	if err != nil {
		return "", err
	}
	defer s.releaseOnError(ctx, conv.ID, &err)
	s.resetTokens(ctx, conv.ID)

	if _, err := s.message(ctx, conv.ID, messageID); err != nil {
		return "", err
	}
	history, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return "", fmt.Errorf("loading messages: %w", err)
	}

	res, err := s.provider.Stream(ctx, openrouter.ChatRequest{
		Model:       s.chatModel,
		Messages:    chatHistory(history),
		Temperature: openrouter.Temperature(replyTemperature),
	}, s.tracker(ctx, conv.ID))
	if err != nil {
		return "", err
	}

	content := res.Content
	if content == "" {
		content = noResponse
	}
	reply, err := s.store.CreateMessage(ctx, storage.Message{
		ConversationID: conv.ID,
		Role:           storage.RoleAssistant,
		PromptType:     storage.PromptNormal,
		Content:        content,
		Source:         storage.SourceLLM,
		Metadata:       storage.MessageMetadata{Model: s.chatModel},
	})
	if err != nil {
		return "", fmt.Errorf("storing reply: %w", err)
	}
	if err := s.settle(ctx, conv.ID, storage.PhaseNormal, reply.ID); err != nil {
		return "", err
	}
	return StatusOK, nil
}

// chatHistory prefixes the reply system prompt to every non-empty user and
// assistant message, in order.
func chatHistory(msgs []storage.Message) []openrouter.Message {
	out := []openrouter.Message{{Role: "system", Content: replySystemPrompt}}
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if m.Role != storage.RoleUser && m.Role != storage.RoleAssistant {
			continue
		}
		out = append(out, openrouter.Message{Role: string(m.Role), Content: content})
	}
	return out
}

// authorize runs the guards shared by every entry point.
func (s *Service) authorize(ctx context.Context, uid, chatID, messageID string) (storage.Conversation, error) {
	if uid == "" {
		return storage.Conversation{}, ErrUnauthenticated
	}
	if chatID == "" || messageID == "" {
		return storage.Conversation{}, fmt.Errorf("%w: missing chat or message id", ErrInvalidArgument)
	}
	return s.ownedConversation(ctx, uid, chatID)
}

func (s *Service) ownedConversation(ctx context.Context, uid, chatID string) (storage.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Conversation{}, fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
	}
	if err != nil {
		return storage.Conversation{}, fmt.Errorf("loading chat: %w", err)
	}
	if conv.UserID != uid {
		return storage.Conversation{}, fmt.Errorf("%w: chat %s", ErrForbidden, chatID)
	}
	return conv, nil
}

func (s *Service) message(ctx context.Context, chatID, messageID string) (storage.Message, error) {
	msg, err := s.store.GetMessage(ctx, chatID, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Message{}, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	if err != nil {
		return storage.Message{}, fmt.Errorf("loading message: %w", err)
	}
	return msg, nil
}

// vehicle loads the conversation's vehicle. A missing vehicle yields the zero
// value, which renders as unknown fields.
func (s *Service) vehicle(ctx context.Context, conv storage.Conversation) (storage.Vehicle, error) {
	if conv.VehicleID == "" {
		return storage.Vehicle{}, nil
	}
	v, err := s.store.GetVehicle(ctx, conv.VehicleID)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("pipeline: vehicle not found", "chat_id", conv.ID, "vehicle_id", conv.VehicleID)
		return storage.Vehicle{}, nil
	}
	if err != nil {
		return storage.Vehicle{}, fmt.Errorf("loading vehicle: %w", err)
	}
	return v, nil
}

func (s *Service) tracker(ctx context.Context, chatID string) *progress.Tracker {
	opts := []progress.Option{
		progress.WithContext(ctx),
		progress.WithLogger(s.logger),
	}
	if s.interval > 0 {
		opts = append(opts, progress.WithInterval(s.interval))
	}
	if s.clock != nil {
		opts = append(opts, progress.WithClock(s.clock))
	}
	return progress.New(s.metrics.TokenSink(s.store), chatID, opts...)
}

func (s *Service) resetTokens(ctx context.Context, chatID string) {
	zero := 0
	if err := s.store.UpdateConversation(ctx, chatID, storage.ConversationUpdate{TokensReceived: &zero}); err != nil {
		s.logger.Warn("pipeline: resetting token counter", "chat_id", chatID, "error", err)
	}
}

func (s *Service) clearAwaiting(ctx context.Context, chatID string) {
	awaiting := false
	if err := s.store.UpdateConversation(ctx, chatID, storage.ConversationUpdate{AwaitingResponse: &awaiting}); err != nil {
		s.logger.Error("pipeline: clearing awaiting flag", "chat_id", chatID, "error", err)
	}
}

// releaseOnError clears the awaiting flag when a stage fails after the
// conversation was authorized.
func (s *Service) releaseOnError(ctx context.Context, chatID string, err *error) {
	if *err != nil {
		s.clearAwaiting(ctx, chatID)
	}
}

// settle records the final conversation state after a successful stage.
func (s *Service) settle(ctx context.Context, chatID string, phase storage.Phase, latestID string) error {
	awaiting := false
	err := s.store.UpdateConversation(ctx, chatID, storage.ConversationUpdate{
		Phase:            &phase,
		AwaitingResponse: &awaiting,
		LatestMessageID:  &latestID,
	})
	if err != nil {
		return fmt.Errorf("updating chat: %w", err)
	}
	return nil
}

func (s *Service) observe(op string, status *Status, err *error) {
	label := string(*status)
	if *err != nil {
		label = Kind(*err)
		s.logger.Warn("pipeline: request failed", "operation", op, "kind", label, "error", *err)
	}
	s.metrics.ObserveRequest(op, label)
}
