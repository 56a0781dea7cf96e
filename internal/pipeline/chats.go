package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/carllm/internal/storage"
)

// StartChat opens a conversation about one of the caller's vehicles. An
// empty vehicleID opens a conversation with no vehicle attached.
func (s *Service) StartChat(ctx context.Context, uid, vehicleID string) (storage.Conversation, error) {
	if uid == "" {
		return storage.Conversation{}, ErrUnauthenticated
	}
	if vehicleID != "" {
		if _, err := s.Vehicle(ctx, uid, vehicleID); err != nil {
			return storage.Conversation{}, err
		}
	}
	conv, err := s.store.CreateConversation(ctx, storage.Conversation{UserID: uid, VehicleID: vehicleID})
	if err != nil {
		return storage.Conversation{}, fmt.Errorf("creating chat: %w", err)
	}
	return conv, nil
}

// Chat returns the conversation if the caller owns it.
func (s *Service) Chat(ctx context.Context, uid, chatID string) (storage.Conversation, error) {
	if uid == "" {
		return storage.Conversation{}, ErrUnauthenticated
	}
	if chatID == "" {
		return storage.Conversation{}, fmt.Errorf("%w: missing chat id", ErrInvalidArgument)
	}
	return s.ownedConversation(ctx, uid, chatID)
}

// Vehicle returns the vehicle if the caller owns it.
func (s *Service) Vehicle(ctx context.Context, uid, vehicleID string) (storage.Vehicle, error) {
	if uid == "" {
		return storage.Vehicle{}, ErrUnauthenticated
	}
	v, err := s.store.GetVehicle(ctx, vehicleID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Vehicle{}, fmt.Errorf("%w: vehicle %s", ErrNotFound, vehicleID)
	}
	if err != nil {
		return storage.Vehicle{}, fmt.Errorf("loading vehicle: %w", err)
	}
	if v.UserID != uid {
		return storage.Vehicle{}, fmt.Errorf("%w: vehicle %s", ErrForbidden, vehicleID)
	}
	return v, nil
}

// Send stores a user message and marks the conversation as awaiting a
// response. The intake stage follows the conversation phase: the first
// message of a fresh chat is the initial report, messages during the
// answers phase are follow-up answers, and later messages are normal chat.
func (s *Service) Send(ctx context.Context, uid, chatID, content string) (storage.Message, error) {
	conv, err := s.Chat(ctx, uid, chatID)
	if err != nil {
		return storage.Message{}, err
	}
	if strings.TrimSpace(content) == "" {
		return storage.Message{}, fmt.Errorf("%w: empty message", ErrInvalidArgument)
	}

	msg := storage.Message{
		ConversationID: conv.ID,
		Role:           storage.RoleUser,
		Content:        content,
		Source:         storage.SourceUser,
	}
	switch conv.Phase {
	case storage.PhaseNone:
		msg.PromptType = storage.PromptIntake
		msg.Metadata.IntakeStage = storage.StageInitial
	case storage.PhaseIntakeAnswers:
		msg.PromptType = storage.PromptIntake
		msg.Metadata.IntakeStage = storage.StageFollowupAnswer
	default:
		msg.PromptType = storage.PromptNormal
	}

	msg, err = s.store.CreateMessage(ctx, msg)
	if err != nil {
		return storage.Message{}, fmt.Errorf("storing message: %w", err)
	}

	awaiting := true
	if err := s.store.UpdateConversation(ctx, conv.ID, storage.ConversationUpdate{
		AwaitingResponse: &awaiting,
		LatestMessageID:  &msg.ID,
	}); err != nil {
		return storage.Message{}, fmt.Errorf("updating chat: %w", err)
	}

	if s.notifier != nil {
		if err := s.notifier.MessageCreated(ctx, msg); err != nil {
			s.logger.Warn("pipeline: message notification failed", "message_id", msg.ID, "error", err)
		}
	}
	return msg, nil
}
