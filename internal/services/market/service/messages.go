package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	apperrors "github.com/apsl-space/apsl/internal/platform/errors"
	"github.com/apsl-space/apsl/internal/services/market/storage"
)

const (
	// MaxMessageBodyRunes bounds one chat message.
	MaxMessageBodyRunes = 2000
	// MaxClientMessageIDRunes bounds client-supplied idempotency keys.
	MaxClientMessageIDRunes = 128
	// DefaultHistoryLimit is used when a history request has no limit.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit caps one history page.
	MaxHistoryLimit = 200
)

// MessageRequest is one chat message submitted by a participant.
type MessageRequest struct {
	ChatID          string
	ClientMessageID string
	Body            string
	Sender          string
}

// JoinResult describes a chat room a participant may enter.
type JoinResult struct {
	Deal           storage.Deal
	Address        string
	LatestSequence int64
}

// JoinChat checks that a chat exists and, when grants are required, that
// token admits its bearer. Address is the grant subject when present.
func (s *Service) JoinChat(ctx context.Context, chatID string, token string) (JoinResult, error) {
	stored, err := s.GetDeal(ctx, chatID)
	if err != nil {
		return JoinResult{}, err
	}
	result := JoinResult{Deal: stored}
	if s.grants.Enabled() {
		claims, err := s.grants.Verify(token, stored.ChatID)
		if err != nil {
			return JoinResult{}, err
		}
		result.Address = claims.Address
	}
	latest, err := s.store.LatestSequence(ctx, stored.ChatID)
	if err != nil {
		return JoinResult{}, fmt.Errorf("latest message sequence: %w", err)
	}
	result.LatestSequence = latest
	return result, nil
}

// PostMessage validates and stores one message. duplicate reports a retried
// client message ID; the stored original is returned.
func (s *Service) PostMessage(ctx context.Context, req MessageRequest) (storage.Message, bool, error) {
	chatID := strings.TrimSpace(req.ChatID)
	body := strings.TrimSpace(norm.NFC.String(req.Body))
	clientMessageID := strings.TrimSpace(req.ClientMessageID)
	if chatID == "" {
		return storage.Message{}, false, apperrors.New(apperrors.CodeInvalidArgument, "chat_id is required")
	}
	if body == "" {
		return storage.Message{}, false, apperrors.New(apperrors.CodeInvalidArgument, "message is required")
	}
	if utf8.RuneCountInString(body) > MaxMessageBodyRunes {
		return storage.Message{}, false, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("message must be at most %d characters", MaxMessageBodyRunes))
	}
	if utf8.RuneCountInString(clientMessageID) > MaxClientMessageIDRunes {
		return storage.Message{}, false, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("client_message_id must be at most %d characters", MaxClientMessageIDRunes))
	}

	messageID, err := s.newID()
	if err != nil {
		return storage.Message{}, false, fmt.Errorf("generate message id: %w", err)
	}
	stored, duplicate, err := s.store.AppendMessage(ctx, storage.Message{
		ID:              messageID,
		ChatID:          chatID,
		Body:            body,
		Sender:          strings.TrimSpace(req.Sender),
		ClientMessageID: clientMessageID,
		CreatedAt:       s.clock().UTC(),
	})
	if err != nil {
		return storage.Message{}, false, fmt.Errorf("append message: %w", err)
	}
	if !duplicate {
		s.metrics.ChatMessage()
	}
	return stored, duplicate, nil
}

// ListMessages returns every message of a chat in timestamp order.
func (s *Service) ListMessages(ctx context.Context, chatID string) ([]storage.Message, error) {
	messages, err := s.store.ListMessages(ctx, strings.TrimSpace(chatID))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// History returns up to limit messages older than beforeSequence. A
// non-positive beforeSequence pages back from the newest message.
func (s *Service) History(ctx context.Context, chatID string, beforeSequence int64, limit int) ([]storage.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	chatID = strings.TrimSpace(chatID)
	if beforeSequence <= 0 {
		latest, err := s.store.LatestSequence(ctx, chatID)
		if err != nil {
			return nil, fmt.Errorf("latest message sequence: %w", err)
		}
		beforeSequence = latest + 1
	}
	messages, err := s.store.ListMessagesBefore(ctx, chatID, beforeSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("list message history: %w", err)
	}
	return messages, nil
}
