package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/apsl-space/apsl/internal/platform/errors"
	"github.com/apsl-space/apsl/internal/services/market/domain/deal"
	"github.com/apsl-space/apsl/internal/services/market/storage"
)

// DealRequest opens a conversation between two wallet addresses.
type DealRequest struct {
	// UserAddress is the counterparty and becomes the customer.
	UserAddress string
	// CurrentUserAddress is the caller and becomes the dealer.
	CurrentUserAddress string
	Reward             string
}

// DealResult is the deal found or created for a pair.
type DealResult struct {
	Deal    storage.Deal
	Created bool
	// Token admits CurrentUserAddress to the chat room when grants are enabled.
	Token string
}

// CheckOrCreateDeal returns the pair's deal, creating it on first contact.
func (s *Service) CheckOrCreateDeal(ctx context.Context, req DealRequest) (DealResult, error) {
	customer := strings.TrimSpace(req.UserAddress)
	dealer := strings.TrimSpace(req.CurrentUserAddress)
	if customer == "" {
		return DealResult{}, apperrors.WithMetadata(apperrors.CodeDealAddressRequired, "userAddress is required", map[string]string{"field": "userAddress"})
	}
	if dealer == "" {
		return DealResult{}, apperrors.WithMetadata(apperrors.CodeDealAddressRequired, "currentUserAddress is required", map[string]string{"field": "currentUserAddress"})
	}
	if customer == dealer {
		return DealResult{}, apperrors.New(apperrors.CodeDealSameParty, "Cannot open a chat with yourself")
	}

	chatID, err := s.newID()
	if err != nil {
		return DealResult{}, fmt.Errorf("generate chat id: %w", err)
	}
	stored, created, err := s.store.GetOrCreateDeal(ctx, storage.Deal{
		ChatID:   chatID,
		Dealer:   dealer,
		Customer: customer,
		Reward:   strings.TrimSpace(req.Reward),
	})
	if err != nil {
		return DealResult{}, fmt.Errorf("check or create deal: %w", err)
	}
	if created {
		s.logger.Info("deal created", zap.String("chat_id", stored.ChatID))
	}

	result := DealResult{Deal: stored, Created: created}
	if s.grants.Enabled() {
		token, err := s.grants.Issue(stored.ChatID, dealer)
		if err != nil {
			return DealResult{}, fmt.Errorf("issue chat grant: %w", err)
		}
		result.Token = token
	}
	return result, nil
}

// ListDeals returns every deal the address takes part in.
func (s *Service) ListDeals(ctx context.Context, address string) ([]storage.Deal, error) {
	deals, err := s.store.ListDealsForAddress(ctx, strings.TrimSpace(address))
	if err != nil {
		return nil, fmt.Errorf("list deals: %w", err)
	}
	return deals, nil
}

// GetDeal returns one deal by chat ID.
func (s *Service) GetDeal(ctx context.Context, chatID string) (storage.Deal, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return storage.Deal{}, chatNotFound(chatID)
	}
	stored, err := s.store.GetDeal(ctx, chatID)
	if err != nil {
		return storage.Deal{}, mapStoreError(err, chatID)
	}
	return stored, nil
}

// AdvanceStage records one escrow stage step.
func (s *Service) AdvanceStage(ctx context.Context, chatID string, stageName string) (deal.Counters, error) {
	stage, err := deal.ParseStage(stageName)
	if err != nil {
		return deal.Counters{}, err
	}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return deal.Counters{}, chatNotFound(chatID)
	}
	counters, err := s.store.IncrementStage(ctx, chatID, stage)
	if err != nil {
		return deal.Counters{}, mapStoreError(err, chatID)
	}
	s.metrics.DealStage(string(stage))
	s.logger.Info("deal stage advanced",
		zap.String("chat_id", chatID),
		zap.String("stage", string(stage)),
		zap.Int("count", counters.Get(stage)),
		zap.String("status", string(counters.Status())),
	)
	return counters, nil
}

// UpdateAddress records the deployed escrow contract address of a deal.
func (s *Service) UpdateAddress(ctx context.Context, chatID string, address string) (storage.Deal, error) {
	chatID = strings.TrimSpace(chatID)
	address = strings.TrimSpace(address)
	if chatID == "" {
		return storage.Deal{}, chatNotFound(chatID)
	}
	if address == "" {
		return storage.Deal{}, apperrors.WithMetadata(apperrors.CodeDealAddressRequired, "address is required", map[string]string{"field": "address"})
	}
	updated, err := s.store.UpdateDealAddress(ctx, chatID, address)
	if err != nil {
		return storage.Deal{}, mapStoreError(err, chatID)
	}
	return updated, nil
}
