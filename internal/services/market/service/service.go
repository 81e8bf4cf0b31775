// Package service implements the marketplace operations shared by the REST
// handlers and the chat relay: tasks, deals with their escrow stage counters,
// and the messages exchanged by the two parties of a deal.
//
// Deal stage counters record what the parties report having done on chain;
// the escrow contract itself stays the source of truth for funds.
package service

import (
	"errors"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/apsl-space/apsl/internal/platform/errors"
	"github.com/apsl-space/apsl/internal/platform/id"
	"github.com/apsl-space/apsl/internal/platform/logging"
	"github.com/apsl-space/apsl/internal/platform/metrics"
	"github.com/apsl-space/apsl/internal/services/market/domain/chatgrant"
	"github.com/apsl-space/apsl/internal/services/market/storage"
)

// Service owns task, deal and message workflows over one store.
type Service struct {
	store   storage.Store
	grants  *chatgrant.Signer
	metrics *metrics.Registry
	logger  *zap.Logger
	clock   func() time.Time
	newID   func() (string, error)
}

// Option customizes a Service.
type Option func(*Service)

// WithGrantSigner requires chat grants for joining rooms.
func WithGrantSigner(signer *chatgrant.Signer) Option {
	return func(s *Service) {
		s.grants = signer
	}
}

// WithMetrics records domain counters on registry.
func WithMetrics(registry *metrics.Registry) Option {
	return func(s *Service) {
		s.metrics = registry
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logging.OrNop(logger)
	}
}

// WithClock overrides the clock used for message timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithIDGenerator overrides identifier generation.
func WithIDGenerator(newID func() (string, error)) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// New creates a marketplace service backed by store.
func New(store storage.Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("market store is required")
	}
	s := &Service{
		store:  store,
		logger: zap.NewNop(),
		clock:  time.Now,
		newID:  id.NewID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GrantsRequired reports whether joining a chat needs a grant.
func (s *Service) GrantsRequired() bool {
	return s != nil && s.grants.Enabled()
}

func chatNotFound(chatID string) error {
	return apperrors.WithMetadata(apperrors.CodeNotFound, "Chat not found", map[string]string{"chat_id": chatID})
}

// mapStoreError converts storage sentinels into domain errors.
func mapStoreError(err error, chatID string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return chatNotFound(chatID)
	case errors.Is(err, storage.ErrStageCompleted):
		return apperrors.Wrap(apperrors.CodeDealStageCompleted, "Stage already completed", err)
	default:
		return err
	}
}
