// Package storage defines persistence contracts for marketplace state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/apsl-space/apsl/internal/services/market/domain/deal"
	"github.com/apsl-space/apsl/internal/services/market/domain/task"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a uniqueness-constrained record already exists.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrStageCompleted indicates a deal stage counter is already at its maximum.
	ErrStageCompleted = errors.New("deal stage already completed")
)

// Task stores one published task.
type Task struct {
	ID          string
	Sequence    int64
	Title       string
	Description string
	Category    string
	Skills      string
	Reward      string
	Deadline    string
	UserAddress string
	CreatedAt   time.Time
}

// TaskPage stores one page of tasks in publication order.
type TaskPage struct {
	Tasks         []Task
	NextPageToken string
}

// TaskQuery selects tasks. A zero PageSize returns every match.
type TaskQuery struct {
	Filter    task.SQLCondition
	PageSize  int
	PageToken string
}

// TaskStore persists tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, t Task) (Task, error)
	ListTasks(ctx context.Context, query TaskQuery) (TaskPage, error)
}

// Deal stores the conversation and escrow progress between a dealer and a
// customer. At most one deal exists per unordered address pair.
type Deal struct {
	ChatID    string
	Dealer    string
	Customer  string
	Counters  deal.Counters
	Address   string
	Reward    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DealStore persists deals and their stage counters.
type DealStore interface {
	// GetOrCreateDeal returns the deal for the pair {d.Dealer, d.Customer},
	// inserting d when none exists. created reports whether d was inserted.
	GetOrCreateDeal(ctx context.Context, d Deal) (stored Deal, created bool, err error)
	GetDeal(ctx context.Context, chatID string) (Deal, error)
	ListDealsForAddress(ctx context.Context, address string) ([]Deal, error)
	// IncrementStage atomically bumps one stage counter unless it is already
	// at its maximum, returning ErrStageCompleted in that case.
	IncrementStage(ctx context.Context, chatID string, stage deal.Stage) (deal.Counters, error)
	UpdateDealAddress(ctx context.Context, chatID string, address string) (Deal, error)
}

// Message stores one chat message.
type Message struct {
	ID              string
	ChatID          string
	Sequence        int64
	Body            string
	Sender          string
	ClientMessageID string
	CreatedAt       time.Time
}

// MessageStore persists chat messages.
type MessageStore interface {
	// AppendMessage stores m. When m.ClientMessageID was already used in the
	// same chat the stored message is returned with duplicate set.
	AppendMessage(ctx context.Context, m Message) (stored Message, duplicate bool, err error)
	ListMessages(ctx context.Context, chatID string) ([]Message, error)
	ListMessagesBefore(ctx context.Context, chatID string, beforeSequence int64, limit int) ([]Message, error)
	LatestSequence(ctx context.Context, chatID string) (int64, error)
}

// Store is the full marketplace persistence surface.
type Store interface {
	TaskStore
	DealStore
	MessageStore
	Close() error
}
