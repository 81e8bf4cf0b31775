package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/apsl-space/apsl/internal/platform/errors"
	"github.com/apsl-space/apsl/internal/services/market/domain/task"
	"github.com/apsl-space/apsl/internal/services/market/storage"
)

const maxTaskPageSize = 200

// TaskListRequest selects a page of tasks. A zero PageSize lists every
// matching task.
type TaskListRequest struct {
	Filter    string
	PageSize  int
	PageToken string
}

// CreateTask validates and publishes a task.
func (s *Service) CreateTask(ctx context.Context, draft task.Draft) (storage.Task, error) {
	normalized, err := task.Normalize(draft)
	if err != nil {
		return storage.Task{}, err
	}
	taskID, err := s.newID()
	if err != nil {
		return storage.Task{}, fmt.Errorf("generate task id: %w", err)
	}
	created, err := s.store.CreateTask(ctx, storage.Task{
		ID:          taskID,
		Title:       normalized.Title,
		Description: normalized.Description,
		Category:    normalized.Category,
		Skills:      normalized.Skills,
		Reward:      normalized.Reward,
		Deadline:    normalized.Deadline,
		UserAddress: normalized.UserAddress,
		CreatedAt:   s.clock().UTC(),
	})
	if err != nil {
		return storage.Task{}, fmt.Errorf("create task: %w", err)
	}
	s.logger.Info("task created", zap.String("task_id", created.ID), zap.String("category", created.Category))
	return created, nil
}

// ListTasks returns published tasks in creation order.
func (s *Service) ListTasks(ctx context.Context, req TaskListRequest) (storage.TaskPage, error) {
	if req.PageSize < 0 {
		return storage.TaskPage{}, apperrors.New(apperrors.CodeInvalidArgument, "page_size must not be negative")
	}
	if req.PageSize > maxTaskPageSize {
		req.PageSize = maxTaskPageSize
	}
	token := strings.TrimSpace(req.PageToken)
	if token != "" {
		if value, err := strconv.ParseInt(token, 10, 64); err != nil || value < 0 {
			return storage.TaskPage{}, apperrors.New(apperrors.CodeInvalidArgument, "Invalid page token")
		}
	}
	cond, err := task.ParseFilter(req.Filter)
	if err != nil {
		return storage.TaskPage{}, err
	}
	page, err := s.store.ListTasks(ctx, storage.TaskQuery{
		Filter:    cond,
		PageSize:  req.PageSize,
		PageToken: token,
	})
	if err != nil {
		return storage.TaskPage{}, fmt.Errorf("list tasks: %w", err)
	}
	return page, nil
}
