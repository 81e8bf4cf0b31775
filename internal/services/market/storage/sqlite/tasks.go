package sqlite

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/apsl-space/apsl/internal/services/market/storage"
)

const taskColumns = `seq, task_id, title, description, category, skills, reward, deadline, user_address, created_at`

// CreateTask inserts one task and returns it with its publication sequence.
func (s *Store) CreateTask(ctx context.Context, t storage.Task) (storage.Task, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Task{}, err
	}
	if strings.TrimSpace(t.ID) == "" {
		return storage.Task{}, fmt.Errorf("task id is required")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	t.CreatedAt = t.CreatedAt.UTC()

	result, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO tasks (
		   task_id, title, description, category, skills, reward, deadline, user_address, created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.Title,
		t.Description,
		t.Category,
		t.Skills,
		t.Reward,
		t.Deadline,
		t.UserAddress,
		toMillis(t.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err, "tasks.task_id") {
			return storage.Task{}, storage.ErrAlreadyExists
		}
		return storage.Task{}, fmt.Errorf("create task: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return storage.Task{}, fmt.Errorf("create task: %w", err)
	}
	t.Sequence = seq
	t.CreatedAt = fromMillis(toMillis(t.CreatedAt))
	return t, nil
}

// ListTasks returns tasks in publication order.
//
// The page token is the sequence of the last task on the previous page.
func (s *Store) ListTasks(ctx context.Context, query storage.TaskQuery) (storage.TaskPage, error) {
	if err := s.ready(ctx); err != nil {
		return storage.TaskPage{}, err
	}
	if query.PageSize < 0 {
		return storage.TaskPage{}, fmt.Errorf("page size must not be negative")
	}

	var (
		where  []string
		params []any
	)
	if clause := strings.TrimSpace(query.Filter.Clause); clause != "" {
		where = append(where, clause)
		params = append(params, query.Filter.Params...)
	}
	if token := strings.TrimSpace(query.PageToken); token != "" {
		after, err := strconv.ParseInt(token, 10, 64)
		if err != nil || after < 0 {
			return storage.TaskPage{}, fmt.Errorf("invalid page token %q", token)
		}
		where = append(where, "seq > ?")
		params = append(params, after)
	}

	stmt := "SELECT " + taskColumns + " FROM tasks"
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY seq ASC"
	if query.PageSize > 0 {
		stmt += " LIMIT ?"
		params = append(params, query.PageSize+1)
	}

	rows, err := s.sqlDB.QueryContext(ctx, stmt, params...)
	if err != nil {
		return storage.TaskPage{}, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	page := storage.TaskPage{Tasks: make([]storage.Task, 0)}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return storage.TaskPage{}, fmt.Errorf("list tasks: %w", err)
		}
		page.Tasks = append(page.Tasks, t)
	}
	if err := rows.Err(); err != nil {
		return storage.TaskPage{}, fmt.Errorf("list tasks: %w", err)
	}
	if query.PageSize > 0 && len(page.Tasks) > query.PageSize {
		page.Tasks = page.Tasks[:query.PageSize]
		page.NextPageToken = strconv.FormatInt(page.Tasks[query.PageSize-1].Sequence, 10)
	}
	return page, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (storage.Task, error) {
	var t storage.Task
	var createdAt int64
	if err := row.Scan(
		&t.Sequence,
		&t.ID,
		&t.Title,
		&t.Description,
		&t.Category,
		&t.Skills,
		&t.Reward,
		&t.Deadline,
		&t.UserAddress,
		&createdAt,
	); err != nil {
		return storage.Task{}, err
	}
	t.CreatedAt = fromMillis(createdAt)
	return t, nil
}
