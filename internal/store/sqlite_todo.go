package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
)

// CreateTodo inserts a todo list. Steps are numbered from 1 when unset and
// tasks default to pending.
func (s *SQLiteStore) CreateTodo(ctx context.Context, todo *domain.Todo) error {
	todo.CreatedAt = stamp(todo.CreatedAt)
	todo.UpdatedAt = todo.CreatedAt
	if todo.Status == "" {
		todo.Status = domain.TodoActive
	}
	for i := range todo.Tasks {
		if todo.Tasks[i].Step == 0 {
			todo.Tasks[i].Step = i + 1
		}
		if todo.Tasks[i].Status == "" {
			todo.Tasks[i].Status = domain.TaskPending
		}
		if !todo.Tasks[i].Status.Valid() {
			return fmt.Errorf("invalid task status %q", todo.Tasks[i].Status)
		}
	}

	return s.withTx(ctx, "create todo", func(tx *sql.Tx) error {
		if err := requireChat(ctx, tx, todo.ChatID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO todos (todo_id, chat_id, agent, title, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			todo.ID, todo.ChatID, todo.Agent, todo.Title, string(todo.Status),
			todo.CreatedAt.UnixMilli(), todo.UpdatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert todo: %w", err)
		}
		for _, task := range todo.Tasks {
			if err := insertTaskTx(ctx, tx, todo.ID, task); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertTaskTx(ctx context.Context, tx *sql.Tx, todoID string, task domain.TodoTask) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO todo_tasks (todo_id, step, title, description, status)
		VALUES (?, ?, ?, ?, ?)`,
		todoID, task.Step, task.Title, task.Description, string(task.Status),
	); err != nil {
		return fmt.Errorf("insert todo task: %w", err)
	}
	return nil
}

// GetTodo retrieves a todo list with its tasks.
func (s *SQLiteStore) GetTodo(ctx context.Context, todoID string) (*domain.Todo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT todo_id, chat_id, agent, title, status, created_at, updated_at
		FROM todos WHERE todo_id = ?`, todoID)
	todo, err := scanTodo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan todo row: %w", err)
	}
	if err := s.loadTasks(ctx, []*domain.Todo{todo}); err != nil {
		return nil, err
	}
	return todo, nil
}

// ListTodos returns a chat's todo lists, oldest first. An empty status lists all.
func (s *SQLiteStore) ListTodos(ctx context.Context, chatID string, status domain.TodoStatus) ([]*domain.Todo, error) {
	query := `
		SELECT todo_id, chat_id, agent, title, status, created_at, updated_at
		FROM todos WHERE chat_id = ? AND (? = '' OR status = ?)
		ORDER BY created_at, todo_id`

	rows, err := s.db.QueryContext(ctx, query, chatID, string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("query todos: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close todo rows", "error", closeErr)
		}
	}()

	var todos []*domain.Todo
	for rows.Next() {
		todo, err := scanTodo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan todo row: %w", err)
		}
		todos = append(todos, todo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate todos: %w", err)
	}
	if err := s.loadTasks(ctx, todos); err != nil {
		return nil, err
	}
	return todos, nil
}

func scanTodo(row rowScanner) (*domain.Todo, error) {
	var todo domain.Todo
	var status string
	var createdAt, updatedAt int64
	if err := row.Scan(
		&todo.ID, &todo.ChatID, &todo.Agent, &todo.Title, &status, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	todo.Status = domain.TodoStatus(status)
	todo.CreatedAt = fromMillis(createdAt)
	todo.UpdatedAt = fromMillis(updatedAt)
	todo.Tasks = []domain.TodoTask{}
	return &todo, nil
}

func (s *SQLiteStore) loadTasks(ctx context.Context, todos []*domain.Todo) error {
	for _, todo := range todos {
		rows, err := s.db.QueryContext(ctx, `
			SELECT step, title, description, status FROM todo_tasks
			WHERE todo_id = ? ORDER BY step`, todo.ID)
		if err != nil {
			return fmt.Errorf("query todo tasks: %w", err)
		}
		for rows.Next() {
			var task domain.TodoTask
			var status string
			if err := rows.Scan(&task.Step, &task.Title, &task.Description, &status); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan todo task: %w", err)
			}
			task.Status = domain.TaskStatus(status)
			todo.Tasks = append(todo.Tasks, task)
		}
		err = rows.Err()
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close todo task rows", "error", closeErr)
		}
		if err != nil {
			return fmt.Errorf("iterate todo tasks: %w", err)
		}
	}
	return nil
}

// UpdateTodoTask changes one task and recomputes the list status: completed
// once every task is finished, cancelled when every task was cancelled.
func (s *SQLiteStore) UpdateTodoTask(ctx context.Context, todoID string, step int, update TaskUpdate) (*domain.Todo, error) {
	if update.Status != "" && !update.Status.Valid() {
		return nil, fmt.Errorf("invalid task status %q", update.Status)
	}

	err := s.withTx(ctx, "update todo task", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE todo_tasks SET
				status = CASE WHEN ? = '' THEN status ELSE ? END,
				title = COALESCE(?, title),
				description = COALESCE(?, description)
			WHERE todo_id = ? AND step = ?`,
			string(update.Status), string(update.Status),
			nullable(update.Title), nullable(update.Description),
			todoID, step,
		)
		if err != nil {
			return fmt.Errorf("update todo task: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrTodoNotFound
		}
		return refreshTodoStatusTx(ctx, tx, todoID)
	})
	if err != nil {
		return nil, err
	}
	return s.GetTodo(ctx, todoID)
}

// AddTodoTask appends a task to an existing list, reopening it if it was finished.
func (s *SQLiteStore) AddTodoTask(ctx context.Context, todoID string, task domain.TodoTask) (*domain.Todo, error) {
	if task.Status == "" {
		task.Status = domain.TaskPending
	}
	if !task.Status.Valid() {
		return nil, fmt.Errorf("invalid task status %q", task.Status)
	}

	err := s.withTx(ctx, "add todo task", func(tx *sql.Tx) error {
		var next int
		err := tx.QueryRowContext(ctx, `
			SELECT COALESCE((SELECT MAX(step) FROM todo_tasks WHERE todo_id = ?), 0) + 1
			FROM todos WHERE todo_id = ?`, todoID, todoID).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTodoNotFound
		}
		if err != nil {
			return fmt.Errorf("next todo step: %w", err)
		}
		task.Step = next
		if err := insertTaskTx(ctx, tx, todoID, task); err != nil {
			return err
		}
		return refreshTodoStatusTx(ctx, tx, todoID)
	})
	if err != nil {
		return nil, err
	}
	return s.GetTodo(ctx, todoID)
}

func refreshTodoStatusTx(ctx context.Context, tx *sql.Tx, todoID string) error {
	var total, finished, cancelled int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status IN ('done', 'cancelled') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0)
		FROM todo_tasks WHERE todo_id = ?`, todoID,
	).Scan(&total, &finished, &cancelled); err != nil {
		return fmt.Errorf("count todo tasks: %w", err)
	}

	status := domain.TodoActive
	switch {
	case total > 0 && cancelled == total:
		status = domain.TodoCancelled
	case total > 0 && finished == total:
		status = domain.TodoCompleted
	}

	if _, err := tx.ExecContext(ctx, `UPDATE todos SET status = ?, updated_at = ? WHERE todo_id = ?`,
		string(status), time.Now().UnixMilli(), todoID,
	); err != nil {
		return fmt.Errorf("update todo status: %w", err)
	}
	return nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
