package domain

import (
	"time"
)

// TaskStatus is the state of a single todo task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in-progress"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskDone, TaskCancelled:
		return true
	}
	return false
}

// Finished reports whether no further work is expected for the task.
func (s TaskStatus) Finished() bool {
	return s == TaskDone || s == TaskCancelled
}

// TodoStatus is the state of a whole todo list.
type TodoStatus string

const (
	TodoActive    TodoStatus = "active"
	TodoCompleted TodoStatus = "completed"
	TodoCancelled TodoStatus = "cancelled"
)

// TodoTask is one step of a todo list.
type TodoTask struct {
	Step        int        `json:"step"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
}

// Todo is a chat-scoped task list maintained by agents.
type Todo struct {
	ID        string     `json:"id"`
	ChatID    string     `json:"chat_id"`
	Agent     string     `json:"agent"`
	Title     string     `json:"title"`
	Status    TodoStatus `json:"status"`
	Tasks     []TodoTask `json:"tasks"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NextPending returns the first task that is still pending.
// Returns nil if there is none.
func (t *Todo) NextPending() *TodoTask {
	for i := range t.Tasks {
		if t.Tasks[i].Status == TaskPending {
			return &t.Tasks[i]
		}
	}
	return nil
}

// AllFinished reports whether every task is done or cancelled.
func (t *Todo) AllFinished() bool {
	if len(t.Tasks) == 0 {
		return false
	}
	for _, task := range t.Tasks {
		if !task.Status.Finished() {
			return false
		}
	}
	return true
}
