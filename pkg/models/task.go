// Package models defines the core data types shared across dispatch:
// tasks, subtasks, workers, and queue entries.
package models

import "time"

// TaskStatus represents the aggregate state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates no subtask has started yet.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusInProgress indicates at least one subtask is running.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusCompleted indicates every subtask completed successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates at least one subtask failed terminally.
	TaskStatusFailed TaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task is a user-submitted unit of work that owns a set of subtasks.
// Its status is derived from subtask states, recomputed on completion
// events rather than mutated directly.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description provides detailed information about the task.
	Description string `json:"description,omitempty"`
	// Status is the aggregate state derived from subtask completion.
	Status TaskStatus `json:"status"`
	// PrivacyTier is the minimum trust tier a worker needs for this
	// task's subtasks. Zero means no restriction.
	PrivacyTier int `json:"privacy_tier,omitempty"`
	// CreatedAt is when the task was submitted.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the last subtask finished, if applicable.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
