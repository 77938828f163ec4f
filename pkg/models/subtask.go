package models

import "time"

// SubtaskStatus represents the current state of a subtask.
type SubtaskStatus string

const (
	// SubtaskStatusPending indicates the subtask has not been allocated.
	SubtaskStatusPending SubtaskStatus = "pending"
	// SubtaskStatusQueued indicates no eligible worker existed and the
	// subtask is waiting in the allocation queue.
	SubtaskStatusQueued SubtaskStatus = "queued"
	// SubtaskStatusInProgress indicates the subtask is bound to a worker.
	SubtaskStatusInProgress SubtaskStatus = "in_progress"
	// SubtaskStatusCompleted indicates the subtask finished successfully.
	SubtaskStatusCompleted SubtaskStatus = "completed"
	// SubtaskStatusFailed indicates the subtask failed terminally.
	SubtaskStatusFailed SubtaskStatus = "failed"
	// SubtaskStatusCorrecting indicates the subtask needs rework and
	// re-enters the allocation path like a pending subtask.
	SubtaskStatusCorrecting SubtaskStatus = "correcting"
)

// Valid returns true if the status is a known value.
func (s SubtaskStatus) Valid() bool {
	switch s {
	case SubtaskStatusPending, SubtaskStatusQueued, SubtaskStatusInProgress,
		SubtaskStatusCompleted, SubtaskStatusFailed, SubtaskStatusCorrecting:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a terminal state.
func (s SubtaskStatus) Terminal() bool {
	return s == SubtaskStatusCompleted || s == SubtaskStatusFailed
}

// Allocatable returns true if a subtask in this status may be bound to
// a worker. Only these statuses pass the allocator's idempotence guard.
func (s SubtaskStatus) Allocatable() bool {
	return s == SubtaskStatusPending || s == SubtaskStatusQueued || s == SubtaskStatusCorrecting
}

// Subtask is the atomic schedulable unit of work.
type Subtask struct {
	// ID is the unique identifier for this subtask.
	ID string `json:"id"`
	// TaskID is the ID of the parent task.
	TaskID string `json:"task_id"`
	// Title is the short description of the subtask.
	Title string `json:"title"`
	// Status is the current state of the subtask.
	Status SubtaskStatus `json:"status"`
	// DependsOn lists subtask IDs that must complete before this one
	// becomes allocatable.
	DependsOn []string `json:"depends_on,omitempty"`
	// RecommendedTool is the capability tag a worker should advertise
	// to run this subtask (e.g. "claude_code").
	RecommendedTool string `json:"recommended_tool,omitempty"`
	// Priority orders subtasks within a cycle; higher is more urgent.
	Priority int `json:"priority,omitempty"`
	// PrivacyTier is the minimum worker trust tier required.
	PrivacyTier int `json:"privacy_tier,omitempty"`
	// AssignedWorker is the ID of the worker this subtask is bound to.
	AssignedWorker string `json:"assigned_worker,omitempty"`
	// AssignedTool is the tool the subtask was bound with.
	AssignedTool string `json:"assigned_tool,omitempty"`
	// CorrectionCount is the number of rework cycles consumed so far.
	CorrectionCount int `json:"correction_count,omitempty"`
	// Error contains the failure reason if the subtask failed.
	Error string `json:"error,omitempty"`
	// CreatedAt is when the subtask was created.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the subtask was bound to a worker.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the subtask reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// QueueEntry is a pending-allocation marker for a subtask with no
// eligible worker. Entries pop oldest-first.
type QueueEntry struct {
	// SubtaskID is the queued subtask.
	SubtaskID string `json:"subtask_id"`
	// Attempts is the number of reallocation attempts consumed.
	Attempts int `json:"attempts"`
	// EnqueuedAt orders the queue.
	EnqueuedAt time.Time `json:"enqueued_at"`
}
