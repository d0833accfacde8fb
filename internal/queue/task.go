package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GiovanoMP/chatwootai-sub005/pkg/errors"
)

// TaskType selects the handler for a task
type TaskType string

const (
	TaskTypeReconcile       TaskType = "reconcile"
	TaskTypeInvalidateCache TaskType = "invalidate_cache"
)

// Priority represents task priority levels
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 5
	PriorityHigh   Priority = 10
)

// Priorities in draining order
var Priorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

// Valid reports whether p is a known priority
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses "low", "medium" or "high"
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	default:
		return 0, errors.NewValidationError(fmt.Sprintf("unknown priority %q", s))
	}
}

// Status represents the lifecycle state of a task
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Task is one unit of queued work. Only the worker that claimed it mutates it.
type Task struct {
	ID          string          `json:"id"`
	Type        TaskType        `json:"type"`
	Priority    Priority        `json:"priority"`
	Status      Status          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	LastError   string          `json:"last_error,omitempty"`
	ErrorType   string          `json:"error_type,omitempty"`
	WorkerID    string          `json:"worker_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// NewTask creates a pending task
func NewTask(taskType TaskType, priority Priority, payload json.RawMessage, now time.Time) *Task {
	return &Task{
		ID:        uuid.New().String(),
		Type:      taskType,
		Priority:  priority,
		Status:    StatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CanRetry checks if the task has retries left
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// Terminal reports whether the task reached completed or failed
func (t *Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// Decode unmarshals the payload into v. A malformed payload is a validation error.
func (t *Task) Decode(v interface{}) error {
	if len(t.Payload) == 0 {
		return errors.NewValidationError("task payload is empty").WithDetail("task_id", t.ID)
	}
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return errors.NewValidationError("task payload is malformed").
			WithCause(err).
			WithDetail("task_id", t.ID)
	}
	return nil
}

// ToJSON converts the task to JSON
func (t *Task) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}

// FromJSON creates a task from JSON
func FromJSON(data []byte) (*Task, error) {
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Stats represents task queue statistics
type Stats struct {
	Ready      map[string]int64 `json:"ready"`
	Delayed    int64            `json:"delayed"`
	Processing int64            `json:"processing"`
	DeadLetter int64            `json:"dead_letter"`
	Counters   map[string]int64 `json:"counters"`
}
