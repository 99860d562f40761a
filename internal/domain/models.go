// Package domain defines the core business types shared across taskplaned.
// These types represent the control plane's data model — not HTTP or runner
// specifics.
//
// Domain types carry json tags because they are directly serialized in API
// responses. When the API shape diverges from the domain type, define a
// response struct in the api package instead.
package domain

import (
	"crypto/rand"
	"math/big"
	"strings"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusSubmitted  TaskStatus = "SUBMITTED"
	StatusValidating TaskStatus = "VALIDATING"
	StatusPreparing  TaskStatus = "PREPARING"
	StatusBuilding   TaskStatus = "BUILDING"
	StatusRunning    TaskStatus = "RUNNING"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusFailed     TaskStatus = "FAILED"
	StatusCancelling TaskStatus = "CANCELLING"
	StatusCancelled  TaskStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are permitted from s.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Cancellable reports whether a cancel request is accepted in state s.
func (s TaskStatus) Cancellable() bool {
	switch s {
	case StatusPending, StatusValidating, StatusPreparing, StatusRunning:
		return true
	}
	return false
}

// ValidTaskStatus reports whether s names a known status.
func ValidTaskStatus(s string) bool {
	switch TaskStatus(s) {
	case StatusPending, StatusSubmitted, StatusValidating, StatusPreparing,
		StatusBuilding, StatusRunning, StatusCompleted, StatusFailed,
		StatusCancelling, StatusCancelled:
		return true
	}
	return false
}

// ParseTaskStatus maps a status string to a TaskStatus. Unknown strings
// (including the runners' internal TIMEOUT marker) map to FAILED.
func ParseTaskStatus(s string) TaskStatus {
	if ValidTaskStatus(s) {
		return TaskStatus(s)
	}
	return StatusFailed
}

// Document is a schemaless JSON document (submitted configs, error info,
// result summaries and the like).
type Document = map[string]any

// Task is the primary durable entity: one submitted job description and its
// lifecycle state.
type Task struct {
	TaskID             string     `json:"task_id"`
	TaskType           string     `json:"task_type"`
	TaskName           string     `json:"name"`
	Description        string     `json:"description,omitempty"`
	Status             TaskStatus `json:"status"`
	Priority           int        `json:"priority"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	StartedAt          *time.Time `json:"started_at"`
	FinishedAt         *time.Time `json:"finished_at"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	SubmittedConfigs   Document   `json:"submitted_configs,omitempty"`
	ErrorInfo          Document   `json:"error_info,omitempty"`
	ResultSummary      Document   `json:"result_summary,omitempty"`
	ExecutionDetails   Document   `json:"execution_details,omitempty"`
	ProgressDetails    Document   `json:"progress_details,omitempty"`
	NotificationConfig Document   `json:"notification_config,omitempty"`
	CreatedBy          string     `json:"created_by"`
	Tags               []string   `json:"tags,omitempty"`
	Active             bool       `json:"-"`
}

// Expired reports whether the task has outlived its timeout budget.
func (t *Task) Expired() bool {
	return t.ExpiresAt != nil && time.Now().After(*t.ExpiresAt)
}

// TimeoutSeconds returns the task's timeout budget derived from expires_at,
// or 0 when no timeout was requested.
func (t *Task) TimeoutSeconds() int {
	if t.ExpiresAt == nil {
		return 0
	}
	return int(t.ExpiresAt.Sub(t.CreatedAt) / time.Second)
}

// Task event types.
const (
	EventTypeCreated      = "CREATED"
	EventTypeStatusChange = "STATUS_CHANGE"
)

// TaskEvent is an immutable journal entry recording a task creation or
// status transition.
type TaskEvent struct {
	EventID        int64       `json:"event_id"`
	TaskID         string      `json:"task_id"`
	EventType      string      `json:"event_type"`
	PreviousStatus *TaskStatus `json:"previous_status,omitempty"`
	NewStatus      *TaskStatus `json:"new_status,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
	Actor          string      `json:"actor,omitempty"`
	EventData      Document    `json:"event_data,omitempty"`
}

// Variable is an encrypted named value referenced as ${NAME} inside task
// payloads. EncryptedValue is never exposed through the API.
type Variable struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	EncryptedValue string `json:"-"`
}

// Log levels for task log entries.
const (
	LogLevelInfo     = "INFO"
	LogLevelWarning  = "WARNING"
	LogLevelError    = "ERROR"
	LogLevelCritical = "CRITICAL"
)

// LogEntry is a single framed line from a task's log file.
type LogEntry struct {
	Timestamp int64  `json:"timestamp"` // milliseconds since epoch
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// base57Alphabet excludes the visually ambiguous characters 0, 1, I, O, l.
const base57Alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// taskIDSuffixLen is the length of the random id suffix.
const taskIDSuffixLen = 9

// GenerateTaskID returns a new unique task id of the form
// <lowercased-task-type>_<9-char-base57>.
func GenerateTaskID(taskType string) string {
	return strings.ToLower(taskType) + "_" + ShortID(taskIDSuffixLen)
}

// ShortID returns n random characters from the base57 alphabet.
func ShortID(n int) string {
	max := big.NewInt(int64(len(base57Alphabet)))
	b := make([]byte, n)
	for i := range b {
		// crypto/rand.Int only fails when the entropy source does, at which
		// point the process cannot do anything useful anyway.
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		b[i] = base57Alphabet[idx.Int64()]
	}
	return string(b)
}
