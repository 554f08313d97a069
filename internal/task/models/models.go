// Package models defines the persisted entities for the task queue.
package models

import (
	"time"
)

// TaskStatus represents a task's position in the execution state machine.
type TaskStatus string

const (
	// TaskStatusPending - created, awaiting assessment or activation
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusAssessing - currently being classified
	TaskStatusAssessing TaskStatus = "assessing"
	// TaskStatusDecomposed - replaced by subtasks
	TaskStatusDecomposed TaskStatus = "decomposed"
	// TaskStatusExecuting - agent session running
	TaskStatusExecuting TaskStatus = "executing"
	// TaskStatusReadyForReview - PR created, awaiting human review
	TaskStatusReadyForReview TaskStatus = "ready_for_review"
	// TaskStatusCompleted - user approved
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed - unrecoverable or exceeded retries
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled - user cancelled
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status allows no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusDecomposed, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// ValidTaskStatuses lists every recognized task status.
var ValidTaskStatuses = map[TaskStatus]bool{
	TaskStatusPending:        true,
	TaskStatusAssessing:      true,
	TaskStatusDecomposed:     true,
	TaskStatusExecuting:      true,
	TaskStatusReadyForReview: true,
	TaskStatusCompleted:      true,
	TaskStatusFailed:         true,
	TaskStatusCancelled:      true,
}

// Recognized metadata keys. Metadata is merged shallowly; setting a key
// to JSON null deletes it.
const (
	MetaActive               = "active"
	MetaDecomposeOnHeartbeat = "decompose_on_heartbeat"
	MetaAssessment           = "assessment"
	MetaDecomposedInto       = "decomposed_into"
	MetaRetryCount           = "retry_count"
	MetaError                = "error"
	MetaBranch               = "branch"
	MetaWorktreePath         = "worktree_path"
	MetaPRURL                = "pr_url"
)

// Task represents one unit of work in the queue.
type Task struct {
	ID               int64                  `json:"id" db:"id"`
	UUID             string                 `json:"uuid" db:"uuid"`
	Title            string                 `json:"title" db:"title"`
	Description      string                 `json:"description" db:"description"`
	Status           TaskStatus             `json:"status" db:"status"`
	Priority         int                    `json:"priority" db:"priority"`
	Position         int                    `json:"position" db:"position"`
	ParentTaskID     *int64                 `json:"parent_task_id,omitempty" db:"parent_task_id"`
	ProjectID        *int64                 `json:"project_id,omitempty" db:"project_id"`
	Complexity       *string                `json:"complexity,omitempty" db:"complexity"`
	RecommendedModel *string                `json:"recommended_model,omitempty" db:"recommended_model"`
	ActiveSessionID  *int64                 `json:"active_session_id,omitempty" db:"active_session_id"`
	Metadata         map[string]interface{} `json:"metadata" db:"-"`
	CreatedAt        time.Time              `json:"created_at" db:"created_at"`
	StartedAt        *time.Time             `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty" db:"completed_at"`
}

// Meta returns a typed view over the task's metadata bag.
func (t *Task) Meta() TaskMeta {
	return TaskMeta(t.Metadata)
}

// TaskMeta is a typed read view over a task metadata mapping. Unknown
// keys pass through untouched.
type TaskMeta map[string]interface{}

// Active reports whether the task is activated for execution.
func (m TaskMeta) Active() bool {
	b, _ := m[MetaActive].(bool)
	return b
}

// DecomposeOnHeartbeat reports the decomposition hint for the assessor.
func (m TaskMeta) DecomposeOnHeartbeat() bool {
	b, _ := m[MetaDecomposeOnHeartbeat].(bool)
	return b
}

// RetryCount returns the number of retries recorded so far.
// JSON decoding yields float64 for numbers; stored ints are accepted too.
func (m TaskMeta) RetryCount() int {
	switch v := m[MetaRetryCount].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Error returns the recorded failure summary, if any.
func (m TaskMeta) Error() string {
	s, _ := m[MetaError].(string)
	return s
}

// Branch returns the recorded VCS branch name, if any.
func (m TaskMeta) Branch() string {
	s, _ := m[MetaBranch].(string)
	return s
}

// WorktreePath returns the recorded worktree directory, if any.
func (m TaskMeta) WorktreePath() string {
	s, _ := m[MetaWorktreePath].(string)
	return s
}

// PRURL returns the recorded pull request URL, if any.
func (m TaskMeta) PRURL() string {
	s, _ := m[MetaPRURL].(string)
	return s
}

// SessionStatus represents an agent session's lifecycle state.
type SessionStatus string

const (
	// SessionStatusCreated - row inserted, process not yet launched
	SessionStatusCreated SessionStatus = "created"
	// SessionStatusRunning - agent process is alive
	SessionStatusRunning SessionStatus = "running"
	// SessionStatusCompleted - process exited zero
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusFailed - process exited non-zero or spawn failed
	SessionStatusFailed SessionStatus = "failed"
	// SessionStatusCancelled - terminated by user request
	SessionStatusCancelled SessionStatus = "cancelled"
)

// IsActive reports whether the session counts against the concurrency cap.
func (s SessionStatus) IsActive() bool {
	return s == SessionStatusCreated || s == SessionStatusRunning
}

// Session represents one invocation of the agent CLI tied to one task.
type Session struct {
	ID             int64                  `json:"id" db:"id"`
	UUID           string                 `json:"uuid" db:"uuid"`
	TaskID         int64                  `json:"task_id" db:"task_id"`
	WorkingDir     string                 `json:"working_dir" db:"working_dir"`
	Model          string                 `json:"model" db:"model"`
	Status         SessionStatus          `json:"status" db:"status"`
	TurnCount      int                    `json:"turn_count" db:"turn_count"`
	StdoutPath     string                 `json:"stdout_path" db:"stdout_path"`
	StderrPath     string                 `json:"stderr_path" db:"stderr_path"`
	PID            *int                   `json:"pid,omitempty" db:"pid"`
	ExitCode       *int                   `json:"exit_code,omitempty" db:"exit_code"`
	AgentSessionID *string                `json:"agent_session_id,omitempty" db:"agent_session_id"`
	Artifacts      map[string]interface{} `json:"artifacts" db:"-"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty" db:"completed_at"`
	LastHeartbeat  *time.Time             `json:"last_heartbeat,omitempty" db:"last_heartbeat"`
}

// Comment represents a note attached to a task by a user or an agent.
type Comment struct {
	ID        int64     `json:"id" db:"id"`
	UUID      string    `json:"uuid" db:"uuid"`
	TaskID    int64     `json:"task_id" db:"task_id"`
	Content   string    `json:"content" db:"content"`
	Author    string    `json:"author" db:"author"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Event is one row in the append-only event log.
type Event struct {
	ID         int64                  `json:"id" db:"id"`
	UUID       string                 `json:"uuid" db:"uuid"`
	EventType  string                 `json:"event_type" db:"event_type"`
	EntityType string                 `json:"entity_type" db:"entity_type"`
	EntityID   string                 `json:"entity_id" db:"entity_id"`
	Payload    map[string]interface{} `json:"payload" db:"-"`
	CreatedAt  time.Time              `json:"created_at" db:"created_at"`
}

// RateLimitStatus is the singleton snapshot of the agent CLI's usage cache.
type RateLimitStatus struct {
	Tier          string     `json:"tier" db:"tier"`
	MessagesUsed  int        `json:"messages_used" db:"messages_used"`
	MessagesLimit int        `json:"messages_limit" db:"messages_limit"`
	PercentUsed   float64    `json:"percent_used" db:"percent_used"`
	IsLimited     bool       `json:"is_limited" db:"is_limited"`
	ResetAt       *time.Time `json:"reset_at,omitempty" db:"reset_at"`
	Raw           string     `json:"raw,omitempty" db:"raw"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// Project is a registered working directory that tasks execute against.
type Project struct {
	ID            int64     `json:"id" db:"id"`
	UUID          string    `json:"uuid" db:"uuid"`
	Name          string    `json:"name" db:"name"`
	RepoDir       string    `json:"repo_dir" db:"repo_dir"`
	Origin        *string   `json:"origin,omitempty" db:"origin"`
	DefaultBranch string    `json:"default_branch" db:"default_branch"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
