// Package events provides the event-type namespace and the emitter that
// records every event to the store before fanning it out on the bus.
package events

// Event types for tasks. The suffix of a transition event matches the
// task's new status.
const (
	TaskCreated        = "task.created"
	TaskAssessing      = "task.assessing"
	TaskAssessed       = "task.assessed"
	TaskAssessFailed   = "task.assess_failed"
	TaskDecomposed     = "task.decomposed"
	TaskExecuting      = "task.executing"
	TaskReadyForReview = "task.ready_for_review"
	TaskCompleted      = "task.completed"
	TaskFailed         = "task.failed"
	TaskCancelled      = "task.cancelled"
	TaskDeduped        = "task.deduped"
	TaskRequeued       = "task.requeued"
	TaskUpdated        = "task.updated"
	TasksReordered     = "tasks.reordered"
)

// Event types for sessions
const (
	SessionStarted   = "session.started"
	SessionOutput    = "session.output"
	SessionCompleted = "session.completed"
	SessionFailed    = "session.failed"
	SessionCancelled = "session.cancelled"
)

// Event types for the heartbeat
const (
	HeartbeatTick        = "heartbeat.tick"
	HeartbeatRateLimited = "heartbeat.rate_limited"
	HeartbeatError       = "heartbeat.error"
)

// Event types for comments and the rate-limit probe
const (
	CommentCreated   = "comment.created"
	RateLimitUnknown = "ratelimit.unknown"
)

// TaskStatusEvent returns the event type for a task status transition,
// e.g. "executing" -> "task.executing".
func TaskStatusEvent(status string) string {
	return "task." + status
}
