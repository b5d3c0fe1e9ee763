package orchestrator

import "time"

// TaskState is the lifecycle state of an orchestrator task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// Terminal reports whether the task will not change state again.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskRequest is the body of POST /task/execute.
type TaskRequest struct {
	Instruction string         `json:"instruction"`
	Context     map[string]any `json:"context,omitempty"`
}

// TaskStatus is the shape returned by the execute, status and result endpoints.
type TaskStatus struct {
	TaskID     string    `json:"task_id"`
	Status     TaskState `json:"status"`
	Result     string    `json:"result,omitempty"`
	AgentsUsed []string  `json:"agents_used,omitempty"`
	TokensUsed *int      `json:"tokens_used,omitempty"`
	Error      string    `json:"error,omitempty"`

	Timing Timing `json:"_timing"`
}

// Immediate reports whether the task settled synchronously with a usable result.
func (t *TaskStatus) Immediate() bool {
	return t != nil && t.Status == TaskCompleted && t.Result != ""
}

// HealthState is the coarse orchestrator health.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthDown     HealthState = "down"
)

// Health is the body of GET /health.
type Health struct {
	Status          HealthState `json:"status"`
	Uptime          float64     `json:"uptime"`
	AgentsAvailable int         `json:"agents_available"`

	Timing Timing `json:"_timing"`
}

// Timing is call-duration metadata attached by the client to every response.
type Timing struct {
	DurationMs int64 `json:"duration_ms"`
}

// Duration returns the recorded call duration.
func (t Timing) Duration() time.Duration {
	return time.Duration(t.DurationMs) * time.Millisecond
}

// ConversationTurn is one entry of the conversation_history context.
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
