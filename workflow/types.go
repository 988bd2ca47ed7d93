// Package workflow executes declarative multi-step task sequences with
// conditional branching, parallel execution, retries, and persistent
// state. It is the canonical declarative surface next to the job
// pipeline: same retry and persistence conventions, simpler semantics.
package workflow

import "time"

// Status is the workflow execution status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// TaskStatus is the status of an individual task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
	TaskRetrying  TaskStatus = "retrying"
)

// TaskType enumerates the supported task kinds.
type TaskType string

const (
	TaskAgentCall   TaskType = "agent_call"
	TaskHTTPRequest TaskType = "http_request"
	TaskConditional TaskType = "conditional"
	TaskParallel    TaskType = "parallel"
)

// TaskDefinition is one task in a workflow.
type TaskDefinition struct {
	ID   string   `json:"id" yaml:"id"`
	Name string   `json:"name" yaml:"name"`
	Type TaskType `json:"type" yaml:"type"`

	// agent_call
	AgentRole string `json:"agent_role,omitempty" yaml:"agent_role,omitempty"`
	Prompt    string `json:"prompt,omitempty" yaml:"prompt,omitempty"`

	// http_request
	URL    string `json:"url,omitempty" yaml:"url,omitempty"`
	Method string `json:"method,omitempty" yaml:"method,omitempty"`

	// conditional: a boolean expression over {variables, steps}
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	Then      string `json:"then,omitempty" yaml:"then,omitempty"`
	Else      string `json:"else,omitempty" yaml:"else,omitempty"`

	// parallel
	ParallelTasks []TaskDefinition `json:"parallel_tasks,omitempty" yaml:"parallel_tasks,omitempty"`

	// Flow control
	NextTask string `json:"next_task,omitempty" yaml:"next_task,omitempty"`

	RetryCount     int     `json:"retry_count" yaml:"retry_count"`
	RetryBackoff   float64 `json:"retry_backoff" yaml:"retry_backoff"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`
	SkipOnError    bool    `json:"skip_on_error" yaml:"skip_on_error"`
}

// Definition is a full workflow definition.
type Definition struct {
	ID             string                 `json:"id" yaml:"id"`
	Name           string                 `json:"name" yaml:"name"`
	Description    string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Version        string                 `json:"version,omitempty" yaml:"version,omitempty"`
	Tasks          []TaskDefinition       `json:"tasks" yaml:"tasks"`
	Variables      map[string]interface{} `json:"variables,omitempty" yaml:"variables,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// TaskExecution is the execution record for a single task.
type TaskExecution struct {
	TaskID          string                 `json:"task_id"`
	TaskName        string                 `json:"task_name"`
	Status          TaskStatus             `json:"status"`
	StartTime       *time.Time             `json:"start_time,omitempty"`
	EndTime         *time.Time             `json:"end_time,omitempty"`
	DurationSeconds float64                `json:"duration_seconds"`
	Attempts        int                    `json:"attempts"`
	Result          map[string]interface{} `json:"result,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

// Execution is the execution record for an entire workflow.
type Execution struct {
	WorkflowID      string                    `json:"workflow_id"`
	ExecutionID     string                    `json:"execution_id"`
	Status          Status                    `json:"status"`
	StartTime       *time.Time                `json:"start_time,omitempty"`
	EndTime         *time.Time                `json:"end_time,omitempty"`
	DurationSeconds float64                   `json:"duration_seconds"`
	TaskExecutions  map[string]*TaskExecution `json:"task_executions"`
	Variables       map[string]interface{}    `json:"variables"`
	TotalCostUSD    float64                   `json:"total_cost_usd"`
	CreatedAt       time.Time                 `json:"created_at"`
	CompletedAt     *time.Time                `json:"completed_at,omitempty"`
}
