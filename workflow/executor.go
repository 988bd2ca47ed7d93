package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PaesslerAG/gval"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/openagency/conductor/core"
	"github.com/openagency/conductor/telemetry"
)

// AgentInvoker is the hook an agent_call task delegates to. The runner's
// tool-use loop satisfies this through a thin adapter at wiring time.
type AgentInvoker interface {
	Invoke(ctx context.Context, role, prompt string) (text string, costUSD float64, err error)
}

// AgentInvokerFunc adapts a function to AgentInvoker.
type AgentInvokerFunc func(ctx context.Context, role, prompt string) (string, float64, error)

func (f AgentInvokerFunc) Invoke(ctx context.Context, role, prompt string) (string, float64, error) {
	return f(ctx, role, prompt)
}

// Executor runs workflow definitions with state persistence under
// <dataRoot>/workflows.
type Executor struct {
	invoker    AgentInvoker
	httpClient *http.Client
	logger     core.Logger

	executionsDir string
	logsDir       string

	mu         sync.Mutex
	executions map[string]*Execution
	costMu     sync.Mutex // guards Execution.TotalCostUSD across parallel sub-tasks
	now        func() time.Time
	sleep      func(time.Duration)
}

// NewExecutor creates a workflow executor.
func NewExecutor(dataRoot string, invoker AgentInvoker, logger core.Logger) *Executor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/workflow")
	}
	return &Executor{
		invoker:       invoker,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		logger:        logger,
		executionsDir: filepath.Join(dataRoot, "workflows", "executions"),
		logsDir:       filepath.Join(dataRoot, "workflows", "logs"),
		executions:    make(map[string]*Execution),
		now:           time.Now,
		sleep:         time.Sleep,
	}
}

// Execute runs a complete workflow and returns its execution record.
// Task failures halt the workflow unless the task sets skip_on_error.
func (e *Executor) Execute(ctx context.Context, def *Definition, variables map[string]interface{}) (*Execution, error) {
	if def == nil || len(def.Tasks) == 0 {
		return nil, fmt.Errorf("workflow definition has no tasks: %w", core.ErrInvalidConfiguration)
	}

	execution := &Execution{
		WorkflowID:     def.ID,
		ExecutionID:    uuid.NewString(),
		Status:         StatusRunning,
		TaskExecutions: make(map[string]*TaskExecution),
		Variables:      mergeVariables(def.Variables, variables),
		CreatedAt:      e.now().UTC(),
	}
	start := e.now().UTC()
	execution.StartTime = &start

	e.mu.Lock()
	e.executions[execution.ExecutionID] = execution
	e.mu.Unlock()

	e.save(execution)
	e.logLine(execution.ExecutionID, "workflow execution started: "+def.Name)
	telemetry.Counter("conductor.workflow.executions", "workflow", def.ID)

	if def.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(def.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	idx := 0
	for idx >= 0 && idx < len(def.Tasks) {
		if ctx.Err() != nil {
			execution.Status = StatusCancelled
			break
		}

		next := e.executeTask(ctx, &def.Tasks[idx], def, execution)
		e.save(execution)

		if execution.Status != StatusRunning {
			break
		}
		idx = next
	}

	if execution.Status == StatusRunning {
		execution.Status = StatusCompleted
		e.logLine(execution.ExecutionID, "workflow execution completed")
	}

	end := e.now().UTC()
	execution.EndTime = &end
	execution.CompletedAt = &end
	if execution.StartTime != nil {
		execution.DurationSeconds = end.Sub(*execution.StartTime).Seconds()
	}
	e.save(execution)

	return execution, nil
}

// GetExecution returns a tracked execution by id.
func (e *Executor) GetExecution(executionID string) (*Execution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	execution, ok := e.executions[executionID]
	return execution, ok
}

// executeTask runs one task with retries and returns the index of the
// next task, or -1 when the workflow is done.
func (e *Executor) executeTask(ctx context.Context, task *TaskDefinition, def *Definition, execution *Execution) int {
	taskExec := &TaskExecution{
		TaskID:   task.ID,
		TaskName: task.Name,
		Status:   TaskRunning,
	}
	start := e.now().UTC()
	taskExec.StartTime = &start
	execution.TaskExecutions[task.ID] = taskExec

	e.logLine(execution.ExecutionID, fmt.Sprintf("starting task: %s (type: %s)", task.Name, task.Type))

	retries := task.RetryCount
	if retries <= 0 {
		retries = 3
	}
	backoff := task.RetryBackoff
	if backoff <= 0 {
		backoff = 2.0
	}

	var result map[string]interface{}
	var lastErr error

	for attempt := 0; attempt < retries; attempt++ {
		taskExec.Attempts = attempt + 1

		result, lastErr = e.runTaskOnce(ctx, task, def, execution)
		if lastErr == nil {
			taskExec.Result = result
			taskExec.Status = TaskCompleted
			break
		}

		taskExec.Error = lastErr.Error()
		if attempt < retries-1 {
			delay := time.Duration(pow(backoff, attempt) * float64(time.Second))
			e.logLine(execution.ExecutionID, fmt.Sprintf(
				"task %s failed (attempt %d), retrying in %s: %v", task.Name, attempt+1, delay, lastErr))
			taskExec.Status = TaskRetrying
			e.sleep(delay)
		} else {
			e.logLine(execution.ExecutionID, fmt.Sprintf(
				"task %s failed after %d attempts: %v", task.Name, retries, lastErr))
		}
	}

	end := e.now().UTC()
	taskExec.EndTime = &end
	if taskExec.StartTime != nil {
		taskExec.DurationSeconds = end.Sub(*taskExec.StartTime).Seconds()
	}

	if taskExec.Status != TaskCompleted {
		if task.SkipOnError {
			taskExec.Status = TaskSkipped
			e.logLine(execution.ExecutionID, fmt.Sprintf("task %s skipped due to error (skip_on_error)", task.Name))
		} else {
			taskExec.Status = TaskFailed
			execution.Status = StatusFailed
			e.logLine(execution.ExecutionID, fmt.Sprintf("workflow halted: task %s failed", task.Name))
			return -1
		}
	}

	// Conditional tasks pick their branch by id.
	if task.Type == TaskConditional && taskExec.Status == TaskCompleted {
		branch, _ := taskExec.Result["branch"].(string)
		if branch != "" {
			if idx := taskIndex(def, branch); idx >= 0 {
				return idx
			}
		}
	}

	if task.NextTask != "" {
		if idx := taskIndex(def, task.NextTask); idx >= 0 {
			return idx
		}
	}

	if idx := taskIndex(def, task.ID); idx >= 0 && idx+1 < len(def.Tasks) {
		return idx + 1
	}
	return -1
}

func (e *Executor) runTaskOnce(ctx context.Context, task *TaskDefinition, def *Definition, execution *Execution) (map[string]interface{}, error) {
	taskCtx := ctx
	if task.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, time.Duration(task.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	switch task.Type {
	case TaskAgentCall:
		return e.runAgentCall(taskCtx, task, execution)
	case TaskHTTPRequest:
		return e.runHTTPRequest(taskCtx, task, execution)
	case TaskConditional:
		return e.runConditional(task, execution)
	case TaskParallel:
		return e.runParallel(taskCtx, task, def, execution)
	default:
		return nil, fmt.Errorf("unknown task type: %s", task.Type)
	}
}

func (e *Executor) runAgentCall(ctx context.Context, task *TaskDefinition, execution *Execution) (map[string]interface{}, error) {
	if e.invoker == nil {
		return nil, fmt.Errorf("no agent invoker configured: %w", core.ErrNotInitialized)
	}
	prompt := e.interpolate(task.Prompt, execution)

	text, cost, err := e.invoker.Invoke(ctx, task.AgentRole, prompt)
	if err != nil {
		return nil, err
	}

	e.costMu.Lock()
	execution.TotalCostUSD += cost
	e.costMu.Unlock()

	return map[string]interface{}{
		"agent_role": task.AgentRole,
		"output":     text,
		"cost":       cost,
	}, nil
}

func (e *Executor) runHTTPRequest(ctx context.Context, task *TaskDefinition, execution *Execution) (map[string]interface{}, error) {
	method := task.Method
	if method == "" {
		method = http.MethodPost
	}
	url := e.interpolate(task.URL, execution)

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http request failed: status %d", resp.StatusCode)
	}

	return map[string]interface{}{
		"status_code": resp.StatusCode,
		"output":      string(body),
	}, nil
}

// runConditional evaluates a pure boolean expression against the
// workflow variable context and records the chosen branch id.
func (e *Executor) runConditional(task *TaskDefinition, execution *Execution) (map[string]interface{}, error) {
	if task.Condition == "" {
		return nil, fmt.Errorf("conditional task %s has no condition: %w", task.ID, core.ErrInvalidConfiguration)
	}

	value, err := gval.Evaluate(task.Condition, e.evalContext(execution))
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", task.Condition, err)
	}
	truthy, ok := value.(bool)
	if !ok {
		return nil, fmt.Errorf("condition %q did not evaluate to a boolean (got %T)", task.Condition, value)
	}

	branch := task.Else
	if truthy {
		branch = task.Then
	}
	return map[string]interface{}{
		"condition": task.Condition,
		"value":     truthy,
		"branch":    branch,
	}, nil
}

// runParallel runs sub-tasks concurrently and waits for all; the group
// fails on the first sub-task failure.
func (e *Executor) runParallel(ctx context.Context, task *TaskDefinition, def *Definition, execution *Execution) (map[string]interface{}, error) {
	if len(task.ParallelTasks) == 0 {
		return map[string]interface{}{"completed": 0}, nil
	}

	var wg sync.WaitGroup
	results := make([]map[string]interface{}, len(task.ParallelTasks))
	errs := make([]error, len(task.ParallelTasks))

	for i := range task.ParallelTasks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub := &task.ParallelTasks[i]
			results[i], errs[i] = e.runTaskOnce(ctx, sub, def, execution)
		}(i)
	}
	wg.Wait()

	outputs := make(map[string]interface{}, len(task.ParallelTasks))
	for i, sub := range task.ParallelTasks {
		if errs[i] != nil {
			return nil, fmt.Errorf("parallel sub-task %s failed: %w", sub.ID, errs[i])
		}
		outputs[sub.ID] = results[i]
	}
	return map[string]interface{}{
		"completed": len(task.ParallelTasks),
		"outputs":   outputs,
	}, nil
}

// evalContext builds the expression environment: workflow variables plus
// completed step results.
func (e *Executor) evalContext(execution *Execution) map[string]interface{} {
	steps := make(map[string]interface{}, len(execution.TaskExecutions))
	for id, taskExec := range execution.TaskExecutions {
		steps[id] = map[string]interface{}{
			"status": string(taskExec.Status),
			"output": taskExec.Result,
		}
	}
	return map[string]interface{}{
		"variables": execution.Variables,
		"steps":     steps,
	}
}

var interpolationPattern = regexp.MustCompile(`\$\{[^}]+\}`)

// interpolate resolves ${variables.x} and ${steps.<id>.output...}
// references in a template against the execution context.
func (e *Executor) interpolate(template string, execution *Execution) string {
	if !strings.Contains(template, "${") {
		return template
	}

	doc, err := json.Marshal(e.evalContext(execution))
	if err != nil {
		return template
	}

	return interpolationPattern.ReplaceAllStringFunc(template, func(match string) string {
		path := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		value := gjson.GetBytes(doc, path)
		if !value.Exists() {
			return match
		}
		return value.String()
	})
}

func (e *Executor) save(execution *Execution) {
	if err := os.MkdirAll(e.executionsDir, 0o755); err != nil {
		return
	}
	data, err := json.MarshalIndent(execution, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(e.executionsDir, execution.ExecutionID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		e.logger.Error("Failed to save workflow execution", map[string]interface{}{
			"operation":    "workflow_save",
			"execution_id": execution.ExecutionID,
			"error":        err.Error(),
		})
	}
}

func (e *Executor) logLine(executionID, message string) {
	if err := os.MkdirAll(e.logsDir, 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(e.logsDir, executionID+".log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "[%s] %s\n", e.now().UTC().Format(time.RFC3339), message)
}

func mergeVariables(base, overrides map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func taskIndex(def *Definition, taskID string) int {
	for i := range def.Tasks {
		if def.Tasks[i].ID == taskID {
			return i
		}
	}
	return -1
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
