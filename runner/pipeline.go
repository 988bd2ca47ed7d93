package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openagency/conductor/core"
	"github.com/openagency/conductor/costs"
	"github.com/openagency/conductor/router"
	"github.com/openagency/conductor/telemetry"
)

// Phase retry parameters: 3 attempts with 3s, 6s backoff between them.
const (
	phaseMaxAttempts = 3
	phaseRetryBase   = 3 * time.Second
)

// Result is the cumulative outcome written to result.json.
type Result struct {
	JobID       string                 `json:"job_id"`
	Agent       string                 `json:"agent"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
	Phases      map[string]interface{} `json:"phases"`
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	CostUSD     float64                `json:"cost_usd"`
}

// Pipeline drives one job through the five phases sequentially,
// persisting progress at every boundary and enforcing the per-job budget.
// Cancellation is cooperative: the cancel flag is observed between phases
// and between execute steps.
type Pipeline struct {
	caller      *AgentCaller
	store       core.JobStore
	router      *router.Router
	events      *phaseLog
	quotas      *costs.QuotaManager
	runsRoot    string
	budgetLimit float64
	logger      core.Logger
	now         func() time.Time
	sleep       func(time.Duration)
}

// PipelineConfig wires a Pipeline.
type PipelineConfig struct {
	Caller      *AgentCaller
	Store       core.JobStore
	Router      *router.Router
	Quotas      *costs.QuotaManager
	RunsRoot    string
	BudgetLimit float64
	Logger      core.Logger
}

// NewPipeline creates a pipeline executor.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/runner")
	}
	budget := cfg.BudgetLimit
	if budget <= 0 {
		budget = core.DefaultBudgetLimitUSD
	}
	return &Pipeline{
		caller:      cfg.Caller,
		store:       cfg.Store,
		router:      cfg.Router,
		events:      newPhaseLog(cfg.RunsRoot, nil),
		quotas:      cfg.Quotas,
		runsRoot:    cfg.RunsRoot,
		budgetLimit: budget,
		logger:      logger,
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// Run executes the full pipeline for one job and returns the final
// result. Termination outcomes:
//   - success=true iff deliver returned delivered=true
//   - budget exceeded: job marked failed, never retried
//   - cancelled: job marked cancelled
//   - any other error: job marked failed
func (p *Pipeline) Run(ctx context.Context, job *core.Job, tracker *progressTracker) *Result {
	startedAt := p.now().UTC()

	decision := p.router.SelectAgent(ctx, job.Task+" "+job.Project)
	role := decision.AgentRole

	p.logger.InfoWithContext(ctx, "Pipeline started", map[string]interface{}{
		"operation":  "pipeline_start",
		"job_id":     job.ID,
		"agent":      role,
		"confidence": decision.Confidence,
		"intent":     decision.Intent,
	})

	result := &Result{
		JobID:     job.ID,
		Agent:     role,
		StartedAt: startedAt,
		Phases:    make(map[string]interface{}),
	}

	if err := p.store.UpdateStatus(ctx, job.ID, core.JobAnalyzing, nil); err != nil {
		p.logger.Warn("Failed to mark job analyzing", map[string]interface{}{
			"operation": "pipeline_status",
			"job_id":    job.ID,
			"error":     err.Error(),
		})
	}

	err := p.runPhases(ctx, job, role, tracker, result)

	result.CostUSD = tracker.Cost()
	result.CompletedAt = p.now().UTC()

	switch {
	case err == nil:
		finalStatus := core.JobDone
		if !result.Success {
			finalStatus = core.JobFailed
		}
		p.finishJob(ctx, job.ID, finalStatus, tracker, "")
		telemetry.Counter("conductor.pipeline.completed", "status", string(finalStatus))
		p.logger.InfoWithContext(ctx, "Pipeline completed", map[string]interface{}{
			"operation": "pipeline_complete",
			"job_id":    job.ID,
			"status":    string(finalStatus),
			"cost_usd":  result.CostUSD,
		})

	case core.IsBudgetExceeded(err):
		result.Error = err.Error()
		_ = tracker.Update(func(pr *JobProgress) {
			pr.Error = err.Error()
			pr.PhaseStatus = PhaseStatusFailed
		})
		p.finishJob(ctx, job.ID, core.JobFailed, tracker, err.Error())
		telemetry.Counter("conductor.pipeline.completed", "status", "budget_exceeded")
		p.logger.ErrorWithContext(ctx, "Pipeline budget exceeded", map[string]interface{}{
			"operation": "pipeline_budget_exceeded",
			"job_id":    job.ID,
			"error":     err.Error(),
		})

	case core.IsCancelled(err):
		result.Error = "job cancelled"
		p.finishJob(ctx, job.ID, core.JobCancelled, tracker, "")
		telemetry.Counter("conductor.pipeline.completed", "status", "cancelled")
		p.logger.InfoWithContext(ctx, "Pipeline cancelled", map[string]interface{}{
			"operation": "pipeline_cancelled",
			"job_id":    job.ID,
		})

	default:
		result.Error = err.Error()
		_ = tracker.Update(func(pr *JobProgress) {
			pr.Error = err.Error()
			pr.PhaseStatus = PhaseStatusFailed
		})
		p.finishJob(ctx, job.ID, core.JobFailed, tracker, err.Error())
		telemetry.Counter("conductor.pipeline.completed", "status", "failed")
		p.logger.ErrorWithContext(ctx, "Pipeline failed", map[string]interface{}{
			"operation": "pipeline_failed",
			"job_id":    job.ID,
			"error":     err.Error(),
		})
	}

	p.saveResult(result)
	return result
}

func (p *Pipeline) runPhases(ctx context.Context, job *core.Job, role string, tracker *progressTracker, result *Result) error {
	// ---- Phase 1: RESEARCH ----
	var research string
	err := p.runPhaseWithRetry(ctx, PhaseResearch, tracker, func() error {
		var phaseErr error
		research, phaseErr = p.researchPhase(ctx, job, role, tracker)
		return phaseErr
	})
	if err != nil {
		return err
	}
	result.Phases["research"] = map[string]interface{}{"status": "done", "length": len(research)}

	if tracker.Cancelled() {
		return core.ErrJobCancelled
	}

	// ---- Phase 2: PLAN ----
	var plan *ExecutionPlan
	err = p.runPhaseWithRetry(ctx, PhasePlan, tracker, func() error {
		var phaseErr error
		plan, phaseErr = p.planPhase(ctx, job, role, research, tracker)
		return phaseErr
	})
	if err != nil {
		return err
	}
	result.Phases["plan"] = map[string]interface{}{"status": "done", "steps": len(plan.Steps)}

	if tracker.Cancelled() {
		return core.ErrJobCancelled
	}

	// ---- Phase 3: EXECUTE ----
	_ = p.store.UpdateStatus(ctx, job.ID, core.JobRunning, nil)
	var execResults []StepResult
	err = p.runPhaseWithRetry(ctx, PhaseExecute, tracker, func() error {
		var phaseErr error
		execResults, phaseErr = p.executePhase(ctx, job, role, plan, research, tracker)
		return phaseErr
	})
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range execResults {
		if r.Status == StepFailed {
			failed++
		}
	}
	execStatus := "done"
	if failed > 0 {
		execStatus = "partial"
	}
	result.Phases["execute"] = map[string]interface{}{
		"status":       execStatus,
		"steps_done":   len(execResults) - failed,
		"steps_failed": failed,
	}

	if tracker.Cancelled() {
		return core.ErrJobCancelled
	}

	// ---- Phase 4: VERIFY ----
	var verify *VerifyResult
	err = p.runPhaseWithRetry(ctx, PhaseVerify, tracker, func() error {
		var phaseErr error
		verify, phaseErr = p.verifyPhase(ctx, job, role, execResults, tracker)
		return phaseErr
	})
	if err != nil {
		return err
	}
	result.Phases["verify"] = verify

	if tracker.Cancelled() {
		return core.ErrJobCancelled
	}

	// ---- Phase 5: DELIVER ----
	var delivery *DeliverResult
	err = p.runPhaseWithRetry(ctx, PhaseDeliver, tracker, func() error {
		var phaseErr error
		delivery, phaseErr = p.deliverPhase(ctx, job, role, verify, tracker)
		return phaseErr
	})
	if err != nil {
		return err
	}
	result.Phases["deliver"] = delivery
	result.Success = delivery.Delivered

	return nil
}

// runPhaseWithRetry wraps a phase in the pipeline retry policy. Budget
// exhaustion and cancellation are terminal and never retried.
func (p *Pipeline) runPhaseWithRetry(ctx context.Context, phase Phase, tracker *progressTracker, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < phaseMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return core.ErrJobCancelled
		default:
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if core.IsBudgetExceeded(lastErr) || core.IsCancelled(lastErr) {
			return lastErr
		}

		_ = tracker.Update(func(pr *JobProgress) {
			pr.Retries++
		})

		if attempt == phaseMaxAttempts-1 {
			break
		}

		backoff := phaseRetryBase * time.Duration(1<<uint(attempt))
		p.logger.Warn("Phase failed, retrying", map[string]interface{}{
			"operation": "phase_retry",
			"job_id":    tracker.Snapshot().JobID,
			"phase":     string(phase),
			"attempt":   attempt + 1,
			"backoff_s": backoff.Seconds(),
			"error":     lastErr.Error(),
		})
		p.events.Append(tracker.Snapshot().JobID, phase, map[string]interface{}{
			"event":           "phase_retry",
			"attempt":         attempt + 1,
			"error":           lastErr.Error(),
			"backoff_seconds": backoff.Seconds(),
		})
		p.sleep(backoff)
	}

	return fmt.Errorf("phase %s failed after %d attempts: %w", phase, phaseMaxAttempts, lastErr)
}

func (p *Pipeline) finishJob(ctx context.Context, jobID string, status core.JobStatus, tracker *progressTracker, errMsg string) {
	completedAt := p.now().UTC()
	cost := tracker.Cost()
	update := &core.JobUpdate{
		CompletedAt: &completedAt,
		CostUSD:     &cost,
		Error:       errMsg,
	}
	if err := p.store.UpdateStatus(ctx, jobID, status, update); err != nil {
		p.logger.Error("Failed to update final job status", map[string]interface{}{
			"operation": "pipeline_status",
			"job_id":    jobID,
			"status":    string(status),
			"error":     err.Error(),
		})
	}
}

func (p *Pipeline) saveResult(result *Result) {
	dir := filepath.Join(p.runsRoot, result.JobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(dir, "result.json"), data, 0o644)
}
