package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/openagency/conductor/core"
	"github.com/openagency/conductor/resilience"
)

// MaxPlanSteps is the safety cap on plan step count. Plans beyond the cap
// are truncated, not rejected.
const MaxPlanSteps = 20

// stepRetryPolicy governs per-step retries inside the execute phase.
var stepRetryPolicy = &resilience.RetryPolicy{
	MaxRetries:    2,
	BaseDelay:     2 * time.Second,
	MaxDelay:      60 * time.Second,
	Jitter:        true,
	RateLimitWait: 60 * time.Second,
}

// VerifyResult is the parsed output of the VERIFY phase.
type VerifyResult struct {
	Passed  bool     `json:"passed"`
	Summary string   `json:"summary"`
	Issues  []string `json:"issues"`
}

// DeliverResult is the parsed output of the DELIVER phase.
type DeliverResult struct {
	Delivered  bool     `json:"delivered"`
	CommitHash string   `json:"commit_hash,omitempty"`
	Pushed     bool     `json:"pushed,omitempty"`
	Deployed   bool     `json:"deployed,omitempty"`
	Summary    string   `json:"summary,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Issues     []string `json:"issues,omitempty"`
}

// StepResult summarizes one executed plan step.
type StepResult struct {
	Step      int     `json:"step"`
	Status    string  `json:"status"`
	Summary   string  `json:"summary,omitempty"`
	ToolCalls int     `json:"tool_calls,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
	Attempts  int     `json:"attempts,omitempty"`
	Error     string  `json:"error,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// researchPhase gathers context about the task: relevant files, existing
// patterns, dependencies, risks. Returns a free-text summary.
func (p *Pipeline) researchPhase(ctx context.Context, job *core.Job, role string, tracker *progressTracker) (string, error) {
	if err := tracker.Update(func(pr *JobProgress) {
		pr.Phase = PhaseResearch
		pr.PhaseStatus = PhaseStatusRunning
	}); err != nil {
		return "", err
	}

	prompt := fmt.Sprintf(
		"You are researching a task before planning and executing it.\n\n"+
			"PROJECT: %s\nTASK: %s\n\n"+
			"Gather all the context you need:\n"+
			"1. Use research_task to understand the domain/technology involved\n"+
			"2. Use glob_files and grep_search to find relevant existing code\n"+
			"3. Use file_read to examine key files\n"+
			"4. Use repo_info to check open issues if relevant\n\n"+
			"After researching, provide a structured summary:\n"+
			"- RELEVANT FILES: Files that need to change or are related\n"+
			"- EXISTING PATTERNS: Key patterns/conventions in the codebase\n"+
			"- DEPENDENCIES: What this task depends on\n"+
			"- RISKS: Potential issues or gotchas\n"+
			"- CONTEXT: Any other important context for planning",
		job.Project, job.Task)

	result, err := p.caller.CallAgent(ctx, role, prompt, CallOptions{
		JobID:   job.ID,
		Project: job.Project,
		Phase:   PhaseResearch,
		Tools:   toolsForPhase(PhaseResearch),
	})
	if err != nil {
		return "", err
	}

	if err := tracker.AddCost(result.CostUSD); err != nil {
		return "", err
	}
	if err := tracker.Update(func(pr *JobProgress) {
		pr.PhaseStatus = PhaseStatusDone
	}); err != nil {
		return "", err
	}

	p.events.Append(job.ID, PhaseResearch, map[string]interface{}{
		"event":          "phase_complete",
		"summary_length": len(result.Text),
		"tool_calls":     len(result.ToolCalls),
		"cost_usd":       result.CostUSD,
	})

	return result.Text, nil
}

// planPhase produces a step-by-step execution plan. A response that fails
// JSON parsing degrades to a single-step fallback covering the whole task.
func (p *Pipeline) planPhase(ctx context.Context, job *core.Job, role, research string, tracker *progressTracker) (*ExecutionPlan, error) {
	if err := tracker.Update(func(pr *JobProgress) {
		pr.Phase = PhasePlan
		pr.PhaseStatus = PhaseStatusRunning
	}); err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(
		"Based on the research below, create a concrete step-by-step plan to complete this task.\n\n"+
			"PROJECT: %s\nTASK: %s\n\n"+
			"RESEARCH FINDINGS:\n%s\n\n"+
			"Create a plan with numbered steps. For each step specify:\n"+
			"- A clear description of what to do\n"+
			"- Which tools to use (file_write, file_edit, shell_execute, git_operations, etc.)\n\n"+
			"IMPORTANT: Respond ONLY with valid JSON in this exact format:\n"+
			`{"steps": [`+"\n"+
			`  {"description": "Step 1: ...", "tools": ["file_write", "shell_execute"]},`+"\n"+
			`  {"description": "Step 2: ...", "tools": ["file_edit"]}`+"\n"+
			"]}\n\n"+
			"Keep the plan focused and practical. Maximum %d steps.\n"+
			"Do NOT include markdown fences or any text outside the JSON.",
		job.Project, job.Task, research, MaxPlanSteps)

	result, err := p.caller.CallAgent(ctx, role, prompt, CallOptions{
		JobID:   job.ID,
		Project: job.Project,
		Phase:   PhasePlan,
		Tools:   toolsForPhase(PhasePlan),
	})
	if err != nil {
		return nil, err
	}
	if err := tracker.AddCost(result.CostUSD); err != nil {
		return nil, err
	}

	var planData struct {
		Steps []struct {
			Description string   `json:"description"`
			Tools       []string `json:"tools"`
		} `json:"steps"`
	}
	if parseErr := unmarshalLenient(result.Text, &planData); parseErr != nil || len(planData.Steps) == 0 {
		p.logger.Warn("Could not parse plan JSON, using fallback single-step plan", map[string]interface{}{
			"operation": "plan_fallback",
			"job_id":    job.ID,
		})
		planData.Steps = []struct {
			Description string   `json:"description"`
			Tools       []string `json:"tools"`
		}{{
			Description: "Complete the task: " + job.Task,
			Tools:       []string{ToolShellExecute, ToolFileWrite, ToolFileEdit},
		}}
	}

	plan := &ExecutionPlan{
		JobID:     job.ID,
		Agent:     role,
		CreatedAt: p.now().UTC(),
	}
	for i, step := range planData.Steps {
		if i >= MaxPlanSteps {
			break
		}
		description := step.Description
		if description == "" {
			description = fmt.Sprintf("Step %d", i+1)
		}
		plan.Steps = append(plan.Steps, PlanStep{
			Index:       i,
			Description: description,
			ToolHints:   step.Tools,
			Status:      StepPending,
		})
	}

	if err := tracker.Update(func(pr *JobProgress) {
		pr.TotalSteps = len(plan.Steps)
		pr.PhaseStatus = PhaseStatusDone
	}); err != nil {
		return nil, err
	}
	if err := savePlan(p.runsRoot, plan); err != nil {
		return nil, err
	}

	p.events.Append(job.ID, PhasePlan, map[string]interface{}{
		"event":       "phase_complete",
		"steps_count": len(plan.Steps),
		"cost_usd":    result.CostUSD,
	})

	return plan, nil
}

// executePhase runs each plan step strictly in order. Steps retry with
// exponential backoff; budget exhaustion terminates the pipeline and a
// cancelled job skips its remaining steps.
func (p *Pipeline) executePhase(ctx context.Context, job *core.Job, role string, plan *ExecutionPlan, research string, tracker *progressTracker) ([]StepResult, error) {
	if err := tracker.Update(func(pr *JobProgress) {
		pr.Phase = PhaseExecute
		pr.PhaseStatus = PhaseStatusRunning
	}); err != nil {
		return nil, err
	}

	tools := toolsForPhase(PhaseExecute)
	var results []StepResult

	for i := range plan.Steps {
		step := &plan.Steps[i]

		if tracker.Cancelled() {
			step.Status = StepSkipped
			results = append(results, StepResult{
				Step:   step.Index,
				Status: StepSkipped,
				Reason: "job cancelled",
			})
			continue
		}

		step.Status = StepRunning
		if err := tracker.Update(func(pr *JobProgress) {
			pr.StepIndex = step.Index
		}); err != nil {
			return nil, err
		}

		prompt := p.stepPrompt(job, plan, step, research, results)

		var stepResult *StepResult
		attempts := 0
		err := resilience.Retry(ctx, stepRetryPolicy, func() error {
			attempts++
			result, callErr := p.caller.CallAgent(ctx, role, prompt, CallOptions{
				JobID:   job.ID,
				Project: job.Project,
				Phase:   PhaseExecute,
				Tools:   tools,
			})
			if callErr != nil {
				p.events.Append(job.ID, PhaseExecute, map[string]interface{}{
					"event":   "step_retry",
					"step":    step.Index,
					"attempt": attempts,
					"error":   callErr.Error(),
				})
				return callErr
			}

			if err := tracker.AddCost(result.CostUSD); err != nil {
				return err
			}
			if err := p.checkBudget(job.Project, tracker); err != nil {
				return err
			}

			step.Status = StepDone
			step.Result = truncate(result.Text, 5000)
			step.Attempts = attempts
			stepResult = &StepResult{
				Step:      step.Index,
				Status:    StepDone,
				Summary:   truncate(result.Text, 500),
				ToolCalls: len(result.ToolCalls),
				CostUSD:   result.CostUSD,
				Attempts:  attempts,
			}
			return nil
		})

		if err != nil {
			if core.IsBudgetExceeded(err) || core.IsCancelled(err) {
				step.Status = StepFailed
				step.Error = err.Error()
				return results, err
			}
			step.Status = StepFailed
			step.Error = fmt.Sprintf("failed after %d attempts", attempts)
			stepResult = &StepResult{
				Step:     step.Index,
				Status:   StepFailed,
				Error:    step.Error,
				Attempts: attempts,
			}
		}

		results = append(results, *stepResult)
		if err := tracker.Touch(); err != nil {
			return nil, err
		}

		p.events.Append(job.ID, PhaseExecute, map[string]interface{}{
			"event":      "step_complete",
			"step":       stepResult.Step,
			"status":     stepResult.Status,
			"tool_calls": stepResult.ToolCalls,
			"cost_usd":   stepResult.CostUSD,
			"attempts":   stepResult.Attempts,
		})
	}

	if err := tracker.Update(func(pr *JobProgress) {
		pr.PhaseStatus = PhaseStatusDone
	}); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *Pipeline) stepPrompt(job *core.Job, plan *ExecutionPlan, step *PlanStep, research string, done []StepResult) string {
	var b strings.Builder
	fmt.Fprintf(&b,
		"You are executing step %d of %d for a job.\n\n"+
			"PROJECT: %s\nOVERALL TASK: %s\n\n"+
			"RESEARCH CONTEXT:\n%s\n\n"+
			"CURRENT STEP: %s\nSUGGESTED TOOLS: %s\n\n",
		step.Index+1, len(plan.Steps),
		job.Project, job.Task,
		truncate(research, 3000),
		step.Description, strings.Join(step.ToolHints, ", "))

	if len(done) > 0 {
		b.WriteString("PREVIOUS STEPS COMPLETED:\n")
		start := 0
		if len(done) > 5 {
			start = len(done) - 5
		}
		for _, r := range done[start:] {
			summary := r.Summary
			if summary == "" {
				summary = r.Status
			}
			fmt.Fprintf(&b, "- Step %d: %s\n", r.Step+1, summary)
		}
		b.WriteString("\n")
	}

	b.WriteString("Execute this step now using the available tools. " +
		"When done, summarize what you did and the outcome.")
	return b.String()
}

// verifyPhase runs tests, lint checks, and quality verification. A
// response that fails JSON parsing defaults to passed with the free-text
// summary.
func (p *Pipeline) verifyPhase(ctx context.Context, job *core.Job, role string, execResults []StepResult, tracker *progressTracker) (*VerifyResult, error) {
	if err := tracker.Update(func(pr *JobProgress) {
		pr.Phase = PhaseVerify
		pr.PhaseStatus = PhaseStatusRunning
	}); err != nil {
		return nil, err
	}

	var stepsSummary strings.Builder
	for _, r := range execResults {
		summary := r.Summary
		if summary == "" {
			summary = r.Status
		}
		fmt.Fprintf(&stepsSummary, "- Step %d: %s\n", r.Step+1, summary)
	}

	prompt := fmt.Sprintf(
		"You just completed execution of a task. Now verify the results.\n\n"+
			"PROJECT: %s\nTASK: %s\n\n"+
			"EXECUTION RESULTS:\n%s\n"+
			"Verification checklist:\n"+
			"1. Use shell_execute to run any relevant tests\n"+
			"2. Use shell_execute to run linting if applicable\n"+
			"3. Use file_read to spot-check created/modified files for correctness\n"+
			"4. Use grep_search to check for common issues (TODO, FIXME, debug output)\n\n"+
			"Respond with a JSON object:\n"+
			`{"passed": true/false, "summary": "...", "issues": ["issue1", "issue2"]}`+"\n"+
			"Do NOT include markdown fences or any text outside the JSON.",
		job.Project, job.Task, stepsSummary.String())

	result, err := p.caller.CallAgent(ctx, role, prompt, CallOptions{
		JobID:   job.ID,
		Project: job.Project,
		Phase:   PhaseVerify,
		Tools:   toolsForPhase(PhaseVerify),
	})
	if err != nil {
		return nil, err
	}
	if err := tracker.AddCost(result.CostUSD); err != nil {
		return nil, err
	}

	verify := &VerifyResult{}
	if parseErr := unmarshalLenient(result.Text, verify); parseErr != nil {
		// Free-text verification: assume passed and carry the summary.
		verify.Passed = true
		verify.Summary = truncate(strings.TrimSpace(result.Text), 500)
		verify.Issues = nil
	}

	if err := tracker.Update(func(pr *JobProgress) {
		pr.PhaseStatus = PhaseStatusDone
	}); err != nil {
		return nil, err
	}

	p.events.Append(job.ID, PhaseVerify, map[string]interface{}{
		"event":        "phase_complete",
		"passed":       verify.Passed,
		"issues_count": len(verify.Issues),
		"cost_usd":     result.CostUSD,
	})

	return verify, nil
}

// deliverPhase commits, pushes, deploys, and notifies. If verification
// did not pass, delivery is skipped entirely.
func (p *Pipeline) deliverPhase(ctx context.Context, job *core.Job, role string, verify *VerifyResult, tracker *progressTracker) (*DeliverResult, error) {
	if err := tracker.Update(func(pr *JobProgress) {
		pr.Phase = PhaseDeliver
		pr.PhaseStatus = PhaseStatusRunning
	}); err != nil {
		return nil, err
	}

	if !verify.Passed {
		delivery := &DeliverResult{
			Delivered: false,
			Reason:    "verification failed",
			Issues:    verify.Issues,
		}
		if err := tracker.Update(func(pr *JobProgress) {
			pr.PhaseStatus = PhaseStatusDone
		}); err != nil {
			return nil, err
		}
		return delivery, nil
	}

	prompt := fmt.Sprintf(
		"The task is complete and verified. Now deliver the results.\n\n"+
			"PROJECT: %s\nTASK: %s\n\n"+
			"Delivery steps:\n"+
			"1. Use git_operations with action='status' to see what changed\n"+
			"2. Use git_operations with action='add' to stage the changes\n"+
			"3. Use git_operations with action='commit' with a clear commit message\n"+
			"4. Use git_operations with action='push' to push to remote\n"+
			"5. If the project auto-deploys, use deploy to trigger a deployment\n"+
			"6. Send a notification summarizing what was done\n\n"+
			"Respond with a JSON object when done:\n"+
			`{"delivered": true, "commit_hash": "...", "pushed": true, "deployed": true/false, "summary": "..."}`+"\n"+
			"Do NOT include markdown fences or any text outside the JSON.",
		job.Project, job.Task)

	result, err := p.caller.CallAgent(ctx, role, prompt, CallOptions{
		JobID:   job.ID,
		Project: job.Project,
		Phase:   PhaseDeliver,
		Tools:   toolsForPhase(PhaseDeliver),
	})
	if err != nil {
		return nil, err
	}
	if err := tracker.AddCost(result.CostUSD); err != nil {
		return nil, err
	}

	delivery := &DeliverResult{}
	if parseErr := unmarshalLenient(result.Text, delivery); parseErr != nil {
		delivery.Delivered = true
		delivery.Summary = truncate(strings.TrimSpace(result.Text), 500)
	}

	if err := tracker.Update(func(pr *JobProgress) {
		pr.PhaseStatus = PhaseStatusDone
	}); err != nil {
		return nil, err
	}

	p.events.Append(job.ID, PhaseDeliver, map[string]interface{}{
		"event":     "phase_complete",
		"delivered": delivery.Delivered,
		"cost_usd":  result.CostUSD,
	})

	return delivery, nil
}

var fencedBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// unmarshalLenient parses JSON from model output: first the whole text,
// then a fenced code block, then the longest {...} span.
func unmarshalLenient(text string, v interface{}) error {
	trimmed := strings.TrimSpace(text)

	if err := json.Unmarshal([]byte(trimmed), v); err == nil {
		return nil
	}

	if block := extractJSONBlock(trimmed); block != "" {
		return json.Unmarshal([]byte(block), v)
	}
	return fmt.Errorf("no JSON object found in response")
}

// extractJSONBlock pulls candidate JSON out of a response that may wrap
// it in markdown fences or surrounding prose.
func extractJSONBlock(text string) string {
	if m := fencedBlockPattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start != -1 && end > start {
		return text[start : end+1]
	}
	return ""
}

// checkBudget raises a budget-exceeded condition when accumulated cost
// passes the per-job cap, or when the project's quota rejects further
// spend.
func (p *Pipeline) checkBudget(project string, tracker *progressTracker) error {
	cost := tracker.Cost()
	if cost > p.budgetLimit {
		return fmt.Errorf("job budget exceeded: $%.4f > $%.2f: %w",
			cost, p.budgetLimit, core.ErrBudgetExceeded)
	}
	if p.quotas != nil {
		if ok, reason := p.quotas.Check(project, cost, 0); !ok {
			return fmt.Errorf("%s: %w", reason, core.ErrQuotaExceeded)
		}
	}
	return nil
}
