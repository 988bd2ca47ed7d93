package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openagency/conductor/alerting"
	"github.com/openagency/conductor/core"
	"github.com/openagency/conductor/costs"
	"github.com/openagency/conductor/resilience"
	"github.com/openagency/conductor/telemetry"
)

// stopGracePeriod bounds how long Stop waits for in-flight pipelines.
const stopGracePeriod = 120 * time.Second

// Runner polls the job store for pending jobs and launches pipelines
// under a bounded concurrency semaphore.
type Runner struct {
	store    core.JobStore
	pipeline *Pipeline
	ledger   *costs.Ledger
	breaker  *resilience.CircuitBreaker
	alerts   *alerting.System
	logger   core.Logger

	pollInterval  time.Duration
	maxConcurrent int
	budgetLimit   float64
	freshnessWin  time.Duration
	runsRoot      string

	mu         sync.Mutex
	running    bool
	cancelPoll context.CancelFunc
	jobsCtx    context.Context
	cancelJobs context.CancelFunc
	active     map[string]struct{}
	trackers   map[string]*progressTracker
	cancelled  map[string]bool
	sem        chan struct{}
	wg         sync.WaitGroup
	cron       *cron.Cron
}

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Store         core.JobStore
	Pipeline      *Pipeline
	Ledger        *costs.Ledger
	Breaker       *resilience.CircuitBreaker
	Alerts        *alerting.System
	Logger        core.Logger
	DataRoot      string
	PollInterval  time.Duration
	MaxConcurrent int
	BudgetLimit   float64
	Freshness     time.Duration
}

// NewRunner creates a runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/runner")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = core.DefaultPollInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = core.DefaultMaxConcurrent
	}
	if cfg.BudgetLimit <= 0 {
		cfg.BudgetLimit = core.DefaultBudgetLimitUSD
	}
	if cfg.Freshness <= 0 {
		cfg.Freshness = core.DefaultFreshnessWindow
	}

	r := &Runner{
		store:         cfg.Store,
		pipeline:      cfg.Pipeline,
		ledger:        cfg.Ledger,
		breaker:       cfg.Breaker,
		alerts:        cfg.Alerts,
		logger:        logger,
		pollInterval:  cfg.PollInterval,
		maxConcurrent: cfg.MaxConcurrent,
		budgetLimit:   cfg.BudgetLimit,
		freshnessWin:  cfg.Freshness,
		runsRoot:      filepath.Join(cfg.DataRoot, "jobs", "runs"),
		active:        make(map[string]struct{}),
		trackers:      make(map[string]*progressTracker),
		cancelled:     make(map[string]bool),
		sem:           make(chan struct{}, cfg.MaxConcurrent),
	}

	logger.Info("Runner initialized", map[string]interface{}{
		"operation":      "runner_init",
		"poll_interval":  cfg.PollInterval.String(),
		"max_concurrent": cfg.MaxConcurrent,
		"budget_usd":     cfg.BudgetLimit,
	})
	return r
}

// Start runs crash recovery, schedules maintenance, and begins the
// background polling loop.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return core.ErrAlreadyStarted
	}
	r.running = true

	// The poll loop and the pipelines get separate contexts: a graceful
	// stop cancels polling first and only force-cancels pipelines after
	// the grace period.
	pollCtx, cancelPoll := context.WithCancel(context.Background())
	jobsCtx, cancelJobs := context.WithCancel(context.Background())
	r.cancelPoll = cancelPoll
	r.jobsCtx = jobsCtx
	r.cancelJobs = cancelJobs
	r.mu.Unlock()

	// Re-queue jobs interrupted by a previous crash before polling so
	// they are picked up in the first cycle.
	report, err := RecoverInterruptedJobs(ctx, r.runsRoot, r.freshnessWin, r.store, r.logger)
	if err != nil {
		r.logger.Error("Crash recovery scan failed", map[string]interface{}{
			"operation": "runner_start",
			"error":     err.Error(),
		})
	} else if report.RecoveredCount > 0 && r.alerts != nil {
		r.alerts.Log(alerting.LevelWarning, "crash_recovery",
			fmt.Sprintf("recovered %d interrupted jobs", report.RecoveredCount),
			map[string]interface{}{"jobs": report.Jobs})
	}

	r.startMaintenance()

	r.wg.Add(1)
	go r.pollLoop(pollCtx)

	r.logger.Info("Runner started, polling for jobs", map[string]interface{}{
		"operation": "runner_start",
	})
	return nil
}

// Stop cancels the poll loop, then waits up to the grace period for
// active pipelines to finish; survivors are abandoned to their contexts.
// Circuit breaker state is persisted on the way out.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cancelPoll := r.cancelPoll
	cancelJobs := r.cancelJobs
	activeCount := len(r.active)
	r.mu.Unlock()

	r.logger.Info("Runner shutting down", map[string]interface{}{
		"operation":   "runner_stop",
		"active_jobs": activeCount,
	})

	if cancelPoll != nil {
		cancelPoll()
	}
	if r.cron != nil {
		r.cron.Stop()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		r.logger.Warn("Shutdown grace period elapsed, force-cancelling survivors", map[string]interface{}{
			"operation": "runner_stop",
		})
		if cancelJobs != nil {
			cancelJobs()
		}
		<-done
	case <-ctx.Done():
		if cancelJobs != nil {
			cancelJobs()
		}
	}

	if r.breaker != nil {
		if err := r.breaker.Save(); err != nil {
			r.logger.Error("Failed to persist circuit breaker state", map[string]interface{}{
				"operation": "runner_stop",
				"error":     err.Error(),
			})
		}
	}

	r.logger.Info("Runner stopped", map[string]interface{}{"operation": "runner_stop"})
	return nil
}

// ExecuteJob runs a single job through the full pipeline on demand.
func (r *Runner) ExecuteJob(ctx context.Context, jobID string) (*Result, error) {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	tracker := r.registerJob(job.ID)
	defer r.releaseJob(job.ID)
	return r.pipeline.Run(ctx, job, tracker), nil
}

// GetProgress returns the current progress for a tracked or persisted job.
func (r *Runner) GetProgress(jobID string) (*JobProgress, error) {
	r.mu.Lock()
	tracker, ok := r.trackers[jobID]
	r.mu.Unlock()

	if ok {
		snapshot := tracker.Snapshot()
		return &snapshot, nil
	}
	return LoadProgress(r.runsRoot, jobID)
}

// CancelJob sets the cancel flag and marks the job cancelled in the
// store immediately; the running pipeline observes the flag at its next
// step boundary and exits cleanly. Idempotent: a second call is a no-op
// reporting the same outcome.
func (r *Runner) CancelJob(ctx context.Context, jobID string) bool {
	r.mu.Lock()
	tracker, tracked := r.trackers[jobID]
	if !tracked {
		r.mu.Unlock()
		return false
	}
	alreadyCancelled := r.cancelled[jobID]
	r.cancelled[jobID] = true
	delete(r.active, jobID)
	r.mu.Unlock()

	if alreadyCancelled {
		return true
	}

	tracker.Cancel()
	if err := r.store.UpdateStatus(ctx, jobID, core.JobCancelled, nil); err != nil {
		r.logger.Warn("Failed to mark job cancelled in store", map[string]interface{}{
			"operation": "job_cancel",
			"job_id":    jobID,
			"error":     err.Error(),
		})
	}

	r.logger.Info("Job marked for cancellation", map[string]interface{}{
		"operation": "job_cancel",
		"job_id":    jobID,
	})
	return true
}

// ActiveJobs returns the ids of currently running pipelines.
func (r *Runner) ActiveJobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	return ids
}

// RunnerStats is the runner's diagnostic snapshot.
type RunnerStats struct {
	Running       bool     `json:"running"`
	ActiveJobs    int      `json:"active_jobs"`
	MaxConcurrent int      `json:"max_concurrent"`
	PollInterval  string   `json:"poll_interval"`
	BudgetUSD     float64  `json:"budget_limit_usd"`
	ActiveJobIDs  []string `json:"active_job_ids"`
	TotalCostUSD  float64  `json:"total_cost_usd"`
}

// Stats returns runner statistics.
func (r *Runner) Stats() RunnerStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	var total float64
	for _, tracker := range r.trackers {
		total += tracker.Cost()
	}

	return RunnerStats{
		Running:       r.running,
		ActiveJobs:    len(r.active),
		MaxConcurrent: r.maxConcurrent,
		PollInterval:  r.pollInterval.String(),
		BudgetUSD:     r.budgetLimit,
		ActiveJobIDs:  ids,
		TotalCostUSD:  total,
	}
}

// pollLoop checks the store for pending jobs at the configured interval.
// With zero pending jobs it sleeps and makes no provider calls.
func (r *Runner) pollLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		r.pollOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) pollOnce(ctx context.Context) {
	pending, err := r.store.GetPending(ctx)
	if err != nil {
		r.logger.Error("Poll loop error", map[string]interface{}{
			"operation": "poll",
			"error":     err.Error(),
		})
		return
	}

	for _, job := range pending {
		r.mu.Lock()
		_, isActive := r.active[job.ID]
		isCancelled := r.cancelled[job.ID]
		r.mu.Unlock()

		if isActive || isCancelled {
			continue
		}

		// Non-blocking semaphore acquire: at capacity, defer the rest of
		// the pending list to a later cycle. Jobs wait in the store.
		select {
		case r.sem <- struct{}{}:
		default:
			r.logger.Debug("Concurrency limit reached, deferring pending jobs", map[string]interface{}{
				"operation":      "poll",
				"max_concurrent": r.maxConcurrent,
			})
			return
		}

		r.logger.Info("Picking up job", map[string]interface{}{
			"operation": "job_pickup",
			"job_id":    job.ID,
			"task":      truncate(job.Task, 80),
		})
		telemetry.Counter("conductor.runner.jobs", "event", "pickup")

		r.mu.Lock()
		jobsCtx := r.jobsCtx
		r.mu.Unlock()

		tracker := r.registerJob(job.ID)
		r.wg.Add(1)
		go r.runPipeline(jobsCtx, job, tracker)
	}
}

func (r *Runner) runPipeline(ctx context.Context, job *core.Job, tracker *progressTracker) {
	defer r.wg.Done()
	defer func() { <-r.sem }()

	r.pipeline.Run(ctx, job, tracker)
	r.releaseJob(job.ID)

	r.mu.Lock()
	telemetry.Gauge("conductor.runner.active_jobs", float64(len(r.active)))
	r.mu.Unlock()
}

func (r *Runner) registerJob(jobID string) *progressTracker {
	r.mu.Lock()
	defer r.mu.Unlock()

	tracker := newProgressTracker(r.runsRoot, jobID, nil)
	r.trackers[jobID] = tracker
	r.active[jobID] = struct{}{}
	return tracker
}

func (r *Runner) releaseJob(jobID string) {
	r.mu.Lock()
	delete(r.active, jobID)
	r.mu.Unlock()
}

// startMaintenance schedules background upkeep: hourly circuit breaker
// snapshots and a daily cost summary alert.
func (r *Runner) startMaintenance() {
	r.cron = cron.New()

	if r.breaker != nil {
		_, _ = r.cron.AddFunc("43 * * * *", func() {
			if err := r.breaker.Save(); err != nil {
				r.logger.Warn("Scheduled breaker snapshot failed", map[string]interface{}{
					"operation": "maintenance",
					"error":     err.Error(),
				})
			}
		})
	}

	if r.ledger != nil && r.alerts != nil {
		_, _ = r.cron.AddFunc("7 3 * * *", func() {
			metrics := r.ledger.Metrics()
			r.alerts.Log(alerting.LevelWarning, "costs",
				fmt.Sprintf("daily cost summary: $%.4f across %d calls", metrics.TotalCost, metrics.EntriesCount),
				map[string]interface{}{
					"total_usd": metrics.TotalCost,
					"today_usd": metrics.TodayUSD,
					"month_usd": metrics.MonthUSD,
					"by_agent":  metrics.ByAgent,
				})
		})
	}

	r.cron.Start()
}
