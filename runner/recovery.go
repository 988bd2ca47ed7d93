package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openagency/conductor/core"
)

// RecoveryAction describes what happened to one job during a crash
// recovery scan.
type RecoveryAction struct {
	JobID     string `json:"job_id"`
	LastPhase string `json:"last_phase,omitempty"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
}

// RecoveryReport summarizes a recovery scan.
type RecoveryReport struct {
	RecoveredCount     int              `json:"recovered_count"`
	UnrecoverableCount int              `json:"unrecoverable_count"`
	Jobs               []RecoveryAction `json:"jobs"`
}

// RecoverInterruptedJobs scans persisted progress records for jobs whose
// phase status is still "running". Records updated within the freshness
// window belong to the current process and are left alone; older ones
// were interrupted by a crash: their progress is rewritten to failed and
// the job is re-queued as pending so the runner picks it up again.
// Unparseable records are reported but not touched.
func RecoverInterruptedJobs(ctx context.Context, runsRoot string, freshness time.Duration, store core.JobStore, logger core.Logger) (*RecoveryReport, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	report := &RecoveryReport{}

	entries, err := os.ReadDir(runsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return report, nil
		}
		return nil, fmt.Errorf("failed to scan runs dir: %w", err)
	}

	now := time.Now().UTC()

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		jobID := entry.Name()
		progressPath := filepath.Join(runsRoot, jobID, "progress.json")

		data, err := os.ReadFile(progressPath)
		if err != nil {
			continue // no progress record yet
		}

		var progress JobProgress
		if err := json.Unmarshal(data, &progress); err != nil {
			report.UnrecoverableCount++
			report.Jobs = append(report.Jobs, RecoveryAction{
				JobID:  jobID,
				Action: "error",
				Reason: err.Error(),
			})
			logger.Error("Unparseable progress record during crash recovery", map[string]interface{}{
				"operation": "crash_recovery",
				"job_id":    jobID,
				"error":     err.Error(),
			})
			continue
		}

		if progress.PhaseStatus != PhaseStatusRunning {
			continue
		}

		// Freshness check: records updated recently belong to the current
		// process and are still actively running, not crash leftovers.
		age := now.Sub(progress.UpdatedAt)
		if !progress.UpdatedAt.IsZero() && age < freshness {
			logger.Info("Skipping fresh running record", map[string]interface{}{
				"operation": "crash_recovery",
				"job_id":    jobID,
				"age_s":     age.Seconds(),
			})
			continue
		}

		lastPhase := string(progress.Phase)
		reason := fmt.Sprintf("interrupted at phase=%s, step=%d", lastPhase, progress.StepIndex)

		appendRecoveryLog(runsRoot, jobID, map[string]interface{}{
			"timestamp":             now.Format(time.RFC3339Nano),
			"action":                "recovery_scheduled",
			"reason":                reason,
			"original_phase_status": PhaseStatusRunning,
			"recovery_phase":        lastPhase,
		})

		progress.PhaseStatus = PhaseStatusFailed
		progress.Error = fmt.Sprintf("interrupted during %s", lastPhase)
		progress.UpdatedAt = now
		if rewritten, err := json.MarshalIndent(progress, "", "  "); err == nil {
			_ = os.WriteFile(progressPath, rewritten, 0o644)
		}

		// Re-queue so the poll loop sees the job again; without this the
		// job stays stuck in its last store status forever.
		if err := store.UpdateStatus(ctx, jobID, core.JobPending, nil); err != nil {
			logger.Warn("Could not re-queue recovered job", map[string]interface{}{
				"operation": "crash_recovery",
				"job_id":    jobID,
				"error":     err.Error(),
			})
		}

		report.RecoveredCount++
		report.Jobs = append(report.Jobs, RecoveryAction{
			JobID:     jobID,
			LastPhase: lastPhase,
			Action:    "marked_for_recovery",
			Reason:    reason,
		})

		logger.Info("Job marked for recovery", map[string]interface{}{
			"operation": "crash_recovery",
			"job_id":    jobID,
			"phase":     lastPhase,
		})
	}

	return report, nil
}

func appendRecoveryLog(runsRoot, jobID string, entry map[string]interface{}) {
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	path := filepath.Join(runsRoot, jobID, "recovery.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(line, '\n'))
}
