package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openagency/conductor/core"
	"github.com/openagency/conductor/store"
)

func writeProgressFile(t *testing.T, runsRoot, jobID string, progress JobProgress) {
	t.Helper()
	dir := filepath.Join(runsRoot, jobID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data, err := json.MarshalIndent(progress, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "progress.json"), data, 0o644))
}

func TestRecoveryRequeuesStaleRunningJobs(t *testing.T) {
	runsRoot := t.TempDir()
	jobStore := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, jobStore.Create(ctx, &core.Job{
		ID: "job-stale-1", Task: "long task", Status: core.JobAnalyzing,
	}))

	writeProgressFile(t, runsRoot, "job-stale-1", JobProgress{
		JobID:       "job-stale-1",
		Phase:       PhaseExecute,
		PhaseStatus: PhaseStatusRunning,
		StepIndex:   2,
		UpdatedAt:   time.Now().UTC().Add(-5 * time.Minute),
	})

	report, err := RecoverInterruptedJobs(ctx, runsRoot, time.Minute, jobStore, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, report.RecoveredCount)
	assert.Equal(t, 0, report.UnrecoverableCount)
	require.Len(t, report.Jobs, 1)
	assert.Equal(t, "marked_for_recovery", report.Jobs[0].Action)
	assert.Equal(t, "execute", report.Jobs[0].LastPhase)

	// Progress rewritten to failed with the interruption reason.
	progress, err := LoadProgress(runsRoot, "job-stale-1")
	require.NoError(t, err)
	assert.Equal(t, PhaseStatusFailed, progress.PhaseStatus)
	assert.Equal(t, "interrupted during execute", progress.Error)

	// Job re-queued as pending.
	job, err := jobStore.Get(ctx, "job-stale-1")
	require.NoError(t, err)
	assert.Equal(t, core.JobPending, job.Status)

	// Recovery action logged.
	_, err = os.Stat(filepath.Join(runsRoot, "job-stale-1", "recovery.jsonl"))
	assert.NoError(t, err)
}

func TestRecoveryLeavesFreshRecordsAlone(t *testing.T) {
	runsRoot := t.TempDir()
	jobStore := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, jobStore.Create(ctx, &core.Job{
		ID: "job-fresh-1", Task: "active task", Status: core.JobAnalyzing,
	}))

	writeProgressFile(t, runsRoot, "job-fresh-1", JobProgress{
		JobID:       "job-fresh-1",
		Phase:       PhaseResearch,
		PhaseStatus: PhaseStatusRunning,
		UpdatedAt:   time.Now().UTC().Add(-10 * time.Second),
	})

	report, err := RecoverInterruptedJobs(ctx, runsRoot, time.Minute, jobStore, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.RecoveredCount)

	// Still owned by the current process.
	progress, err := LoadProgress(runsRoot, "job-fresh-1")
	require.NoError(t, err)
	assert.Equal(t, PhaseStatusRunning, progress.PhaseStatus)

	job, err := jobStore.Get(ctx, "job-fresh-1")
	require.NoError(t, err)
	assert.Equal(t, core.JobAnalyzing, job.Status)
}

func TestRecoverySkipsCompletedJobs(t *testing.T) {
	runsRoot := t.TempDir()
	jobStore := store.NewMemoryStore()

	writeProgressFile(t, runsRoot, "job-done-1", JobProgress{
		JobID:       "job-done-1",
		Phase:       PhaseDeliver,
		PhaseStatus: PhaseStatusDone,
		UpdatedAt:   time.Now().UTC().Add(-time.Hour),
	})

	report, err := RecoverInterruptedJobs(context.Background(), runsRoot, time.Minute, jobStore, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.RecoveredCount)
}

func TestRecoveryReportsUnparseableRecords(t *testing.T) {
	runsRoot := t.TempDir()
	jobStore := store.NewMemoryStore()

	dir := filepath.Join(runsRoot, "job-broken-1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "progress.json"), []byte("{not json"), 0o644))

	report, err := RecoverInterruptedJobs(context.Background(), runsRoot, time.Minute, jobStore, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, report.RecoveredCount)
	assert.Equal(t, 1, report.UnrecoverableCount)
	require.Len(t, report.Jobs, 1)
	assert.Equal(t, "error", report.Jobs[0].Action)

	// The broken record is reported, not touched.
	data, err := os.ReadFile(filepath.Join(dir, "progress.json"))
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestRecoveryMissingRunsDirIsEmptyReport(t *testing.T) {
	report, err := RecoverInterruptedJobs(context.Background(),
		filepath.Join(t.TempDir(), "does-not-exist"), time.Minute, store.NewMemoryStore(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.RecoveredCount)
	assert.Equal(t, 0, report.UnrecoverableCount)
}
