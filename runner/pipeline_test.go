package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openagency/conductor/core"
	"github.com/openagency/conductor/costs"
	"github.com/openagency/conductor/providers"
	"github.com/openagency/conductor/providers/mock"
	"github.com/openagency/conductor/resilience"
	"github.com/openagency/conductor/router"
	"github.com/openagency/conductor/store"
)

// testHarness bundles the fakes a pipeline test needs.
type testHarness struct {
	provider *mock.Client
	store    *store.MemoryStore
	pipeline *Pipeline
	dataRoot string
	runsRoot string

	toolMu    sync.Mutex
	toolCalls []toolCall
	onTool    func(name string, input map[string]interface{}) string
}

type toolCall struct {
	Name  string
	Input map[string]interface{}
}

func newTestHarness(t *testing.T, budget float64) *testHarness {
	t.Helper()

	dataRoot := t.TempDir()
	h := &testHarness{
		provider: mock.NewClient(),
		store:    store.NewMemoryStore(),
		dataRoot: dataRoot,
		runsRoot: filepath.Join(dataRoot, "jobs", "runs"),
	}

	chains := map[string][]providers.Candidate{
		providers.ChainToolExecutor: {{Provider: "mock", Model: "mock-large"}},
		providers.ChainTextReasoner: {{Provider: "mock", Model: "mock-small"}},
	}
	dispatcher, err := providers.NewDispatcher(
		providers.WithChains(chains),
		providers.WithClient("mock", h.provider),
	)
	require.NoError(t, err)

	executor := core.ToolExecutorFunc(func(ctx context.Context, name string, input map[string]interface{}) string {
		h.toolMu.Lock()
		h.toolCalls = append(h.toolCalls, toolCall{Name: name, Input: input})
		handler := h.onTool
		h.toolMu.Unlock()
		if handler != nil {
			return handler(name, input)
		}
		return "ok"
	})

	ledger := costs.NewLedger(t.TempDir(), nil)
	breaker := resilience.NewCircuitBreaker(nil)
	caller := NewAgentCaller(dispatcher, executor, ledger, breaker, h.runsRoot, nil)

	h.pipeline = NewPipeline(PipelineConfig{
		Caller:      caller,
		Store:       h.store,
		Router:      router.New(),
		RunsRoot:    h.runsRoot,
		BudgetLimit: budget,
	})
	h.pipeline.sleep = func(time.Duration) {} // no real backoff in tests

	return h
}

func (h *testHarness) createJob(t *testing.T, id, task string) *core.Job {
	t.Helper()
	job := &core.Job{ID: id, Task: task, Project: "demo", Status: core.JobPending}
	require.NoError(t, h.store.Create(context.Background(), job))
	return job
}

func (h *testHarness) recordedTools() []toolCall {
	h.toolMu.Lock()
	defer h.toolMu.Unlock()
	return append([]toolCall(nil), h.toolCalls...)
}

// queueHappyPath loads provider responses for a clean five-phase run with
// a single-step plan that writes one file.
func (h *testHarness) queueHappyPath() {
	// research
	h.provider.QueueText("RELEVANT FILES: none yet. CONTEXT: fresh directory.", 100, 50)
	// plan
	h.provider.QueueText(`{"steps":[{"description":"Create /tmp/x/README.md","tools":["file_write"]}]}`, 100, 40)
	// execute step 1: one tool round, then a summary
	h.provider.QueueToolUse("tu_1", ToolFileWrite, map[string]interface{}{
		"path":    "/tmp/x/README.md",
		"content": "# Hello\n",
	})
	h.provider.QueueText("Created README.md with the requested title.", 80, 30)
	// verify
	h.provider.QueueText(`{"passed": true, "summary": "file exists", "issues": []}`, 60, 20)
	// deliver
	h.provider.QueueText(`{"delivered": true, "summary": "no repo"}`, 60, 20)
}

func TestPipelineHappyPath(t *testing.T) {
	h := newTestHarness(t, 5.0)
	job := h.createJob(t, "job-happy-1", "Create README.md with title 'Hello'")
	h.queueHappyPath()

	tracker := newProgressTracker(h.runsRoot, job.ID, nil)
	result := h.pipeline.Run(context.Background(), job, tracker)

	assert.True(t, result.Success)
	assert.Empty(t, result.Error)
	assert.Greater(t, result.CostUSD, 0.0)

	// The file-writing tool was dispatched exactly once with the model's input.
	tools := h.recordedTools()
	require.Len(t, tools, 1)
	assert.Equal(t, ToolFileWrite, tools[0].Name)
	assert.Equal(t, "/tmp/x/README.md", tools[0].Input["path"])

	// Job reached done with its cost recorded.
	stored, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobDone, stored.Status)
	assert.Greater(t, stored.CostUSD, 0.0)
	assert.NotNil(t, stored.CompletedAt)

	// Run artifacts: progress, plan, result, and per-phase event logs.
	runDir := filepath.Join(h.runsRoot, job.ID)
	for _, name := range []string{
		"progress.json", "plan.json", "result.json",
		"research.jsonl", "plan.jsonl", "execute.jsonl", "verify.jsonl", "deliver.jsonl",
	} {
		_, err := os.Stat(filepath.Join(runDir, name))
		assert.NoError(t, err, "expected artifact %s", name)
	}

	progress, err := LoadProgress(h.runsRoot, job.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseDeliver, progress.Phase)
	assert.Equal(t, PhaseStatusDone, progress.PhaseStatus)
	assert.Equal(t, 1, progress.TotalSteps)
}

func TestPipelinePlanParseFallback(t *testing.T) {
	h := newTestHarness(t, 5.0)
	job := h.createJob(t, "job-fallback-1", "Do something vague")

	// research
	h.provider.QueueText("nothing of note", 50, 20)
	// plan responds with prose instead of JSON -> single-step fallback
	h.provider.QueueText("I think we should just do it carefully.", 50, 20)
	// execute fallback step
	h.provider.QueueText("did the thing", 50, 20)
	// verify with fenced JSON: the extractor must find it
	h.provider.QueueText("```json\n{\"passed\": true, \"summary\": \"fine\", \"issues\": []}\n```", 50, 20)
	// deliver
	h.provider.QueueText(`{"delivered": true, "summary": "done"}`, 50, 20)

	tracker := newProgressTracker(h.runsRoot, job.ID, nil)
	result := h.pipeline.Run(context.Background(), job, tracker)

	require.True(t, result.Success)

	planPhase, ok := result.Phases["plan"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 1, planPhase["steps"])
}

func TestPipelineVerificationFailureSkipsDelivery(t *testing.T) {
	h := newTestHarness(t, 5.0)
	job := h.createJob(t, "job-verify-fail", "Build the widget")

	h.provider.QueueText("context", 50, 20)
	h.provider.QueueText(`{"steps":[{"description":"build","tools":["shell_execute"]}]}`, 50, 20)
	h.provider.QueueText("built", 50, 20)
	h.provider.QueueText(`{"passed": false, "summary": "tests fail", "issues": ["3 failing tests"]}`, 50, 20)
	// No deliver response queued: delivery must be skipped without a provider call.

	tracker := newProgressTracker(h.runsRoot, job.ID, nil)
	result := h.pipeline.Run(context.Background(), job, tracker)

	assert.False(t, result.Success)

	delivery, ok := result.Phases["deliver"].(*DeliverResult)
	require.True(t, ok)
	assert.False(t, delivery.Delivered)
	assert.Equal(t, "verification failed", delivery.Reason)
	assert.Equal(t, []string{"3 failing tests"}, delivery.Issues)

	stored, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobFailed, stored.Status)
}

func TestPipelineBudgetExceeded(t *testing.T) {
	h := newTestHarness(t, 0.0000001)
	job := h.createJob(t, "job-budget-1", "Expensive work")

	h.provider.QueueText("research summary", 1000, 500)
	h.provider.QueueText(`{"steps":[{"description":"spend money","tools":["shell_execute"]}]}`, 1000, 500)
	// First execute call pushes cumulative cost over the cap.
	h.provider.QueueText("working on it", 1000, 500)

	tracker := newProgressTracker(h.runsRoot, job.ID, nil)
	result := h.pipeline.Run(context.Background(), job, tracker)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "budget exceeded")

	stored, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobFailed, stored.Status)
	assert.Contains(t, stored.Error, "budget exceeded")

	// The pipeline halted before verify: no verify event log exists.
	_, err = os.Stat(filepath.Join(h.runsRoot, job.ID, "verify.jsonl"))
	assert.True(t, os.IsNotExist(err))

	progress, err := LoadProgress(h.runsRoot, job.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseStatusFailed, progress.PhaseStatus)
}

func TestPipelineCancelMidExecute(t *testing.T) {
	h := newTestHarness(t, 5.0)
	job := h.createJob(t, "job-cancel-1", "Two step job")

	tracker := newProgressTracker(h.runsRoot, job.ID, nil)

	h.provider.QueueText("research", 50, 20)
	h.provider.QueueText(`{"steps":[`+
		`{"description":"first","tools":["file_write"]},`+
		`{"description":"second","tools":["file_write"]}]}`, 50, 20)
	// Step 1 runs one tool round; the tool cancels the job mid-step.
	h.provider.QueueToolUse("tu_1", ToolFileWrite, map[string]interface{}{"path": "/tmp/a"})
	h.provider.QueueText("first step done", 50, 20)

	h.onTool = func(name string, input map[string]interface{}) string {
		tracker.Cancel()
		return "ok"
	}

	result := h.pipeline.Run(context.Background(), job, tracker)

	assert.False(t, result.Success)
	assert.Equal(t, "job cancelled", result.Error)

	stored, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobCancelled, stored.Status)

	// Step 2 was skipped, not executed: the provider saw exactly the four
	// queued calls and the second step produced no tool activity.
	assert.Equal(t, 4, h.provider.CallCount())

	execPhase, ok := result.Phases["execute"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 0, execPhase["steps_failed"])

	progress, err := LoadProgress(h.runsRoot, job.ID)
	require.NoError(t, err)
	assert.True(t, progress.Cancelled)
}

func TestPipelineProviderFailureRetriesThenFails(t *testing.T) {
	h := newTestHarness(t, 5.0)
	job := h.createJob(t, "job-provider-down", "Anything")

	// Every provider call fails; the research phase retries and then the
	// pipeline fails the job.
	h.provider.SetError(assert.AnError)

	tracker := newProgressTracker(h.runsRoot, job.ID, nil)
	result := h.pipeline.Run(context.Background(), job, tracker)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "phase research failed")

	stored, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobFailed, stored.Status)

	progress, err := LoadProgress(h.runsRoot, job.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseStatusFailed, progress.PhaseStatus)
	assert.GreaterOrEqual(t, progress.Retries, 1)
}

func TestToolResultsTruncatedInRecordsOnly(t *testing.T) {
	h := newTestHarness(t, 5.0)
	job := h.createJob(t, "job-trunc-1", "Read a big file")

	big := strings.Repeat("x", 5000)
	h.onTool = func(name string, input map[string]interface{}) string { return big }

	h.provider.QueueToolUse("tu_1", ToolFileRead, map[string]interface{}{"path": "/tmp/big"})
	h.provider.QueueText("read it", 50, 20)

	caller := h.pipeline.caller
	result, err := caller.CallAgent(context.Background(), "coder-simple", "read the file", CallOptions{
		JobID:   job.ID,
		Project: job.Project,
		Phase:   PhaseResearch,
		Tools:   toolsForPhase(PhaseResearch),
	})
	require.NoError(t, err)

	// The stored record is truncated; the model got the full string.
	require.Len(t, result.ToolCalls, 1)
	assert.Len(t, result.ToolCalls[0].Result, toolRecordLimit)

	req := h.provider.LastRequest()
	require.NotNil(t, req)
	lastMsg := req.Messages[len(req.Messages)-1]
	require.Equal(t, providers.BlockToolResult, lastMsg.Content[0].Type)
	assert.Len(t, lastMsg.Content[0].Content, 5000)
}

func TestToolLoopCapReached(t *testing.T) {
	h := newTestHarness(t, 5.0)

	// The model asks for a tool on every round, forever.
	for i := 0; i < MaxToolIterations+5; i++ {
		h.provider.QueueToolUse("tu_n", ToolGrepSearch, map[string]interface{}{"pattern": "x"})
	}

	result, err := h.pipeline.caller.CallAgent(context.Background(), "coder-simple", "loop forever", CallOptions{
		JobID:   "job-cap-1",
		Project: "demo",
		Phase:   PhaseExecute,
		Tools:   toolsForPhase(PhaseExecute),
	})
	require.NoError(t, err)

	assert.True(t, result.CapReached)
	assert.Equal(t, MaxToolIterations, h.provider.CallCount())
	// One dispatched tool per iteration plus the diagnostic marker.
	assert.Len(t, result.ToolCalls, MaxToolIterations+1)
	assert.Equal(t, "cap_reached", result.ToolCalls[len(result.ToolCalls)-1].Tool)
}

func TestCallAgentWithoutToolsUsesTextChain(t *testing.T) {
	h := newTestHarness(t, 5.0)

	h.provider.QueueText("plain answer", 30, 10)

	result, err := h.pipeline.caller.CallAgent(context.Background(), "planner", "summarize", CallOptions{
		JobID:   "job-text-1",
		Project: "demo",
	})
	require.NoError(t, err)

	assert.Equal(t, "plain answer", result.Text)
	assert.Empty(t, result.ToolCalls)
	assert.Equal(t, "mock-small", h.provider.LastModel(), "text calls use the text_reasoner chain")
}

func TestCircuitBreakerRefusesAfterConsecutiveFailures(t *testing.T) {
	h := newTestHarness(t, 5.0)
	h.provider.SetError(assert.AnError)

	// Five consecutive failures open the breaker for this role.
	for i := 0; i < 5; i++ {
		_, err := h.pipeline.caller.CallAgent(context.Background(), "coder-simple", "x", CallOptions{
			JobID: "job-breaker-1", Project: "demo",
		})
		require.Error(t, err)
	}

	callsBefore := h.provider.CallCount()
	_, err := h.pipeline.caller.CallAgent(context.Background(), "coder-simple", "x", CallOptions{
		JobID: "job-breaker-1", Project: "demo",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
	assert.Equal(t, callsBefore, h.provider.CallCount(), "an open breaker must refuse without calling the provider")
}
