// Command conductord runs the autonomous job orchestrator: the polling
// job runner, the operational HTTP API, and their supporting reliability
// subsystems.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/openagency/conductor/alerting"
	"github.com/openagency/conductor/core"
	"github.com/openagency/conductor/costs"
	"github.com/openagency/conductor/health"
	"github.com/openagency/conductor/providers"
	"github.com/openagency/conductor/resilience"
	"github.com/openagency/conductor/router"
	"github.com/openagency/conductor/runner"
	"github.com/openagency/conductor/store"
	"github.com/openagency/conductor/telemetry"
	"github.com/openagency/conductor/workflow"

	// Provider adapters register themselves with the dispatcher registry.
	_ "github.com/openagency/conductor/providers/anthropic"
	_ "github.com/openagency/conductor/providers/openai"
)

func main() {
	cfg, err := core.NewConfig()
	if err != nil {
		os.Stderr.WriteString("configuration error: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := cfg.Logger()

	if err := cfg.EnsureDataDirs(); err != nil {
		logger.Error("Failed to create data directories", map[string]interface{}{
			"operation": "startup",
			"error":     err.Error(),
		})
		os.Exit(1)
	}

	telemetryProvider, err := telemetry.NewProvider(cfg.Name)
	if err != nil {
		logger.Warn("Telemetry disabled", map[string]interface{}{
			"operation": "startup",
			"error":     err.Error(),
		})
	}

	alerts := alerting.NewSystem(cfg.DataRoot, cfg.SlackWebhookURL, logger)
	ledger := costs.NewLedger(cfg.DataRoot, logger)

	quotas := costs.NewQuotaManager(ledger, costs.Quota{
		PerTaskUSD: cfg.BudgetLimitUSD,
		DailyUSD:   50,
		MonthlyUSD: 1000,
	}, logger)
	quotas.SetWarner(alerts)

	breaker := resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
		StatePath: filepath.Join(cfg.DataRoot, "events", "circuit_breakers.json"),
		Logger:    logger,
	})
	if err := breaker.Load(); err != nil {
		logger.Warn("Could not load persisted breaker state", map[string]interface{}{
			"operation": "startup",
			"error":     err.Error(),
		})
	}

	dispatcherOpts := []providers.DispatcherOption{
		providers.WithDispatcherLogger(logger),
		providers.WithCallTimeout(cfg.ProviderTimeout),
	}
	if telemetryProvider != nil {
		dispatcherOpts = append(dispatcherOpts, providers.WithDispatcherTelemetry(telemetryProvider))
	}
	dispatcher, err := providers.NewDispatcher(dispatcherOpts...)
	if err != nil {
		logger.Error("Failed to build provider dispatcher", map[string]interface{}{
			"operation": "startup",
			"error":     err.Error(),
		})
		os.Exit(1)
	}

	jobStore, closeStore, err := buildJobStore(cfg, logger)
	if err != nil {
		logger.Error("Failed to build job store", map[string]interface{}{
			"operation": "startup",
			"error":     err.Error(),
		})
		os.Exit(1)
	}
	defer closeStore()

	// Tool implementations are an external collaborator; deployments
	// inject their executor here. The default reports unavailability to
	// the model as a result string.
	toolExecutor := core.ToolExecutorFunc(func(ctx context.Context, name string, input map[string]interface{}) string {
		return "tool " + name + " is not configured on this deployment"
	})

	intentRouter := router.New(router.WithLogger(logger))

	caller := runner.NewAgentCaller(dispatcher, toolExecutor, ledger, breaker,
		filepath.Join(cfg.DataRoot, "jobs", "runs"), logger)

	pipeline := runner.NewPipeline(runner.PipelineConfig{
		Caller:      caller,
		Store:       jobStore,
		Router:      intentRouter,
		Quotas:      quotas,
		RunsRoot:    filepath.Join(cfg.DataRoot, "jobs", "runs"),
		BudgetLimit: cfg.BudgetLimitUSD,
		Logger:      logger,
	})

	jobRunner := runner.NewRunner(runner.RunnerConfig{
		Store:         jobStore,
		Pipeline:      pipeline,
		Ledger:        ledger,
		Breaker:       breaker,
		Alerts:        alerts,
		Logger:        logger,
		DataRoot:      cfg.DataRoot,
		PollInterval:  cfg.PollInterval,
		MaxConcurrent: cfg.MaxConcurrent,
		BudgetLimit:   cfg.BudgetLimitUSD,
		Freshness:     cfg.FreshnessWindow,
	})

	workflowExec := workflow.NewExecutor(cfg.DataRoot, workflow.AgentInvokerFunc(
		func(ctx context.Context, role, prompt string) (string, float64, error) {
			result, err := caller.CallAgent(ctx, role, prompt, runner.CallOptions{Project: "workflows"})
			if err != nil {
				return "", 0, err
			}
			return result.Text, result.CostUSD, nil
		}), logger)

	definitions, err := workflow.LoadDefinitions(filepath.Join(cfg.DataRoot, "workflows", "definitions"))
	if err != nil {
		logger.Error("Failed to load workflow definitions", map[string]interface{}{
			"operation": "startup",
			"error":     err.Error(),
		})
		os.Exit(1)
	}
	logger.Info("Workflow definitions loaded", map[string]interface{}{
		"operation": "startup",
		"count":     len(definitions),
	})

	ctx := context.Background()
	if err := jobRunner.Start(ctx); err != nil {
		logger.Error("Failed to start runner", map[string]interface{}{
			"operation": "startup",
			"error":     err.Error(),
		})
		os.Exit(1)
	}

	// Workflows named in STARTUP_WORKFLOWS run once after the runner is up
	// (bootstrap checks, warmup sequences). Failures alert, never abort.
	if names := os.Getenv("STARTUP_WORKFLOWS"); names != "" {
		go runStartupWorkflows(ctx, names, definitions, workflowExec, alerts, logger)
	}

	healthService := health.NewService(jobRunner, breaker, dispatcher, intentRouter, alerts, cfg.DataRoot, logger)
	addr := os.Getenv("HEALTH_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           healthService.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Operational API listening", map[string]interface{}{
			"operation": "startup",
			"addr":      addr,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Operational API failed", map[string]interface{}{
				"operation": "http_serve",
				"error":     err.Error(),
			})
		}
	}()

	// Block until shutdown signal, then drain gracefully.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("Shutdown signal received", map[string]interface{}{"operation": "shutdown"})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 150*time.Second)
	defer cancel()

	_ = server.Shutdown(shutdownCtx)
	_ = jobRunner.Stop(shutdownCtx)
	if telemetryProvider != nil {
		_ = telemetryProvider.Shutdown(shutdownCtx)
	}
}

func runStartupWorkflows(ctx context.Context, names string, definitions []*workflow.Definition, exec *workflow.Executor, alerts *alerting.System, logger core.Logger) {
	byID := make(map[string]*workflow.Definition, len(definitions))
	for _, def := range definitions {
		byID[def.ID] = def
	}

	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		def, ok := byID[name]
		if !ok {
			alerts.Log(alerting.LevelWarning, "workflow", "startup workflow not found: "+name, nil)
			continue
		}
		execution, err := exec.Execute(ctx, def, nil)
		if err != nil || execution.Status != workflow.StatusCompleted {
			details := map[string]interface{}{"workflow": name}
			if err != nil {
				details["error"] = err.Error()
			} else {
				details["status"] = string(execution.Status)
			}
			alerts.Log(alerting.LevelWarning, "workflow", "startup workflow did not complete", details)
			continue
		}
		logger.Info("Startup workflow completed", map[string]interface{}{
			"operation":    "startup_workflow",
			"workflow":     name,
			"execution_id": execution.ExecutionID,
			"cost_usd":     execution.TotalCostUSD,
		})
	}
}

func buildJobStore(cfg *core.Config, logger core.Logger) (core.JobStore, func(), error) {
	if cfg.RedisURL != "" {
		redisStore, err := store.NewRedisStore(cfg.RedisURL, logger)
		if err != nil {
			return nil, nil, err
		}
		return redisStore, func() { _ = redisStore.Close() }, nil
	}
	return store.NewMemoryStore(), func() {}, nil
}
