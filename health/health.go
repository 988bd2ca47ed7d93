// Package health exposes the read-only operational API: system health,
// circuit breaker state and reset, provider chain availability, router
// statistics, and recent alerts. Authentication is handled by the
// external gateway; these handlers assume an already-authenticated
// caller.
package health

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/openagency/conductor/alerting"
	"github.com/openagency/conductor/core"
	"github.com/openagency/conductor/providers"
	"github.com/openagency/conductor/resilience"
	"github.com/openagency/conductor/router"
	"github.com/openagency/conductor/runner"
)

// Service bundles the component snapshots the API exposes.
type Service struct {
	Runner     *runner.Runner
	Breaker    *resilience.CircuitBreaker
	Dispatcher *providers.Dispatcher
	Router     *router.Router
	Alerts     *alerting.System
	DataRoot   string
	Logger     core.Logger

	now func() time.Time
}

// NewService creates the operational API service.
func NewService(r *runner.Runner, breaker *resilience.CircuitBreaker, dispatcher *providers.Dispatcher, rt *router.Router, alerts *alerting.System, dataRoot string, logger core.Logger) *Service {
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/health")
	}
	return &Service{
		Runner:     r,
		Breaker:    breaker,
		Dispatcher: dispatcher,
		Router:     rt,
		Alerts:     alerts,
		DataRoot:   dataRoot,
		Logger:     logger,
		now:        time.Now,
	}
}

// Routes mounts the operational endpoints on a chi router.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(rateLimitMiddleware())

	r.Get("/health/detailed", s.handleDetailed)
	r.Get("/health/circuit-breakers", s.handleAllBreakers)
	r.Get("/health/circuit-breakers/{agent}", s.handleOneBreaker)
	r.Post("/health/circuit-breakers/{agent}/reset", s.handleResetBreaker)
	r.Get("/health/alerts", s.handleAlerts)
	r.Get("/health/providers", s.handleProviders)
	r.Get("/health/router", s.handleRouter)

	return r
}

// Summary is the shape of the detailed health response.
type Summary struct {
	Status     string                 `json:"status"`
	Timestamp  string                 `json:"timestamp"`
	Components map[string]interface{} `json:"components"`
}

func (s *Service) handleDetailed(w http.ResponseWriter, r *http.Request) {
	components := map[string]interface{}{
		"runner":           s.runnerHealth(),
		"circuit_breakers": s.breakerHealth(),
		"api":              s.apiHealth(),
		"disk":             s.diskHealth(),
		"memory":           s.memoryHealth(),
	}

	status := "healthy"
	if breakers, ok := components["circuit_breakers"].(map[string]interface{}); ok {
		if open, ok := breakers["open_breakers"].(int); ok && open > 0 {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, Summary{
		Status:     status,
		Timestamp:  s.now().UTC().Format(time.RFC3339),
		Components: components,
	})
}

func (s *Service) handleAllBreakers(w http.ResponseWriter, r *http.Request) {
	if s.Breaker == nil {
		writeJSON(w, http.StatusOK, map[string]resilience.BreakerState{})
		return
	}
	writeJSON(w, http.StatusOK, s.Breaker.GetAllStates())
}

func (s *Service) handleOneBreaker(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	if s.Breaker == nil {
		http.Error(w, "circuit breakers unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.Breaker.GetState(agent))
}

func (s *Service) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	if s.Breaker == nil {
		http.Error(w, "circuit breakers unavailable", http.StatusServiceUnavailable)
		return
	}
	s.Breaker.Reset(agent)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "circuit breaker for " + agent + " reset to closed",
		"state":   s.Breaker.GetState(agent),
	})
}

func (s *Service) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	var alerts []alerting.Alert
	if s.Alerts != nil {
		alerts = s.Alerts.Recent(limit)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Service) handleProviders(w http.ResponseWriter, r *http.Request) {
	if s.Dispatcher == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chains":     s.Dispatcher.Status(),
		"cooldowns":  s.Dispatcher.Cooldowns().Status(),
		"registered": providers.GetProviderInfo(),
	})
}

func (s *Service) handleRouter(w http.ResponseWriter, r *http.Request) {
	if s.Router == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.Router.Stats())
}

func (s *Service) runnerHealth() map[string]interface{} {
	if s.Runner == nil {
		return map[string]interface{}{"status": "unknown"}
	}
	stats := s.Runner.Stats()
	status := "stopped"
	if stats.Running {
		status = "running"
	}
	return map[string]interface{}{
		"status":         status,
		"active_jobs":    stats.ActiveJobs,
		"max_concurrent": stats.MaxConcurrent,
		"total_cost_usd": stats.TotalCostUSD,
	}
}

func (s *Service) breakerHealth() map[string]interface{} {
	if s.Breaker == nil {
		return map[string]interface{}{"total_agents": 0, "open_breakers": 0}
	}
	states := s.Breaker.GetAllStates()
	open := 0
	for _, state := range states {
		if state.State == resilience.StateOpen {
			open++
		}
	}
	return map[string]interface{}{
		"total_agents":  len(states),
		"open_breakers": open,
		"agents":        states,
	}
}

func (s *Service) apiHealth() map[string]interface{} {
	if s.Dispatcher == nil {
		return map[string]interface{}{"status": "unknown"}
	}
	available := 0
	total := 0
	for _, chain := range s.Dispatcher.Status() {
		for _, candidate := range chain {
			total++
			if candidate.Available {
				available++
			}
		}
	}
	status := "healthy"
	if available == 0 && total > 0 {
		status = "critical"
	}
	return map[string]interface{}{
		"status":               status,
		"available_candidates": available,
		"total_candidates":     total,
	}
}

func (s *Service) diskHealth() map[string]interface{} {
	usage, err := disk.Usage(s.DataRoot)
	if err != nil {
		return map[string]interface{}{"status": "error", "error": err.Error()}
	}
	return map[string]interface{}{
		"total_gb":     float64(usage.Total) / (1 << 30),
		"used_gb":      float64(usage.Used) / (1 << 30),
		"free_gb":      float64(usage.Free) / (1 << 30),
		"percent_used": usage.UsedPercent,
	}
}

func (s *Service) memoryHealth() map[string]interface{} {
	out := map[string]interface{}{}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil && info != nil {
			out["process_rss_mb"] = float64(info.RSS) / (1 << 20)
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["system_total_gb"] = float64(vm.Total) / (1 << 30)
		out["system_used_gb"] = float64(vm.Used) / (1 << 30)
		out["system_percent"] = vm.UsedPercent
	}
	if len(out) == 0 {
		out["status"] = "error"
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
