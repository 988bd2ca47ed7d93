// Package router selects the agent role best suited to a task. Routing
// combines keyword scoring (always available), optional embedding-based
// semantic scoring, and a cost preference, and caches decisions for a
// short TTL so repeated submissions route in sub-millisecond time.
package router

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"

	"github.com/openagency/conductor/core"
)

// Agent roles.
const (
	RolePlanner         = "planner"
	RoleCoderSimple     = "coder-simple"
	RoleCoderElite      = "coder-elite"
	RoleSecurityAuditor = "security-auditor"
	RoleDataAgent       = "data-agent"
)

// Intents.
const (
	IntentSecurity           = "security"
	IntentComplexDevelopment = "complex-development"
	IntentDevelopment        = "development"
	IntentDatabase           = "database"
	IntentPlanning           = "planning"
	IntentGeneral            = "general"
)

// Decision is the routing output.
type Decision struct {
	AgentRole     string   `json:"agent_role"`
	Confidence    float64  `json:"confidence"`
	Reason        string   `json:"reason"`
	Intent        string   `json:"intent"`
	Keywords      []string `json:"keywords"`
	CostScore     float64  `json:"cost_score"`
	SemanticScore float64  `json:"semantic_score"`
	Cached        bool     `json:"cached"`
}

// Embedder is the optional semantic scoring hook. When nil, routing runs
// keyword-only and the semantic weight drops to zero.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// agentSpec carries the static per-agent routing metadata.
type agentSpec struct {
	Name         string
	CostPerToken float64 // USD per input token, drives the cost preference
	CostTier     string
	Skills       []string
}

var agentSpecs = map[string]agentSpec{
	RolePlanner: {
		Name:         "Planner",
		CostPerToken: 0.015,
		CostTier:     "premium",
		Skills: []string{
			"task_decomposition", "timeline_estimation", "quality_assurance",
			"team_coordination", "agent_coordination", "workflow_optimization",
		},
	},
	RoleCoderSimple: {
		Name:         "Coder",
		CostPerToken: 0.003,
		CostTier:     "standard",
		Skills: []string{
			"nextjs", "fastapi", "typescript", "tailwind", "postgresql",
			"clean_code", "testing", "code_analysis", "git_automation",
		},
	},
	RoleCoderElite: {
		Name:         "Elite Coder",
		CostPerToken: 0.0003,
		CostTier:     "standard",
		Skills: []string{
			"complex_coding", "multi_file_refactor", "architecture_implementation",
			"nextjs", "fastapi", "typescript", "python", "full_stack",
			"deep_reasoning", "code_review", "system_design", "debugging_complex",
		},
	},
	RoleSecurityAuditor: {
		Name:         "Security Auditor",
		CostPerToken: 0.003,
		CostTier:     "standard",
		Skills: []string{
			"security_scanning", "vulnerability_assessment", "penetration_testing",
			"owasp", "threat_modeling", "secure_architecture", "rls_audit",
			"database_security",
		},
	},
	RoleDataAgent: {
		Name:         "Data Agent",
		CostPerToken: 0.0005,
		CostTier:     "economy",
		Skills: []string{
			"query_database", "sql_execution", "data_analysis",
			"schema_exploration", "rls_policy_analysis", "transaction_handling",
			"data_validation",
		},
	},
}

// Keyword sets for intent classification.
var (
	securityKeywords = []string{
		"security", "vulnerability", "exploit", "penetration", "audit",
		"xss", "csrf", "injection", "pentest", "hack", "breach",
		"secure", "threat", "attack", "risk", "malware", "payload",
		"sanitize", "encrypt", "cryptography", "authentication",
		"authorization", "access control", "sql injection", "rls", "policy",
	}

	developmentKeywords = []string{
		"code", "implement", "function", "fix", "bug", "api", "endpoint",
		"build", "typescript", "fastapi", "python", "javascript", "react",
		"nextjs", "database", "query", "schema", "testing", "test",
		"deploy", "deployment", "frontend", "backend", "full-stack",
		"refactor", "refactoring", "git", "repository", "json", "yaml",
		"rest", "graphql", "websocket", "debug", "component", "page",
		"route", "css", "html", "style", "render", "hook", "state",
	}

	databaseKeywords = []string{
		"query", "fetch", "select", "insert", "update", "delete", "table",
		"column", "row", "data", "postgresql", "postgres", "sql",
		"database", "schema", "rls", "subscription", "migration",
	}

	planningKeywords = []string{
		"plan", "timeline", "schedule", "roadmap", "strategy", "architecture",
		"design", "approach", "workflow", "process", "milestone", "deadline",
		"estimate", "estimation", "breakdown", "decompose", "coordinate",
		"manage", "organize", "project", "phase", "sprint", "agile",
	}

	complexCodeKeywords = []string{
		"refactor", "architecture", "redesign", "multi-file", "system design",
		"complex", "large", "rewrite", "migrate", "optimize", "performance",
		"algorithm", "data structure", "design pattern", "abstraction",
		"interface", "module", "package", "monorepo", "microservice",
		"integration", "full-stack", "end-to-end", "race condition",
		"memory leak", "deadlock", "concurrent", "async", "parallel",
		"distributed",
	}
)

// Router routes task text to agent roles.
type Router struct {
	cache    *decisionCache
	embedder Embedder
	logger   core.Logger

	// pre-embedded intent phrases, built lazily on first semantic score
	embedMu      sync.Mutex
	intentembeds map[string][][]float64

	statsMu       sync.Mutex
	requestCounts map[string]int
}

// Option configures a Router.
type Option func(*Router)

// WithEmbedder enables semantic scoring.
func WithEmbedder(e Embedder) Option {
	return func(r *Router) { r.embedder = e }
}

// WithLogger sets the logger.
func WithLogger(logger core.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// New creates a Router with decision caching enabled.
func New(opts ...Option) *Router {
	r := &Router{
		cache:         newDecisionCache(defaultCacheTTL),
		logger:        &core.NoOpLogger{},
		requestCounts: make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	if cal, ok := r.logger.(core.ComponentAwareLogger); ok {
		r.logger = cal.WithComponent("framework/router")
	}
	return r
}

// SelectAgent routes the query to the best agent role.
func (r *Router) SelectAgent(ctx context.Context, query string) Decision {
	normalized := strings.ToLower(query)

	if cached, ok := r.cache.Get(normalized); ok {
		cached.Cached = true
		return cached
	}

	intent := r.classifyIntent(normalized)
	keywords := r.extractKeywords(normalized)
	keywordScores := r.scoreAgents(intent, keywords)
	semanticScores := r.semanticScores(ctx, normalized)
	costScores := r.costScores(intent, keywords)

	semanticWeight := 0.0
	if len(semanticScores) > 0 {
		semanticWeight = 0.25
	}

	combined := make(map[string]float64, len(agentSpecs))
	for role := range agentSpecs {
		combined[role] = keywordScores[role]*0.60 +
			semanticScores[role]*semanticWeight +
			costScores[role]*0.15
	}

	role, confidence := bestAgent(combined)

	decision := Decision{
		AgentRole:     role,
		Confidence:    confidence,
		Reason:        buildReason(intent, keywords, role, confidence),
		Intent:        intent,
		Keywords:      keywords,
		CostScore:     costScores[role],
		SemanticScore: semanticScores[role],
		Cached:        false,
	}

	r.statsMu.Lock()
	r.requestCounts[role]++
	r.statsMu.Unlock()

	r.cache.Set(normalized, decision)

	r.logger.Debug("Routing decision", map[string]interface{}{
		"operation":  "route",
		"agent":      role,
		"intent":     intent,
		"confidence": confidence,
		"keywords":   len(keywords),
	})

	return decision
}

// classifyIntent buckets the query by keyword counts.
//
// Tie-break order: two or more complex-code keywords signal a multi-file
// refactor or deep debugging task and win outright; then database >
// security > development (promoted to complex when a single complex
// keyword is present) > planning > general.
func (r *Router) classifyIntent(query string) string {
	securityCount := countMatches(query, securityKeywords)
	devCount := countMatches(query, developmentKeywords)
	dbCount := countMatches(query, databaseKeywords)
	planningCount := countMatches(query, planningKeywords)
	complexCount := countMatches(query, complexCodeKeywords)

	switch {
	case complexCount >= 2:
		return IntentComplexDevelopment
	case dbCount > 0 && dbCount >= devCount && dbCount >= securityCount:
		return IntentDatabase
	case securityCount > 0 && securityCount >= devCount && securityCount >= planningCount:
		return IntentSecurity
	case devCount > 0 && devCount >= planningCount:
		if complexCount > 0 {
			return IntentComplexDevelopment
		}
		return IntentDevelopment
	case planningCount > 0:
		return IntentPlanning
	default:
		return IntentGeneral
	}
}

func (r *Router) extractKeywords(query string) []string {
	var keywords []string
	seen := make(map[string]bool)
	for _, set := range [][]string{
		securityKeywords, developmentKeywords, databaseKeywords,
		planningKeywords, complexCodeKeywords,
	} {
		for _, kw := range set {
			if !seen[kw] && matchKeyword(query, kw) {
				seen[kw] = true
				keywords = append(keywords, kw)
			}
		}
	}
	return keywords
}

// scoreAgents weights intent match 60%, skill match 30%, availability 10%.
func (r *Router) scoreAgents(intent string, keywords []string) map[string]float64 {
	scores := make(map[string]float64, len(agentSpecs))
	for role := range agentSpecs {
		score := intentMatch(role, intent)*0.6 + skillMatch(role, keywords)*0.3 + 1.0*0.1
		scores[role] = math.Max(0, math.Min(1, score))
	}
	return scores
}

// intentMatch is the static intent-to-agent affinity matrix.
func intentMatch(role, intent string) float64 {
	switch intent {
	case IntentGeneral:
		if role == RolePlanner {
			return 1.0
		}
		return 0.3

	case IntentDatabase:
		switch role {
		case RoleDataAgent:
			return 1.0
		case RoleCoderSimple:
			return 0.6
		case RoleSecurityAuditor:
			return 0.4
		default:
			return 0.1
		}

	case IntentSecurity:
		switch role {
		case RoleSecurityAuditor:
			return 1.0
		case RoleCoderSimple:
			return 0.5
		case RoleDataAgent:
			return 0.4
		default:
			return 0.2
		}

	case IntentComplexDevelopment:
		switch role {
		case RoleCoderElite:
			return 0.95
		case RoleCoderSimple:
			return 0.5
		case RolePlanner:
			return 0.4
		case RoleSecurityAuditor:
			return 0.3
		default:
			return 0.2
		}

	case IntentDevelopment:
		switch role {
		case RoleCoderSimple:
			return 1.0
		case RoleDataAgent:
			return 0.5
		case RoleCoderElite, RoleSecurityAuditor:
			return 0.4
		default:
			return 0.3
		}

	case IntentPlanning:
		switch role {
		case RolePlanner:
			return 1.0
		case RoleCoderSimple:
			return 0.4
		default:
			return 0.2
		}
	}
	return 0.3
}

// skillMatch is the fraction of keywords matching any skill tag.
func skillMatch(role string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0.0
	}
	skills := agentSpecs[role].Skills
	matches := 0
	for _, keyword := range keywords {
		for _, skill := range skills {
			if strings.Contains(skill, keyword) || strings.Contains(keyword, skill) {
				matches++
				break
			}
		}
	}
	return math.Min(1.0, float64(matches)/float64(len(keywords)))
}

// costScores prefers cheap agents for simple intents, mid-tier for
// moderate, premium for complex coordination.
func (r *Router) costScores(intent string, keywords []string) map[string]float64 {
	isSimple := len(keywords) <= 2 && (intent == IntentDatabase || intent == IntentGeneral)
	isModerate := len(keywords) <= 5

	scores := make(map[string]float64, len(agentSpecs))
	for role, spec := range agentSpecs {
		costFactor := 1.0 / (1.0 + spec.CostPerToken*1000)

		switch {
		case isSimple && role == RoleDataAgent:
			scores[role] = 0.95 * costFactor
		case isModerate && (role == RoleCoderSimple || role == RoleSecurityAuditor || role == RoleCoderElite):
			scores[role] = 0.85 * costFactor
		case role == RolePlanner:
			scores[role] = 0.80 * costFactor
		default:
			scores[role] = 0.5 * costFactor
		}
	}
	return scores
}

func bestAgent(scores map[string]float64) (string, float64) {
	if len(scores) == 0 {
		return RolePlanner, 0.5
	}
	best := ""
	bestScore := math.Inf(-1)
	for role, score := range scores {
		if score > bestScore || (score == bestScore && role < best) {
			best = role
			bestScore = score
		}
	}
	return best, math.Round(bestScore*100) / 100
}

func buildReason(intent string, keywords []string, role string, confidence float64) string {
	intentDesc := map[string]string{
		IntentSecurity:           "Security audit requested",
		IntentComplexDevelopment: "Complex coding task",
		IntentDevelopment:        "Development task",
		IntentPlanning:           "Planning/coordination task",
		IntentDatabase:           "Database query",
		IntentGeneral:            "General inquiry",
	}[intent]
	if intentDesc == "" {
		intentDesc = "Query matched"
	}

	name := agentSpecs[role].Name
	if len(keywords) > 0 {
		shown := keywords
		extra := ""
		if len(shown) > 3 {
			extra = fmt.Sprintf(" +%d more", len(shown)-3)
			shown = shown[:3]
		}
		return fmt.Sprintf("%s with keywords [%s%s] -> %s (confidence: %.0f%%)",
			intentDesc, strings.Join(shown, ", "), extra, name, confidence*100)
	}
	return fmt.Sprintf("%s (no keywords) -> %s (confidence: %.0f%%)", intentDesc, name, confidence*100)
}

// matchKeyword applies the keyword matching rule: phrases substring-match,
// short keywords (<=3 chars) match whole words, longer keywords match as
// left-anchored word-boundary prefixes. Matching is case-insensitive
// (queries are normalized to lowercase before matching).
func matchKeyword(query, keyword string) bool {
	if strings.Contains(keyword, " ") {
		return strings.Contains(query, keyword)
	}
	if len(keyword) <= 3 {
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(keyword) + `\b`)
		return re.MatchString(query)
	}
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(keyword))
	return re.MatchString(query)
}

func countMatches(query string, keywords []string) int {
	count := 0
	for _, kw := range keywords {
		if matchKeyword(query, kw) {
			count++
		}
	}
	return count
}

// Stats reports cache and per-agent routing counters for diagnostics.
type Stats struct {
	Cache           CacheStats     `json:"cache"`
	RequestCounts   map[string]int `json:"request_counts"`
	SemanticEnabled bool           `json:"semantic_enabled"`
}

// Stats returns a snapshot of router statistics.
func (r *Router) Stats() Stats {
	r.statsMu.Lock()
	counts := make(map[string]int, len(r.requestCounts))
	for k, v := range r.requestCounts {
		counts[k] = v
	}
	r.statsMu.Unlock()

	return Stats{
		Cache:           r.cache.Stats(),
		RequestCounts:   counts,
		SemanticEnabled: r.embedder != nil,
	}
}

// ClearCache drops all cached decisions.
func (r *Router) ClearCache() {
	r.cache.Clear()
}
