package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingByIntent(t *testing.T) {
	r := New()
	ctx := context.Background()

	tests := []struct {
		query      string
		wantAgent  string
		wantIntent string
	}{
		{
			query:      "Security audit of RLS policies",
			wantAgent:  RoleSecurityAuditor,
			wantIntent: IntentSecurity,
		},
		{
			query:      "Refactor authentication system architecture",
			wantAgent:  RoleCoderElite,
			wantIntent: IntentComplexDevelopment,
		},
		{
			query:      "Fix CSS button on landing page",
			wantAgent:  RoleCoderSimple,
			wantIntent: IntentDevelopment,
		},
		{
			query:      "Query monthly revenue from the orders table",
			wantAgent:  RoleDataAgent,
			wantIntent: IntentDatabase,
		},
		{
			query:      "Plan the sprint roadmap",
			wantAgent:  RolePlanner,
			wantIntent: IntentPlanning,
		},
		{
			query:      "Hello there, what can you do?",
			wantAgent:  RolePlanner,
			wantIntent: IntentGeneral,
		},
	}

	for _, tt := range tests {
		decision := r.SelectAgent(ctx, tt.query)
		assert.Equal(t, tt.wantAgent, decision.AgentRole, "query %q", tt.query)
		assert.Equal(t, tt.wantIntent, decision.Intent, "query %q", tt.query)
		assert.False(t, decision.Cached)
		assert.GreaterOrEqual(t, decision.Confidence, 0.0)
		assert.LessOrEqual(t, decision.Confidence, 1.0)
		assert.NotEmpty(t, decision.Reason)
	}
}

func TestComplexKeywordsOverrideSecurity(t *testing.T) {
	r := New()

	// Two complex-code keywords win over the security keyword.
	decision := r.SelectAgent(context.Background(), "Redesign the architecture of the authentication module")
	assert.Equal(t, IntentComplexDevelopment, decision.Intent)
	assert.Equal(t, RoleCoderElite, decision.AgentRole)
}

func TestRoutingCacheHit(t *testing.T) {
	r := New()
	ctx := context.Background()

	first := r.SelectAgent(ctx, "Fix the login bug")
	require.False(t, first.Cached)

	second := r.SelectAgent(ctx, "Fix the login bug")
	assert.True(t, second.Cached)

	// Aside from the cached flag, the decision is identical.
	second.Cached = false
	assert.Equal(t, first, second)
}

func TestRoutingCacheIsCaseInsensitive(t *testing.T) {
	r := New()
	ctx := context.Background()

	r.SelectAgent(ctx, "Fix the login bug")
	second := r.SelectAgent(ctx, "FIX THE LOGIN BUG")
	assert.True(t, second.Cached)
}

func TestRoutingCacheExpiry(t *testing.T) {
	r := New()
	ctx := context.Background()

	current := time.Unix(1700000000, 0)
	r.cache.now = func() time.Time { return current }

	r.SelectAgent(ctx, "Fix the login bug")

	current = current.Add(defaultCacheTTL + time.Second)
	decision := r.SelectAgent(ctx, "Fix the login bug")
	assert.False(t, decision.Cached, "expired entries must be recomputed")
}

func TestCacheStats(t *testing.T) {
	r := New()
	ctx := context.Background()

	r.SelectAgent(ctx, "Fix the login bug")
	r.SelectAgent(ctx, "Fix the login bug")

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.Cache.Hits)
	assert.GreaterOrEqual(t, stats.Cache.Misses, int64(1))
	assert.Equal(t, 1, stats.Cache.Size)
	assert.Equal(t, 1, stats.RequestCounts[RoleCoderSimple])
	assert.False(t, stats.SemanticEnabled)
}

func TestMatchKeywordRules(t *testing.T) {
	tests := []struct {
		query   string
		keyword string
		want    bool
	}{
		// Phrases substring-match.
		{"run a sql injection scan", "sql injection", true},
		{"injection of sql here", "sql injection", false},
		// Short keywords need word boundaries on both sides.
		{"check the rls policies", "rls", true},
		{"whirls of data", "rls", false},
		// Longer keywords match as left-anchored prefixes.
		{"refactoring the module", "refactor", true},
		{"prefactor something", "refactor", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, matchKeyword(tt.query, tt.keyword),
			"matchKeyword(%q, %q)", tt.query, tt.keyword)
	}
}

func TestParseDelegations(t *testing.T) {
	r := New()

	text := "I'll split this up.\n" +
		"[DELEGATE:coder-simple]Fix the login endpoint[/DELEGATE]\n" +
		"[DELEGATE:security-auditor]Audit the session handling[/DELEGATE]\n" +
		"[DELEGATE:nonexistent-agent]Should be dropped[/DELEGATE]\n" +
		"[DELEGATE:data-agent][/DELEGATE]"

	delegations := r.ParseDelegations(text, "original request here")

	require.Len(t, delegations, 2)
	assert.Equal(t, RoleCoderSimple, delegations[0].AgentRole)
	assert.Equal(t, "Fix the login endpoint", delegations[0].Task)
	assert.Equal(t, RoleSecurityAuditor, delegations[1].AgentRole)
	assert.Equal(t, "delegation", delegations[0].Routing["source"])
	assert.Equal(t, "original request here", delegations[0].Routing["original_query"])
}

func TestParseDelegationsTruncatesLongQueries(t *testing.T) {
	r := New()

	long := make([]byte, 500)
	for i := range long {
		long[i] = 'q'
	}

	delegations := r.ParseDelegations("[DELEGATE:data-agent]fetch stuff[/DELEGATE]", string(long))
	require.Len(t, delegations, 1)
	assert.Len(t, delegations[0].Routing["original_query"], 200)
}

func TestParseDelegationsNoMarkers(t *testing.T) {
	r := New()
	assert.Nil(t, r.ParseDelegations("just a normal response", "query"))
}

// fakeEmbedder returns fixed vectors so semantic scoring is deterministic.
type fakeEmbedder struct {
	vectors map[string][]float64
	base    []float64
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return f.base, nil
}

func TestSemanticScoringContributes(t *testing.T) {
	embedder := &fakeEmbedder{
		base: []float64{1, 0, 0},
		vectors: map[string][]float64{
			"analyze this please": {1, 0, 0},
		},
	}
	r := New(WithEmbedder(embedder))

	decision := r.SelectAgent(context.Background(), "analyze this please")
	assert.Greater(t, decision.SemanticScore, 0.0)
	assert.True(t, r.Stats().SemanticEnabled)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float64{1, 0}, []float64{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosineSimilarity([]float64{1}, []float64{1, 2}))
	assert.Equal(t, 0.0, cosineSimilarity(nil, nil))
}
