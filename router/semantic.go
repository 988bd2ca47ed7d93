package router

import (
	"context"
	"math"
)

// Intent phrase sets used to anchor semantic similarity scoring. Each
// intent's phrases are embedded once and cached; queries are compared by
// cosine similarity and the average similarity becomes the agent's
// semantic score via its primary intent.
var intentPhrases = map[string][]string{
	IntentSecurity: {
		"security audit", "vulnerability assessment", "penetration test",
		"find exploits", "check for vulnerabilities", "security review",
	},
	IntentDevelopment: {
		"write code", "implement feature", "build api", "create function",
		"develop application", "code refactoring",
	},
	IntentPlanning: {
		"plan project", "create timeline", "roadmap", "estimate tasks",
		"schedule sprint", "organize workflow",
	},
	IntentDatabase: {
		"query database", "fetch data", "database design", "sql query",
		"schema management",
	},
}

// primaryIntent maps an agent role to the intent whose phrases anchor its
// semantic score.
func primaryIntent(role string) string {
	switch role {
	case RoleSecurityAuditor:
		return IntentSecurity
	case RoleCoderSimple, RoleCoderElite:
		return IntentDevelopment
	case RoleDataAgent:
		return IntentDatabase
	default:
		return IntentPlanning
	}
}

// semanticScores embeds the query and scores each agent by average cosine
// similarity to its primary intent's phrases. Returns an empty map when
// no embedder is configured or embedding fails; callers then drop the
// semantic weight to zero.
func (r *Router) semanticScores(ctx context.Context, query string) map[string]float64 {
	if r.embedder == nil {
		return nil
	}

	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil || len(queryVec) == 0 {
		r.logger.Debug("Semantic scoring unavailable, falling back to keywords", map[string]interface{}{
			"operation": "route_semantic_fallback",
			"error":     errText(err),
		})
		return nil
	}

	embeds, err := r.intentEmbeddings(ctx)
	if err != nil {
		return nil
	}

	scores := make(map[string]float64, len(agentSpecs))
	for role := range agentSpecs {
		intent := primaryIntent(role)
		vectors := embeds[intent]
		if len(vectors) == 0 {
			continue
		}
		var total float64
		for _, v := range vectors {
			total += cosineSimilarity(queryVec, v)
		}
		avg := total / float64(len(vectors))
		scores[role] = math.Max(0, math.Min(1, avg))
	}
	return scores
}

// intentEmbeddings lazily embeds the intent phrase sets once.
func (r *Router) intentEmbeddings(ctx context.Context) (map[string][][]float64, error) {
	r.embedMu.Lock()
	defer r.embedMu.Unlock()

	if r.intentembeds != nil {
		return r.intentembeds, nil
	}

	embeds := make(map[string][][]float64, len(intentPhrases))
	for intent, phrases := range intentPhrases {
		vectors := make([][]float64, 0, len(phrases))
		for _, phrase := range phrases {
			v, err := r.embedder.Embed(ctx, phrase)
			if err != nil {
				return nil, err
			}
			vectors = append(vectors, v)
		}
		embeds[intent] = vectors
	}
	r.intentembeds = embeds
	return embeds, nil
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
