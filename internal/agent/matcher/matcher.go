// internal/agent/matcher/matcher.go
package matcher

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/nexus-agent/internal/agent/fingerprint"
	"github.com/xkilldash9x/nexus-agent/internal/agent/models"
	"github.com/xkilldash9x/nexus-agent/internal/agent/store"
	"github.com/xkilldash9x/nexus-agent/internal/config"
)

// Matcher resolves fingerprints against the pattern store. Ambiguity always
// defers to the human: when the top candidates score within the ambiguity
// margin of each other, the matcher reports Ambiguous rather than guessing.
type Matcher struct {
	repo      store.Repository
	threshold float64
	margin    float64
	logger    *zap.Logger
}

// New creates a Matcher over the given repository.
func New(repo store.Repository, cfg config.MatcherConfig, logger *zap.Logger) *Matcher {
	return &Matcher{
		repo:      repo,
		threshold: cfg.MatchThreshold,
		margin:    cfg.AmbiguityMargin,
		logger:    logger.Named("matcher"),
	}
}

// Match finds the best pattern for a fingerprint. The category is a
// preference, not a filter: patterns in any category are reachable, with
// cross-category collisions resolved by the structural tag and the
// category-preferring tie-breaks.
func (m *Matcher) Match(ctx context.Context, fp models.Fingerprint, category string) (models.Decision, error) {
	if fp.IsEmpty() {
		return models.Decision{Kind: models.DecisionUnknown}, nil
	}

	// Exact lookup first, across every category. Collisions fall to the
	// preferred category, then confidence, use count, and recency.
	exact, err := m.repo.Lookup(ctx, fp, "")
	if err != nil {
		return models.Decision{}, fmt.Errorf("exact lookup failed: %w", err)
	}
	if len(exact) > 0 {
		best := pickExact(exact, category)
		return models.Decision{
			Kind:       models.DecisionKnown,
			Pattern:    &best,
			Confidence: best.Confidence,
		}, nil
	}

	// Similarity fallback over the whole store; the structural tag carries
	// the context.
	candidates, err := m.scoreCandidates(ctx, fp, category)
	if err != nil {
		return models.Decision{}, err
	}
	if len(candidates) == 0 || candidates[0].Score < m.threshold {
		return models.Decision{Kind: models.DecisionUnknown}, nil
	}

	best := candidates[0]
	if len(candidates) > 1 && best.Score-candidates[1].Score <= m.margin {
		within := []models.Candidate{best}
		for _, c := range candidates[1:] {
			if best.Score-c.Score <= m.margin {
				within = append(within, c)
			}
		}
		m.logger.Debug("Ambiguous match",
			zap.String("fingerprint", fp.Text),
			zap.Int("candidates", len(within)),
		)
		return models.Decision{Kind: models.DecisionAmbiguous, Candidates: within}, nil
	}

	return models.Decision{
		Kind:       models.DecisionKnown,
		Pattern:    &best.Pattern,
		Confidence: best.Pattern.Confidence,
	}, nil
}

// scoreCandidates computes similarity against every stored pattern sharing
// the fingerprint's structural tag. The preferred category only breaks score
// ties.
func (m *Matcher) scoreCandidates(ctx context.Context, fp models.Fingerprint, preferred string) ([]models.Candidate, error) {
	patterns, err := m.repo.List(ctx, store.Filter{})
	if err != nil {
		return nil, fmt.Errorf("candidate listing failed: %w", err)
	}

	tokens := fingerprint.Tokens(fp.Text)
	var out []models.Candidate
	for _, p := range patterns {
		// Structural context must agree; a terminal prompt never matches a
		// panel button.
		if p.Fingerprint.Tag != fp.Tag {
			continue
		}
		score := tokenOverlap(tokens, fingerprint.Tokens(p.Fingerprint.Text))
		if score <= 0 {
			continue
		}
		out = append(out, models.Candidate{Pattern: p, Score: score})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return preferable(out[i].Pattern, out[j].Pattern, preferred)
	})
	return out, nil
}

// pickExact selects the winner among exact fingerprint matches: preferred
// category, then confidence, then use count, then most recent use.
func pickExact(ps []models.Pattern, preferred string) models.Pattern {
	best := ps[0]
	for _, p := range ps[1:] {
		if preferable(p, best, preferred) {
			best = p
		}
	}
	return best
}

// preferable reports whether a wins over b for the given category preference.
func preferable(a, b models.Pattern, preferred string) bool {
	if preferred != "" && (a.Category == preferred) != (b.Category == preferred) {
		return a.Category == preferred
	}
	return lessPreferred(b, a)
}

func lessPreferred(a, b models.Pattern) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence < b.Confidence
	}
	if a.UseCount != b.UseCount {
		return a.UseCount < b.UseCount
	}
	return a.LastUsedAt.Before(b.LastUsedAt)
}

// tokenOverlap is the Jaccard index over the two token sets. It is
// deterministic, symmetric, and bounded to [0,1].
func tokenOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}
	intersection := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
