package scheduler

import (
	"github.com/tasknet/dispatch/internal/config"
	"github.com/tasknet/dispatch/pkg/models"
)

// Scorer ranks candidate workers for a subtask. Scoring is a pure
// function of the subtask and the worker snapshot; ties are broken by
// worker ID ascending so allocation stays reproducible.
type Scorer struct {
	cfg config.ScoringConfig
}

// NewScorer creates a Scorer with the given weights.
func NewScorer(cfg config.ScoringConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score returns a bounded score in [0,1] for binding the subtask to the
// worker, and whether the worker is admissible at all. With strict
// privacy enabled, a worker below the subtask's trust requirement is
// hard-excluded rather than merely scored down.
func (s *Scorer) Score(st *models.Subtask, w *models.Worker) (float64, bool) {
	privacy := 0.0
	if w.TrustTier >= st.PrivacyTier {
		privacy = 1.0
	} else if s.cfg.StrictPrivacy {
		return 0, false
	}

	tool := s.cfg.ToolPartialCredit
	if w.HasCapability(st.RecommendedTool) {
		tool = 1.0
	}

	total := s.cfg.ToolWeight*clamp01(tool) +
		s.cfg.ResourceWeight*resourceScore(w.Gauges) +
		s.cfg.PrivacyWeight*privacy
	return clamp01(total), true
}

// Pick returns the best-scoring admissible worker from candidates, or
// nil if none is admissible. Candidates must be sorted by worker ID
// ascending; the first strict maximum wins, which makes the tie-break
// deterministic.
func (s *Scorer) Pick(st *models.Subtask, candidates []*models.Worker) *models.Worker {
	var best *models.Worker
	bestScore := -1.0
	for _, w := range candidates {
		score, ok := s.Score(st, w)
		if !ok {
			continue
		}
		if score > bestScore {
			bestScore = score
			best = w
		}
	}
	return best
}

// resourceScore maps a worker's advisory gauges to [0,1]; lower load
// scores higher.
func resourceScore(g models.ResourceGauges) float64 {
	avg := (clampPct(g.CPUPercent) + clampPct(g.MemoryPercent) + clampPct(g.DiskPercent)) / 3
	return clamp01(1 - avg/100)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
