package matching

import (
	"math"
	"sort"
)

// Outcome is the classification of a scored payment. "No match" is a
// normal value here, never an error.
type Outcome string

const (
	AutoApply   Outcome = "auto_apply"
	NeedsReview Outcome = "needs_review"
	NoMatch     Outcome = "no_match"
)

// Decision is the scorer's verdict for one payment.
type Decision struct {
	Outcome Outcome
	Best    *Candidate
	Ranked  []Candidate
	Reason  string
}

// Scorer merges signals per candidate and classifies the result.
type Scorer struct {
	cfg Config
}

func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// Classify merges each candidate's signals (maximum confidence plus a
// bounded bonus for agreement), ranks candidates deterministically, and
// applies the decision thresholds.
func (s *Scorer) Classify(candidates []Candidate) Decision {
	if len(candidates) == 0 {
		return Decision{Outcome: NoMatch, Reason: "no signal fired"}
	}

	ranked := make([]Candidate, len(candidates))
	copy(ranked, candidates)
	for i := range ranked {
		s.merge(&ranked[i])
	}

	// Rank by confidence; ties break by date delta, then amount delta,
	// then the lower reservation number. Fully deterministic.
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.DateDeltaDays != b.DateDeltaDays {
			return a.DateDeltaDays < b.DateDeltaDays
		}
		if !a.AmountDelta.Equal(b.AmountDelta) {
			return a.AmountDelta.LessThan(b.AmountDelta)
		}
		return a.Booking.ReservationNo < b.Booking.ReservationNo
	})

	best := &ranked[0]
	switch {
	case best.Confidence >= s.cfg.AutoApplyThreshold && len(ranked) == 1:
		return Decision{Outcome: AutoApply, Best: best, Ranked: ranked, Reason: "single high-confidence candidate"}
	case best.Confidence >= s.cfg.ReviewThreshold && s.dominant(ranked):
		return Decision{Outcome: AutoApply, Best: best, Ranked: ranked, Reason: "dominant candidate"}
	default:
		return Decision{Outcome: NeedsReview, Best: best, Ranked: ranked, Reason: "no clear leader"}
	}
}

// dominant reports whether the top candidate leads the runner-up by at
// least the configured margin. A lone candidate is trivially dominant.
func (s *Scorer) dominant(ranked []Candidate) bool {
	if len(ranked) == 1 {
		return true
	}
	return ranked[0].Confidence-ranked[1].Confidence >= s.cfg.DominanceLead
}

// merge folds a candidate's signals into one confidence: the best single
// signal plus a bonus per additional agreeing rule, capped at 1.0. The
// tie-break deltas take the smallest value any signal observed.
func (s *Scorer) merge(c *Candidate) {
	maxConf := 0.0
	kinds := make(map[SignalKind]bool)
	c.DateDeltaDays = math.Inf(1)
	first := true

	for _, sig := range c.Signals {
		if sig.Confidence > maxConf {
			maxConf = sig.Confidence
		}
		kinds[sig.Kind] = true
		if sig.DateDeltaDays < c.DateDeltaDays {
			c.DateDeltaDays = sig.DateDeltaDays
		}
		if first || sig.AmountDelta.LessThan(c.AmountDelta) {
			c.AmountDelta = sig.AmountDelta
			first = false
		}
	}

	conf := maxConf + s.cfg.AgreementBonus*float64(len(kinds)-1)
	c.Confidence = math.Min(conf, 1.0)
}
