// Package threshold implements the accept rule for vote sessions. The
// evaluator is a pure function: same inputs, same verdict.
package threshold

import (
	"fmt"
	"math"

	"github.com/Einzieg/AI-meeting/pkg/models"
)

// Aggregation summarizes the votes that actually landed in a session.
// Votes dropped by the stage-version gate never contaminate the mean.
type Aggregation struct {
	AvgScore int // integer-rounded mean
	MinScore int
	MaxScore int
	Count    int
	PassAll  bool // every counted vote has pass=true
}

// Aggregate computes the aggregation over persisted votes. An empty
// slice yields a zero aggregation with Count=0.
func Aggregate(votes []*models.Vote) Aggregation {
	if len(votes) == 0 {
		return Aggregation{}
	}
	agg := Aggregation{
		MinScore: votes[0].Score,
		MaxScore: votes[0].Score,
		Count:    len(votes),
		PassAll:  true,
	}
	sum := 0
	for _, v := range votes {
		sum += v.Score
		if v.Score < agg.MinScore {
			agg.MinScore = v.Score
		}
		if v.Score > agg.MaxScore {
			agg.MaxScore = v.Score
		}
		if !v.Pass {
			agg.PassAll = false
		}
	}
	agg.AvgScore = int(math.Round(float64(sum) / float64(len(votes))))
	return agg
}

// Decision is the evaluator's verdict.
type Decision struct {
	Accepted bool
	Reason   string
}

// Evaluate applies the threshold to an aggregation at the given round.
// Unknown modes reject. Rounds below min_rounds reject regardless of
// score.
func Evaluate(cfg models.ThresholdConfig, round int, agg Aggregation) Decision {
	if cfg.Mode != models.ThresholdModeAvgScore {
		return Decision{Reason: fmt.Sprintf("unknown threshold mode %q", cfg.Mode)}
	}
	if minRounds := cfg.MinRoundsValue(); round < minRounds {
		return Decision{Reason: fmt.Sprintf("min rounds not reached (%d < %d)", round, minRounds)}
	}
	if agg.Count == 0 {
		return Decision{Reason: "no votes received"}
	}
	accept := cfg.AvgThresholdValue()
	if agg.AvgScore >= accept {
		return Decision{
			Accepted: true,
			Reason:   fmt.Sprintf("avg score %d >= %d", agg.AvgScore, accept),
		}
	}
	return Decision{Reason: fmt.Sprintf("avg score %d < %d", agg.AvgScore, accept)}
}
