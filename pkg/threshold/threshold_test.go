package threshold

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Einzieg/AI-meeting/pkg/models"
)

func votes(scores ...int) []*models.Vote {
	out := make([]*models.Vote, 0, len(scores))
	for i, s := range scores {
		out = append(out, &models.Vote{VoterAgentID: "a", Score: s, Pass: s >= 80, ID: string(rune('a' + i))})
	}
	return out
}

func intp(v int) *int { return &v }

func thresholdConfig(accept, minRounds int) models.ThresholdConfig {
	return models.ThresholdConfig{
		Mode:              models.ThresholdModeAvgScore,
		AvgScoreThreshold: intp(accept),
		MinRounds:         intp(minRounds),
		MaxRounds:         8,
	}
}

func TestAggregateEmpty(t *testing.T) {
	agg := Aggregate(nil)
	assert.Equal(t, 0, agg.Count)
	assert.Equal(t, 0, agg.AvgScore)
	assert.False(t, agg.PassAll)
}

func TestAggregateRoundsMean(t *testing.T) {
	// 80 + 85 + 81 = 246, mean 82
	agg := Aggregate(votes(80, 85, 81))
	assert.Equal(t, 82, agg.AvgScore)
	assert.Equal(t, 80, agg.MinScore)
	assert.Equal(t, 85, agg.MaxScore)
	assert.Equal(t, 3, agg.Count)
	assert.True(t, agg.PassAll)

	// 70 + 71 = 141, mean 70.5 rounds to 71
	agg = Aggregate(votes(70, 71))
	assert.Equal(t, 71, agg.AvgScore)
	assert.False(t, agg.PassAll)
}

func TestEvaluateAcceptsAtThreshold(t *testing.T) {
	cfg := thresholdConfig(80, 2)

	d := Evaluate(cfg, 2, Aggregate(votes(80, 80, 80)))
	assert.True(t, d.Accepted)

	d = Evaluate(cfg, 2, Aggregate(votes(78, 80, 80)))
	assert.False(t, d.Accepted)
}

func TestEvaluateRejectsBelowMinRounds(t *testing.T) {
	cfg := thresholdConfig(80, 2)

	d := Evaluate(cfg, 1, Aggregate(votes(100, 100, 100)))
	assert.False(t, d.Accepted)
	assert.Contains(t, d.Reason, "min rounds")
}

func TestEvaluateExplicitZeroMinRoundsVotesAfterRoundOne(t *testing.T) {
	// min_rounds=0 is a configured value, not "use the default": the
	// first round already clears the gate.
	cfg := thresholdConfig(80, 0)

	d := Evaluate(cfg, 1, Aggregate(votes(90, 90, 90)))
	assert.True(t, d.Accepted)
}

func TestEvaluateExplicitZeroThresholdAcceptsAnyAverage(t *testing.T) {
	cfg := thresholdConfig(0, 2)

	d := Evaluate(cfg, 2, Aggregate(votes(1, 2, 3)))
	assert.True(t, d.Accepted)
}

func TestEvaluateUnsetFieldsFallBackToDefaults(t *testing.T) {
	cfg := models.ThresholdConfig{Mode: models.ThresholdModeAvgScore, MaxRounds: 8}

	d := Evaluate(cfg, 1, Aggregate(votes(100, 100, 100)))
	assert.False(t, d.Accepted)
	assert.Contains(t, d.Reason, "min rounds")

	d = Evaluate(cfg, 2, Aggregate(votes(79, 79, 79)))
	assert.False(t, d.Accepted)

	d = Evaluate(cfg, 2, Aggregate(votes(80, 80, 80)))
	assert.True(t, d.Accepted)
}

func TestEvaluateRejectsNoVotes(t *testing.T) {
	cfg := thresholdConfig(80, 0)

	d := Evaluate(cfg, 3, Aggregation{})
	assert.False(t, d.Accepted)
	assert.Equal(t, "no votes received", d.Reason)
}

func TestEvaluateRejectsUnknownMode(t *testing.T) {
	cfg := models.ThresholdConfig{Mode: "median", AvgScoreThreshold: intp(80)}

	d := Evaluate(cfg, 5, Aggregate(votes(100, 100, 100)))
	assert.False(t, d.Accepted)
	assert.Contains(t, d.Reason, "unknown threshold mode")
}
