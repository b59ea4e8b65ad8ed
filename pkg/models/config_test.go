package models

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(agents int) MeetingConfig {
	cfg := MeetingConfig{}
	for i := 0; i < agents; i++ {
		cfg.Agents = append(cfg.Agents, AgentConfig{
			ID:       fmt.Sprintf("a%d", i+1),
			Provider: "mock",
			Model:    "mock-default",
			Enabled:  true,
		})
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	cfg := validConfig(3)

	assert.Equal(t, ModeAuto, cfg.Discussion.Mode)
	assert.Equal(t, DefaultAutoParallelMinAgents, cfg.Discussion.AutoParallelMinAgents)
	assert.Equal(t, DefaultCrossReplyTargets, cfg.Discussion.CrossReplyTargetsPerAgent)
	assert.Equal(t, DefaultRollingSummaryChars, cfg.Discussion.RollingSummaryMaxChars)
	assert.Equal(t, ThresholdModeAvgScore, cfg.Threshold.Mode)
	assert.Equal(t, DefaultAvgScoreThreshold, cfg.Threshold.AvgThresholdValue())
	assert.Equal(t, DefaultMinRounds, cfg.Threshold.MinRoundsValue())
	assert.Equal(t, DefaultMaxRounds, cfg.Threshold.MaxRounds)
	assert.Equal(t, OutputMarkdown, cfg.Output.Format)
	assert.True(t, cfg.Facilitator.IsEnabled())
	assert.InDelta(t, DefaultFacilitatorTemp, cfg.Facilitator.Temperature, 1e-9)
	for _, a := range cfg.Agents {
		assert.Equal(t, DefaultMaxOutputTokens, a.MaxOutputTokens)
	}
}

func TestApplyDefaultsKeepsExplicitZeroesAndFalse(t *testing.T) {
	// Explicitly configured zero values and a disabled facilitator are
	// settings, not omissions; defaulting must not overwrite them.
	zero := 0
	disabled := false
	cfg := MeetingConfig{
		Facilitator: FacilitatorConfig{Enabled: &disabled},
		Threshold:   ThresholdConfig{AvgScoreThreshold: &zero, MinRounds: &zero},
	}
	cfg.ApplyDefaults()

	assert.False(t, cfg.Facilitator.IsEnabled())
	assert.Equal(t, 0, cfg.Threshold.AvgThresholdValue())
	assert.Equal(t, 0, cfg.Threshold.MinRoundsValue())
}

func TestValidateAgentCountBounds(t *testing.T) {
	cfg := validConfig(2)
	err := cfg.Validate()
	require.Error(t, err)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "agents", ce.Field)

	cfg = validConfig(9)
	require.Error(t, cfg.Validate())

	cfg3 := validConfig(3)
	assert.NoError(t, cfg3.Validate())
	cfg8 := validConfig(8)
	assert.NoError(t, cfg8.Validate())
}

func TestValidateRejectsDuplicateAgentIDs(t *testing.T) {
	cfg := validConfig(3)
	cfg.Agents[2].ID = cfg.Agents[0].ID
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate agent id")
}

func TestValidateRejectsTemperatureOutOfRange(t *testing.T) {
	cfg := validConfig(3)
	cfg.Agents[1].Temperature = 2.5
	err := cfg.Validate()
	require.Error(t, err)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "agents[1].temperature", ce.Field)
}

func TestValidateRequiresEnabledAgent(t *testing.T) {
	cfg := validConfig(3)
	for i := range cfg.Agents {
		cfg.Agents[i].Enabled = false
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one agent must be enabled")
}

func TestValidateRejectsMaxRoundsBelowMinRounds(t *testing.T) {
	cfg := validConfig(3)
	minRounds := 5
	cfg.Threshold.MinRounds = &minRounds
	cfg.Threshold.MaxRounds = 4
	require.Error(t, cfg.Validate())
}

func TestResolveDiscussionMode(t *testing.T) {
	cfg := validConfig(3)
	assert.Equal(t, ModeSerialTurn, cfg.ResolveDiscussionMode())

	cfg = validConfig(6)
	assert.Equal(t, ModeParallelRound, cfg.ResolveDiscussionMode())

	// Disabled agents do not count toward the auto threshold.
	cfg = validConfig(6)
	cfg.Agents[5].Enabled = false
	assert.Equal(t, ModeSerialTurn, cfg.ResolveDiscussionMode())

	// Explicit modes pass through untouched.
	cfg = validConfig(8)
	cfg.Discussion.Mode = ModeSerialTurn
	assert.Equal(t, ModeSerialTurn, cfg.ResolveDiscussionMode())
}

func TestEnabledAgentsPreservesOrder(t *testing.T) {
	cfg := validConfig(4)
	cfg.Agents[1].Enabled = false
	enabled := cfg.EnabledAgents()
	require.Len(t, enabled, 3)
	assert.Equal(t, "a1", enabled[0].ID)
	assert.Equal(t, "a3", enabled[1].ID)
	assert.Equal(t, "a4", enabled[2].ID)
}

func TestTimeoutConversions(t *testing.T) {
	f := FacilitatorConfig{TimeoutMS: 1500}
	assert.Equal(t, 1500*time.Millisecond, f.Timeout())

	f = FacilitatorConfig{}
	assert.Equal(t, time.Duration(DefaultFacilitatorTimeoutMS)*time.Millisecond, f.Timeout())

	th := ThresholdConfig{VoteTimeoutMS: 120_000}
	assert.Equal(t, 2*time.Minute, th.VoteTimeout())
	assert.Equal(t, time.Duration(0), ThresholdConfig{}.VoteTimeout())
}

func TestMeetingStateTerminal(t *testing.T) {
	assert.True(t, StateFinishedAccepted.Terminal())
	assert.True(t, StateFinishedAborted.Terminal())
	assert.False(t, StateDraft.Terminal())
	assert.False(t, StateRunningDiscussion.Terminal())
	assert.False(t, StateRunningVote.Terminal())
}
