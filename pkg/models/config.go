package models

import (
	"fmt"
	"strings"
	"time"
)

// Hard bounds on meeting configuration.
const (
	MinAgents       = 3
	MaxAgents       = 8
	MaxTopicChars   = 2000
	MinOutputTokens = 64
	MaxOutputTokens = 16384
)

// Defaults applied by MeetingConfig.ApplyDefaults.
const (
	DefaultAutoParallelMinAgents = 6
	DefaultCrossReplyTargets     = 2
	DefaultRollingSummaryChars   = 2000
	DefaultAvgScoreThreshold     = 80
	DefaultMinRounds             = 2
	DefaultMaxRounds             = 8
	DefaultFacilitatorTemp       = 0.2
	DefaultMaxOutputTokens       = 2048
)

// DefaultFacilitatorTimeoutMS is the per-call facilitator timeout.
const DefaultFacilitatorTimeoutMS = 90_000

// ThresholdModeAvgScore is the only accept rule currently implemented.
const ThresholdModeAvgScore = "avg_score"

// OutputFormat selects what the report builder renders into the result.
type OutputFormat string

const (
	OutputMarkdown OutputFormat = "markdown"
	OutputJSON     OutputFormat = "json"
	OutputBoth     OutputFormat = "both"
)

// AgentConfig describes one participating agent. Provider is an opaque
// gateway key ("auto" routes by model prefix, "mock" is built in).
type AgentConfig struct {
	ID              string  `json:"id" yaml:"id"`
	DisplayName     string  `json:"display_name" yaml:"display_name"`
	Provider        string  `json:"provider" yaml:"provider"`
	Model           string  `json:"model" yaml:"model"`
	SystemPrompt    string  `json:"system_prompt" yaml:"system_prompt"`
	Temperature     float64 `json:"temperature" yaml:"temperature"`
	MaxOutputTokens int     `json:"max_output_tokens" yaml:"max_output_tokens"`
	Enabled         bool    `json:"enabled" yaml:"enabled"`
}

// DiscussionConfig controls round execution.
type DiscussionConfig struct {
	Mode DiscussionMode `json:"mode" yaml:"mode"`

	// AutoParallelMinAgents is the enabled-agent count at which auto
	// mode resolves to parallel_round.
	AutoParallelMinAgents int `json:"auto_parallel_min_agents" yaml:"auto_parallel_min_agents"`

	// CrossReplyTargetsPerAgent caps the "You MUST respond to" list.
	CrossReplyTargetsPerAgent int `json:"cross_reply_targets_per_agent" yaml:"cross_reply_targets_per_agent"`

	RollingSummaryEnabled  bool `json:"rolling_summary_enabled" yaml:"rolling_summary_enabled"`
	RollingSummaryMaxChars int  `json:"rolling_summary_max_chars" yaml:"rolling_summary_max_chars"`
}

// FacilitatorConfig controls the per-round facilitator pass.
type FacilitatorConfig struct {
	// Enabled is a presence-aware flag: nil means "not configured" and
	// defaults to true, so an explicit false survives defaulting.
	Enabled *bool `json:"enabled" yaml:"enabled"`

	// Provider and Model override the default editor; empty means the
	// first enabled agent's provider and model.
	Provider string `json:"provider,omitempty" yaml:"provider"`
	Model    string `json:"model,omitempty" yaml:"model"`

	Temperature float64 `json:"temperature" yaml:"temperature"`
	TimeoutMS   int64   `json:"timeout_ms" yaml:"timeout_ms"`
}

// IsEnabled reports whether the facilitator pass runs. Unset means
// enabled.
func (f FacilitatorConfig) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

// Timeout returns the per-call facilitator timeout.
func (f FacilitatorConfig) Timeout() time.Duration {
	ms := f.TimeoutMS
	if ms <= 0 {
		ms = DefaultFacilitatorTimeoutMS
	}
	return time.Duration(ms) * time.Millisecond
}

// ThresholdConfig is the accept rule for vote sessions.
// AvgScoreThreshold and MinRounds are presence-aware: zero is a valid
// configured value (accept any average; vote right after round 1), so
// nil rather than 0 marks "use the default".
type ThresholdConfig struct {
	Mode              string `json:"mode" yaml:"mode"`
	AvgScoreThreshold *int   `json:"avg_score_threshold" yaml:"avg_score_threshold"`
	MinRounds         *int   `json:"min_rounds" yaml:"min_rounds"`
	MaxRounds         int    `json:"max_rounds" yaml:"max_rounds"`
	VoteTimeoutMS     int64  `json:"vote_timeout_ms" yaml:"vote_timeout_ms"`
}

// AvgThresholdValue returns the configured accept threshold, or the
// default when unset.
func (t ThresholdConfig) AvgThresholdValue() int {
	if t.AvgScoreThreshold == nil {
		return DefaultAvgScoreThreshold
	}
	return *t.AvgScoreThreshold
}

// MinRoundsValue returns the configured minimum round count, or the
// default when unset.
func (t ThresholdConfig) MinRoundsValue() int {
	if t.MinRounds == nil {
		return DefaultMinRounds
	}
	return *t.MinRounds
}

// VoteTimeout returns the configured vote timeout, zero when unset.
func (t ThresholdConfig) VoteTimeout() time.Duration {
	if t.VoteTimeoutMS <= 0 {
		return 0
	}
	return time.Duration(t.VoteTimeoutMS) * time.Millisecond
}

// OutputConfig selects result rendering.
type OutputConfig struct {
	Format OutputFormat `json:"format" yaml:"format"`
}

// MeetingConfig is frozen onto the meeting at creation.
type MeetingConfig struct {
	Agents      []AgentConfig     `json:"agents" yaml:"agents"`
	Discussion  DiscussionConfig  `json:"discussion" yaml:"discussion"`
	Facilitator FacilitatorConfig `json:"facilitator" yaml:"facilitator"`
	Threshold   ThresholdConfig   `json:"threshold" yaml:"threshold"`
	Output      OutputConfig      `json:"output" yaml:"output"`
}

// ConfigError reports a single invalid configuration field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Message)
}

// EnabledAgents returns the enabled agents in config order.
func (c *MeetingConfig) EnabledAgents() []AgentConfig {
	out := make([]AgentConfig, 0, len(c.Agents))
	for _, a := range c.Agents {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

// AgentByID returns the agent with the given id, enabled or not.
func (c *MeetingConfig) AgentByID(id string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// ApplyDefaults fills zero-valued tunables. Agent enablement and the
// agent list itself are never defaulted.
func (c *MeetingConfig) ApplyDefaults() {
	if c.Discussion.Mode == "" {
		c.Discussion.Mode = ModeAuto
	}
	if c.Discussion.AutoParallelMinAgents == 0 {
		c.Discussion.AutoParallelMinAgents = DefaultAutoParallelMinAgents
	}
	if c.Discussion.CrossReplyTargetsPerAgent == 0 {
		c.Discussion.CrossReplyTargetsPerAgent = DefaultCrossReplyTargets
	}
	if c.Discussion.RollingSummaryMaxChars == 0 {
		c.Discussion.RollingSummaryMaxChars = DefaultRollingSummaryChars
	}
	if c.Facilitator.Enabled == nil {
		enabled := true
		c.Facilitator.Enabled = &enabled
	}
	if c.Facilitator.Temperature == 0 {
		c.Facilitator.Temperature = DefaultFacilitatorTemp
	}
	if c.Facilitator.TimeoutMS == 0 {
		c.Facilitator.TimeoutMS = DefaultFacilitatorTimeoutMS
	}
	if c.Threshold.Mode == "" {
		c.Threshold.Mode = ThresholdModeAvgScore
	}
	if c.Threshold.AvgScoreThreshold == nil {
		threshold := DefaultAvgScoreThreshold
		c.Threshold.AvgScoreThreshold = &threshold
	}
	if c.Threshold.MinRounds == nil {
		minRounds := DefaultMinRounds
		c.Threshold.MinRounds = &minRounds
	}
	if c.Threshold.MaxRounds == 0 {
		c.Threshold.MaxRounds = DefaultMaxRounds
	}
	if c.Output.Format == "" {
		c.Output.Format = OutputMarkdown
	}
	for i := range c.Agents {
		if c.Agents[i].MaxOutputTokens == 0 {
			c.Agents[i].MaxOutputTokens = DefaultMaxOutputTokens
		}
	}
}

// Validate checks the config after defaults. The first violation is
// returned as a *ConfigError.
func (c *MeetingConfig) Validate() error {
	if n := len(c.Agents); n < MinAgents || n > MaxAgents {
		return &ConfigError{
			Field:   "agents",
			Message: fmt.Sprintf("agent count must be in [%d, %d], got %d", MinAgents, MaxAgents, n),
		}
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		field := fmt.Sprintf("agents[%d]", i)
		if strings.TrimSpace(a.ID) == "" {
			return &ConfigError{Field: field + ".id", Message: "must not be empty"}
		}
		if seen[a.ID] {
			return &ConfigError{Field: field + ".id", Message: fmt.Sprintf("duplicate agent id %q", a.ID)}
		}
		seen[a.ID] = true
		if a.Provider == "" {
			return &ConfigError{Field: field + ".provider", Message: "must not be empty"}
		}
		if a.Model == "" {
			return &ConfigError{Field: field + ".model", Message: "must not be empty"}
		}
		if a.Temperature < 0 || a.Temperature > 2 {
			return &ConfigError{Field: field + ".temperature", Message: "must be in [0, 2]"}
		}
		if a.MaxOutputTokens < MinOutputTokens || a.MaxOutputTokens > MaxOutputTokens {
			return &ConfigError{
				Field:   field + ".max_output_tokens",
				Message: fmt.Sprintf("must be in [%d, %d]", MinOutputTokens, MaxOutputTokens),
			}
		}
	}
	if len(c.EnabledAgents()) == 0 {
		return &ConfigError{Field: "agents", Message: "at least one agent must be enabled"}
	}

	switch c.Discussion.Mode {
	case ModeAuto, ModeSerialTurn, ModeParallelRound:
	default:
		return &ConfigError{
			Field:   "discussion.mode",
			Message: fmt.Sprintf("unknown mode %q", c.Discussion.Mode),
		}
	}

	if c.Threshold.Mode != ThresholdModeAvgScore {
		return &ConfigError{
			Field:   "threshold.mode",
			Message: fmt.Sprintf("unknown mode %q", c.Threshold.Mode),
		}
	}
	if v := c.Threshold.AvgThresholdValue(); v < 0 || v > 100 {
		return &ConfigError{Field: "threshold.avg_score_threshold", Message: "must be in [0, 100]"}
	}
	if c.Threshold.MinRoundsValue() < 0 {
		return &ConfigError{Field: "threshold.min_rounds", Message: "must not be negative"}
	}
	if c.Threshold.MaxRounds < c.Threshold.MinRoundsValue() {
		return &ConfigError{
			Field:   "threshold.max_rounds",
			Message: fmt.Sprintf("must be >= min_rounds (%d)", c.Threshold.MinRoundsValue()),
		}
	}

	switch c.Output.Format {
	case OutputMarkdown, OutputJSON, OutputBoth:
	default:
		return &ConfigError{
			Field:   "output.format",
			Message: fmt.Sprintf("unknown format %q", c.Output.Format),
		}
	}
	return nil
}

// ResolveDiscussionMode decides the effective mode at meeting start.
// Auto goes parallel at or above the configured agent count.
func (c *MeetingConfig) ResolveDiscussionMode() DiscussionMode {
	if c.Discussion.Mode != ModeAuto {
		return c.Discussion.Mode
	}
	if len(c.EnabledAgents()) >= c.Discussion.AutoParallelMinAgents {
		return ModeParallelRound
	}
	return ModeSerialTurn
}
