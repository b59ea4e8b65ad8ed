// Package facilitator generates the structured per-round summary that
// the orchestrator appends to the transcript between rounds. The
// service retries malformed provider JSON (with repair) and reports
// failure only after all attempts are exhausted; the orchestrator then
// skips the facilitator message for that round.
package facilitator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	jsonrepair "github.com/RealAlexandreAI/json-repair"

	"github.com/Einzieg/AI-meeting/pkg/llm"
	"github.com/Einzieg/AI-meeting/pkg/models"
	"github.com/Einzieg/AI-meeting/pkg/prompt"
)

// maxAttempts bounds gateway calls per facilitator pass.
const maxAttempts = 3

// Output field limits, enforced by clamping rather than rejection.
const (
	maxDisagreements   = 3
	maxNextFocus       = 2
	maxProposedPatch   = 4000
	maxRoundSummaryLen = 2000
)

// ErrAllAttemptsFailed is returned when no attempt produced parseable
// structured output. The caller logs and continues without a
// facilitator message.
var ErrAllAttemptsFailed = errors.New("facilitator output unusable after all attempts")

// Output is the facilitator's structured result.
type Output struct {
	RoundSummary  string   `json:"round_summary"`
	Disagreements []string `json:"disagreements"`
	ProposedPatch string   `json:"proposed_patch"`
	NextFocus     []string `json:"next_focus"`
}

// Markdown renders the output as the transcript message body.
func (o *Output) Markdown() string {
	return prompt.FormatFacilitatorMarkdown(o.RoundSummary, o.Disagreements, o.ProposedPatch, o.NextFocus)
}

// Input is one facilitator pass over a completed round.
type Input struct {
	MeetingID      string
	Topic          string
	Round          int // the completed round
	RollingSummary string
	Messages       []*models.Message
	ProposalDraft  string

	Provider    string
	Model       string
	Temperature float64
	CallTimeout time.Duration
}

// Service calls the gateway with the facilitator contract prompt.
// Reentrant; one instance serves all meetings.
type Service struct {
	gateway llm.Gateway
	builder *prompt.Builder
	logger  *slog.Logger
}

// New creates a facilitator service.
func New(gateway llm.Gateway, builder *prompt.Builder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{gateway: gateway, builder: builder, logger: logger}
}

// Run performs up to maxAttempts generation calls and returns the first
// parseable output. Cancellation propagates immediately.
func (s *Service) Run(ctx context.Context, in Input) (*Output, error) {
	messages := s.builder.BuildFacilitator(prompt.FacilitatorInput{
		Topic:          in.Topic,
		Round:          in.Round,
		RollingSummary: in.RollingSummary,
		Messages:       in.Messages,
		ProposalDraft:  in.ProposalDraft,
	})

	log := s.logger.With("meeting_id", in.MeetingID, "round", in.Round)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		completion, err := s.gateway.GenerateText(ctx, llm.Request{
			Provider:    in.Provider,
			Model:       in.Model,
			Messages:    messages,
			Temperature: in.Temperature,
			MaxTokens:   2048,
			Timeout:     in.CallTimeout,
			Format:      llm.FormatJSONObject,
			Metadata: map[string]string{
				"purpose":    llm.PurposeFacilitator,
				"meeting_id": in.MeetingID,
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("facilitator generation failed", "attempt", attempt, "error", err)
			lastErr = err
			continue
		}

		out, parseErr := parseOutput(completion.Text)
		if parseErr != nil {
			log.Warn("facilitator output not parseable", "attempt", attempt, "error", parseErr)
			lastErr = parseErr
			continue
		}
		return out, nil
	}

	return nil, fmt.Errorf("%w: %w", ErrAllAttemptsFailed, lastErr)
}

// parseOutput decodes the structured output, repairing common LLM JSON
// defects first when direct decoding fails.
func parseOutput(text string) (*Output, error) {
	var out Output
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		repaired, repairErr := jsonrepair.RepairJSON(text)
		if repairErr != nil {
			return nil, fmt.Errorf("parsing facilitator JSON: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &out); err != nil {
			return nil, fmt.Errorf("parsing repaired facilitator JSON: %w", err)
		}
	}
	if strings.TrimSpace(out.RoundSummary) == "" {
		return nil, errors.New("facilitator output missing round_summary")
	}
	out.clamp()
	return &out, nil
}

func (o *Output) clamp() {
	if len(o.RoundSummary) > maxRoundSummaryLen {
		o.RoundSummary = o.RoundSummary[:maxRoundSummaryLen]
	}
	if len(o.ProposedPatch) > maxProposedPatch {
		o.ProposedPatch = o.ProposedPatch[:maxProposedPatch]
	}
	if len(o.Disagreements) > maxDisagreements {
		o.Disagreements = o.Disagreements[:maxDisagreements]
	}
	if len(o.NextFocus) > maxNextFocus {
		o.NextFocus = o.NextFocus[:maxNextFocus]
	}
}
