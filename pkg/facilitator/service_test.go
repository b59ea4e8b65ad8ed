package facilitator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Einzieg/AI-meeting/pkg/llm"
	"github.com/Einzieg/AI-meeting/pkg/prompt"
)

// stubGateway replays scripted completions/errors in order.
type stubGateway struct {
	texts []string
	errs  []error
	calls int
}

func (g *stubGateway) GenerateText(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i := g.calls
	g.calls++
	if i < len(g.errs) && g.errs[i] != nil {
		return nil, g.errs[i]
	}
	text := ""
	if i < len(g.texts) {
		text = g.texts[i]
	}
	return &llm.Completion{Text: text, Provider: req.Provider, Model: req.Model}, nil
}

const validFacilitatorJSON = `{"round_summary": "Converged on a pilot.", "disagreements": ["Scope"], "proposed_patch": "Narrow to one team.", "next_focus": ["Pick the team"]}`

func TestRunReturnsFirstParseableOutput(t *testing.T) {
	g := &stubGateway{texts: []string{validFacilitatorJSON}}
	s := New(g, prompt.New(), nil)

	out, err := s.Run(context.Background(), Input{MeetingID: "m1", Topic: "t", Round: 1})
	require.NoError(t, err)
	assert.Equal(t, "Converged on a pilot.", out.RoundSummary)
	assert.Equal(t, []string{"Scope"}, out.Disagreements)
	assert.Equal(t, 1, g.calls)
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	g := &stubGateway{
		errs:  []error{&llm.ProviderError{Provider: "p", StatusCode: 503, Message: "down", Recoverable: true}, nil},
		texts: []string{"", validFacilitatorJSON},
	}
	s := New(g, prompt.New(), nil)

	out, err := s.Run(context.Background(), Input{MeetingID: "m1", Topic: "t", Round: 2})
	require.NoError(t, err)
	assert.NotEmpty(t, out.RoundSummary)
	assert.Equal(t, 2, g.calls)
}

func TestRunAllAttemptsFailed(t *testing.T) {
	failure := &llm.ProviderError{Provider: "p", StatusCode: 500, Message: "broken"}
	g := &stubGateway{errs: []error{failure, failure, failure}}
	s := New(g, prompt.New(), nil)

	_, err := s.Run(context.Background(), Input{MeetingID: "m1", Topic: "t", Round: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllAttemptsFailed)
	assert.Equal(t, 3, g.calls)
}

func TestRunPropagatesCancellation(t *testing.T) {
	g := &stubGateway{}
	s := New(g, prompt.New(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Run(ctx, Input{MeetingID: "m1", Topic: "t", Round: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseOutputRepairsTruncatedJSON(t *testing.T) {
	// Missing closing brace, the classic LLM truncation.
	out, err := parseOutput(`{"round_summary": "Agents agree on phased rollout", "disagreements": []`)
	require.NoError(t, err)
	assert.Equal(t, "Agents agree on phased rollout", out.RoundSummary)
}

func TestParseOutputRequiresRoundSummary(t *testing.T) {
	_, err := parseOutput(`{"disagreements": ["x"], "proposed_patch": "y"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "round_summary")
}

func TestParseOutputClampsFields(t *testing.T) {
	long := strings.Repeat("a", maxRoundSummaryLen+500)
	out, err := parseOutput(`{"round_summary": "` + long + `", "disagreements": ["1","2","3","4","5"], "next_focus": ["1","2","3"]}`)
	require.NoError(t, err)
	assert.Len(t, out.RoundSummary, maxRoundSummaryLen)
	assert.Len(t, out.Disagreements, maxDisagreements)
	assert.Len(t, out.NextFocus, maxNextFocus)
}

func TestOutputMarkdownRendersSections(t *testing.T) {
	out := &Output{
		RoundSummary:  "Summary line.",
		Disagreements: []string{"Timeline"},
		ProposedPatch: "Add buffer.",
		NextFocus:     []string{"Owners"},
	}
	md := out.Markdown()
	assert.Contains(t, md, "Summary line.")
	assert.Contains(t, md, "Timeline")
	assert.Contains(t, md, "Add buffer.")
	assert.Contains(t, md, "Owners")
}
