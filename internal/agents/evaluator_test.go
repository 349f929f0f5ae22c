package agents

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repopilot-ai/repopilot/internal/llm"
	"github.com/repopilot-ai/repopilot/internal/observability"
)

func TestEvaluateEmptyDiffs(t *testing.T) {
	e := NewEvaluator(llm.NewServiceWithMock(observability.NopLogger()), observability.NopLogger())

	got := e.Evaluate(context.Background(), EvaluationRequest{RequestText: "add sorting"})

	assert.False(t, got.Enabled)
	assert.Equal(t, DecisionRequestRevision, got.Controller.Decision)
	assert.Nil(t, got.Critic)
	assert.Nil(t, got.Defender)
}

func TestEvaluateEndToEnd(t *testing.T) {
	e := NewEvaluator(llm.NewServiceWithMock(observability.NopLogger()), observability.NopLogger())

	got := e.Evaluate(context.Background(), EvaluationRequest{
		RequestText: "add sorting",
		GeneratedDiffs: []FileDiff{
			{FilePath: "sort.py", Code: "def sort(xs):\n    return sorted(xs)\n"},
		},
		TestsText: "def test_sort():\n    assert sort([2,1]) == [1,2]\n",
	})

	assert.True(t, got.Enabled)
	require.NotNil(t, got.Critic)
	require.NotNil(t, got.Defender)
	assert.Equal(t, 6.0, got.Critic.Score)
	assert.Contains(t, []string{DecisionAcceptOriginal, DecisionMergeFeedback, DecisionRequestRevision},
		got.Controller.Decision)
}

func TestBuildCodeBundleCaps(t *testing.T) {
	long := strings.Repeat("x", maxFileChars+500)

	bundle := buildCodeBundle([]FileDiff{
		{FilePath: "a.py", Code: long},
		{FilePath: "b.py", Code: "print('b')"},
		{FilePath: "empty.py", Code: "  "},
	})

	assert.Contains(t, bundle, "File: a.py")
	assert.Contains(t, bundle, "... [truncated]")
	assert.Contains(t, bundle, "File: b.py")
	assert.NotContains(t, bundle, "empty.py")
	assert.LessOrEqual(t, len(bundle), maxCodeBundleChars+100)
}

func TestBuildCodeBundleFallsBackToDiff(t *testing.T) {
	bundle := buildCodeBundle([]FileDiff{{FilePath: "a.py", Diff: "+added line"}})
	assert.Contains(t, bundle, "+added line")
}

func TestNormalizeDecision(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ACCEPT_ORIGINAL", DecisionAcceptOriginal},
		{"accept original", DecisionAcceptOriginal},
		{"ACCEPTED", DecisionAcceptOriginal},
		{"MERGE_FEEDBACK", DecisionMergeFeedback},
		{"merge", DecisionMergeFeedback},
		{"incorporate feedback", DecisionMergeFeedback},
		{"REQUEST_REVISION", DecisionRequestRevision},
		{"needs revision", DecisionRequestRevision},
		{"rejected", DecisionRequestRevision},
		{"", DecisionMergeFeedback},
		{"garbage", DecisionMergeFeedback},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeDecision(tt.in), tt.in)
	}
}

func TestFallbackController(t *testing.T) {
	critic := &ReviewerVerdict{Score: 9, Issues: []string{"minor nit"}}
	defender := &ReviewerVerdict{Score: 8.5}

	got := fallbackController(critic, defender)
	assert.Equal(t, DecisionAcceptOriginal, got.Decision)
	assert.InDelta(t, 8.75, got.FinalScore, 0.01)
	assert.Equal(t, 0.85, got.Confidence)
	assert.Equal(t, []string{"[critic] minor nit"}, got.MergedIssues)

	mid := fallbackController(&ReviewerVerdict{Score: 6}, nil)
	assert.Equal(t, DecisionMergeFeedback, mid.Decision)
	assert.Equal(t, 0.6, mid.Confidence)

	low := fallbackController(nil, nil)
	assert.Equal(t, DecisionRequestRevision, low.Decision)
	assert.Equal(t, 0.2, low.Confidence)
}

func TestNormalizeScoreAndConfidence(t *testing.T) {
	assert.Equal(t, 10.0, normalizeScore(15))
	assert.Equal(t, 0.0, normalizeScore(-2))
	assert.Equal(t, 7.33, normalizeScore(7.333))
	assert.Equal(t, 1.0, normalizeConfidence(3))
	assert.Equal(t, 0.0, normalizeConfidence(-1))
}

func TestPlaceholderHelpers(t *testing.T) {
	assert.True(t, isPlaceholderText("Test code here"))
	assert.True(t, isPlaceholderText("  TODO  "))
	assert.False(t, isPlaceholderText("def real(): pass"))

	assert.True(t, looksLikeCode("x = 1"))
	assert.True(t, looksLikeCode("#include <iostream>"))
	assert.False(t, looksLikeCode("just prose about the fix"))
}
