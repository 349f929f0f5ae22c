package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repopilot-ai/repopilot/internal/llm"
	"github.com/repopilot-ai/repopilot/internal/observability"
)

func TestAnalyzeNoChangedFiles(t *testing.T) {
	ia := NewImpactAnalyzer(llm.NewServiceWithMock(observability.NopLogger()), nil, observability.NopLogger())

	got := ia.Analyze(context.Background(), "r1", "", nil)

	assert.Equal(t, "LOW", got.RiskLevel)
	assert.Equal(t, []string{"No files changed"}, got.Risks)
	assert.Empty(t, got.DirectlyChanged)
}

func TestAnalyzeWithChanges(t *testing.T) {
	ia := NewImpactAnalyzer(llm.NewServiceWithMock(observability.NopLogger()), nil, observability.NopLogger())

	got := ia.Analyze(context.Background(), "r1",
		"def login(user):\n    return session(user)\n",
		[]string{"auth/login.py"})

	assert.Equal(t, []string{"auth/login.py"}, got.DirectlyChanged)
	require.Contains(t, []string{"LOW", "MEDIUM", "HIGH", "CRITICAL"}, got.RiskLevel)
	assert.NotEmpty(t, got.Risks)
}

func TestNormalizeRiskLevel(t *testing.T) {
	assert.Equal(t, "HIGH", normalizeRiskLevel(" high "))
	assert.Equal(t, "CRITICAL", normalizeRiskLevel("critical"))
	assert.Equal(t, "MEDIUM", normalizeRiskLevel("severe"))
	assert.Equal(t, "MEDIUM", normalizeRiskLevel(""))
}

func TestParseImpactFiles(t *testing.T) {
	data := map[string]any{
		"indirectly_affected": []any{
			map[string]any{"file_path": "routes/login.py", "reason": "imports auth"},
			"models/user.py",
			42.0,
		},
	}

	got := parseImpactFiles(data)

	require.Len(t, got, 2)
	assert.Equal(t, ImpactFile{FilePath: "routes/login.py", Reason: "imports auth"}, got[0])
	assert.Equal(t, ImpactFile{FilePath: "models/user.py", Reason: "referenced"}, got[1])

	assert.Nil(t, parseImpactFiles(map[string]any{}))
}

func TestFallbackImpactReport(t *testing.T) {
	got := fallbackImpactReport([]string{"a.py"})
	assert.Equal(t, "MEDIUM", got.RiskLevel)
	assert.Equal(t, []string{"a.py"}, got.DirectlyChanged)
	assert.NotEmpty(t, got.Recommendations)
}
