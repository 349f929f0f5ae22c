package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/repopilot-ai/repopilot/internal/agents"
	"github.com/repopilot-ai/repopilot/internal/llm"
	"github.com/repopilot-ai/repopilot/internal/observability"
)

func newTestRefiner() *Refiner {
	logger := observability.NopLogger()
	chat := llm.NewServiceWithMock(logger)
	return NewRefiner(
		agents.NewGenerator(chat, nil, logger),
		agents.NewTestGenerator(chat, nil, logger),
		chat,
		logger,
	)
}

func TestExtractCodePrefersCode(t *testing.T) {
	gen := agents.GenerationResult{
		Plan: "the plan",
		Diffs: []agents.FileDiff{
			{FilePath: "a.py", Code: "def a():\n    pass\n"},
			{FilePath: "b.py", Diff: "+def b():\n+    pass\n"},
		},
	}

	got := extractCode(gen)

	assert.Contains(t, got, "# File: a.py")
	assert.Contains(t, got, "def a():")
	assert.Contains(t, got, "# File: b.py")
	assert.Contains(t, got, "+def b():")
}

func TestExtractCodeFallsBackToPlan(t *testing.T) {
	gen := agents.GenerationResult{Plan: "only a plan, no diffs"}
	assert.Equal(t, "only a plan, no diffs", extractCode(gen))
}

func TestRefineViaLLM(t *testing.T) {
	r := newTestRefiner()

	target, reasoning, fixedCode, fixedTests := r.refineViaLLM(
		context.Background(),
		"def broken():\n    return 2\n",
		"def test_broken():\n    assert broken() == 1\n",
		"FAILED test_solution.py::test_broken - AssertionError",
	)

	assert.Equal(t, "code", target)
	assert.NotEmpty(t, reasoning)
	assert.Contains(t, fixedCode, "def solution")
	assert.Empty(t, fixedTests)
}

func TestSnippetAndTruncate(t *testing.T) {
	long := strings.Repeat("a", snippetChars+10)

	assert.Equal(t, snippetChars+3, len(snippet(long)))
	assert.True(t, strings.HasSuffix(snippet(long), "..."))
	assert.Equal(t, "short", snippet("short"))

	assert.Equal(t, 5, len(truncateTo("abcdefgh", 5)))
	assert.Equal(t, "abc", truncateTo("abc", 10))
}

func TestExtractFailures(t *testing.T) {
	output := strings.Join([]string{
		"collected 2 items",
		"test_solution.py::test_ok PASSED",
		"test_solution.py::test_bad FAILED",
		"E   AssertionError: assert 2 == 1",
		"ImportError: No module named missing",
	}, "\n")

	got := extractFailures(output)

	assert.Len(t, got, 3)
	assert.Contains(t, got[0], "FAILED")

	assert.Empty(t, extractFailures("all tests passed"))
}
