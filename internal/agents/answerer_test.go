package agents

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repopilot-ai/repopilot/internal/chunker"
	"github.com/repopilot-ai/repopilot/internal/llm"
	"github.com/repopilot-ai/repopilot/internal/observability"
)

func sampleChunks() []chunker.Chunk {
	return []chunker.Chunk{
		{ChunkID: "c1", FilePath: "auth/login.py", StartLine: 10, EndLine: 40, Content: "def login(user):\n    return session(user)\n"},
		{ChunkID: "c2", FilePath: "auth/session.py", StartLine: 1, EndLine: 25, Content: "def session(user):\n    return Token(user)\n"},
		{ChunkID: "c3", FilePath: "models/token.py", StartLine: 5, EndLine: 30, Content: "class Token:\n    pass\n"},
	}
}

func TestAnswerNoChunks(t *testing.T) {
	a := NewAnswerer(llm.NewServiceWithMock(observability.NopLogger()), observability.NopLogger())

	got := a.Answer(context.Background(), "where is login?", nil, "")

	assert.Equal(t, "low", got.Confidence)
	assert.Contains(t, got.Answer, sectionShortAnswer)
	assert.Contains(t, got.Answer, sectionEvidence)
	assert.Contains(t, got.Answer, sectionNextStep)
	assert.Empty(t, got.Citations)
	assert.NotEmpty(t, got.Assumptions)
}

func TestAnswerWithChunksHasSectionsAndCitations(t *testing.T) {
	a := NewAnswerer(llm.NewServiceWithMock(observability.NopLogger()), observability.NopLogger())

	got := a.Answer(context.Background(), "where is login?", sampleChunks(), "")

	assert.Contains(t, got.Answer, sectionShortAnswer)
	assert.Contains(t, got.Answer, sectionEvidence)
	assert.Contains(t, got.Answer, sectionNextStep)
	// Mock returns no valid citations, so they are synthesized from chunks.
	require.Len(t, got.Citations, 3)
	assert.Equal(t, "auth/login.py", got.Citations[0].FilePath)
	assert.Equal(t, "L10-L40", got.Citations[0].LineRange)
	assert.Contains(t, []string{"low", "medium", "high"}, got.Confidence)
}

func TestNormalizeLineRange(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"L10-L20", "L10-L20"},
		{"10-20", "L10-L20"},
		{"L10 - L20", "L10-L20"},
		{"lines 3-7", "L3-L7"},
		{"no range", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeLineRange(tt.in), tt.in)
	}
}

func TestValidateCitations(t *testing.T) {
	chunks := sampleChunks()

	raw := []map[string]any{
		{"file_path": "auth/login.py", "line_range": "L10-L40", "why": "exact match"},
		{"file_path": "auth/session.py", "line_range": "L999-L1000", "why": "wrong range, path matches"},
		{"file_path": "nonexistent.py", "line_range": "L1-L2", "why": "should be dropped"},
		{"file_path": "auth/login.py", "line_range": "10-40", "why": "duplicate after normalize"},
	}

	got := validateCitations(raw, chunks)
	require.Len(t, got, 2)

	assert.Equal(t, "auth/login.py", got[0].FilePath)
	assert.Equal(t, "L10-L40", got[0].LineRange)
	// Path-only match adopts the chunk's line range.
	assert.Equal(t, "auth/session.py", got[1].FilePath)
	assert.Equal(t, "L1-L25", got[1].LineRange)
}

func TestValidateCitationsCap(t *testing.T) {
	chunks := sampleChunks()
	raw := []map[string]any{
		{"file_path": "auth/login.py", "line_range": "L10-L40"},
		{"file_path": "auth/session.py", "line_range": "L1-L25"},
		{"file_path": "models/token.py", "line_range": "L5-L30"},
		{"file_path": "auth/login.py", "line_range": "L10-L40"},
	}
	assert.Len(t, validateCitations(raw, chunks), 3)
}

func TestSynthesizeCitations(t *testing.T) {
	got := synthesizeCitations(sampleChunks())

	require.Len(t, got, 3)
	assert.Equal(t, "Retrieved as relevant context", got[0].Why)
	assert.NotEmpty(t, got[0].Snippet)
}

func TestCalibrateConfidence(t *testing.T) {
	three := []Citation{{FilePath: "a"}, {FilePath: "b"}, {FilePath: "c"}}
	two := three[:2]
	one := three[:1]

	// Three citations with inline refs reach high.
	assert.Equal(t, "high", calibrateConfidence("See [S1] and [S2].", three, "low", nil))

	// No [Sx] reference caps at medium.
	assert.Equal(t, "medium", calibrateConfidence("Answer without refs.", three, "high", nil))

	// Assumptions pull the level down.
	assert.Equal(t, "medium", calibrateConfidence("See [S1].", three, "low", []string{"guessing"}))

	// Uncertainty markers force low.
	assert.Equal(t, "low", calibrateConfidence("I'm not sure, see [S1].", three, "high", nil))

	assert.Equal(t, "medium", calibrateConfidence("See [S1].", two, "low", nil))
	assert.Equal(t, "low", calibrateConfidence("See [S1].", one, "low", nil))

	// LLM confidence can raise the floor.
	assert.Equal(t, "high", calibrateConfidence("See [S1].", one, "high", nil))
}

func TestEnsureSectionsSynthesizes(t *testing.T) {
	cits := []Citation{{FilePath: "a.py", LineRange: "L1-L5", Why: "defines the handler"}}

	out := ensureSections("The handler lives in a.py.", cits)

	assert.Contains(t, out, sectionShortAnswer)
	assert.Contains(t, out, sectionEvidence)
	assert.Contains(t, out, sectionNextStep)
	assert.Contains(t, out, "`a.py` (L1-L5)")
}

func TestEnsureSectionsNormalizesAliases(t *testing.T) {
	text := "## Answer\nIt works.\n\n## Evidence\nSee code.\n\n## Next Steps\nShip it.\n"

	out := ensureSections(text, nil)

	assert.Contains(t, out, sectionShortAnswer)
	assert.Contains(t, out, sectionEvidence)
	assert.Contains(t, out, sectionNextStep)
	assert.Equal(t, 1, strings.Count(out, sectionShortAnswer))
}

func TestCleanAnswerText(t *testing.T) {
	leaked := "The answer is X.\n\"citations\": [{\"file_path\": \"a.py\"}]\n\"confidence\": \"high\""
	got := cleanAnswerText(leaked)

	assert.Contains(t, got, "The answer is X.")
	assert.NotContains(t, got, "citations")
	assert.NotContains(t, got, "confidence")
}

func TestAnswerStreamYieldsChunks(t *testing.T) {
	a := NewAnswerer(llm.NewServiceWithMock(observability.NopLogger()), observability.NopLogger())

	var text strings.Builder
	for chunk := range a.AnswerStream(context.Background(), "what is this?", sampleChunks(), "") {
		require.NoError(t, chunk.Err)
		text.WriteString(chunk.Text)
	}
	assert.NotEmpty(t, text.String())
}
