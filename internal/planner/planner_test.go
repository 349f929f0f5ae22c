package planner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldDecompose(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  bool
	}{
		{"empty", "", false},
		{"short simple", "what is main.py?", false},
		{"short with marker still short", "explain the flow", false},
		{"architecture marker", "can you describe the architecture of the ingestion service?", true},
		{"flow marker", "what is the request flow from the API layer down to storage?", true},
		{"work together", "how does the parser and the scheduler work together in this repo?", true},
		{"long without marker", "please tell me about the one function that lives in the utils file and what it returns when called with a nil value argument", true},
		{"exactly under 40 chars", strings.Repeat("a", 39), false},
		{"40 chars no marker few words", strings.Repeat("ab ", 13) + "x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldDecompose(tt.query))
		})
	}
}

func TestShouldDecomposeWordCountGate(t *testing.T) {
	// 16 plain words, each long enough to clear the 40-char floor.
	words := make([]string, 16)
	for i := range words {
		words[i] = "word"
	}
	assert.True(t, ShouldDecompose(strings.Join(words, " ")))

	// 15 words stays below the gate.
	assert.False(t, ShouldDecompose(strings.Join(words[:15], " ")))
}
