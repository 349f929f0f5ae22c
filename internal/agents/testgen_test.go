package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repopilot-ai/repopilot/internal/chunker"
	"github.com/repopilot-ai/repopilot/internal/llm"
	"github.com/repopilot-ai/repopilot/internal/observability"
)

func TestGenerateTestsFromGeneratedCode(t *testing.T) {
	tg := NewTestGenerator(llm.NewServiceWithMock(observability.NopLogger()), nil, observability.NopLogger())

	got := tg.GenerateTests(context.Background(), TestGenRequest{
		RepoID: "r1",
		GeneratedCode: []GeneratedFile{
			{FilePath: "merge_sort.py", Content: "def merge_sort(xs):\n    return sorted(xs)\n"},
		},
	})

	assert.True(t, got.Success)
	assert.NotEmpty(t, got.Tests)
	assert.Contains(t, got.Tests, "def test_")
	assert.NotEmpty(t, got.TestFileName)
	assert.Equal(t, []string{"merge_sort.py"}, got.SourceFiles)
}

func TestValidTestCode(t *testing.T) {
	assert.True(t, validTestCode("import pytest\n\ndef test_works():\n    assert 1 == 1\n"))
	assert.False(t, validTestCode("def test_x(): pass"))
	assert.False(t, validTestCode("no tests at all, just a long sentence about testing things"))
	assert.False(t, validTestCode("test code here"))
	assert.False(t, validTestCode(""))
}

func TestDefaultTestFileName(t *testing.T) {
	assert.Equal(t, "test_utils.py", defaultTestFileName(TestGenRequest{TargetFile: "src/utils.py"}))
	assert.Equal(t, "test_merge_sort.py", defaultTestFileName(TestGenRequest{
		GeneratedCode: []GeneratedFile{{FilePath: "merge_sort.cpp"}},
	}))
	assert.Equal(t, "test_generated.py", defaultTestFileName(TestGenRequest{}))
}

func TestExtractFunctionNames(t *testing.T) {
	chunks := []chunker.Chunk{
		{Content: "def public_one(a):\n    pass\n\ndef _private(b):\n    pass\n\ndef test_skip():\n    pass\n"},
		{Content: "func Handler(w, r) {\n}\nfunction renderPage(x) {\n}\n"},
	}

	names := extractFunctionNames(chunks)

	assert.Contains(t, names, "public_one")
	assert.Contains(t, names, "Handler")
	assert.Contains(t, names, "renderPage")
	assert.NotContains(t, names, "_private")
	assert.NotContains(t, names, "test_skip")
}

func TestPythonTemplate(t *testing.T) {
	chunks := []chunker.Chunk{{FilePath: "mathlib.py", Content: "def add(a, b):\n    return a + b\n"}}

	tests, explanation := synthesizeTestTemplate(chunks)

	assert.Contains(t, tests, "import importlib")
	assert.Contains(t, tests, `importlib.import_module("mathlib")`)
	assert.Contains(t, tests, "def test_add_exists():")
	assert.Contains(t, tests, `hasattr(mod, "add")`)
	assert.Contains(t, tests, "callable")
	assert.Contains(t, explanation, "Python")
	require.True(t, validTestCode(tests))
}

func TestCppTemplate(t *testing.T) {
	chunks := []chunker.Chunk{{FilePath: "merge_sort.cpp", Content: "#include <iostream>\nint main(){}\n"}}

	tests, explanation := synthesizeTestTemplate(chunks)

	assert.Contains(t, tests, `SOURCE = "merge_sort.cpp"`)
	assert.Contains(t, tests, "-std=c++17")
	assert.Contains(t, tests, `("g++", "clang++", "cl")`)
	assert.Contains(t, tests, "def test_compiles():")
	assert.Contains(t, tests, "def test_runs_without_crash():")
	assert.Contains(t, explanation, "C/C++")
	require.True(t, validTestCode(tests))
}

func TestGenericTemplate(t *testing.T) {
	chunks := []chunker.Chunk{{FilePath: "Makefile", Content: "all:\n\techo hi\n"}}

	tests, _ := synthesizeTestTemplate(chunks)

	assert.Contains(t, tests, "def test_file_1_")
	assert.Contains(t, tests, "rglob")
	require.True(t, validTestCode(tests))
}
