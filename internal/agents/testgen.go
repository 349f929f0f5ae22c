package agents

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/repopilot-ai/repopilot/internal/chunker"
	"github.com/repopilot-ai/repopilot/internal/llm"
	"github.com/repopilot-ai/repopilot/internal/llmjson"
	"github.com/repopilot-ai/repopilot/internal/observability"
	"github.com/repopilot-ai/repopilot/internal/retrieval"
)

const testGenSystemPrompt = `You are a test generation expert. Your task is to generate PyTest test cases for the given code.

Rules:
1. Generate tests that follow PyTest conventions (test_ prefix, assert statements)
2. Include edge cases, error handling, and typical use cases
3. If existing tests are provided, match their style and patterns
4. Use descriptive test names that explain what is being tested
5. Add docstrings to each test explaining the test purpose
6. Use fixtures where appropriate
7. Include both positive and negative test cases

Return your response as a JSON object:
{
    "tests": "The complete PyTest code as a string",
    "test_file_name": "suggested filename like test_module.py",
    "explanation": "Brief explanation of what tests were generated",
    "coverage_notes": ["list of what's covered", "and what might need more tests"]
}`

// GeneratedFile is a code artifact handed to the test generator directly,
// bypassing retrieval.
type GeneratedFile struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}

// TestGenRequest selects what to generate tests for.
type TestGenRequest struct {
	RepoID         string          `json:"repo_id"`
	TargetFile     string          `json:"target_file,omitempty"`
	TargetFunction string          `json:"target_function,omitempty"`
	CustomRequest  string          `json:"custom_request,omitempty"`
	GeneratedCode  []GeneratedFile `json:"generated_code,omitempty"`
}

// TestGenResult is the test generation outcome.
type TestGenResult struct {
	Success       bool     `json:"success"`
	Tests         string   `json:"tests"`
	TestFileName  string   `json:"test_file_name"`
	Explanation   string   `json:"explanation"`
	CoverageNotes []string `json:"coverage_notes"`
	SourceFiles   []string `json:"source_files,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// TestGenerator produces runnable tests, falling back to deterministic
// templates when the model's output does not validate.
type TestGenerator struct {
	chat      *llm.Service
	retriever *retrieval.Retriever
	logger    *observability.Logger
}

// NewTestGenerator creates a TestGenerator.
func NewTestGenerator(chat *llm.Service, retriever *retrieval.Retriever, logger *observability.Logger) *TestGenerator {
	return &TestGenerator{chat: chat, retriever: retriever, logger: logger}
}

// GenerateTests builds tests for generated code or retrieved repository
// code. It always returns a usable result; template synthesis covers model
// failures.
func (t *TestGenerator) GenerateTests(ctx context.Context, req TestGenRequest) TestGenResult {
	chunks := t.collectChunks(ctx, req)

	var styleChunks []chunker.Chunk
	if len(req.GeneratedCode) == 0 {
		styleChunks, _ = t.retriever.Retrieve(ctx, req.RepoID, "test pytest unittest", 3)
	}

	sourceFiles := sourceFileList(chunks)

	userMessage := buildTestGenUserMessage(req, chunks, styleChunks)

	tests, fileName, explanation, coverage := t.callModel(ctx, userMessage)

	if !validTestCode(tests) {
		t.logger.Info().Str("repo_id", req.RepoID).Msg("model tests invalid, synthesizing template")
		tests, explanation = synthesizeTestTemplate(chunks)
		coverage = []string{"Smoke-level coverage only; extend with behavioral assertions."}
	}

	if fileName == "" {
		fileName = defaultTestFileName(req)
	}

	return TestGenResult{
		Success:       true,
		Tests:         tests,
		TestFileName:  fileName,
		Explanation:   explanation,
		CoverageNotes: coverage,
		SourceFiles:   sourceFiles,
	}
}

func (t *TestGenerator) collectChunks(ctx context.Context, req TestGenRequest) []chunker.Chunk {
	if len(req.GeneratedCode) > 0 {
		chunks := make([]chunker.Chunk, 0, len(req.GeneratedCode))
		for _, gf := range req.GeneratedCode {
			lineCount := strings.Count(gf.Content, "\n") + 1
			chunks = append(chunks, chunker.Chunk{
				ChunkID:   chunker.GenerateChunkID(req.RepoID, gf.FilePath, 1),
				RepoID:    req.RepoID,
				FilePath:  gf.FilePath,
				StartLine: 1,
				EndLine:   lineCount,
				Language:  chunker.Language(gf.FilePath),
				ChunkType: "code",
				Content:   gf.Content,
			})
		}
		return chunks
	}

	var query string
	switch {
	case req.TargetFunction != "":
		query = fmt.Sprintf("function %s implementation", req.TargetFunction)
	case req.TargetFile != "":
		query = fmt.Sprintf("code in %s", req.TargetFile)
	case req.CustomRequest != "":
		query = req.CustomRequest
	default:
		query = "main functionality and core functions"
	}

	chunks, err := t.retriever.Retrieve(ctx, req.RepoID, query, 10)
	if err != nil {
		t.logger.Warn().Err(err).Msg("test generation retrieval failed")
	}
	return chunks
}

func buildTestGenUserMessage(req TestGenRequest, chunks, styleChunks []chunker.Chunk) string {
	var sb strings.Builder

	writeSection := func(title string, cs []chunker.Chunk) {
		fmt.Fprintf(&sb, "### %s\n", title)
		if len(cs) == 0 {
			sb.WriteString("No relevant code found.\n")
			return
		}
		for i, ch := range cs {
			fmt.Fprintf(&sb, "\n[%d] File: %s (Lines %s)\n```\n%s\n```\n",
				i+1, ch.FilePath, ch.LineRange(), ch.Content)
		}
	}

	writeSection("Source Code", chunks)
	sb.WriteString("\n")
	writeSection("Existing Tests (for style reference)", styleChunks)

	sb.WriteString("\nTask: Generate comprehensive PyTest test cases for the code above.\n")
	if req.TargetFile != "" {
		fmt.Fprintf(&sb, "\nFocus on: %s", req.TargetFile)
	}
	if req.TargetFunction != "" {
		fmt.Fprintf(&sb, "\nSpecifically test the function: %s", req.TargetFunction)
	}
	if req.CustomRequest != "" {
		fmt.Fprintf(&sb, "\nAdditional requirements: %s", req.CustomRequest)
	}
	return sb.String()
}

func (t *TestGenerator) callModel(ctx context.Context, userMessage string) (tests, fileName, explanation string, coverage []string) {
	response, err := t.chat.Complete(ctx, []llm.Message{
		{Role: "system", Content: testGenSystemPrompt},
		{Role: "user", Content: userMessage},
	}, llm.Options{JSONMode: true})
	if err != nil {
		t.logger.Warn().Err(err).Msg("test generation failed")
		return "", "", "", nil
	}

	parsed := llmjson.Parse(response)
	if parsed.Kind == llmjson.Unparsed {
		// Raw output that already looks like test code is usable as-is.
		stripped := llmjson.StripFences(response)
		if strings.Contains(stripped, "def test_") {
			return stripped, "", "Generated test code", nil
		}
		return "", "", "", nil
	}

	tests = llmjson.StripFences(llmjson.Str(parsed.Data, "tests", ""))

	// Models occasionally nest the whole JSON object inside "tests".
	if strings.HasPrefix(strings.TrimSpace(tests), "{") {
		if inner := llmjson.Parse(tests); inner.Kind != llmjson.Unparsed {
			if innerTests := llmjson.Str(inner.Data, "tests", ""); innerTests != "" {
				tests = llmjson.StripFences(innerTests)
			}
		}
	}

	fileName = llmjson.Str(parsed.Data, "test_file_name", "")
	explanation = llmjson.Str(parsed.Data, "explanation", "")
	coverage = llmjson.Strings(parsed.Data, "coverage_notes")
	return tests, fileName, explanation, coverage
}

// validTestCode accepts only runnable-looking test sources.
func validTestCode(tests string) bool {
	trimmed := strings.TrimSpace(tests)
	if len(trimmed) < 30 || isPlaceholderText(trimmed) {
		return false
	}
	if !strings.Contains(trimmed, "def test_") {
		return false
	}
	return strings.Contains(trimmed, "assert") || strings.Contains(trimmed, "pytest.raises")
}

func defaultTestFileName(req TestGenRequest) string {
	target := req.TargetFile
	if target == "" && len(req.GeneratedCode) > 0 {
		target = req.GeneratedCode[0].FilePath
	}
	if target == "" {
		return "test_generated.py"
	}

	stem := strings.TrimSuffix(path.Base(target), path.Ext(target))
	return "test_" + stem + ".py"
}

var functionNameRes = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\s*def\s+([A-Za-z]\w*)\s*\(`),
	regexp.MustCompile(`(?m)^\s*function\s+([A-Za-z]\w*)\s*\(`),
	regexp.MustCompile(`(?m)^\s*func\s+([A-Za-z]\w*)\s*\(`),
}

// extractFunctionNames pulls public function names from chunk content,
// capped at 10.
func extractFunctionNames(chunks []chunker.Chunk) []string {
	seen := make(map[string]bool)
	var names []string

	for _, ch := range chunks {
		for _, re := range functionNameRes {
			for _, m := range re.FindAllStringSubmatch(ch.Content, -1) {
				name := m[1]
				if strings.HasPrefix(name, "_") || strings.HasPrefix(name, "test") || seen[name] {
					continue
				}
				seen[name] = true
				names = append(names, name)
				if len(names) >= 10 {
					return names
				}
			}
		}
	}
	return names
}

// synthesizeTestTemplate builds a deterministic smoke suite when the model
// fails to produce valid tests.
func synthesizeTestTemplate(chunks []chunker.Chunk) (string, string) {
	lang := dominantLanguage(chunks)
	names := extractFunctionNames(chunks)

	switch lang {
	case "python":
		return pythonTestTemplate(chunks, names), "Synthesized Python smoke tests (import and callable checks)."
	case "cpp", "c":
		return cppTestTemplate(chunks), "Synthesized C/C++ compile-and-run tests."
	default:
		return genericTestTemplate(chunks), "Synthesized generic file-presence tests."
	}
}

func dominantLanguage(chunks []chunker.Chunk) string {
	counts := make(map[string]int)
	for _, ch := range chunks {
		ext := strings.ToLower(path.Ext(ch.FilePath))
		switch {
		case ext == ".py":
			counts["python"]++
		case cppExtensions[ext] || ext == ".c":
			counts["cpp"]++
		default:
			counts["other"]++
		}
	}

	best, bestCount := "other", 0
	for lang, n := range counts {
		if n > bestCount {
			best, bestCount = lang, n
		}
	}
	return best
}

func pythonTestTemplate(chunks []chunker.Chunk, names []string) string {
	module := "module"
	if len(chunks) > 0 {
		module = strings.TrimSuffix(path.Base(chunks[0].FilePath), path.Ext(chunks[0].FilePath))
	}

	var sb strings.Builder
	sb.WriteString("import importlib\nimport sys\nfrom pathlib import Path\n\n")
	sb.WriteString("sys.path.insert(0, str(Path(__file__).parent))\n\n\n")

	fmt.Fprintf(&sb, "def test_%s_imports():\n", module)
	fmt.Fprintf(&sb, "    \"\"\"The module must be importable without side effects.\"\"\"\n")
	fmt.Fprintf(&sb, "    mod = importlib.import_module(%q)\n", module)
	sb.WriteString("    assert mod is not None\n\n\n")

	for _, name := range names {
		fmt.Fprintf(&sb, "def test_%s_exists():\n", name)
		fmt.Fprintf(&sb, "    \"\"\"%s must be defined and callable.\"\"\"\n", name)
		fmt.Fprintf(&sb, "    mod = importlib.import_module(%q)\n", module)
		fmt.Fprintf(&sb, "    assert hasattr(mod, %q)\n", name)
		fmt.Fprintf(&sb, "    assert callable(getattr(mod, %q))\n\n\n", name)
	}

	fmt.Fprintf(&sb, "def test_%s_has_public_members():\n", module)
	sb.WriteString("    \"\"\"The module must export at least one public member.\"\"\"\n")
	fmt.Fprintf(&sb, "    mod = importlib.import_module(%q)\n", module)
	sb.WriteString("    public = [n for n in dir(mod) if not n.startswith(\"_\")]\n")
	sb.WriteString("    assert public\n")

	return sb.String()
}

func cppTestTemplate(chunks []chunker.Chunk) string {
	source := "main.cpp"
	if len(chunks) > 0 {
		source = path.Base(chunks[0].FilePath)
	}

	var sb strings.Builder
	sb.WriteString("import shutil\nimport subprocess\nimport sys\nfrom pathlib import Path\n\n")
	fmt.Fprintf(&sb, "SOURCE = %q\n\n\n", source)
	sb.WriteString(`def _find_source():
    here = Path(__file__).parent
    for candidate in [here / SOURCE, *here.rglob(SOURCE)]:
        if candidate.exists():
            return candidate
    return None


def _find_compiler():
    for name in ("g++", "clang++", "cl"):
        if shutil.which(name):
            return name
    return None


def test_source_exists():
    """The generated source file must be present."""
    assert _find_source() is not None


def test_compiles():
    """The source must compile cleanly with a C++17 compiler."""
    src = _find_source()
    assert src is not None
    compiler = _find_compiler()
    assert compiler is not None, "no C++ compiler found"
    binary = src.parent / "a.out"
    result = subprocess.run(
        [compiler, "-std=c++17", str(src), "-o", str(binary)],
        capture_output=True, text=True, timeout=60,
    )
    assert result.returncode == 0, result.stderr


def test_runs_without_crash():
    """The compiled binary must run and produce output."""
    src = _find_source()
    assert src is not None
    binary = src.parent / "a.out"
    if not binary.exists():
        compiler = _find_compiler()
        assert compiler is not None
        subprocess.run([compiler, "-std=c++17", str(src), "-o", str(binary)], timeout=60)
    result = subprocess.run([str(binary)], capture_output=True, text=True, timeout=30)
    assert result.returncode == 0
    assert result.stdout.strip() != ""
`)
	return sb.String()
}

func genericTestTemplate(chunks []chunker.Chunk) string {
	var sb strings.Builder
	sb.WriteString("from pathlib import Path\n\n\n")

	if len(chunks) == 0 {
		sb.WriteString("def test_placeholder_repository_state():\n")
		sb.WriteString("    \"\"\"No source chunks were available to test against.\"\"\"\n")
		sb.WriteString("    assert True\n")
		return sb.String()
	}

	limit := len(chunks)
	if limit > 5 {
		limit = 5
	}
	for i := 0; i < limit; i++ {
		name := strings.Map(func(r rune) rune {
			if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
				return r
			}
			return '_'
		}, strings.ToLower(path.Base(chunks[i].FilePath)))
		fmt.Fprintf(&sb, "def test_file_%d_%s_exists():\n", i+1, name)
		fmt.Fprintf(&sb, "    \"\"\"%s must exist in the repository.\"\"\"\n", chunks[i].FilePath)
		fmt.Fprintf(&sb, "    matches = list(Path('.').rglob(%q))\n", path.Base(chunks[i].FilePath))
		sb.WriteString("    assert matches\n\n\n")
	}
	return strings.TrimRight(sb.String(), "\n") + "\n"
}

func sourceFileList(chunks []chunker.Chunk) []string {
	limit := len(chunks)
	if limit > 5 {
		limit = 5
	}
	out := make([]string, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, chunks[i].FilePath)
	}
	return out
}
