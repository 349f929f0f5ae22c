package agents

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/repopilot-ai/repopilot/internal/chunker"
	"github.com/repopilot-ai/repopilot/internal/llm"
	"github.com/repopilot-ai/repopilot/internal/llmjson"
	"github.com/repopilot-ai/repopilot/internal/observability"
	"github.com/repopilot-ai/repopilot/internal/retrieval"
)

const (
	generatorMaxTokens   = 4096
	generatorChunkChars  = 1000
	simpleRequestChunks  = 3
	complexRequestChunks = 4
)

const generatorSystemPrompt = `You are RepoPilot, a senior software engineer.
Your task is to modify the codebase based on the user's request.

You will be provided with:
1. The User Request
2. Relevant Code Context (chunks from the repository)

You must output a JSON response with the following structure:
{
    "plan": "Detailed step-by-step implementation plan (markdown)",
    "patterns_followed": "Existing repo conventions the changes follow",
    "changes": [
        {
            "file_path": "path/to/file.ext",
            "where_to_paste": "where in the file the code belongs",
            "code": "Full new or replacement code for this file",
            "diff": "Unified diff or search/replace block showing the changes"
        }
    ],
    "test_file_content": "Full content of a test file verifying these changes"
}

Rules:
- Base your changes ONLY on the provided context.
- For a new file, put the full content in 'code'.
- Keep changes minimal and focused.
- Match the existing code style (indentation, naming).
- If you lack sufficient context to make the change safely, state that in the plan.`

// FileDiff is one proposed change to one file.
type FileDiff struct {
	FilePath     string `json:"file_path"`
	WhereToPaste string `json:"where_to_paste,omitempty"`
	Code         string `json:"code"`
	Diff         string `json:"diff"`
}

// GenerationResult is the full output of a generation request.
type GenerationResult struct {
	Plan              string     `json:"plan"`
	PatternsFollowed  string     `json:"patterns_followed,omitempty"`
	Diffs             []FileDiff `json:"diffs"`
	Tests             string     `json:"tests"`
	Citations         []string   `json:"citations"`
	PasteInstructions []string   `json:"paste_instructions,omitempty"`
}

// complexityMarkers flag requests that deserve a wider retrieval net.
var complexityMarkers = []string{
	"architecture", "flow", "end-to-end", "across", "interaction",
	"dependency", "dependencies", "compare", "tradeoff", "refactor",
	"security", "performance", "multi", "overview", "entire",
	"whole system", "full pipeline", "multiple files", "migration", "integration",
}

// knownAlgorithms is matched longest-first against generation requests so
// "binary search tree" wins over "binary search".
var knownAlgorithms = []string{
	"binary search tree", "breadth first search", "depth first search",
	"longest common subsequence", "sieve of eratosthenes", "doubly linked list",
	"topological sort", "dynamic programming", "dijkstra", "merge sort",
	"quick sort", "bubble sort", "insertion sort", "selection sort",
	"heap sort", "radix sort", "counting sort", "binary search",
	"linked list", "hash table", "hash map", "priority queue",
	"union find", "red black tree", "avl tree", "knapsack",
	"two sum", "fibonacci", "trie",
}

// languageExtensions maps language mentions to file extensions. Ordered so
// longer names match before their substrings.
var languageExtensions = []struct {
	name string
	ext  string
}{
	{"typescript", ".ts"},
	{"javascript", ".js"},
	{"python", ".py"},
	{"golang", ".go"},
	{"kotlin", ".kt"},
	{"swift", ".swift"},
	{"rust", ".rs"},
	{"ruby", ".rb"},
	{"java", ".java"},
	{"c++", ".cpp"},
	{"cpp", ".cpp"},
	{"c#", ".cs"},
	{"csharp", ".cs"},
	{"php", ".php"},
	{"in go", ".go"},
	{"in c", ".c"},
}

var cppExtensions = map[string]bool{
	".cpp": true, ".cc": true, ".cxx": true, ".c++": true, ".hpp": true, ".h": true,
}

// Generator proposes code changes grounded in retrieved context.
type Generator struct {
	chat      *llm.Service
	retriever *retrieval.Retriever
	logger    *observability.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(chat *llm.Service, retriever *retrieval.Retriever, logger *observability.Logger) *Generator {
	return &Generator{chat: chat, retriever: retriever, logger: logger}
}

// Generate retrieves context and asks the model for a change plan plus
// diffs. No error escapes; failures come back as an empty result with the
// error text in Plan.
func (g *Generator) Generate(ctx context.Context, repoID, request, chatHistory string) GenerationResult {
	k := simpleRequestChunks
	if isComplexRequest(request) {
		k = complexRequestChunks
	}

	chunks, err := g.retriever.Retrieve(ctx, repoID, request, k)
	if err != nil {
		g.logger.Warn().Err(err).Str("repo_id", repoID).Msg("generation retrieval failed")
	}
	if len(chunks) == 0 {
		return GenerationResult{
			Plan: "I could not find any relevant code to modify. Please try a more specific request or ensure the repo is indexed.",
		}
	}

	algorithm := detectAlgorithm(request)
	targetExt := detectLanguageExt(request)

	userMsg := buildGeneratorUserMessage(request, chunks, chatHistory, algorithm, targetExt)

	response, err := g.chat.Complete(ctx, []llm.Message{
		{Role: "system", Content: generatorSystemPrompt},
		{Role: "user", Content: userMsg},
	}, llm.Options{JSONMode: true, MaxTokens: generatorMaxTokens})
	if err != nil {
		g.logger.Warn().Err(err).Msg("generation failed")
		return GenerationResult{Plan: fmt.Sprintf("Error analyzing code: %v", err)}
	}

	parsed := llmjson.Parse(response)

	var plan, patterns, tests string
	var rawChanges []map[string]any

	if parsed.Kind == llmjson.Unparsed {
		if extracted, ok := llmjson.ExtractStringField(response, "plan"); ok {
			plan = extracted
		} else {
			plan = "Error parsing plan"
		}
	} else {
		plan = llmjson.Str(parsed.Data, "plan", "No plan provided")
		patterns = llmjson.Str(parsed.Data, "patterns_followed", "")
		tests = llmjson.Str(parsed.Data, "test_file_content", "")
		rawChanges = llmjson.Objects(parsed.Data, "changes")
	}

	diffs := make([]FileDiff, 0, len(rawChanges))
	for _, rc := range rawChanges {
		d := FileDiff{
			FilePath:     llmjson.Str(rc, "file_path", "unknown"),
			WhereToPaste: llmjson.Str(rc, "where_to_paste", ""),
			Code:         llmjson.StripFences(llmjson.Str(rc, "code", "")),
			Diff:         llmjson.StripFences(llmjson.Str(rc, "diff", "")),
		}
		if d.Code == "" && d.Diff != "" {
			d.Code = d.Diff
		}
		d.FilePath = fixFilePath(d.FilePath, algorithm, targetExt)
		d.Code = fixCppNamespace(d.FilePath, d.Code)
		diffs = append(diffs, d)
	}

	if !validGeneratedTests(tests) {
		tests = ""
	}

	citations := uniqueFilePaths(chunks)

	instructions := make([]string, 0, len(diffs))
	for _, d := range diffs {
		where := d.WhereToPaste
		if where == "" {
			where = "replace the file content or apply the diff"
		}
		instructions = append(instructions, fmt.Sprintf("%s: %s", d.FilePath, where))
	}

	g.logger.Info().Str("repo_id", repoID).Int("diffs", len(diffs)).
		Str("algorithm", algorithm).Msg("generated code")

	return GenerationResult{
		Plan:              plan,
		PatternsFollowed:  patterns,
		Diffs:             diffs,
		Tests:             tests,
		Citations:         citations,
		PasteInstructions: instructions,
	}
}

func buildGeneratorUserMessage(request string, chunks []chunker.Chunk, chatHistory, algorithm, targetExt string) string {
	var sb strings.Builder

	sb.WriteString("Context:\n")
	for _, ch := range chunks {
		content := ch.Content
		if len(content) > generatorChunkChars {
			content = content[:generatorChunkChars] + "... [truncated]"
		}
		fmt.Fprintf(&sb, "File: %s\nLines: %d-%d\n```\n%s\n```\n---\n",
			ch.FilePath, ch.StartLine, ch.EndLine, content)
	}

	if chatHistory != "" {
		sb.WriteString("\nConversation so far:\n")
		sb.WriteString(chatHistory)
		sb.WriteString("\n")
	}

	sb.WriteString("\nUser Request: ")
	sb.WriteString(request)

	if algorithm != "" {
		fileName := algorithmSlug(algorithm) + targetExt
		fmt.Fprintf(&sb, "\n\nCRITICAL INSTRUCTION: The user asked for %q. "+
			"Implement exactly that algorithm. Treat the retrieved context as style reference only; "+
			"do not copy unrelated logic from it. Name the file %q.", algorithm, fileName)
	}

	return sb.String()
}

func isComplexRequest(request string) bool {
	lower := strings.ToLower(request)
	for _, marker := range complexityMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// detectAlgorithm returns the longest known algorithm mentioned in the
// request, or "".
func detectAlgorithm(request string) string {
	lower := strings.ToLower(request)

	sorted := make([]string, len(knownAlgorithms))
	copy(sorted, knownAlgorithms)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	for _, algo := range sorted {
		if strings.Contains(lower, algo) {
			return algo
		}
	}
	return ""
}

func algorithmSlug(algorithm string) string {
	return strings.ReplaceAll(algorithm, " ", "_")
}

// detectLanguageExt maps a language mention in the request to a file
// extension, defaulting to Python.
func detectLanguageExt(request string) string {
	lower := strings.ToLower(request)
	for _, entry := range languageExtensions {
		if strings.Contains(lower, entry.name) {
			return entry.ext
		}
	}
	return ".py"
}

// fixFilePath corrects model-invented paths when an algorithm was
// requested: the file must be named after the algorithm.
func fixFilePath(filePath, algorithm, targetExt string) string {
	if algorithm == "" {
		return filePath
	}
	slug := algorithmSlug(algorithm)
	if strings.Contains(strings.ToLower(filePath), slug) {
		return filePath
	}
	return slug + targetExt
}

// fixCppNamespace inserts `using namespace std;` after the last include in
// C/C++ files that lack it; generated snippets habitually use bare cout.
func fixCppNamespace(filePath, code string) string {
	if !cppExtensions[strings.ToLower(path.Ext(filePath))] {
		return code
	}
	if !strings.Contains(code, "#include") || strings.Contains(code, "using namespace std") {
		return code
	}

	lines := strings.Split(code, "\n")
	lastInclude := -1
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#include") {
			lastInclude = i
		}
	}
	if lastInclude < 0 {
		return code
	}

	out := make([]string, 0, len(lines)+2)
	out = append(out, lines[:lastInclude+1]...)
	out = append(out, "", "using namespace std;")
	out = append(out, lines[lastInclude+1:]...)
	return strings.Join(out, "\n")
}

// validGeneratedTests rejects placeholder or non-code test content.
func validGeneratedTests(tests string) bool {
	trimmed := strings.TrimSpace(tests)
	if trimmed == "" || isPlaceholderText(trimmed) {
		return false
	}
	if len(trimmed) < 30 {
		return false
	}
	for _, marker := range []string{"def ", "import ", "class ", "assert "} {
		if strings.Contains(trimmed, marker) {
			return true
		}
	}
	return false
}

func uniqueFilePaths(chunks []chunker.Chunk) []string {
	seen := make(map[string]bool)
	var out []string
	for _, ch := range chunks {
		if !seen[ch.FilePath] {
			seen[ch.FilePath] = true
			out = append(out, ch.FilePath)
		}
	}
	return out
}
