package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/repopilot-ai/repopilot/internal/agents"
	"github.com/repopilot-ai/repopilot/internal/llm"
	"github.com/repopilot-ai/repopilot/internal/llmjson"
	"github.com/repopilot-ai/repopilot/internal/observability"
)

const (
	maxRefineIterations = 4
	pytestTimeout       = 30 * time.Second

	refineFailuresChars = 2000
	refineCodeChars     = 3000
	refineTestsChars    = 2000

	snippetChars    = 500
	testOutputChars = 1000
)

const refineSystemPrompt = "You are a debugging expert. " +
	"Fix the failing code or tests. Return valid JSON only."

const refineUserPrompt = `You are a code refinement agent.
The previous code generation produced code that FAILED its tests.

TEST FAILURES:
%s

ORIGINAL CODE:
%s

ORIGINAL TESTS:
%s

Analyze the failures and fix EITHER the code OR the tests (decide which is wrong).
Return JSON:
{
  "fix_target": "code" or "tests",
  "reasoning": "Why this fix",
  "fixed_code": "the corrected code if fix_target is code, otherwise empty string",
  "fixed_tests": "the corrected tests if fix_target is tests, otherwise empty string"
}`

var failureKeywords = []string{
	"FAILED", "ERROR", "AssertionError",
	"ModuleNotFoundError", "ImportError", "SyntaxError",
}

// Iteration is the snapshot of one generate-test-refine cycle.
type Iteration struct {
	Iteration        int      `json:"iteration"`
	CodeSnippet      string   `json:"code_snippet"`
	TestsSnippet     string   `json:"tests_snippet"`
	TestOutput       string   `json:"test_output"`
	TestsPassed      bool     `json:"tests_passed"`
	Failures         []string `json:"failures"`
	RefinementAction string   `json:"refinement_action,omitempty"`
}

// RefinementResult is the final output of the refinement loop.
type RefinementResult struct {
	Success         bool        `json:"success"`
	TotalIterations int         `json:"total_iterations"`
	FinalCode       string      `json:"final_code"`
	FinalTests      string      `json:"final_tests"`
	IterationLog    []Iteration `json:"iteration_log"`
	FinalTestOutput string      `json:"final_test_output"`
}

// Refiner drives the iterative generate, test, run, fix cycle. Generated code
// and tests execute under pytest in a throwaway temp directory.
type Refiner struct {
	generator *agents.Generator
	testgen   *agents.TestGenerator
	chat      *llm.Service
	logger    *observability.Logger
}

// NewRefiner creates a Refiner.
func NewRefiner(generator *agents.Generator, testgen *agents.TestGenerator, chat *llm.Service, logger *observability.Logger) *Refiner {
	return &Refiner{generator: generator, testgen: testgen, chat: chat, logger: logger}
}

// Refine runs up to maxRefineIterations generate-test-fix cycles.
func (r *Refiner) Refine(ctx context.Context, repoID, request, chatHistory string) RefinementResult {
	var (
		log          []Iteration
		currentCode  string
		currentTests string
	)

	for i := 1; i <= maxRefineIterations; i++ {
		r.logger.Info().Int("iteration", i).Str("repo_id", repoID).Msg("refinement iteration")

		if i == 1 {
			gen := r.generator.Generate(ctx, repoID, request, chatHistory)
			currentCode = extractCode(gen)
			if currentCode == "" {
				return RefinementResult{
					FinalTestOutput: "Code generation produced no output",
				}
			}
		}

		if i == 1 || currentTests == "" {
			tr := r.testgen.GenerateTests(ctx, agents.TestGenRequest{
				RepoID: repoID,
				CustomRequest: fmt.Sprintf(
					"Generate pytest tests for this code:\n```python\n%s\n```",
					truncateTo(currentCode, refineTestsChars)),
			})
			currentTests = tr.Tests
		}

		output, passed, failures := r.runPytest(ctx, currentCode, currentTests)

		iteration := Iteration{
			Iteration:    i,
			CodeSnippet:  snippet(currentCode),
			TestsSnippet: snippet(currentTests),
			TestOutput:   truncateTo(output, testOutputChars),
			TestsPassed:  passed,
			Failures:     failures,
		}

		if passed {
			iteration.RefinementAction = "Tests passed, no refinement needed"
			log = append(log, iteration)
			break
		}

		fixTarget, reasoning, fixedCode, fixedTests := r.refineViaLLM(ctx, currentCode, currentTests, output)
		if fixTarget == "code" {
			if fixedCode != "" {
				currentCode = fixedCode
			}
			iteration.RefinementAction = "Fixed CODE: " + reasoning
		} else {
			if fixedTests != "" {
				currentTests = fixedTests
			}
			iteration.RefinementAction = "Fixed TESTS: " + reasoning
		}
		log = append(log, iteration)
	}

	result := RefinementResult{
		TotalIterations: len(log),
		FinalCode:       currentCode,
		FinalTests:      currentTests,
		IterationLog:    log,
	}
	if len(log) > 0 {
		last := log[len(log)-1]
		result.Success = last.TestsPassed
		result.FinalTestOutput = last.TestOutput
	}
	return result
}

// extractCode concatenates the generated diffs into a single runnable blob,
// falling back to the plan text when no diff carries code.
func extractCode(gen agents.GenerationResult) string {
	var parts []string
	for _, d := range gen.Diffs {
		body := d.Code
		if body == "" {
			body = d.Diff
		}
		if body != "" {
			parts = append(parts, fmt.Sprintf("# File: %s\n%s", d.FilePath, body))
		}
	}
	if len(parts) == 0 {
		return gen.Plan
	}
	return strings.Join(parts, "\n\n")
}

// runPytest writes the code and tests into a temp directory and runs pytest
// with a hard timeout. Returns (merged output, passed, failure lines).
func (r *Refiner) runPytest(ctx context.Context, code, tests string) (string, bool, []string) {
	tmpdir, err := os.MkdirTemp("", "repopilot_test_")
	if err != nil {
		return "Failed to create temp directory: " + err.Error(), false, []string{err.Error()}
	}
	defer r.cleanupTempDir(tmpdir)

	codeFile := filepath.Join(tmpdir, "solution.py")
	testFile := filepath.Join(tmpdir, "test_solution.py")

	if err := os.WriteFile(codeFile, []byte(code), 0o644); err != nil {
		return "Failed to write solution: " + err.Error(), false, []string{err.Error()}
	}

	// Prepend sys.path so tests can import solution.
	testWithImport := "import sys, os\nsys.path.insert(0, os.path.dirname(__file__))\n" + tests
	if err := os.WriteFile(testFile, []byte(testWithImport), 0o644); err != nil {
		return "Failed to write tests: " + err.Error(), false, []string{err.Error()}
	}

	runCtx, cancel := context.WithTimeout(ctx, pytestTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "python", "-m", "pytest", testFile,
		"-v", "--tb=short", "--no-header")
	cmd.Dir = tmpdir
	out, err := cmd.CombinedOutput()
	output := string(out)

	if runCtx.Err() == context.DeadlineExceeded {
		return "Test execution timed out (30s limit)", false, []string{"Timeout"}
	}
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return "pytest not found, install with: pip install pytest", false, []string{"pytest not installed"}
		}
	}

	return output, err == nil, extractFailures(output)
}

func extractFailures(output string) []string {
	var failures []string
	for _, line := range strings.Split(output, "\n") {
		stripped := strings.TrimSpace(line)
		for _, kw := range failureKeywords {
			if strings.Contains(stripped, kw) {
				failures = append(failures, stripped)
				break
			}
		}
	}
	return failures
}

// cleanupTempDir retries removal to tolerate lingering file locks; the final
// attempt ignores errors.
func (r *Refiner) cleanupTempDir(dir string) {
	for attempt := 0; attempt < 3; attempt++ {
		if err := os.RemoveAll(dir); err == nil {
			return
		}
		if attempt < 2 {
			time.Sleep(500 * time.Millisecond)
		}
	}
	_ = os.RemoveAll(dir)
}

// refineViaLLM asks the model whether the code or the tests are wrong and
// returns the chosen fix. Failure defaults to keeping the current tests.
func (r *Refiner) refineViaLLM(ctx context.Context, code, tests, failureOutput string) (target, reasoning, fixedCode, fixedTests string) {
	prompt := fmt.Sprintf(refineUserPrompt,
		truncateTo(failureOutput, refineFailuresChars),
		truncateTo(code, refineCodeChars),
		truncateTo(tests, refineTestsChars))

	response, err := r.chat.Complete(ctx, []llm.Message{
		{Role: "system", Content: refineSystemPrompt},
		{Role: "user", Content: prompt},
	}, llm.Options{JSONMode: true})
	if err != nil {
		r.logger.Error().Err(err).Msg("refinement llm call failed")
		return "tests", "LLM refinement failed: " + err.Error(), "", tests
	}

	parsed := llmjson.Parse(response)
	if parsed.Kind == llmjson.Unparsed {
		r.logger.Warn().Msg("refinement response unparseable")
		return "tests", "LLM refinement returned invalid JSON", "", tests
	}

	target = llmjson.Str(parsed.Data, "fix_target", "tests")
	reasoning = llmjson.Str(parsed.Data, "reasoning", "N/A")
	fixedCode = llmjson.Str(parsed.Data, "fixed_code", "")
	fixedTests = llmjson.Str(parsed.Data, "fixed_tests", "")
	return target, reasoning, fixedCode, fixedTests
}

func snippet(s string) string {
	if len(s) > snippetChars {
		return s[:snippetChars] + "..."
	}
	return s
}

func truncateTo(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
