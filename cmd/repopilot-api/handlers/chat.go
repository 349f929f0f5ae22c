package handlers

import (
	"net/http"
	"strings"

	"github.com/repopilot-ai/repopilot/internal/agents"
	"github.com/repopilot-ai/repopilot/internal/config"
	"github.com/repopilot-ai/repopilot/internal/observability"
	"github.com/repopilot-ai/repopilot/internal/orchestrator"
	"github.com/repopilot-ai/repopilot/internal/planner"
	"github.com/repopilot-ai/repopilot/internal/retrieval"
)

// ChatHandler handles question answering, code generation, and the
// orchestrated smart endpoint.
type ChatHandler struct {
	logger    *observability.Logger
	cfg       *config.Config
	planner   *planner.Planner
	retriever *retrieval.Retriever
	answerer  *agents.Answerer
	generator *agents.Generator
	testgen   *agents.TestGenerator
	evaluator *agents.Evaluator
	impact    *agents.ImpactAnalyzer
	orch      *orchestrator.Orchestrator
	refiner   *orchestrator.Refiner
}

// NewChatHandler creates a ChatHandler.
func NewChatHandler(
	logger *observability.Logger,
	cfg *config.Config,
	pl *planner.Planner,
	retriever *retrieval.Retriever,
	answerer *agents.Answerer,
	generator *agents.Generator,
	testgen *agents.TestGenerator,
	evaluator *agents.Evaluator,
	impact *agents.ImpactAnalyzer,
	orch *orchestrator.Orchestrator,
	refiner *orchestrator.Refiner,
) *ChatHandler {
	return &ChatHandler{
		logger:    logger,
		cfg:       cfg,
		planner:   pl,
		retriever: retriever,
		answerer:  answerer,
		generator: generator,
		testgen:   testgen,
		evaluator: evaluator,
		impact:    impact,
		orch:      orch,
		refiner:   refiner,
	}
}

type askRequest struct {
	RepoID      string `json:"repo_id"`
	Question    string `json:"question"`
	Decompose   bool   `json:"decompose,omitempty"`
	ChatHistory string `json:"chat_history,omitempty"`
}

// Ask responds to POST /chat/ask.
func (h *ChatHandler) Ask(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RepoID == "" || req.Question == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "repo_id and question are required"})
		return
	}

	queries := []string{req.Question}
	var subs []string
	if req.Decompose || planner.ShouldDecompose(req.Question) {
		subs = h.planner.Decompose(r.Context(), req.Question)
		if len(subs) > 0 {
			queries = subs
		}
	}

	chunks, err := h.retriever.RetrieveMulti(r.Context(), req.RepoID, queries, h.cfg.Retrieval.DefaultK)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	answer := h.answerer.Answer(r.Context(), req.Question, chunks, req.ChatHistory)
	writeJSON(w, http.StatusOK, map[string]any{
		"answer":        answer.Answer,
		"citations":     answer.Citations,
		"confidence":    answer.Confidence,
		"assumptions":   answer.Assumptions,
		"sub_questions": subs,
	})
}

// Stream responds to POST /chat/stream with Server-Sent Events. Literal
// newlines inside fragments are escaped so each event stays on one line.
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RepoID == "" || req.Question == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "repo_id and question are required"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}

	chunks, err := h.retriever.Retrieve(r.Context(), req.RepoID, req.Question, h.cfg.Retrieval.DefaultK)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for chunk := range h.answerer.AnswerStream(r.Context(), req.Question, chunks, req.ChatHistory) {
		if chunk.Err != nil {
			writeSSE(w, "[ERROR] "+chunk.Err.Error())
			flusher.Flush()
			return
		}
		if chunk.Text != "" {
			writeSSE(w, chunk.Text)
			flusher.Flush()
		}
	}
	writeSSE(w, "[DONE]")
	flusher.Flush()
}

func writeSSE(w http.ResponseWriter, text string) {
	escaped := strings.ReplaceAll(text, "\n", "\\n")
	_, _ = w.Write([]byte("data: " + escaped + "\n\n"))
}

type generateRequest struct {
	RepoID      string `json:"repo_id"`
	Request     string `json:"request"`
	ChatHistory string `json:"chat_history,omitempty"`
}

// Generate responds to POST /chat/generate.
func (h *ChatHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RepoID == "" || req.Request == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "repo_id and request are required"})
		return
	}

	result := h.generator.Generate(r.Context(), req.RepoID, req.Request, req.ChatHistory)
	writeJSON(w, http.StatusOK, result)
}

// PyTest responds to POST /chat/pytest.
func (h *ChatHandler) PyTest(w http.ResponseWriter, r *http.Request) {
	var req agents.TestGenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RepoID == "" && len(req.GeneratedCode) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "repo_id or generated_code is required"})
		return
	}

	result := h.testgen.GenerateTests(r.Context(), req)
	writeJSON(w, http.StatusOK, result)
}

type impactRequest struct {
	RepoID       string   `json:"repo_id"`
	CodeChanges  string   `json:"code_changes"`
	ChangedFiles []string `json:"changed_files"`
}

// Impact responds to POST /chat/impact.
func (h *ChatHandler) Impact(w http.ResponseWriter, r *http.Request) {
	var req impactRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RepoID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "repo_id is required"})
		return
	}

	report := h.impact.Analyze(r.Context(), req.RepoID, req.CodeChanges, req.ChangedFiles)
	writeJSON(w, http.StatusOK, report)
}

type evaluateRequest struct {
	Request string            `json:"request"`
	Diffs   []agents.FileDiff `json:"diffs"`
	Tests   string            `json:"tests,omitempty"`
	Context string            `json:"context,omitempty"`
}

// Evaluate responds to POST /chat/evaluate.
func (h *ChatHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result := h.evaluator.Evaluate(r.Context(), agents.EvaluationRequest{
		RequestText:    req.Request,
		GeneratedDiffs: req.Diffs,
		TestsText:      req.Tests,
		Context:        req.Context,
	})
	writeJSON(w, http.StatusOK, result)
}

// Smart responds to POST /chat/smart.
func (h *ChatHandler) Smart(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SmartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RepoID == "" || req.Question == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "repo_id and question are required"})
		return
	}

	writeJSON(w, http.StatusOK, h.orch.Smart(r.Context(), req))
}

type refineRequest struct {
	RepoID      string `json:"repo_id"`
	Request     string `json:"request"`
	ChatHistory string `json:"chat_history,omitempty"`
}

// Refine responds to POST /chat/refine.
func (h *ChatHandler) Refine(w http.ResponseWriter, r *http.Request) {
	var req refineRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RepoID == "" || req.Request == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "repo_id and request are required"})
		return
	}

	writeJSON(w, http.StatusOK, h.refiner.Refine(r.Context(), req.RepoID, req.Request, req.ChatHistory))
}
