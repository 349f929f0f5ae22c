package handlers

import (
	"context"
	"net/http"

	"github.com/repopilot-ai/repopilot/internal/index"
	"github.com/repopilot-ai/repopilot/internal/observability"
	"github.com/repopilot-ai/repopilot/internal/repo"
)

// CacheInvalidator clears cached responses for a repository after re-index.
type CacheInvalidator interface {
	InvalidateRepo(ctx context.Context, repoID string)
}

// RepoHandler handles repository lifecycle requests.
type RepoHandler struct {
	logger  *observability.Logger
	repos   *repo.Manager
	indexer *index.Indexer
	caches  CacheInvalidator
}

// NewRepoHandler creates a RepoHandler.
func NewRepoHandler(logger *observability.Logger, repos *repo.Manager, indexer *index.Indexer, caches CacheInvalidator) *RepoHandler {
	return &RepoHandler{logger: logger, repos: repos, indexer: indexer, caches: caches}
}

type loadRequest struct {
	RepoURL string `json:"repo_url"`
	Branch  string `json:"branch,omitempty"`
}

type loadResponse struct {
	Success    bool       `json:"success"`
	RepoID     string     `json:"repo_id"`
	RepoName   string     `json:"repo_name"`
	CommitHash string     `json:"commit_hash"`
	Stats      repo.Stats `json:"stats"`
	Message    string     `json:"message"`
}

// Load responds to POST /repo/load.
func (h *RepoHandler) Load(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RepoURL == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "repo_url is required"})
		return
	}

	log := h.logger.WithContext(r.Context())
	rec, err := h.repos.Load(r.Context(), req.RepoURL, req.Branch)
	if err != nil {
		writeError(w, log, err)
		return
	}
	log.Info().Str("repo_id", rec.RepoID).Str("repo_name", rec.RepoName).Msg("repository loaded")

	writeJSON(w, http.StatusOK, loadResponse{
		Success:    true,
		RepoID:     rec.RepoID,
		RepoName:   rec.RepoName,
		CommitHash: rec.CommitHash,
		Stats:      rec.Stats,
		Message:    "Repository loaded. Call /repo/index to build the search index.",
	})
}

// Status responds to GET /repo/status.
func (h *RepoHandler) Status(w http.ResponseWriter, r *http.Request) {
	repoID := r.URL.Query().Get("repo_id")
	if repoID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "repo_id is required"})
		return
	}

	rec, ok := h.repos.Get(repoID)
	if !ok {
		writeError(w, h.logger, repo.ErrNotFound)
		return
	}

	body := map[string]any{"repo": rec}
	if r.URL.Query().Get("include_files") == "true" {
		files, err := h.repos.ListFiles(repoID)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		body["files"] = files
	}
	writeJSON(w, http.StatusOK, body)
}

type indexRequest struct {
	RepoID string `json:"repo_id"`
	Force  bool   `json:"force,omitempty"`
}

type indexResponse struct {
	Success    bool   `json:"success"`
	RepoID     string `json:"repo_id"`
	Indexed    bool   `json:"indexed"`
	ChunkCount int    `json:"chunk_count"`
	FromCache  bool   `json:"from_cache"`
	Message    string `json:"message"`
}

// Index responds to POST /repo/index.
func (h *RepoHandler) Index(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RepoID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "repo_id is required"})
		return
	}

	log := h.logger.WithContext(r.Context()).WithRepo(req.RepoID)
	result, err := h.indexer.IndexRepo(r.Context(), req.RepoID, req.Force)
	if err != nil {
		writeError(w, log, err)
		return
	}

	message := "Repository indexed."
	if result.FromCache {
		message = "Index is up to date for the current commit."
	} else if h.caches != nil {
		h.caches.InvalidateRepo(r.Context(), req.RepoID)
	}

	writeJSON(w, http.StatusOK, indexResponse{
		Success:    true,
		RepoID:     req.RepoID,
		Indexed:    result.Indexed,
		ChunkCount: result.ChunkCount,
		FromCache:  result.FromCache,
		Message:    message,
	})
}
