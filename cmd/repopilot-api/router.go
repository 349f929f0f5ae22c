// Package main provides the RepoPilot API server.
package main

import (
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/repopilot-ai/repopilot/cmd/repopilot-api/handlers"
	"github.com/repopilot-ai/repopilot/cmd/repopilot-api/middleware"
	"github.com/repopilot-ai/repopilot/internal/agents"
	"github.com/repopilot-ai/repopilot/internal/config"
	"github.com/repopilot-ai/repopilot/internal/embedding"
	"github.com/repopilot-ai/repopilot/internal/index"
	"github.com/repopilot-ai/repopilot/internal/llm"
	"github.com/repopilot-ai/repopilot/internal/observability"
	"github.com/repopilot-ai/repopilot/internal/orchestrator"
	"github.com/repopilot-ai/repopilot/internal/planner"
	"github.com/repopilot-ai/repopilot/internal/repo"
	"github.com/repopilot-ai/repopilot/internal/retrieval"
	"github.com/repopilot-ai/repopilot/internal/routing"
	"github.com/repopilot-ai/repopilot/internal/vectorstore"
)

// NewRouter builds every service in dependency order and mounts the HTTP
// routes. Components receive read-only references; there is no process-wide
// registry.
func NewRouter(cfg *config.Config, logger *observability.Logger) (http.Handler, error) {
	repos, err := repo.NewManager(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create repository manager: %w", err)
	}

	store := vectorstore.Shared()
	if cfg.Storage.UsePersistentIndex {
		store, err = vectorstore.Open(filepath.Join(cfg.Storage.DataDir, "_indexes"))
		if err != nil {
			return nil, fmt.Errorf("open persistent vector store: %w", err)
		}
	}

	embedder := embedding.NewService(cfg, logger)
	chat := llm.NewService(cfg, logger)

	indexer := index.New(repos, embedder, store, cfg, logger)
	retriever := retrieval.New(indexer, embedder, logger)

	pl := planner.New(chat, logger)
	answerer := agents.NewAnswerer(chat, logger)
	generator := agents.NewGenerator(chat, retriever, logger)
	testgen := agents.NewTestGenerator(chat, retriever, logger)
	evaluator := agents.NewEvaluator(chat, logger)
	impact := agents.NewImpactAnalyzer(chat, retriever, logger)

	orch := orchestrator.New(
		repos, routing.NewRouter(chat, logger), pl, retriever,
		answerer, generator, testgen, evaluator, chat, cfg, logger)
	refiner := orchestrator.NewRefiner(generator, testgen, chat, logger)

	healthHandler := handlers.NewHealthHandler(chat)
	repoHandler := handlers.NewRepoHandler(logger, repos, indexer, orch)
	chatHandler := handlers.NewChatHandler(
		logger, cfg, pl, retriever, answerer, generator,
		testgen, evaluator, impact, orch, refiner)

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	r.Get("/health", healthHandler.Health)

	r.Route("/repo", func(r chi.Router) {
		r.Post("/load", repoHandler.Load)
		r.Get("/status", repoHandler.Status)
		r.Post("/index", repoHandler.Index)
	})

	r.Route("/chat", func(r chi.Router) {
		r.Post("/ask", chatHandler.Ask)
		r.Post("/stream", chatHandler.Stream)
		r.Post("/generate", chatHandler.Generate)
		r.Post("/pytest", chatHandler.PyTest)
		r.Post("/impact", chatHandler.Impact)
		r.Post("/evaluate", chatHandler.Evaluate)
		r.Post("/smart", chatHandler.Smart)
		r.Post("/refine", chatHandler.Refine)
	})

	return r, nil
}
