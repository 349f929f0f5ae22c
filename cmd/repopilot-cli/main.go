// Package main provides the RepoPilot CLI entrypoint.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

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

var (
	cfgFile    string
	outputJSON bool

	cfg    *config.Config
	logger *observability.Logger
)

// app bundles the services a command needs. Commands construct it lazily so
// `--help` and flag errors never touch the data directory.
type app struct {
	repos     *repo.Manager
	indexer   *index.Indexer
	retriever *retrieval.Retriever
	planner   *planner.Planner
	answerer  *agents.Answerer
	generator *agents.Generator
	orch      *orchestrator.Orchestrator
	chat      *llm.Service
}

func newApp() (*app, error) {
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

	orch := orchestrator.New(
		repos, routing.NewRouter(chat, logger), pl, retriever,
		answerer, generator, testgen, evaluator, chat, cfg, logger)

	return &app{
		repos:     repos,
		indexer:   indexer,
		retriever: retriever,
		planner:   pl,
		answerer:  answerer,
		generator: generator,
		orch:      orch,
		chat:      chat,
	}, nil
}

var rootCmd = &cobra.Command{
	Use:   "repopilot",
	Short: "RepoPilot CLI for loading, indexing, and querying repositories",
	Long: `RepoPilot answers questions about a codebase with grounded citations,
generates code that follows the repository's patterns, and produces tests.

Typical workflow:
  repopilot load https://github.com/owner/repo
  repopilot index <repo_id>
  repopilot ask <repo_id> "where is the login handler?"

All commands support --json for automation.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logFormat := "console"
		if outputJSON {
			logFormat = "json"
		}
		logger = observability.NewLogger(observability.LogConfig{
			Level:       "warn",
			Format:      logFormat,
			ServiceName: "repopilot-cli",
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: uses env vars)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(reposCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(smartCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
