package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/repopilot-ai/repopilot/internal/orchestrator"
	"github.com/repopilot-ai/repopilot/internal/planner"
)

var loadCmd = &cobra.Command{
	Use:   "load <repo-url-or-path>",
	Short: "Clone a repository and register it for indexing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		branch, _ := cmd.Flags().GetString("branch")

		stop := newSpinner("Cloning repository...")
		rec, err := a.repos.Load(cmd.Context(), args[0], branch)
		stop()
		if err != nil {
			fail("Load failed: %v", err)
			return err
		}

		if printJSON(rec) {
			return nil
		}
		success("Loaded %s (%s)", rec.RepoName, rec.RepoID)
		info("Commit %s, %d files, %.1f KB",
			shortCommit(rec.CommitHash),
			rec.Stats.TotalFiles,
			float64(rec.Stats.TotalSizeBytes)/1024)
		info("Next: repopilot index %s", rec.RepoID)
		return nil
	},
}

var indexCmd = &cobra.Command{
	Use:   "index <repo-id>",
	Short: "Build the vector index for a loaded repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		repoID := args[0]
		force, _ := cmd.Flags().GetBool("force")

		bar := newProgressBar("Indexing")
		done := make(chan struct{})
		go func() {
			// The indexer reports progress on the repository record; poll it
			// to drive the bar.
			ticker := time.NewTicker(200 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if rec, ok := a.repos.Get(repoID); ok {
						_ = bar.Set(int(rec.IndexProgressPct))
					}
				}
			}
		}()

		result, err := a.indexer.IndexRepo(cmd.Context(), repoID, force)
		close(done)
		_ = bar.Finish()
		if err != nil {
			fail("Indexing failed: %v", err)
			return err
		}

		if printJSON(result) {
			return nil
		}
		if result.FromCache {
			success("Index already current (%d chunks)", result.ChunkCount)
		} else {
			success("Indexed %d chunks", result.ChunkCount)
		}
		return nil
	},
}

var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "List loaded repositories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		records := a.repos.List()
		if printJSON(records) {
			return nil
		}
		if len(records) == 0 {
			info("No repositories loaded yet. Try: repopilot load <url>")
			return nil
		}

		heading("Repositories")
		for _, rec := range records {
			state := "not indexed"
			if rec.Indexed {
				state = fmt.Sprintf("%d chunks", rec.ChunkCount)
			}
			fmt.Printf("  %s  %-30s %s  %s\n",
				rec.RepoID, rec.RepoName, shortCommit(rec.CommitHash), state)
		}
		return nil
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <repo-id> <question>",
	Short: "Ask a grounded question about a repository",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		repoID := args[0]
		question := strings.Join(args[1:], " ")
		decompose, _ := cmd.Flags().GetBool("decompose")

		stop := newSpinner("Thinking...")
		queries := []string{question}
		var subs []string
		if decompose || planner.ShouldDecompose(question) {
			subs = a.planner.Decompose(cmd.Context(), question)
			if len(subs) > 0 {
				queries = subs
			}
		}

		chunks, err := a.retriever.RetrieveMulti(cmd.Context(), repoID, queries, cfg.Retrieval.DefaultK)
		if err != nil {
			stop()
			fail("Retrieval failed: %v", err)
			return err
		}
		answer := a.answerer.Answer(cmd.Context(), question, chunks, "")
		stop()

		if printJSON(answer) {
			return nil
		}

		fmt.Println(answer.Answer)
		if len(answer.Citations) > 0 {
			heading("\nSources")
			for _, c := range answer.Citations {
				fmt.Printf("  %s (%s)\n", c.FilePath, c.LineRange)
			}
		}
		printConfidence(answer.Confidence)
		return nil
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate <repo-id> <request>",
	Short: "Generate code changes that follow the repository's patterns",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		stop := newSpinner("Generating...")
		result := a.generator.Generate(cmd.Context(), args[0], strings.Join(args[1:], " "), "")
		stop()

		if printJSON(result) {
			return nil
		}

		heading("Plan")
		fmt.Println(result.Plan)
		for _, diff := range result.Diffs {
			heading("\n" + diff.FilePath)
			if diff.WhereToPaste != "" {
				info("Where: %s", diff.WhereToPaste)
			}
			body := diff.Code
			if body == "" {
				body = diff.Diff
			}
			fmt.Println(body)
		}
		if result.Tests != "" {
			heading("\nTests")
			fmt.Println(result.Tests)
		}
		return nil
	},
}

var smartCmd = &cobra.Command{
	Use:   "smart <repo-id> <question>",
	Short: "Route a request through the full multi-agent pipeline",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}

		stop := newSpinner("Orchestrating agents...")
		result := a.orch.Smart(cmd.Context(), orchestrator.SmartRequest{
			RepoID:   args[0],
			Question: strings.Join(args[1:], " "),
		})
		stop()

		if printJSON(result) {
			return nil
		}

		info("Routing: %s (%.2f), agents: %s",
			result.Routing.PrimaryAction,
			result.Routing.Confidence,
			strings.Join(result.AgentsUsed, ", "))
		if result.FromCache {
			info("Served from cache")
		}

		fmt.Println(result.Answer)
		if len(result.Citations) > 0 {
			heading("\nSources")
			for _, c := range result.Citations {
				fmt.Printf("  %s (%s)\n", c.FilePath, c.LineRange)
			}
		}
		if result.Test != nil && result.Test.Skipped {
			info("Tests skipped: %s", result.Test.Reason)
		}
		printConfidence(result.Confidence)
		return nil
	},
}

func init() {
	loadCmd.Flags().String("branch", "", "branch to clone (default: repository default branch)")
	indexCmd.Flags().Bool("force", false, "rebuild the index even if current")
	askCmd.Flags().Bool("decompose", false, "force query decomposition")
}

func printConfidence(level string) {
	c := color.New(color.FgYellow)
	switch level {
	case "high":
		c = color.New(color.FgGreen)
	case "low":
		c = color.New(color.FgRed)
	}
	fmt.Print("\nConfidence: ")
	c.Println(level)
}

func shortCommit(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
