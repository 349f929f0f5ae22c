package repo

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const staleTempCutoff = 15 * time.Minute

// proxyEnvVars are cleared for git child processes; inherited proxies break
// clones in locked-down environments.
var proxyEnvVars = []string{
	"http_proxy", "https_proxy", "all_proxy",
	"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY",
	"no_proxy", "NO_PROXY",
}

// cloneRemote shallow-clones a hosted repository into a temp directory,
// moves it under the data dir, and registers it.
func (m *Manager) cloneRemote(ctx context.Context, repoURL, owner, repoName, branch string) (*Record, error) {
	tempPath, err := m.prepareTempDir(owner, repoName)
	if err != nil {
		return nil, err
	}

	if gitAvailable() {
		if err := m.gitClone(ctx, repoURL, branch, tempPath); err != nil {
			return nil, err
		}
	} else {
		// Serverless-friendly fallback: no git binary, fetch the hosted
		// archive over HTTPS instead.
		m.logger.Warn().Msg("git binary unavailable, downloading archive")
		if err := m.downloadArchive(ctx, owner, repoName, branch, tempPath); err != nil {
			return nil, err
		}
	}

	commitHash := "unknown"
	if out, ok := gitOutput(ctx, tempPath, "rev-parse", "HEAD"); ok {
		commitHash = out
	}

	actualBranch := branch
	if out, ok := gitOutput(ctx, tempPath, "rev-parse", "--abbrev-ref", "HEAD"); ok {
		actualBranch = out
	} else if actualBranch == "" {
		actualBranch = "main"
	}

	short := commitHash
	if len(short) > 8 {
		short = short[:8]
	}
	finalPath := filepath.Join(m.cfg.Storage.DataDir, repoName, short)

	if err := m.placeTree(tempPath, finalPath); err != nil {
		return nil, err
	}

	// Version-control metadata is dead weight once the tree is mirrored.
	gitDir := filepath.Join(finalPath, ".git")
	if _, err := os.Stat(gitDir); err == nil {
		if err := safeRemoveTree(gitDir, 3); err != nil {
			m.logger.Warn().Err(err).Str("path", gitDir).Msg("git metadata cleanup failed")
		}
	}

	stats := scanStats(finalPath)

	if stats.TotalSizeBytes > m.cfg.MaxRepoSizeBytes() {
		_ = safeRemoveTree(finalPath, 4)
		return nil, fmt.Errorf("%w: repository is %.1fMB, exceeds limit of %dMB",
			ErrTooLarge, float64(stats.TotalSizeBytes)/(1024*1024), m.cfg.Storage.MaxRepoSizeMB)
	}
	if stats.TotalFiles > m.cfg.Storage.MaxFiles {
		_ = safeRemoveTree(finalPath, 4)
		return nil, fmt.Errorf("%w: repository has %d files, exceeds limit of %d",
			ErrTooLarge, stats.TotalFiles, m.cfg.Storage.MaxFiles)
	}

	repoID := GenerateRepoID(repoName, commitHash)

	rec := &Record{
		RepoID:     repoID,
		RepoName:   repoName,
		RepoURL:    repoURL,
		CommitHash: commitHash,
		Branch:     actualBranch,
		LocalPath:  finalPath,
		Stats:      stats,
		LoadedAt:   time.Now().UTC(),
	}

	m.register(rec)

	m.logger.Info().Str("repo_id", repoID).Str("repo_name", repoName).
		Str("commit", short).Int("files", stats.TotalFiles).
		Msg("cloned repo")

	return rec, nil
}

// prepareTempDir creates a unique clone target and sweeps stale temp dirs
// left over from earlier failed attempts.
func (m *Manager) prepareTempDir(owner, repoName string) (string, error) {
	tempRoot := filepath.Join(os.TempDir(), "repopilot_clone_tmp")
	if err := os.MkdirAll(tempRoot, 0o755); err != nil {
		return "", fmt.Errorf("%w: create temp root: %v", ErrClone, err)
	}

	tempName := fmt.Sprintf("%s_%s", owner, repoName)
	suffix := fmt.Sprintf("%d_%08x", time.Now().Unix(), rand.Uint32())
	tempPath := filepath.Join(tempRoot, fmt.Sprintf("_temp_%s_%s", tempName, suffix))

	// Only old directories are removed to avoid racing concurrent clones.
	stalePrefix := "_temp_" + tempName + "_"
	entries, err := os.ReadDir(tempRoot)
	if err == nil {
		now := time.Now()
		for _, entry := range entries {
			if !strings.HasPrefix(entry.Name(), stalePrefix) {
				continue
			}
			stalePath := filepath.Join(tempRoot, entry.Name())
			if stalePath == tempPath {
				continue
			}
			info, err := entry.Info()
			if err != nil || now.Sub(info.ModTime()) < staleTempCutoff {
				continue
			}
			if err := safeRemoveTree(stalePath, 2); err != nil {
				m.logger.Warn().Err(err).Str("path", stalePath).Msg("stale temp cleanup failed")
			}
		}
	}

	return tempPath, nil
}

// gitClone runs a shallow, blob-less clone bounded by the configured timeout.
func (m *Manager) gitClone(ctx context.Context, repoURL, branch, tempPath string) error {
	cloneCtx, cancel := context.WithTimeout(ctx, m.cfg.CloneTimeout())
	defer cancel()

	args := []string{
		"clone",
		"--depth", "1",
		"--single-branch",
		"--no-tags",
		"--filter=blob:none",
	}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, repoURL, tempPath)

	m.logger.Info().Str("cmd", "git "+strings.Join(args, " ")).Msg("cloning repo")

	cmd := exec.CommandContext(cloneCtx, "git", args...)
	cmd.Env = cleanEnv()
	cmd.Stdin = nil

	output, err := cmd.CombinedOutput()
	if cloneCtx.Err() == context.DeadlineExceeded {
		_ = safeRemoveTree(tempPath, 4)
		return fmt.Errorf("%w: clone timed out after %s", ErrClone, m.cfg.CloneTimeout())
	}
	if err != nil {
		_ = safeRemoveTree(tempPath, 4)
		return fmt.Errorf("%w: git clone failed: %s", ErrClone, strings.TrimSpace(string(output)))
	}

	return nil
}

// placeTree moves the cloned temp tree to its final location. An existing
// populated destination wins; an empty one is replaced. Move failure falls
// back to a copy that skips version-control metadata.
func (m *Manager) placeTree(tempPath, finalPath string) error {
	if info, err := os.Stat(finalPath); err == nil && info.IsDir() {
		existing := scanStats(finalPath)
		if existing.TotalFiles > 0 {
			_ = safeRemoveTree(tempPath, 4)
			m.logger.Info().Str("path", finalPath).Msg("repo already exists")
			return nil
		}
		m.logger.Warn().Str("path", finalPath).Msg("repo exists but empty, replacing")
		if err := safeRemoveTree(finalPath, 4); err != nil {
			return fmt.Errorf("%w: replace empty tree: %v", ErrClone, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("%w: create destination: %v", ErrClone, err)
	}

	renameErr := os.Rename(tempPath, finalPath)
	if renameErr == nil {
		return nil
	}
	m.logger.Warn().Err(renameErr).Msg("move failed, falling back to copy")

	// A concurrent request may have populated the destination first.
	if info, err := os.Stat(finalPath); err == nil && info.IsDir() {
		if scanStats(finalPath).TotalFiles > 0 {
			_ = safeRemoveTree(tempPath, 3)
			return nil
		}
		_ = safeRemoveTree(finalPath, 4)
	}

	if err := copyTree(tempPath, finalPath); err != nil {
		_ = safeRemoveTree(tempPath, 2)
		return fmt.Errorf("%w: failed to move repo: %v", ErrClone, err)
	}
	return safeRemoveTree(tempPath, 4)
}

// copyTree copies src to dst recursively, skipping .git.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator)) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}

// safeRemoveTree deletes a tree with retries, tolerating transient file
// locks. Read-only entries are chmodded writable before the retry.
func safeRemoveTree(path string, attempts int) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = os.RemoveAll(path)
		if lastErr != nil {
			makeTreeWritable(path)
			lastErr = os.RemoveAll(path)
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil
		}

		if attempt < attempts {
			time.Sleep(250 * time.Millisecond)
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return fmt.Errorf("could not clean directory %s: %v", path, lastErr)
}

func makeTreeWritable(root string) {
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err == nil {
			_ = os.Chmod(path, info.Mode()|0o200)
		}
		return nil
	})
}

func gitAvailable() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

// gitOutput runs a git command and returns its trimmed stdout.
func gitOutput(ctx context.Context, dir string, args ...string) (string, bool) {
	cmdCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "git", args...)
	cmd.Dir = dir
	cmd.Env = cleanEnv()

	out, err := cmd.Output()
	if err != nil {
		return "", false
	}
	trimmed := strings.TrimSpace(string(out))
	return trimmed, trimmed != ""
}

// cleanEnv returns the current environment with proxy variables removed.
func cleanEnv() []string {
	drop := make(map[string]bool, len(proxyEnvVars))
	for _, name := range proxyEnvVars {
		drop[name] = true
	}

	var env []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if drop[name] {
			continue
		}
		env = append(env, kv)
	}
	return env
}
