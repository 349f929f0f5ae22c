package repo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/repopilot-ai/repopilot/internal/config"
	"github.com/repopilot-ai/repopilot/internal/observability"
)

const registryFile = "repo_registry.json"

// Manager owns the repository registry and all clone/scan operations.
// It is the single writer of Record state.
type Manager struct {
	mu     sync.RWMutex
	repos  map[string]*Record
	cfg    *config.Config
	logger *observability.Logger
}

// NewManager creates a Manager and rehydrates the registry from disk.
// Entries whose local path no longer exists are dropped. When the vector
// store is ephemeral, indexing state is reset because the index did not
// survive the restart.
func NewManager(cfg *config.Config, logger *observability.Logger) (*Manager, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	m := &Manager{
		repos:  make(map[string]*Record),
		cfg:    cfg,
		logger: logger,
	}
	m.loadRegistry()
	return m, nil
}

func (m *Manager) registryPath() string {
	return filepath.Join(m.cfg.Storage.DataDir, registryFile)
}

func (m *Manager) loadRegistry() {
	path := m.registryPath()
	data, err := os.ReadFile(path)
	if err != nil {
		m.logger.Info().Str("path", path).Msg("no registry found")
		return
	}

	var records map[string]*Record
	if err := json.Unmarshal(data, &records); err != nil {
		m.logger.Warn().Err(err).Msg("registry load failed")
		return
	}

	for repoID, rec := range records {
		if rec.LocalPath == "" {
			continue
		}
		if _, err := os.Stat(rec.LocalPath); err != nil {
			m.logger.Warn().Str("repo_id", repoID).Str("path", rec.LocalPath).
				Msg("repo path missing, dropping registry entry")
			continue
		}

		if !m.cfg.Storage.UsePersistentIndex && rec.Indexed {
			rec.Indexed = false
			rec.ChunkCount = 0
			rec.IsIndexing = false
			rec.IndexProgressPct = 0
			rec.IndexProcessedChunks = 0
			rec.IndexTotalChunks = 0
		}

		m.repos[repoID] = rec
	}

	m.logger.Info().Int("count", len(m.repos)).Msg("registry loaded")
}

// saveRegistry persists the registry. Caller holds at least a read lock.
func (m *Manager) saveRegistry() {
	data, err := json.MarshalIndent(m.repos, "", "  ")
	if err != nil {
		m.logger.Error().Err(err).Msg("registry marshal failed")
		return
	}

	if err := os.WriteFile(m.registryPath(), data, 0o644); err != nil {
		m.logger.Error().Err(err).Msg("registry save failed")
		return
	}
	m.logger.Debug().Int("count", len(m.repos)).Msg("registry saved")
}

// GenerateRepoID derives the 12-hex repository ID from name and commit.
func GenerateRepoID(repoName, commitHash string) string {
	short := commitHash
	if len(short) > 8 {
		short = short[:8]
	}
	sum := sha256.Sum256([]byte(repoName + ":" + short))
	return hex.EncodeToString(sum[:])[:12]
}

// Load clones (or links) a repository and registers it. repoURL may be a
// hosted URL or a local directory path.
func (m *Manager) Load(ctx context.Context, repoURL, branch string) (*Record, error) {
	m.logger.Info().Str("repo_url", repoURL).Str("branch", branch).Msg("loading repo")

	if info, err := os.Stat(repoURL); err == nil && info.IsDir() {
		return m.loadLocal(ctx, repoURL)
	}

	owner, name, err := ParseRepoURL(repoURL)
	if err != nil {
		return nil, err
	}

	return m.cloneRemote(ctx, repoURL, owner, name, branch)
}

// register adds a record and persists the registry.
func (m *Manager) register(rec *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repos[rec.RepoID] = rec
	m.saveRegistry()
}

// Get returns a snapshot of a repository record.
func (m *Manager) Get(repoID string) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.repos[repoID]
	if !ok {
		return nil, false
	}
	snapshot := *rec
	return &snapshot, true
}

// List returns snapshots of all registered repositories.
func (m *Manager) List() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Record, 0, len(m.repos))
	for _, rec := range m.repos {
		snapshot := *rec
		out = append(out, &snapshot)
	}
	return out
}

// Update merge-updates a record through the mutator and persists the
// registry when persist is true. All writes to repository state go through
// here, which serializes them.
func (m *Manager) Update(repoID string, persist bool, mutate func(*Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.repos[repoID]
	if !ok {
		return
	}
	mutate(rec)
	if persist {
		m.saveRegistry()
	}
}

// Remove deletes a repository from the registry. The working tree on disk
// is left alone.
func (m *Manager) Remove(repoID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.repos, repoID)
	m.saveRegistry()
}

// RepoPath returns the local working-tree path for a repository.
func (m *Manager) RepoPath(repoID string) (string, error) {
	rec, ok := m.Get(repoID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, repoID)
	}
	return rec.LocalPath, nil
}

// ListFiles lists all eligible files with sizes and token estimates.
func (m *Manager) ListFiles(repoID string) ([]FileInfo, error) {
	rec, ok := m.Get(repoID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, repoID)
	}

	var files []FileInfo
	err := walkCandidates(rec.LocalPath, func(c candidateFile) error {
		info, statErr := os.Stat(c.fullPath)
		if statErr != nil {
			return nil
		}
		files = append(files, FileInfo{
			FilePath:        c.relativePath,
			Size:            info.Size(),
			Language:        LanguageFromExt(c.ext),
			EstimatedTokens: info.Size() / 4,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return files, nil
}

// ReadFile reads one file as UTF-8, replacing invalid bytes.
func (m *Manager) ReadFile(repoID, filePath string) (string, error) {
	rec, ok := m.Get(repoID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, repoID)
	}

	fullPath := filepath.Join(rec.LocalPath, filepath.FromSlash(filePath))

	info, err := os.Stat(fullPath)
	if err != nil {
		return "", fmt.Errorf("file not found: %s", filePath)
	}
	if info.IsDir() {
		return "", fmt.Errorf("not a file: %s", filePath)
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("could not read file: %w", err)
	}

	return sanitizeUTF8(data), nil
}

// scanStats walks a tree and gathers stats over eligible files.
func scanStats(root string) Stats {
	stats := Stats{Languages: make(map[string]int)}

	_ = walkCandidates(root, func(c candidateFile) error {
		info, err := os.Stat(c.fullPath)
		if err != nil {
			return nil
		}
		stats.TotalFiles++
		stats.TotalSizeBytes += info.Size()
		stats.Languages[LanguageFromExt(c.ext)]++
		return nil
	})

	return stats
}

// sanitizeUTF8 replaces invalid byte sequences with the replacement rune.
func sanitizeUTF8(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "�")
}

// loadLocal registers a local directory as a repository. Commit and branch
// default to "local" when git metadata is unavailable.
func (m *Manager) loadLocal(ctx context.Context, localPath string) (*Record, error) {
	absPath, err := filepath.Abs(localPath)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve path: %v", ErrClone, err)
	}

	commitHash := "local"
	branch := "local"
	if _, err := os.Stat(filepath.Join(absPath, ".git")); err == nil {
		if out, ok := gitOutput(ctx, absPath, "rev-parse", "HEAD"); ok {
			if len(out) > 8 {
				out = out[:8]
			}
			commitHash = out
		}
		if out, ok := gitOutput(ctx, absPath, "rev-parse", "--abbrev-ref", "HEAD"); ok {
			branch = out
		}
	}

	repoName := filepath.Base(absPath)
	repoID := GenerateRepoID(repoName, commitHash)
	stats := scanStats(absPath)

	rec := &Record{
		RepoID:     repoID,
		RepoName:   repoName,
		RepoURL:    localPath,
		CommitHash: commitHash,
		Branch:     branch,
		LocalPath:  absPath,
		Stats:      stats,
		LoadedAt:   time.Now().UTC(),
	}

	m.register(rec)
	m.logger.Info().Str("repo_id", repoID).Str("repo_name", repoName).Msg("loaded local repo")

	return rec, nil
}
