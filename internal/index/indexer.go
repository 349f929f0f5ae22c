// Package index populates the vector store from repository files under
// strict time and size budgets.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/repopilot-ai/repopilot/internal/chunker"
	"github.com/repopilot-ai/repopilot/internal/config"
	"github.com/repopilot-ai/repopilot/internal/embedding"
	"github.com/repopilot-ai/repopilot/internal/observability"
	"github.com/repopilot-ai/repopilot/internal/repo"
	"github.com/repopilot-ai/repopilot/internal/vectorstore"
)

const (
	// Share of the time budget allowed for the file-read phase.
	readBudgetFraction = 0.45

	// Ideal file size for selection priority; files near this size pack the
	// most useful context per embedding call.
	idealFileSize = 24 * 1024

	metaFileName = "_index_meta.json"
)

// Result reports the outcome of an indexing run.
type Result struct {
	Indexed    bool `json:"indexed"`
	ChunkCount int  `json:"chunk_count"`
	FromCache  bool `json:"from_cache,omitempty"`
}

// indexMeta is the freshness sidecar written next to persisted vectors.
type indexMeta struct {
	CommitHash string    `json:"commit_hash"`
	ChunkCount int       `json:"chunk_count"`
	IndexedAt  time.Time `json:"indexed_at"`
}

// Indexer chunks, embeds, and stores repository content.
type Indexer struct {
	repos    *repo.Manager
	embedder *embedding.Service
	store    *vectorstore.Store
	splitter *chunker.Chunker
	cfg      *config.Config
	logger   *observability.Logger

	mu       sync.Mutex
	indexing map[string]bool
}

// New creates an Indexer backed by the given store.
func New(repos *repo.Manager, embedder *embedding.Service, store *vectorstore.Store, cfg *config.Config, logger *observability.Logger) *Indexer {
	return &Indexer{
		repos:    repos,
		embedder: embedder,
		store:    store,
		splitter: chunker.New(cfg.Chunking.CodeChunkLines, cfg.Chunking.CodeChunkOverlap, cfg.Chunking.DocChunkTokens, cfg.Chunking.DocChunkOverlap),
		cfg:      cfg,
		logger:   logger,
		indexing: make(map[string]bool),
	}
}

// CollectionName derives the vector collection name for a repository.
func CollectionName(repoID string) string {
	return "repo_" + repoID
}

// Collection returns the repository's vector collection if one exists.
func (ix *Indexer) Collection(repoID string) (*vectorstore.Collection, bool) {
	name := CollectionName(repoID)
	if !ix.store.Has(name) {
		return nil, false
	}
	c, err := ix.store.GetOrCreate(name)
	if err != nil {
		ix.logger.Warn().Err(err).Str("repo_id", repoID).Msg("collection open failed")
		return nil, false
	}
	return c, true
}

// IndexRepo runs the full bounded pipeline: select files, read, chunk,
// embed, insert. A repo already indexed at the current commit returns
// from cache in persistent mode unless force is set. Budget exhaustion is
// not an error; whatever was processed counts as indexed.
func (ix *Indexer) IndexRepo(ctx context.Context, repoID string, force bool) (Result, error) {
	rec, ok := ix.repos.Get(repoID)
	if !ok {
		return Result{}, fmt.Errorf("index: %w: %s", repo.ErrNotFound, repoID)
	}

	ix.mu.Lock()
	if ix.indexing[repoID] {
		ix.mu.Unlock()
		return Result{}, fmt.Errorf("index: repo %s is already being indexed", repoID)
	}
	ix.indexing[repoID] = true
	ix.mu.Unlock()
	defer func() {
		ix.mu.Lock()
		delete(ix.indexing, repoID)
		ix.mu.Unlock()
	}()

	name := CollectionName(repoID)

	if ix.store.Persistent() && !force {
		if meta, ok := ix.readMeta(name); ok && meta.CommitHash == rec.CommitHash && ix.store.Has(name) {
			ix.repos.Update(repoID, true, func(r *repo.Record) {
				r.Indexed = true
				r.ChunkCount = meta.ChunkCount
				r.IndexProgressPct = 100
			})
			ix.logger.Info().Str("repo_id", repoID).Str("commit", rec.CommitHash).Msg("index fresh, using cache")
			return Result{Indexed: true, ChunkCount: meta.ChunkCount, FromCache: true}, nil
		}
	}

	ix.repos.Update(repoID, false, func(r *repo.Record) {
		r.IsIndexing = true
		r.Indexed = false
		r.ChunkCount = 0
		r.IndexProgressPct = 0
		r.IndexProcessedChunks = 0
		r.IndexTotalChunks = 0
	})

	result, err := ix.run(ctx, rec, name)
	if err != nil {
		ix.repos.Update(repoID, true, func(r *repo.Record) {
			r.IsIndexing = false
		})
		return Result{}, err
	}
	return result, nil
}

func (ix *Indexer) run(ctx context.Context, rec *repo.Record, name string) (Result, error) {
	start := time.Now()
	deadline := start.Add(ix.cfg.IndexTimeBudget())

	// A stale collection never survives a reindex.
	if err := ix.store.Delete(name); err != nil {
		return Result{}, fmt.Errorf("index: reset collection: %w", err)
	}
	collection, err := ix.store.GetOrCreate(name)
	if err != nil {
		return Result{}, fmt.Errorf("index: create collection: %w", err)
	}

	files, err := ix.repos.ListFiles(rec.RepoID)
	if err != nil {
		return Result{}, fmt.Errorf("index: list files: %w", err)
	}

	selected := ix.selectFiles(files)
	if len(selected) == 0 {
		ix.finish(rec.RepoID, name, rec.CommitHash, 0, 0)
		return Result{Indexed: true, ChunkCount: 0}, nil
	}

	contents := ix.readFiles(ctx, rec.RepoID, selected, start)

	order := make([]string, 0, len(selected))
	for _, f := range selected {
		if _, ok := contents[f.FilePath]; ok {
			order = append(order, f.FilePath)
		}
	}

	chunks, stats := ix.splitter.ChunkRepository(rec.RepoID, contents, order)
	if len(chunks) > ix.cfg.Index.MaxChunks {
		chunks = chunks[:ix.cfg.Index.MaxChunks]
	}

	ix.logger.Info().Str("repo_id", rec.RepoID).Int("files", stats.TotalFiles).
		Int("chunks", len(chunks)).Int("tokens", stats.TotalTokens).
		Msg("chunked repo")

	ix.repos.Update(rec.RepoID, false, func(r *repo.Record) {
		r.IndexProgressPct = 15
		r.IndexTotalChunks = len(chunks)
	})

	processed, err := ix.embedAndInsert(ctx, rec.RepoID, collection, chunks, deadline)
	if err != nil {
		return Result{}, err
	}

	ix.finish(rec.RepoID, name, rec.CommitHash, processed, len(chunks))

	ix.logger.Info().Str("repo_id", rec.RepoID).Int("chunks", processed).
		Dur("elapsed", time.Since(start)).Msg("indexed repo")

	return Result{Indexed: true, ChunkCount: processed}, nil
}

// selectFiles applies the bounded-ingest policy: drop empty and oversized
// files, order by (type rank, depth, distance from the ideal size), then
// take greedily under the file and byte caps.
func (ix *Indexer) selectFiles(files []repo.FileInfo) []repo.FileInfo {
	candidates := make([]repo.FileInfo, 0, len(files))
	for _, f := range files {
		if f.Size > 0 && f.Size <= ix.cfg.MaxIndexFileSizeBytes() {
			candidates = append(candidates, f)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := typeRank(candidates[i].FilePath), typeRank(candidates[j].FilePath)
		if ri != rj {
			return ri < rj
		}
		di, dj := strings.Count(candidates[i].FilePath, "/"), strings.Count(candidates[j].FilePath, "/")
		if di != dj {
			return di < dj
		}
		return sizeDistance(candidates[i].Size) < sizeDistance(candidates[j].Size)
	})

	var selected []repo.FileInfo
	var totalBytes int64
	for _, f := range candidates {
		if len(selected) >= ix.cfg.Index.MaxFiles {
			break
		}
		if totalBytes+f.Size > ix.cfg.MaxIndexTotalBytes() {
			break
		}
		selected = append(selected, f)
		totalBytes += f.Size
	}

	// A repo with readable files always gets at least one indexed.
	if len(selected) == 0 && len(candidates) > 0 {
		selected = candidates[:1]
	}
	return selected
}

func typeRank(filePath string) int {
	switch chunker.ChunkType(filePath) {
	case "code":
		return 0
	case "config":
		return 1
	default:
		return 2
	}
}

func sizeDistance(size int64) int64 {
	d := size - idealFileSize
	if d < 0 {
		d = -d
	}
	return d
}

// readFiles loads selected files concurrently within the read share of the
// time budget. Files that fail or miss the deadline are skipped.
func (ix *Indexer) readFiles(ctx context.Context, repoID string, selected []repo.FileInfo, start time.Time) map[string]string {
	readBudget := time.Duration(float64(ix.cfg.IndexTimeBudget()) * readBudgetFraction)
	readCtx, cancel := context.WithDeadline(ctx, start.Add(readBudget))
	defer cancel()

	var mu sync.Mutex
	contents := make(map[string]string, len(selected))
	done := 0

	g, _ := errgroup.WithContext(readCtx)
	g.SetLimit(ix.cfg.Index.FileReadConcurrency)

	for _, f := range selected {
		f := f
		g.Go(func() error {
			if readCtx.Err() != nil {
				return nil
			}
			content, err := ix.repos.ReadFile(repoID, f.FilePath)

			mu.Lock()
			done++
			pct := 10 * float64(done) / float64(len(selected))
			mu.Unlock()

			ix.repos.Update(repoID, false, func(r *repo.Record) {
				r.IndexProgressPct = pct
			})

			if err != nil {
				ix.logger.Debug().Err(err).Str("file", f.FilePath).Msg("skipping unreadable file")
				return nil
			}
			mu.Lock()
			contents[f.FilePath] = content
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return contents
}

// embedAndInsert processes chunks in batches, checking the wall deadline
// between batches. Returns the number of chunks actually stored.
func (ix *Indexer) embedAndInsert(ctx context.Context, repoID string, collection *vectorstore.Collection, chunks []chunker.Chunk, deadline time.Time) (int, error) {
	batchSize := ix.cfg.Index.BatchSize
	if batchSize <= 0 {
		batchSize = 250
	}

	processed := 0
	for begin := 0; begin < len(chunks); begin += batchSize {
		if time.Now().After(deadline) {
			ix.logger.Warn().Str("repo_id", repoID).Int("processed", processed).
				Int("total", len(chunks)).Msg("time budget exhausted, stopping embed")
			break
		}

		end := begin + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[begin:end]

		texts := make([]string, len(batch))
		for i := range batch {
			texts[i] = batch[i].Content
		}

		vectors, err := ix.embedder.Embed(ctx, texts)
		if err != nil {
			return processed, fmt.Errorf("index: embed batch: %w", err)
		}

		entries := make([]vectorstore.Entry, len(batch))
		for i := range batch {
			entries[i] = vectorstore.Entry{
				ID:       batch[i].ChunkID,
				Vector:   vectors[i],
				Document: batch[i].Content,
				Metadata: chunkMetadata(&batch[i]),
			}
		}
		if err := collection.Add(ctx, entries); err != nil {
			return processed, fmt.Errorf("index: store batch: %w", err)
		}

		processed += len(batch)

		pct := 15 + 84*float64(processed)/float64(len(chunks))
		if pct > 99 {
			pct = 99
		}
		ix.repos.Update(repoID, false, func(r *repo.Record) {
			r.IndexProgressPct = pct
			r.IndexProcessedChunks = processed
		})
	}

	return processed, nil
}

func chunkMetadata(c *chunker.Chunk) map[string]string {
	return map[string]string{
		"file_path":   c.FilePath,
		"start_line":  strconv.Itoa(c.StartLine),
		"end_line":    strconv.Itoa(c.EndLine),
		"language":    c.Language,
		"chunk_type":  c.ChunkType,
		"token_count": strconv.Itoa(c.TokenCount),
	}
}

// finish records the terminal state and, in persistent mode, writes the
// freshness sidecar.
func (ix *Indexer) finish(repoID, name, commitHash string, processed, total int) {
	ix.repos.Update(repoID, true, func(r *repo.Record) {
		r.Indexed = true
		r.IsIndexing = false
		r.ChunkCount = processed
		r.IndexProcessedChunks = processed
		r.IndexTotalChunks = total
		r.IndexProgressPct = 100
	})

	if !ix.store.Persistent() {
		return
	}
	dir := ix.store.CollectionDir(name)
	if dir == "" {
		return
	}
	meta := indexMeta{CommitHash: commitHash, ChunkCount: processed, IndexedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err == nil {
		err = os.MkdirAll(dir, 0o755)
	}
	if err == nil {
		err = os.WriteFile(filepath.Join(dir, metaFileName), data, 0o644)
	}
	if err != nil {
		ix.logger.Warn().Err(err).Str("repo_id", repoID).Msg("sidecar write failed")
	}
}

func (ix *Indexer) readMeta(name string) (indexMeta, bool) {
	dir := ix.store.CollectionDir(name)
	if dir == "" {
		return indexMeta{}, false
	}
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return indexMeta{}, false
	}
	var meta indexMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return indexMeta{}, false
	}
	return meta, true
}
