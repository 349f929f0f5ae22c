// Package retrieval ranks indexed chunks against a query with a hybrid
// lexical and semantic score.
package retrieval

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/repopilot-ai/repopilot/internal/chunker"
	"github.com/repopilot-ai/repopilot/internal/embedding"
	"github.com/repopilot-ai/repopilot/internal/index"
	"github.com/repopilot-ai/repopilot/internal/observability"
	"github.com/repopilot-ai/repopilot/internal/vectorstore"
)

const (
	lexicalWeight  = 0.7
	semanticWeight = 0.3

	// Lower bound on the candidate pool fetched before reranking.
	minCandidatePool = 12
)

var tokenRe = regexp.MustCompile(`[a-zA-Z0-9_]{2,}`)

// Retriever performs top-k retrieval over a repository's collection.
type Retriever struct {
	indexer  *index.Indexer
	embedder *embedding.Service
	logger   *observability.Logger
}

// New creates a Retriever.
func New(indexer *index.Indexer, embedder *embedding.Service, logger *observability.Logger) *Retriever {
	return &Retriever{indexer: indexer, embedder: embedder, logger: logger}
}

// Retrieve returns the top k chunks for a query. An unindexed repository
// yields no chunks, not an error.
func (r *Retriever) Retrieve(ctx context.Context, repoID, query string, k int) ([]chunker.Chunk, error) {
	if k <= 0 {
		return nil, nil
	}

	collection, ok := r.indexer.Collection(repoID)
	if !ok {
		return nil, nil
	}

	vector, err := r.embedder.EmbedSingle(ctx, query)
	if err != nil {
		return nil, err
	}

	pool := 3 * k
	if pool < minCandidatePool {
		pool = minCandidatePool
	}

	candidates, err := collection.Query(ctx, vector, pool)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	queryTokens := tokenize(query)

	type scoredChunk struct {
		chunk chunker.Chunk
		score float64
	}

	scored := make([]scoredChunk, 0, len(candidates))
	for _, cand := range candidates {
		ch := chunkFromResult(repoID, cand)
		scored = append(scored, scoredChunk{
			chunk: ch,
			score: lexicalWeight*lexicalScore(queryTokens, ch.Content, ch.FilePath) +
				semanticWeight*semanticScore(float64(cand.Distance)),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})

	if k > len(scored) {
		k = len(scored)
	}
	out := make([]chunker.Chunk, k)
	for i := 0; i < k; i++ {
		out[i] = scored[i].chunk
	}

	r.logger.Debug().Str("repo_id", repoID).Int("candidates", len(candidates)).
		Int("returned", k).Msg("retrieved chunks")

	return out, nil
}

// RetrieveMulti runs one retrieval per sub-query concurrently and merges the
// results, deduplicating by chunk ID in first-seen order.
func (r *Retriever) RetrieveMulti(ctx context.Context, repoID string, queries []string, k int) ([]chunker.Chunk, error) {
	if len(queries) == 0 {
		return nil, nil
	}
	if len(queries) == 1 {
		return r.Retrieve(ctx, repoID, queries[0], k)
	}

	perQuery := make([][]chunker.Chunk, len(queries))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			chunks, err := r.Retrieve(gctx, repoID, q, k)
			if err != nil {
				return err
			}
			mu.Lock()
			perQuery[i] = chunks
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var merged []chunker.Chunk
	for _, chunks := range perQuery {
		for _, ch := range chunks {
			if seen[ch.ChunkID] {
				continue
			}
			seen[ch.ChunkID] = true
			merged = append(merged, ch)
		}
	}
	return merged, nil
}

// lexicalScore is token overlap between the query and the chunk's content
// plus file path, normalized by the query token count.
func lexicalScore(queryTokens map[string]bool, content, filePath string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}

	chunkTokens := tokenize(content)
	for tok := range tokenize(filePath) {
		chunkTokens[tok] = true
	}

	overlap := 0
	for tok := range queryTokens {
		if chunkTokens[tok] {
			overlap++
		}
	}
	return float64(overlap) / float64(len(queryTokens))
}

// semanticScore converts cosine distance to a bounded similarity.
func semanticScore(distance float64) float64 {
	if math.IsNaN(distance) || math.IsInf(distance, 0) {
		return 0
	}
	return 1 / (1 + distance)
}

func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range tokenRe.FindAllString(strings.ToLower(s), -1) {
		tokens[tok] = true
	}
	return tokens
}

// chunkFromResult rebuilds a chunk from stored metadata and document text.
func chunkFromResult(repoID string, res vectorstore.Result) chunker.Chunk {
	meta := res.Metadata
	startLine, _ := strconv.Atoi(meta["start_line"])
	endLine, _ := strconv.Atoi(meta["end_line"])
	tokenCount, _ := strconv.Atoi(meta["token_count"])

	return chunker.Chunk{
		ChunkID:    res.ID,
		RepoID:     repoID,
		FilePath:   meta["file_path"],
		StartLine:  startLine,
		EndLine:    endLine,
		Language:   meta["language"],
		ChunkType:  meta["chunk_type"],
		TokenCount: tokenCount,
		Content:    res.Document,
	}
}
