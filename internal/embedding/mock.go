package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash/crc32"
	"math"
	"strings"
)

const mockTokenCap = 256

// MockEmbedder produces deterministic embeddings with no network access.
// It hashes whitespace tokens into a fixed-dimension vector (hashing trick
// with a CRC32 sign bit) and L2-normalizes. Identical input always yields
// identical output.
type MockEmbedder struct {
	dimension int
}

// NewMockEmbedder creates a deterministic embedder of the given dimension.
func NewMockEmbedder(dimension int) *MockEmbedder {
	if dimension <= 0 {
		dimension = GeminiDimension
	}
	return &MockEmbedder{dimension: dimension}
}

// Embed hashes each text into a normalized bag-of-tokens vector.
func (m *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = m.embedOne(text)
	}
	return vectors, nil
}

func (m *MockEmbedder) embedOne(text string) []float32 {
	vector := make([]float32, m.dimension)

	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		sum := sha256.Sum256([]byte(text))
		tokens = []string{hex.EncodeToString(sum[:])}
	}
	if len(tokens) > mockTokenCap {
		tokens = tokens[:mockTokenCap]
	}

	for _, token := range tokens {
		h := crc32.ChecksumIEEE([]byte(token))
		idx := int(h % uint32(m.dimension))
		if h&1 == 1 {
			vector[idx]++
		} else {
			vector[idx]--
		}
	}

	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vector {
			vector[i] *= scale
		}
	}

	return vector
}

// Dimension reports the vector dimension.
func (m *MockEmbedder) Dimension() int { return m.dimension }

// Name identifies the provider.
func (m *MockEmbedder) Name() string { return "mock" }

var _ Embedder = (*MockEmbedder)(nil)
