package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(id string, vec []float32, doc string) Entry {
	return Entry{ID: id, Vector: vec, Document: doc, Metadata: map[string]string{"file_path": doc}}
}

func TestQueryRanksByCosine(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	c, err := s.GetOrCreate("repo_test1")
	require.NoError(t, err)

	err = c.Add(context.Background(), []Entry{
		entry("a", []float32{1, 0, 0}, "exact.py"),
		entry("b", []float32{0.9, 0.1, 0}, "close.py"),
		entry("c", []float32{0, 1, 0}, "orthogonal.py"),
	})
	require.NoError(t, err)

	results, err := c.Query(context.Background(), []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "a", results[0].ID)
	assert.InDelta(t, 0.0, float64(results[0].Distance), 1e-5)
	assert.Equal(t, "b", results[1].ID)
	assert.Equal(t, "exact.py", results[0].Metadata["file_path"])
}

func TestDimensionFixedByFirstInsert(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	c, err := s.GetOrCreate("repo_dim")
	require.NoError(t, err)

	require.NoError(t, c.Add(context.Background(), []Entry{entry("a", []float32{1, 0}, "a")}))
	assert.Equal(t, 2, c.Dimension())

	err = c.Add(context.Background(), []Entry{entry("b", []float32{1, 0, 0}, "b")})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestQueryDimensionMismatchReturnsEmpty(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	c, err := s.GetOrCreate("repo_qdim")
	require.NoError(t, err)
	require.NoError(t, c.Add(context.Background(), []Entry{entry("a", []float32{1, 0}, "a")}))

	results, err := c.Query(context.Background(), []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)

	c, err := s.GetOrCreate("repo_persist")
	require.NoError(t, err)
	require.NoError(t, c.Add(context.Background(), []Entry{
		entry("a", []float32{1, 0}, "one.py"),
		entry("b", []float32{0, 1}, "two.py"),
	}))

	// Simulate a fresh process by clearing the in-memory cache.
	clientMu.Lock()
	delete(persistent, s.persistRoot)
	clientMu.Unlock()

	s2, err := Open(dir)
	require.NoError(t, err)
	require.NotSame(t, s, s2)

	assert.True(t, s2.Has("repo_persist"))

	c2, err := s2.GetOrCreate("repo_persist")
	require.NoError(t, err)
	assert.Equal(t, 2, c2.Count())

	results, err := c2.Query(context.Background(), []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "one.py", results[0].Document)
}

func TestDeleteRemovesDiskState(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	c, err := s.GetOrCreate("repo_gone")
	require.NoError(t, err)
	require.NoError(t, c.Add(context.Background(), []Entry{entry("a", []float32{1}, "a")}))

	require.NoError(t, s.Delete("repo_gone"))
	assert.False(t, s.Has("repo_gone"))
}

func TestSharedStoreIsProcessWide(t *testing.T) {
	a := Shared()
	b := Shared()
	assert.Same(t, a, b)
	assert.False(t, a.Persistent())
	assert.Empty(t, a.CollectionDir("x"))
}

func TestAddEmptyAndUpsert(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	c, err := s.GetOrCreate("repo_upsert")
	require.NoError(t, err)

	require.NoError(t, c.Add(context.Background(), nil))

	require.NoError(t, c.Add(context.Background(), []Entry{entry("a", []float32{1, 0}, "v1")}))
	require.NoError(t, c.Add(context.Background(), []Entry{entry("a", []float32{0, 1}, "v2")}))
	assert.Equal(t, 1, c.Count())

	results, err := c.Query(context.Background(), []float32{0, 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, "v2", results[0].Document)
}
