// Package vectorstore provides an in-process cosine-similarity store with
// optional JSON persistence, one collection per indexed repository.
package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ErrDimensionMismatch indicates an entry vector whose dimension differs
// from the collection's.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Entry is a vector to be indexed together with its source text.
type Entry struct {
	ID       string            `json:"id"`
	Vector   []float32         `json:"vector"`
	Document string            `json:"document"`
	Metadata map[string]string `json:"metadata"`
}

// Result is a single nearest-neighbor hit.
type Result struct {
	ID       string
	Distance float32
	Score    float32 // 1 - distance for normalized cosine
	Document string
	Metadata map[string]string
}

// Store owns a set of named collections. A store is either ephemeral
// (process memory only) or persistent (each collection mirrored to a JSON
// file under its root directory).
type Store struct {
	mu          sync.Mutex
	collections map[string]*Collection
	persistRoot string // empty for ephemeral
}

var (
	clientMu      sync.Mutex
	ephemeralOnce sync.Once
	ephemeral     *Store
	persistent    = make(map[string]*Store)
)

// Shared returns the process-wide ephemeral store. Every caller sees the
// same collections, so an API handler and the indexer share state without
// touching disk.
func Shared() *Store {
	ephemeralOnce.Do(func() {
		ephemeral = &Store{collections: make(map[string]*Collection)}
	})
	return ephemeral
}

// Open returns the persistent store rooted at dir, creating it on first
// use. Stores are cached per path so concurrent callers share one instance.
func Open(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve store root: %w", err)
	}

	clientMu.Lock()
	defer clientMu.Unlock()

	if s, ok := persistent[abs]; ok {
		return s, nil
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}

	s := &Store{
		collections: make(map[string]*Collection),
		persistRoot: abs,
	}
	persistent[abs] = s
	return s, nil
}

// Persistent reports whether collections survive process restarts.
func (s *Store) Persistent() bool {
	return s.persistRoot != ""
}

// CollectionDir returns the on-disk directory for a collection, or "" for
// ephemeral stores. The indexer writes its freshness sidecar there.
func (s *Store) CollectionDir(name string) string {
	if s.persistRoot == "" {
		return ""
	}
	return filepath.Join(s.persistRoot, name)
}

// GetOrCreate returns the named collection, loading persisted vectors on
// first access.
func (s *Store) GetOrCreate(name string) (*Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[name]; ok {
		return c, nil
	}

	c := &Collection{
		name:    name,
		store:   s,
		entries: make(map[string]Entry),
	}

	if s.persistRoot != "" {
		if err := c.loadFromDisk(); err != nil {
			return nil, fmt.Errorf("load collection %s: %w", name, err)
		}
	}

	s.collections[name] = c
	return c, nil
}

// Has reports whether a collection exists in memory or on disk.
func (s *Store) Has(name string) bool {
	s.mu.Lock()
	_, ok := s.collections[name]
	s.mu.Unlock()
	if ok {
		return true
	}

	if s.persistRoot != "" {
		if _, err := os.Stat(s.vectorFile(name)); err == nil {
			return true
		}
	}
	return false
}

// Delete drops a collection from memory and removes its on-disk directory.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	delete(s.collections, name)
	s.mu.Unlock()

	if s.persistRoot != "" {
		return os.RemoveAll(filepath.Join(s.persistRoot, name))
	}
	return nil
}

func (s *Store) vectorFile(name string) string {
	return filepath.Join(s.persistRoot, name, "vectors.json")
}

// Collection holds normalized vectors for one repository.
type Collection struct {
	mu        sync.RWMutex
	name      string
	store     *Store
	dimension int
	entries   map[string]Entry
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// Count returns the number of stored vectors.
func (c *Collection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Dimension returns the vector dimension, 0 before the first insert.
func (c *Collection) Dimension() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dimension
}

// Add inserts entries, normalizing vectors for cosine search. The first
// non-empty vector fixes the collection dimension; later mismatches fail.
func (c *Collection) Add(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range entries {
		if len(e.Vector) == 0 {
			continue
		}
		if c.dimension == 0 {
			c.dimension = len(e.Vector)
		}
		if len(e.Vector) != c.dimension {
			return fmt.Errorf("%w: collection %s expects %d, got %d for id %s",
				ErrDimensionMismatch, c.name, c.dimension, len(e.Vector), e.ID)
		}

		e.Vector = normalize(e.Vector)
		c.entries[e.ID] = e
	}

	if c.store.persistRoot != "" {
		return c.saveToDiskLocked()
	}
	return nil
}

// Query returns the k nearest entries by cosine distance. A query whose
// dimension does not match the stored vectors returns no results rather
// than an error, so callers can fall back to lexical ranking.
func (c *Collection) Query(ctx context.Context, query []float32, k int) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.entries) == 0 || len(query) != c.dimension {
		return nil, nil
	}

	normalized := normalize(query)

	results := make([]Result, 0, len(c.entries))
	for _, e := range c.entries {
		dist := cosineDistance(normalized, e.Vector)
		results = append(results, Result{
			ID:       e.ID,
			Distance: dist,
			Score:    1 - dist,
			Document: e.Document,
			Metadata: e.Metadata,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})

	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// persistedCollection is the JSON shape on disk.
type persistedCollection struct {
	Dimension int     `json:"dimension"`
	Entries   []Entry `json:"entries"`
}

func (c *Collection) loadFromDisk() error {
	data, err := os.ReadFile(c.store.vectorFile(c.name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var p persistedCollection
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("corrupt vector file: %w", err)
	}

	c.dimension = p.Dimension
	for _, e := range p.Entries {
		c.entries[e.ID] = e
	}
	return nil
}

func (c *Collection) saveToDiskLocked() error {
	dir := filepath.Join(c.store.persistRoot, c.name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	p := persistedCollection{
		Dimension: c.dimension,
		Entries:   make([]Entry, 0, len(c.entries)),
	}
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p.Entries = append(p.Entries, c.entries[id])
	}

	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	tmp := c.store.vectorFile(c.name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.store.vectorFile(c.name))
}

// cosineDistance is 1 - dot product of two unit vectors, clamped for
// float error.
func cosineDistance(a, b []float32) float32 {
	if len(a) != len(b) {
		return 1.0
	}

	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}

	if dot > 1 {
		dot = 1
	} else if dot < -1 {
		dot = -1
	}
	return 1 - dot
}

// normalize returns a unit-length copy of v.
func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return v
	}

	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
