// Package repo manages repository lifecycle: cloning, scanning, and the
// persistent registry.
package repo

import "time"

// Stats summarizes the eligible files of a repository.
type Stats struct {
	TotalFiles     int            `json:"total_files"`
	TotalSizeBytes int64          `json:"total_size_bytes"`
	Languages      map[string]int `json:"languages"`
}

// Record is the canonical mutable state for a loaded repository.
// It is owned by the Manager; the Indexer mutates it through Update.
type Record struct {
	RepoID     string `json:"repo_id"`
	RepoName   string `json:"repo_name"`
	RepoURL    string `json:"repo_url"`
	CommitHash string `json:"commit_hash"`
	Branch     string `json:"branch"`
	LocalPath  string `json:"local_path"`
	Stats      Stats  `json:"stats"`

	Indexed    bool `json:"indexed"`
	ChunkCount int  `json:"chunk_count"`
	IsIndexing bool `json:"is_indexing"`

	IndexProgressPct     float64 `json:"index_progress_pct"`
	IndexProcessedChunks int     `json:"index_processed_chunks"`
	IndexTotalChunks     int     `json:"index_total_chunks"`

	LoadedAt time.Time `json:"loaded_at"`
}

// FileInfo describes one eligible file inside a repository.
type FileInfo struct {
	FilePath        string `json:"file_path"`
	Size            int64  `json:"size"`
	Language        string `json:"language"`
	EstimatedTokens int64  `json:"estimated_tokens"`
}
