// Package chunker splits repository files into line-ranged chunks with
// deterministic IDs.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
)

// Chunk is a contiguous, line-addressed slice of a repository file.
type Chunk struct {
	ChunkID    string `json:"chunk_id"`
	RepoID     string `json:"repo_id"`
	FilePath   string `json:"file_path"`
	StartLine  int    `json:"start_line"` // 1-indexed
	EndLine    int    `json:"end_line"`   // 1-indexed, inclusive
	Language   string `json:"language"`
	ChunkType  string `json:"chunk_type"` // code, doc, or config
	TokenCount int    `json:"token_count"`
	Content    string `json:"content"`
}

// LineRange formats the chunk's range as "L<start>-L<end>".
func (c *Chunk) LineRange() string {
	return fmt.Sprintf("L%d-L%d", c.StartLine, c.EndLine)
}

// Stats aggregates chunking results across a repository.
type Stats struct {
	TotalFiles  int            `json:"total_files"`
	TotalChunks int            `json:"total_chunks"`
	TotalTokens int            `json:"total_tokens"`
	ByType      map[string]int `json:"by_type"`
	ByLanguage  map[string]int `json:"by_language"`
}

var codeExtensions = map[string]bool{
	".py": true, ".js": true, ".ts": true, ".jsx": true, ".tsx": true,
	".java": true, ".go": true, ".rs": true, ".rb": true,
	".c": true, ".cpp": true, ".h": true, ".hpp": true,
	".cs": true, ".swift": true, ".kt": true, ".scala": true,
	".php": true, ".pl": true, ".lua": true, ".sh": true,
	".bash": true, ".zsh": true, ".ps1": true, ".psm1": true,
}

var docExtensions = map[string]bool{
	".md": true, ".rst": true, ".txt": true, ".adoc": true,
}

var configExtensions = map[string]bool{
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".ini": true, ".cfg": true, ".conf": true, ".xml": true,
}

var languageByExt = map[string]string{
	".py":    "python",
	".js":    "javascript",
	".ts":    "typescript",
	".jsx":   "jsx",
	".tsx":   "tsx",
	".java":  "java",
	".go":    "go",
	".rs":    "rust",
	".rb":    "ruby",
	".c":     "c",
	".cpp":   "cpp",
	".h":     "c",
	".hpp":   "cpp",
	".cs":    "csharp",
	".swift": "swift",
	".kt":    "kotlin",
	".scala": "scala",
	".php":   "php",
	".md":    "markdown",
	".json":  "json",
	".yaml":  "yaml",
	".yml":   "yaml",
	".toml":  "toml",
	".xml":   "xml",
	".html":  "html",
	".css":   "css",
	".sql":   "sql",
	".sh":    "bash",
}

// EstimateTokens is a rough token estimate (1 token per 4 chars of code).
func EstimateTokens(text string) int {
	return len(text) / 4
}

// GenerateChunkID derives the deterministic 16-hex chunk ID.
func GenerateChunkID(repoID, filePath string, startLine int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%s:%d", repoID, filePath, startLine))
	return hex.EncodeToString(sum[:])[:16]
}

// Chunker splits file content by type-aware strategies.
type Chunker struct {
	codeChunkLines int
	codeOverlap    int
	docChunkTokens int
	docOverlap     int
}

// New creates a Chunker. Non-positive arguments fall back to defaults
// (150-line code windows with 20-line overlap, 500-token doc chunks).
func New(codeChunkLines, codeOverlap, docChunkTokens, docOverlap int) *Chunker {
	if codeChunkLines <= 0 {
		codeChunkLines = 150
	}
	if codeOverlap <= 0 {
		codeOverlap = 20
	}
	if docChunkTokens <= 0 {
		docChunkTokens = 500
	}
	if docOverlap <= 0 {
		docOverlap = 50
	}
	return &Chunker{
		codeChunkLines: codeChunkLines,
		codeOverlap:    codeOverlap,
		docChunkTokens: docChunkTokens,
		docOverlap:     docOverlap,
	}
}

// ChunkType classifies a file path. Unknown extensions default to code.
func ChunkType(filePath string) string {
	ext := strings.ToLower(path.Ext(filePath))
	switch {
	case codeExtensions[ext]:
		return "code"
	case docExtensions[ext]:
		return "doc"
	case configExtensions[ext]:
		return "config"
	default:
		return "code"
	}
}

// Language maps a file path to a lowercase language name. Unmapped
// extensions fall back to the suffix with the dot stripped, or "text".
func Language(filePath string) string {
	ext := strings.ToLower(path.Ext(filePath))
	if lang, ok := languageByExt[ext]; ok {
		return lang
	}
	if ext != "" {
		return strings.TrimPrefix(ext, ".")
	}
	return "text"
}

// ChunkFile splits one file by its type. Pure and deterministic: identical
// input always produces identical chunks.
func (c *Chunker) ChunkFile(content, repoID, filePath string) []Chunk {
	switch ChunkType(filePath) {
	case "doc":
		return c.chunkDoc(content, repoID, filePath)
	case "config":
		return c.chunkConfig(content, repoID, filePath)
	default:
		return c.chunkCode(content, repoID, filePath)
	}
}

// ChunkRepository chunks every file and accumulates stats. Per-file
// failures are skipped, not fatal.
func (c *Chunker) ChunkRepository(repoID string, fileContents map[string]string, order []string) ([]Chunk, Stats) {
	stats := Stats{
		ByType:     make(map[string]int),
		ByLanguage: make(map[string]int),
	}

	paths := order
	if paths == nil {
		paths = make([]string, 0, len(fileContents))
		for p := range fileContents {
			paths = append(paths, p)
		}
	}

	var all []Chunk
	for _, filePath := range paths {
		content, ok := fileContents[filePath]
		if !ok {
			continue
		}

		chunks := c.ChunkFile(content, repoID, filePath)
		all = append(all, chunks...)

		stats.TotalFiles++
		for i := range chunks {
			stats.TotalChunks++
			stats.TotalTokens += chunks[i].TokenCount
			stats.ByType[chunks[i].ChunkType]++
			stats.ByLanguage[chunks[i].Language]++
		}
	}

	return all, stats
}

// chunkCode splits by lines with a sliding window and overlap.
func (c *Chunker) chunkCode(content, repoID, filePath string) []Chunk {
	lines := splitKeepEnds(content)
	if len(lines) == 0 {
		return nil
	}

	language := Language(filePath)
	var chunks []Chunk

	i := 0
	for i < len(lines) {
		end := i + c.codeChunkLines
		if end > len(lines) {
			end = len(lines)
		}

		chunkContent := strings.Join(lines[i:end], "")
		startLine := i + 1

		chunks = append(chunks, Chunk{
			ChunkID:    GenerateChunkID(repoID, filePath, startLine),
			RepoID:     repoID,
			FilePath:   filePath,
			StartLine:  startLine,
			EndLine:    end,
			Language:   language,
			ChunkType:  "code",
			TokenCount: EstimateTokens(chunkContent),
			Content:    chunkContent,
		})

		if end < len(lines) {
			i = end - c.codeOverlap
		} else {
			i = end
		}
		// Guard against a window that never advances on very small files.
		if i <= chunks[len(chunks)-1].StartLine-1 {
			i = end
		}
	}

	return chunks
}

// chunkDoc accumulates lines until the token budget would overflow, then
// starts the next chunk with a small tail overlap.
func (c *Chunker) chunkDoc(content, repoID, filePath string) []Chunk {
	lines := splitKeepEnds(content)
	if len(lines) == 0 {
		return nil
	}

	language := Language(filePath)
	var chunks []Chunk

	var current []string
	currentStart := 1
	currentTokens := 0

	flush := func(chunkEndExclusive int) {
		chunkContent := strings.Join(current, "")
		chunks = append(chunks, Chunk{
			ChunkID:    GenerateChunkID(repoID, filePath, currentStart),
			RepoID:     repoID,
			FilePath:   filePath,
			StartLine:  currentStart,
			EndLine:    currentStart + len(current) - 1,
			Language:   language,
			ChunkType:  "doc",
			TokenCount: currentTokens,
			Content:    chunkContent,
		})
		_ = chunkEndExclusive
	}

	for i, line := range lines {
		lineTokens := EstimateTokens(line)

		if currentTokens+lineTokens > c.docChunkTokens && len(current) > 0 {
			flush(i)

			// Tail overlap, roughly 50 tokens per line.
			overlapLines := c.docOverlap / 50
			if overlapLines < 1 {
				overlapLines = 1
			}
			overlapStart := len(current) - overlapLines
			if overlapStart < 0 {
				overlapStart = 0
			}
			current = append([]string(nil), current[overlapStart:]...)
			currentStart = i + 1 - len(current)
			currentTokens = 0
			for _, l := range current {
				currentTokens += EstimateTokens(l)
			}
		}

		current = append(current, line)
		currentTokens += lineTokens
	}

	if len(current) > 0 {
		flush(len(lines))
	}

	return chunks
}

// chunkConfig keeps small files whole; large ones fall through to the code
// strategy.
func (c *Chunker) chunkConfig(content, repoID, filePath string) []Chunk {
	tokens := EstimateTokens(content)
	if tokens >= c.docChunkTokens {
		return c.chunkCode(content, repoID, filePath)
	}

	lines := splitKeepEnds(content)
	endLine := len(lines)
	if endLine == 0 {
		endLine = 1
	}

	return []Chunk{{
		ChunkID:    GenerateChunkID(repoID, filePath, 1),
		RepoID:     repoID,
		FilePath:   filePath,
		StartLine:  1,
		EndLine:    endLine,
		Language:   Language(filePath),
		ChunkType:  "config",
		TokenCount: tokens,
		Content:    content,
	}}
}

// splitKeepEnds splits into lines preserving newline characters, matching
// the addressing used by chunk IDs.
func splitKeepEnds(content string) []string {
	if content == "" {
		return nil
	}

	var lines []string
	start := 0
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' {
			lines = append(lines, content[start:i+1])
			start = i + 1
		}
	}
	if start < len(content) {
		lines = append(lines, content[start:])
	}
	return lines
}
