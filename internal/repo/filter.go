package repo

import (
	"io/fs"
	"path"
	"path/filepath"
	"strings"
)

// includedExtensions covers common source, web, config, doc, data, and
// shell formats. Everything else is skipped during scans.
var includedExtensions = map[string]bool{
	// Source code
	".py": true, ".js": true, ".ts": true, ".jsx": true, ".tsx": true,
	".java": true, ".go": true, ".rs": true, ".rb": true,
	".c": true, ".cpp": true, ".h": true, ".hpp": true,
	".cs": true, ".swift": true, ".kt": true, ".scala": true,
	".php": true, ".pl": true, ".r": true, ".m": true, ".mm": true,
	".lua": true, ".sh": true, ".bash": true, ".zsh": true,
	".ps1": true, ".psm1": true, ".bat": true, ".cmd": true,
	// Web
	".html": true, ".css": true, ".scss": true, ".sass": true,
	".less": true, ".vue": true, ".svelte": true,
	// Config
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".ini": true, ".cfg": true, ".conf": true, ".xml": true,
	".env.example": true, ".env.sample": true,
	// Docs
	".md": true, ".rst": true, ".txt": true, ".adoc": true,
	// Data
	".sql": true, ".graphql": true, ".gql": true,
	// Other
	".dockerfile": true, ".gitignore": true, ".gitattributes": true,
}

// excludedDirs are skipped case-insensitively; entries with a * are glob
// patterns.
var excludedDirs = []string{
	".git", "node_modules", "__pycache__", ".venv", "venv", "env",
	"dist", "build", "out", "target", ".next", ".nuxt", "coverage",
	".pytest_cache", ".mypy_cache", ".tox", "vendor", "bower_components",
	"jspm_packages", ".idea", ".vscode", ".vs", "*.egg-info",
}

// excludedFiles are lock files and OS metadata.
var excludedFiles = map[string]bool{
	"package-lock.json": true,
	"yarn.lock":         true,
	"pnpm-lock.yaml":    true,
	"cargo.lock":        true,
	"gemfile.lock":      true,
	"poetry.lock":       true,
	".ds_store":         true,
	"thumbs.db":         true,
}

// specialFiles maps extension-less well-known filenames to a normalized
// extension key.
var specialFiles = map[string]string{
	"dockerfile":     ".dockerfile",
	"makefile":       ".makefile",
	"rakefile":       ".rakefile",
	"gemfile":        ".gemfile",
	".gitignore":     ".gitignore",
	".gitattributes": ".gitattributes",
	".env.example":   ".env.example",
	".env.sample":    ".env.sample",
}

// isExcludedDir reports whether a directory name should be pruned.
func isExcludedDir(name string) bool {
	lowered := strings.ToLower(name)
	for _, pattern := range excludedDirs {
		if strings.Contains(pattern, "*") {
			if ok, _ := path.Match(pattern, lowered); ok {
				return true
			}
		} else if lowered == pattern {
			return true
		}
	}
	return false
}

// classifyFileName returns the normalized extension key for included files,
// or "" when the file should be skipped.
func classifyFileName(name string) string {
	lowered := strings.ToLower(name)

	if excludedFiles[lowered] {
		return ""
	}

	if ext, ok := specialFiles[lowered]; ok {
		return ext
	}

	ext := path.Ext(lowered)
	if includedExtensions[ext] {
		return ext
	}

	return ""
}

// candidateFile is one scan hit.
type candidateFile struct {
	fullPath     string
	relativePath string // repo-relative, forward slashes
	ext          string // normalized extension key
}

// walkCandidates yields eligible files under root with excluded directories
// pruned. The visit callback returning an error stops the walk.
func walkCandidates(root string, visit func(candidateFile) error) error {
	return filepath.WalkDir(root, func(fullPath string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if fullPath != root && isExcludedDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}

		ext := classifyFileName(d.Name())
		if ext == "" {
			return nil
		}

		rel, relErr := filepath.Rel(root, fullPath)
		if relErr != nil {
			return nil
		}

		return visit(candidateFile{
			fullPath:     fullPath,
			relativePath: filepath.ToSlash(rel),
			ext:          ext,
		})
	})
}

// LanguageFromExt strips the leading dot off a normalized extension key.
func LanguageFromExt(ext string) string {
	return strings.TrimPrefix(ext, ".")
}
