package repo

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// downloadArchive fetches the hosted ZIP archive of a repository and unpacks
// it into tempPath. Used when no git binary is present.
func (m *Manager) downloadArchive(ctx context.Context, owner, repoName, branch, tempPath string) error {
	ref := "HEAD"
	if branch != "" {
		ref = "refs/heads/" + branch
	}
	url := fmt.Sprintf("https://codeload.github.com/%s/%s/zip/%s", owner, repoName, ref)

	dlCtx, cancel := context.WithTimeout(ctx, m.cfg.CloneTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: build archive request: %v", ErrClone, err)
	}

	client := &http.Client{Timeout: m.cfg.CloneTimeout()}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: archive download: %v", ErrClone, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: archive download status %d", ErrClone, resp.StatusCode)
	}

	zipFile, err := os.CreateTemp("", "repopilot_archive_*.zip")
	if err != nil {
		return fmt.Errorf("%w: create archive temp file: %v", ErrClone, err)
	}
	defer os.Remove(zipFile.Name())

	written, err := io.Copy(zipFile, io.LimitReader(resp.Body, m.cfg.MaxRepoSizeBytes()+1))
	if closeErr := zipFile.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("%w: save archive: %v", ErrClone, err)
	}
	if written > m.cfg.MaxRepoSizeBytes() {
		return fmt.Errorf("%w: archive exceeds limit of %dMB", ErrTooLarge, m.cfg.Storage.MaxRepoSizeMB)
	}

	if err := unzipStripRoot(zipFile.Name(), tempPath); err != nil {
		_ = safeRemoveTree(tempPath, 2)
		return fmt.Errorf("%w: unpack archive: %v", ErrClone, err)
	}

	m.logger.Info().Str("url", url).Int64("bytes", written).Msg("downloaded archive")
	return nil
}

// unzipStripRoot extracts a ZIP archive, dropping the single top-level
// directory GitHub archives wrap everything in.
func unzipStripRoot(zipPath, dst string) error {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer reader.Close()

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}

	for _, file := range reader.File {
		name := stripArchiveRoot(file.Name)
		if name == "" {
			continue
		}

		target := filepath.Join(dst, filepath.FromSlash(name))
		if !strings.HasPrefix(target, filepath.Clean(dst)+string(filepath.Separator)) {
			// Zip-slip entry; skip it.
			continue
		}

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		if err := extractZipFile(file, target); err != nil {
			return err
		}
	}

	// Touch mtime so the stale-temp sweep sees a fresh directory.
	now := time.Now()
	_ = os.Chtimes(dst, now, now)

	return nil
}

func stripArchiveRoot(name string) string {
	_, rest, found := strings.Cut(name, "/")
	if !found {
		return ""
	}
	return rest
}

func extractZipFile(file *zip.File, target string) error {
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, file.Mode().Perm()|0o200)
	if err != nil {
		return err
	}

	_, err = io.Copy(dst, src)
	if closeErr := dst.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
