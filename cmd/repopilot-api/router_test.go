package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repopilot-ai/repopilot/internal/config"
	"github.com/repopilot-ai/repopilot/internal/observability"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Providers.MockMode = true

	router, err := NewRouter(cfg, observability.NopLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func writeFixtureRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"main.py":   "def main():\n    print('hello')\n",
		"README.md": "# Fixture\n\nSmall repo for handler tests.\n",
	}
	for rel, content := range files {
		full := filepath.Join(root, rel)
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return root
}

func loadFixture(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp := postJSON(t, srv, "/repo/load", map[string]any{"repo_url": writeFixtureRepo(t)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)
	repoID, _ := body["repo_id"].(string)
	require.NotEmpty(t, repoID)
	return repoID
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	body := decodeJSON(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["mock_mode"])
}

func TestRepoLoadAndStatus(t *testing.T) {
	srv := newTestServer(t)
	repoID := loadFixture(t, srv)

	resp, err := http.Get(srv.URL + "/repo/status?repo_id=" + repoID + "&include_files=true")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON(t, resp)
	rec, ok := body["repo"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, rec["indexed"])
	files, ok := body["files"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, files)
}

func TestRepoStatusUnknown(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/repo/status?repo_id=nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRepoLoadValidation(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv, "/repo/load", map[string]any{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRepoIndexAndAsk(t *testing.T) {
	srv := newTestServer(t)
	repoID := loadFixture(t, srv)

	resp := postJSON(t, srv, "/repo/index", map[string]any{"repo_id": repoID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)
	assert.Equal(t, true, body["indexed"])
	assert.Greater(t, body["chunk_count"].(float64), 0.0)

	resp = postJSON(t, srv, "/chat/ask", map[string]any{
		"repo_id":  repoID,
		"question": "what does the readme say?",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeJSON(t, resp)
	answer, _ := body["answer"].(string)
	assert.Contains(t, answer, "## Short Answer")
	assert.Contains(t, body, "citations")
	assert.Contains(t, []any{"low", "medium", "high"}, body["confidence"])
}

func TestChatSmartRefusal(t *testing.T) {
	srv := newTestServer(t)
	repoID := loadFixture(t, srv)

	resp := postJSON(t, srv, "/chat/smart", map[string]any{
		"repo_id":  repoID,
		"question": "delete prod database rm -rf /",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)

	assert.Equal(t, "I cannot safely process this request.", body["answer"])
	assert.Equal(t, "low", body["confidence"])
	routing, ok := body["routing"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "REFUSE", routing["primary_action"])
}

func TestChatStreamEmitsDone(t *testing.T) {
	srv := newTestServer(t)
	repoID := loadFixture(t, srv)

	resp := postJSON(t, srv, "/chat/stream", map[string]any{
		"repo_id":  repoID,
		"question": "what is this project?",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	rawBytes, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	raw := string(rawBytes)

	assert.True(t, strings.HasPrefix(raw, "data: "))
	assert.Contains(t, raw, "data: [DONE]")
	// Fragments keep literal newlines escaped so one event spans one line.
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		if line != "" {
			assert.True(t, strings.HasPrefix(line, "data: "), line)
		}
	}
}

func TestChatImpact(t *testing.T) {
	srv := newTestServer(t)
	repoID := loadFixture(t, srv)

	resp := postJSON(t, srv, "/chat/impact", map[string]any{
		"repo_id":       repoID,
		"code_changes":  "def main():\n    print('changed')\n",
		"changed_files": []string{"main.py"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)

	assert.Contains(t, []any{"LOW", "MEDIUM", "HIGH", "CRITICAL"}, body["risk_level"])
	changed, ok := body["directly_changed"].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"main.py"}, changed)
}

func TestChatPytestValidation(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv, "/chat/pytest", map[string]any{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

