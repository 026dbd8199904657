package commands

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/markdown-ocr/cmd/markdown-ocr/ui"
	"github.com/spherical/markdown-ocr/internal/pdf/pdftest"
)

// fakeModelServer answers the two endpoints the CLI uses.
func fakeModelServer(t *testing.T, reply string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"data":[{"id":"test-model"}]}`))
		case "/v1/chat/completions":
			if calls != nil {
				calls.Add(1)
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": reply}}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("CONFIG_PATH", "")

	var out bytes.Buffer
	ui.SetOutput(&out, &out)
	t.Cleanup(func() { ui.SetOutput(os.Stdout, os.Stderr) })

	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--no-color"))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "markdown-ocr version dev")
}

func TestCheck(t *testing.T) {
	srv := fakeModelServer(t, "Connection successful!", nil)

	out, err := execute(t, "check", "--provider", "ollama", "--model", "test-model", "--base-url", srv.URL+"/v1")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Model server is reachable")
	assert.Contains(t, out, "Connection successful!")
}

func TestCheck_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	out, err := execute(t, "check", "--provider", "lm_studio", "--base-url", srv.URL+"/v1")
	require.Error(t, err)
	assert.Contains(t, out, "model provider unavailable")
	assert.Contains(t, out, "LM Studio")
}

func TestConvert(t *testing.T) {
	var calls atomic.Int32
	srv := fakeModelServer(t, "| a | b |", &calls)

	dir := t.TempDir()
	input := pdftest.WriteFile(t, "table.pdf", "first", "second")
	output := filepath.Join(dir, "table.md")

	out, err := execute(t, "convert", input, "-o", output, "--base-url", srv.URL+"/v1")
	require.NoError(t, err, out)

	got, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "| a | b |\n\n| a | b |", string(got))
	assert.EqualValues(t, 2, calls.Load())
	assert.Contains(t, out, "Converted 2 pages")
}

func TestConvert_ModelRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"model not found"}`))
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	input := pdftest.WriteFile(t, "doc.pdf", "only page")
	output := filepath.Join(dir, "doc.md")

	_, err := execute(t, "convert", input, "-o", output, "--base-url", srv.URL+"/v1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page 1")
	assert.NoFileExists(t, output)
}

func TestDefaultOutputPath(t *testing.T) {
	assert.Equal(t, filepath.Join("docs", "report.md"), defaultOutputPath(filepath.Join("docs", "report.pdf")))
	assert.Equal(t, "scan.md", defaultOutputPath("scan.PDF"))
}
