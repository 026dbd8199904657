package ocr

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/markdown-ocr/internal/config"
	"github.com/spherical/markdown-ocr/internal/convert"
	"github.com/spherical/markdown-ocr/internal/domain"
	"github.com/spherical/markdown-ocr/internal/llm"
	"github.com/spherical/markdown-ocr/internal/pdf"
	"github.com/spherical/markdown-ocr/internal/prompt"
	"github.com/spherical/markdown-ocr/internal/storage"
	"github.com/spherical/markdown-ocr/internal/task"
)

// TestLiveConversion runs a real document through a running model server.
// Set MARKDOWN_OCR_LIVE_PDF to a PDF path to enable it.
func TestLiveConversion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping live model test in short mode")
	}

	_ = godotenv.Load("../../.env")

	pdfPath := os.Getenv("MARKDOWN_OCR_LIVE_PDF")
	if pdfPath == "" {
		t.Skip("MARKDOWN_OCR_LIVE_PDF not set")
	}
	data, err := os.ReadFile(pdfPath)
	if err != nil {
		t.Skipf("sample PDF not readable: %v", err)
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	require.NoError(t, err)

	backend, err := llm.NewBackend(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	if err := backend.Ping(ctx); err != nil {
		t.Skipf("model server not reachable at %s: %v", cfg.BaseURL(), err)
	}

	root := t.TempDir()
	store, err := storage.NewFileStore(filepath.Join(root, "uploads"), filepath.Join(root, "outputs"))
	require.NoError(t, err)

	registry := task.NewMemoryRegistry(0)
	defer registry.Close()

	engine := convert.NewEngine(registry, backend, prompt.NewBuilder(cfg.Conversion.ContextCharBudget),
		store, convert.OptionsFromConfig(cfg), nil)
	svc := NewService(registry, engine, store, PDFSources(pdf.OptionsFromConfig(cfg)), nil)
	defer svc.Shutdown(context.Background())

	id, err := svc.Submit(ctx, data, filepath.Base(pdfPath))
	require.NoError(t, err)

	final, err := svc.Wait(ctx, id, time.Second, func(snap domain.Task) {
		t.Logf("status=%s page %d/%d", snap.Status, snap.CurrentPage, snap.TotalPages)
	})
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, final.Status, final.Error)

	assert.Equal(t, final.TotalPages, final.CurrentPage)
	assert.NotEmpty(t, final.Output)
	t.Logf("converted %d pages into %d characters", final.TotalPages, len(final.Output))
}
