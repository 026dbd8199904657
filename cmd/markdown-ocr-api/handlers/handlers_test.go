package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/markdown-ocr/internal/config"
	"github.com/spherical/markdown-ocr/internal/domain"
	"github.com/spherical/markdown-ocr/internal/observability"
)

type fakeService struct {
	tasks     map[string]domain.Task
	submitErr error
	submitted []string
	deleted   []string
}

func (f *fakeService) Submit(ctx context.Context, data []byte, filename string) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, filename)
	id := "task-1"
	f.tasks[id] = domain.NewTask(id, filename)
	return id, nil
}

func (f *fakeService) Poll(ctx context.Context, id string) (domain.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return domain.Task{}, domain.NotFoundError("task "+id+" not found", nil)
	}
	return t, nil
}

func (f *fakeService) Fetch(ctx context.Context, id string) (string, error) {
	t, err := f.Poll(ctx, id)
	if err != nil {
		return "", err
	}
	if t.Status != domain.TaskCompleted {
		return "", domain.NotReadyError("not ready", nil)
	}
	return t.Output, nil
}

func (f *fakeService) Delete(ctx context.Context, id string) error {
	if _, err := f.Poll(ctx, id); err != nil {
		return err
	}
	f.deleted = append(f.deleted, id)
	delete(f.tasks, id)
	return nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

func newTestRouter(svc TaskService, pinger domain.Pinger, maxUpload int64) http.Handler {
	logger := observability.Nop()
	tasks := NewTaskHandler(logger, svc, maxUpload)
	health := NewHealthHandler(logger, pinger, config.DefaultConfig())

	r := chi.NewRouter()
	r.Get("/", health.Root)
	r.Get("/health", health.Health)
	r.Post("/api/v1/upload", tasks.Upload)
	r.Get("/api/v1/status/{taskId}", tasks.Status)
	r.Get("/api/v1/download/{taskId}", tasks.Download)
	r.Delete("/api/v1/tasks/{taskId}", tasks.Delete)
	return r
}

func multipartBody(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestUpload(t *testing.T) {
	svc := &fakeService{tasks: map[string]domain.Task{}}
	router := newTestRouter(svc, fakePinger{}, 1<<20)

	body, ctype := multipartBody(t, "report.pdf", []byte("%PDF-1.4"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	got := decode(t, rec)
	assert.Equal(t, "task-1", got["task_id"])
	assert.Equal(t, "report.pdf", got["filename"])
	assert.Equal(t, "pending", got["status"])
	assert.NotEmpty(t, got["message"])
	assert.Equal(t, []string{"report.pdf"}, svc.submitted)
}

func TestUpload_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  []byte
		limit    int64
		wantCode int
	}{
		{"not a pdf", "notes.txt", []byte("hello"), 1 << 20, http.StatusBadRequest},
		{"too large", "big.pdf", bytes.Repeat([]byte("x"), 4096), 1024, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{tasks: map[string]domain.Task{}}
			router := newTestRouter(svc, fakePinger{}, tt.limit)

			body, ctype := multipartBody(t, tt.filename, tt.content)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
			req.Header.Set("Content-Type", ctype)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Contains(t, decode(t, rec), "error")
			assert.Empty(t, svc.submitted)
		})
	}

	t.Run("missing file field", func(t *testing.T) {
		router := newTestRouter(&fakeService{tasks: map[string]domain.Task{}}, fakePinger{}, 1<<20)
		body := &bytes.Buffer{}
		mw := multipart.NewWriter(body)
		require.NoError(t, mw.WriteField("other", "x"))
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("storage failure", func(t *testing.T) {
		svc := &fakeService{tasks: map[string]domain.Task{}, submitErr: domain.IOError("failed to save upload", errors.New("disk full"))}
		router := newTestRouter(svc, fakePinger{}, 1<<20)

		body, ctype := multipartBody(t, "a.pdf", []byte("%PDF"))
		req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
		req.Header.Set("Content-Type", ctype)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		got := decode(t, rec)
		assert.Equal(t, "failed to save upload", got["detail"])
		assert.NotContains(t, rec.Body.String(), "disk full")
	})
}

func TestStatus(t *testing.T) {
	task := domain.NewTask("abc", "doc.pdf")
	task.Status = domain.TaskProcessing
	task.CurrentPage = 2
	task.TotalPages = 5
	svc := &fakeService{tasks: map[string]domain.Task{"abc": task}}
	router := newTestRouter(svc, fakePinger{}, 1<<20)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status/abc", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode(t, rec)
	assert.Equal(t, "abc", got["id"])
	assert.Equal(t, "processing", got["status"])
	assert.EqualValues(t, 2, got["current_page"])
	assert.EqualValues(t, 5, got["total_pages"])
	assert.NotContains(t, got, "error")
	assert.NotContains(t, got, "output")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownload(t *testing.T) {
	done := domain.NewTask("done", "Quarterly Report.pdf")
	done.Status = domain.TaskCompleted
	done.TotalPages, done.CurrentPage = 1, 1
	done.Output = "# Report"

	running := domain.NewTask("running", "x.pdf")
	running.Status = domain.TaskProcessing

	svc := &fakeService{tasks: map[string]domain.Task{"done": done, "running": running}}
	router := newTestRouter(svc, fakePinger{}, 1<<20)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/download/done", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# Report", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/markdown")
	assert.Equal(t, `attachment; filename="Quarterly Report.md"`, rec.Header().Get("Content-Disposition"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/download/running", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "processing")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/download/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDelete(t *testing.T) {
	svc := &fakeService{tasks: map[string]domain.Task{"abc": domain.NewTask("abc", "a.pdf")}}
	router := newTestRouter(svc, fakePinger{}, 1<<20)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/abc", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"abc"}, svc.deleted)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/abc", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		router := newTestRouter(&fakeService{}, fakePinger{}, 1<<20)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		got := decode(t, rec)
		assert.Equal(t, "healthy", got["status"])
		assert.Equal(t, "connected", got["llm"])
		cfg := got["configuration"].(map[string]any)
		assert.Equal(t, "lm_studio", cfg["llm_provider"])
		assert.Equal(t, "http://localhost:1234/v1", cfg["base_url"])
	})

	t.Run("model server down", func(t *testing.T) {
		pinger := fakePinger{err: domain.ProviderUnavailableError("connection refused", nil)}
		router := newTestRouter(&fakeService{}, pinger, 1<<20)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		got := decode(t, rec)
		assert.Equal(t, "degraded", got["status"])
		assert.Equal(t, "model provider unavailable: connection refused", got["llm_error"])
	})

	t.Run("root", func(t *testing.T) {
		router := newTestRouter(&fakeService{}, fakePinger{}, 1<<20)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		got := decode(t, rec)
		assert.Equal(t, "online", got["status"])
		assert.Equal(t, Version, got["version"])
	})
}

func TestDownloadName(t *testing.T) {
	assert.Equal(t, "report.md", downloadName("report.pdf"))
	assert.Equal(t, "a.b.md", downloadName("a.b.PDF"))
	assert.Equal(t, "converted.md", downloadName(".pdf"))
}

func TestToStatusDTO(t *testing.T) {
	task := domain.NewTask("id", "f.pdf")
	task.CreatedAt = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, "2024-01-02T03:04:05Z", toStatusDTO(task).CreatedAt)
}
