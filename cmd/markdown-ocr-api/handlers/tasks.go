package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/spherical/markdown-ocr/internal/domain"
	"github.com/spherical/markdown-ocr/internal/observability"
)

// multipartMemory is how much of a multipart body is held in memory before
// spilling to temp files.
const multipartMemory = 32 << 20

// TaskService is the conversion surface the handlers need.
type TaskService interface {
	Submit(ctx context.Context, data []byte, filename string) (string, error)
	Poll(ctx context.Context, taskID string) (domain.Task, error)
	Fetch(ctx context.Context, taskID string) (string, error)
	Delete(ctx context.Context, taskID string) error
}

// TaskHandler handles upload, status, download and delete requests.
type TaskHandler struct {
	logger         *observability.Logger
	service        TaskService
	maxUploadBytes int64
}

// NewTaskHandler creates a new task handler.
func NewTaskHandler(logger *observability.Logger, service TaskService, maxUploadBytes int64) *TaskHandler {
	return &TaskHandler{
		logger:         logger,
		service:        service,
		maxUploadBytes: maxUploadBytes,
	}
}

// UploadResponseDTO is returned when a document is accepted.
type UploadResponseDTO struct {
	TaskID   string `json:"task_id"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// TaskStatusDTO is the observable state of a task.
type TaskStatusDTO struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	Status      string `json:"status"`
	CurrentPage int    `json:"current_page"`
	TotalPages  int    `json:"total_pages"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func toStatusDTO(t domain.Task) TaskStatusDTO {
	return TaskStatusDTO{
		ID:          t.ID,
		Filename:    t.Filename,
		Status:      string(t.Status),
		CurrentPage: t.CurrentPage,
		TotalPages:  t.TotalPages,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   t.UpdatedAt.Format(time.RFC3339),
	}
}

// Upload handles POST /api/v1/upload.
func (h *TaskHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if isTooLarge(err) {
			h.writeTooLarge(w)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form", err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required", err.Error())
		return
	}
	defer file.Close()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".pdf") {
		writeError(w, http.StatusBadRequest, "Only PDF files are supported.", "")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		if isTooLarge(err) {
			h.writeTooLarge(w)
			return
		}
		writeError(w, http.StatusBadRequest, "could not read upload", err.Error())
		return
	}

	taskID, err := h.service.Submit(r.Context(), data, header.Filename)
	if err != nil {
		writeDomainError(w, h.logger, "Could not save file", err)
		return
	}

	writeJSON(w, http.StatusAccepted, UploadResponseDTO{
		TaskID:   taskID,
		Filename: header.Filename,
		Status:   string(domain.TaskPending),
		Message:  "File uploaded successfully. Conversion started.",
	})
}

// isTooLarge reports whether err came from the upload size limit. The
// multipart reader does not always wrap the underlying error.
func isTooLarge(err error) bool {
	var tooLarge *http.MaxBytesError
	return errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large")
}

func (h *TaskHandler) writeTooLarge(w http.ResponseWriter) {
	writeError(w, http.StatusRequestEntityTooLarge, "file too large",
		fmt.Sprintf("uploads are limited to %d MB", h.maxUploadBytes>>20))
}

// Status handles GET /api/v1/status/{taskId}.
func (h *TaskHandler) Status(w http.ResponseWriter, r *http.Request) {
	t, err := h.service.Poll(r.Context(), chi.URLParam(r, "taskId"))
	if err != nil {
		writeDomainError(w, h.logger, "Could not read task status", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusDTO(t))
}

// Download handles GET /api/v1/download/{taskId}.
func (h *TaskHandler) Download(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")

	t, err := h.service.Poll(r.Context(), taskID)
	if err != nil {
		writeDomainError(w, h.logger, "Could not read task", err)
		return
	}
	if t.Status != domain.TaskCompleted {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("File is not ready. Current status: %s", t.Status), "")
		return
	}

	markdown, err := h.service.Fetch(r.Context(), taskID)
	if err != nil {
		writeDomainError(w, h.logger, "Could not read output", err)
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadName(t.Filename)))
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, markdown)
}

// Delete handles DELETE /api/v1/tasks/{taskId}.
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	if err := h.service.Delete(r.Context(), taskID); err != nil {
		writeDomainError(w, h.logger, "Could not delete task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// downloadName turns "report.pdf" into "report.md".
func downloadName(filename string) string {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	if base == "" || base == "." {
		base = "converted"
	}
	return base + ".md"
}
