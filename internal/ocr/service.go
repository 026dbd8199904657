// Package ocr is the submit / poll / fetch surface over the conversion
// engine. Every submitted document runs in its own goroutine.
package ocr

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spherical/markdown-ocr/internal/convert"
	"github.com/spherical/markdown-ocr/internal/domain"
	"github.com/spherical/markdown-ocr/internal/observability"
	"github.com/spherical/markdown-ocr/internal/pdf"
	"github.com/spherical/markdown-ocr/internal/task"
)

// UploadStore keeps uploaded documents until their task is deleted or
// expires.
type UploadStore interface {
	SaveUpload(taskID string, data []byte) (string, error)
	Remove(taskID string) error
	Prune(cutoff time.Time, keep func(taskID string) bool) (int, error)
}

const (
	// abandonTimeout bounds recording the failure of a task that never ran.
	abandonTimeout = 10 * time.Second

	maxRetentionInterval = 10 * time.Minute
)

var errShuttingDown = domain.CancelledError("service is shutting down", nil)

// SourceFactory opens the page source for a stored upload
type SourceFactory func(path string) domain.PageSource

// PDFSources returns a factory reading uploads with the given rendering options.
func PDFSources(opts pdf.Options) SourceFactory {
	return func(path string) domain.PageSource {
		return pdf.NewFileSource(path, opts)
	}
}

// run tracks one in-flight conversion.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Service accepts documents and exposes their conversion state.
type Service struct {
	registry task.Registry
	engine   *convert.Engine
	uploads  UploadStore
	sources  SourceFactory
	logger   *observability.Logger

	base     context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  map[string]*run
	shutdown bool
}

// NewService wires the service. logger may be nil.
func NewService(
	registry task.Registry,
	engine *convert.Engine,
	uploads UploadStore,
	sources SourceFactory,
	logger *observability.Logger,
) *Service {
	if logger == nil {
		logger = observability.Nop()
	}
	base, stop := context.WithCancel(context.Background())
	return &Service{
		registry: registry,
		engine:   engine,
		uploads:  uploads,
		sources:  sources,
		logger:   logger.WithOperation("ocr"),
		base:     base,
		stop:     stop,
		running:  make(map[string]*run),
	}
}

// Submit registers a new task for the document and starts converting it.
// The task is pending in the registry before Submit returns.
func (s *Service) Submit(ctx context.Context, data []byte, filename string) (string, error) {
	name := filepath.Base(strings.TrimSpace(filename))
	if !strings.EqualFold(filepath.Ext(name), ".pdf") {
		return "", domain.ValidationError("only PDF files are supported", nil)
	}
	if len(data) == 0 {
		return "", domain.ValidationError("uploaded file is empty", nil)
	}

	s.mu.Lock()
	closed := s.shutdown
	s.mu.Unlock()
	if closed {
		return "", errShuttingDown
	}

	t, err := s.registry.Create(ctx, name)
	if err != nil {
		return "", err
	}
	logger := s.logger.WithTask(t.ID)

	path, err := s.uploads.SaveUpload(t.ID, data)
	if err != nil {
		s.abandon(ctx, t.ID, domain.UserMessage(err), logger)
		return "", err
	}

	// Shutdown may have begun while the upload was written.
	if err := s.start(t.ID, path); err != nil {
		s.abandon(ctx, t.ID, "service is shutting down", logger)
		return "", err
	}

	logger.Info().
		Str("filename", name).
		Int("bytes", len(data)).
		Msg("Task submitted")

	return t.ID, nil
}

func (s *Service) start(taskID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return errShuttingDown
	}

	runCtx, cancel := context.WithCancel(observability.ContextWithTaskID(s.base, taskID))
	r := &run{cancel: cancel, done: make(chan struct{})}
	s.running[taskID] = r
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer close(r.done)
		defer s.release(taskID)
		defer cancel()

		// Failures are recorded on the task by the engine.
		_ = s.engine.Run(runCtx, taskID, s.sources(path))
	}()

	return nil
}

// abandon fails a task that was created but never started and drops its
// upload, so no task is left pending without a run behind it.
func (s *Service) abandon(ctx context.Context, taskID, reason string, logger *observability.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()

	if _, err := s.registry.Update(ctx, taskID, func(t *domain.Task) error {
		t.Status = domain.TaskFailed
		t.Error = reason
		return nil
	}); err != nil {
		logger.Warn().Err(err).Msg("Could not record submit failure")
	}
	if err := s.uploads.Remove(taskID); err != nil {
		logger.Warn().Err(err).Msg("Could not remove upload")
	}
}

func (s *Service) release(taskID string) {
	s.mu.Lock()
	delete(s.running, taskID)
	s.mu.Unlock()
}

// Poll returns the latest committed snapshot of the task.
func (s *Service) Poll(ctx context.Context, taskID string) (domain.Task, error) {
	return s.registry.Get(ctx, taskID)
}

// Fetch returns the converted markdown of a completed task.
func (s *Service) Fetch(ctx context.Context, taskID string) (string, error) {
	t, err := s.registry.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	if t.Status != domain.TaskCompleted {
		return "", domain.NotReadyError(fmt.Sprintf("task %s is %s", taskID, t.Status), nil)
	}
	return t.Output, nil
}

// Cancel stops a running conversion. The task ends failed with
// "conversion cancelled". Cancelling a finished task is a no-op.
func (s *Service) Cancel(ctx context.Context, taskID string) error {
	if _, err := s.registry.Get(ctx, taskID); err != nil {
		return err
	}

	s.mu.Lock()
	r, ok := s.running[taskID]
	s.mu.Unlock()

	if ok {
		r.cancel()
		s.logger.WithTask(taskID).Info().Msg("Task cancelled")
	}
	return nil
}

// Delete cancels the task if needed, waits for its run to stop, and removes
// the task together with its stored files.
func (s *Service) Delete(ctx context.Context, taskID string) error {
	if _, err := s.registry.Get(ctx, taskID); err != nil {
		return err
	}

	s.mu.Lock()
	r, ok := s.running[taskID]
	s.mu.Unlock()

	if ok {
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			return domain.CancelledError("delete interrupted", ctx.Err())
		}
	}

	if err := s.registry.Delete(ctx, taskID); err != nil {
		return err
	}
	if err := s.uploads.Remove(taskID); err != nil {
		return err
	}

	s.logger.WithTask(taskID).Info().Msg("Task deleted")
	return nil
}

// Wait blocks until the task reaches a terminal state, polling at the given
// interval. It is meant for in-process callers such as the CLI.
func (s *Service) Wait(ctx context.Context, taskID string, interval time.Duration, onProgress func(domain.Task)) (domain.Task, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		t, err := s.registry.Get(ctx, taskID)
		if err != nil {
			return domain.Task{}, err
		}
		if onProgress != nil {
			onProgress(t)
		}
		if t.Status.IsTerminal() {
			return t, nil
		}

		select {
		case <-ctx.Done():
			return t, domain.CancelledError("wait cancelled", ctx.Err())
		case <-ticker.C:
		}
	}
}

// StartRetention periodically removes stored files older than ttl whose
// task is no longer known to the registry, so files follow the registry's
// own expiry. It stops on Shutdown.
func (s *Service) StartRetention(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	interval := min(ttl/2, maxRetentionInterval)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return
	}
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.base.Done():
				return
			case now := <-ticker.C:
				s.prune(now.Add(-ttl))
			}
		}
	}()
}

// prune removes expired files and returns how many were deleted.
func (s *Service) prune(cutoff time.Time) int {
	n, err := s.uploads.Prune(cutoff, s.retained)
	if err != nil {
		s.logger.Warn().Err(err).Msg("File retention pass incomplete")
	}
	if n > 0 {
		s.logger.Info().Int("files", n).Msg("Removed expired task files")
	}
	return n
}

// retained reports whether files of taskID must be kept. Registry errors
// other than NotFound keep the files.
func (s *Service) retained(taskID string) bool {
	s.mu.Lock()
	_, active := s.running[taskID]
	s.mu.Unlock()
	if active {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), abandonTimeout)
	defer cancel()
	_, err := s.registry.Get(ctx, taskID)
	return !domain.IsType(err, domain.ErrorTypeNotFound)
}

// Shutdown stops accepting work, cancels every running conversion and waits
// for them to record their final state.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	active := len(s.running)
	s.mu.Unlock()

	if active > 0 {
		s.logger.Info().Int("active_tasks", active).Msg("Cancelling running tasks")
	}
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return domain.CancelledError("shutdown timed out", ctx.Err())
	}
}
