// Package convert runs the page-sequential conversion of one document.
package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spherical/markdown-ocr/internal/config"
	"github.com/spherical/markdown-ocr/internal/domain"
	"github.com/spherical/markdown-ocr/internal/observability"
	"github.com/spherical/markdown-ocr/internal/prompt"
	"github.com/spherical/markdown-ocr/internal/task"
)

// persistTimeout bounds registry writes made after the run context ended.
const persistTimeout = 10 * time.Second

// OutputStore persists the assembled markdown of a finished task
type OutputStore interface {
	SaveOutput(taskID, markdown string) (string, error)
}

// Options tunes the engine.
type Options struct {
	Retry          RetryConfig
	WindowSize     int
	SkipBlankPages bool
}

// OptionsFromConfig derives engine options from the loaded configuration.
// Unset retry settings fall back to DefaultRetryConfig.
func OptionsFromConfig(cfg *config.Config) Options {
	retry := DefaultRetryConfig()
	if cfg.Conversion.MaxRetries > 0 {
		retry.MaxAttempts = cfg.Conversion.MaxRetries
	}
	if cfg.Conversion.InitialBackoff > 0 {
		retry.InitialBackoff = cfg.Conversion.InitialBackoff
	}
	if cfg.Conversion.MaxBackoff > 0 {
		retry.MaxBackoff = cfg.Conversion.MaxBackoff
	}

	return Options{
		Retry:          retry,
		WindowSize:     cfg.Conversion.ContextWindowSize,
		SkipBlankPages: cfg.Conversion.SkipBlankPages,
	}
}

// Engine converts documents page by page, carrying a window of prior output
// into each prompt. One Engine serves many tasks; each Run is independent.
type Engine struct {
	registry  task.Registry
	backend   domain.Backend
	builder   *prompt.Builder
	assembler Assembler
	outputs   OutputStore
	opts      Options
	logger    *observability.Logger
}

// NewEngine creates a conversion engine. outputs may be nil.
func NewEngine(
	registry task.Registry,
	backend domain.Backend,
	builder *prompt.Builder,
	outputs OutputStore,
	opts Options,
	logger *observability.Logger,
) *Engine {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Engine{
		registry:  registry,
		backend:   backend,
		builder:   builder,
		assembler: NewPageJoiner(),
		outputs:   outputs,
		opts:      opts,
		logger:    logger.WithOperation("convert"),
	}
}

// WithAssembler replaces the default page joiner.
func (e *Engine) WithAssembler(a Assembler) *Engine {
	e.assembler = a
	return e
}

// Run converts the document behind src for the given task. The task ends
// completed or failed; the returned error mirrors a failure for callers that
// run synchronously.
func (e *Engine) Run(ctx context.Context, taskID string, src domain.PageSource) error {
	if observability.TaskIDFromContext(ctx) != taskID {
		ctx = observability.ContextWithTaskID(ctx, taskID)
	}
	logger := e.logger.WithContext(ctx)
	startTime := time.Now()

	doc, err := src.Open(ctx)
	if err != nil {
		return e.fail(ctx, logger, taskID, 0, err)
	}
	defer doc.Close()

	total := doc.TotalPages()
	if _, err := e.registry.Update(ctx, taskID, func(t *domain.Task) error {
		t.Status = domain.TaskProcessing
		t.TotalPages = total
		return nil
	}); err != nil {
		if ctx.Err() != nil {
			return e.fail(ctx, logger, taskID, 0, err)
		}
		logger.Error().Err(err).Msg("Failed to start task")
		return err
	}

	logger.Info().Int("total_pages", total).Msg("Conversion started")

	window := prompt.NewWindow(e.opts.WindowSize)
	fragments := make([]string, 0, total)
	completed := 0

	for {
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, logger, taskID, 0, err)
		}

		page, err := doc.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return e.fail(ctx, logger, taskID, completed+1, err)
		}

		if e.opts.SkipBlankPages && page.IsBlank() {
			logger.Debug().Int("page", page.Number()).Msg("Skipping blank page")
		} else {
			req := e.builder.Build(page, prompt.Context{PageIndex: page.Index, Window: window.Entries()})

			pageStart := time.Now()
			fragment, err := e.convertWithRetry(ctx, logger, req)
			if err != nil {
				return e.fail(ctx, logger, taskID, page.Number(), err)
			}

			fragments = append(fragments, fragment)
			window.Push(domain.Excerpt{PageIndex: page.Index, Markdown: fragment})

			logger.Info().
				Int("page", page.Number()).
				Int("total_pages", total).
				Int("chars", len(fragment)).
				Dur("duration", time.Since(pageStart)).
				Msg("Page converted")
		}

		completed = page.Number()
		if _, err := e.registry.Update(ctx, taskID, func(t *domain.Task) error {
			t.CurrentPage = completed
			return nil
		}); err != nil {
			return e.fail(ctx, logger, taskID, 0, err)
		}
	}

	output := e.assembler.Assemble(fragments)

	if e.outputs != nil {
		if _, err := e.outputs.SaveOutput(taskID, output); err != nil {
			return e.fail(ctx, logger, taskID, 0, err)
		}
	}

	if _, err := e.registry.Update(ctx, taskID, func(t *domain.Task) error {
		t.Status = domain.TaskCompleted
		t.CurrentPage = total
		t.Output = output
		return nil
	}); err != nil {
		return e.fail(ctx, logger, taskID, 0, err)
	}

	logger.Info().
		Int("total_pages", total).
		Int("converted_pages", len(fragments)).
		Dur("duration", time.Since(startTime)).
		Msg("Conversion complete")

	return nil
}

// fail records the failure on the task. page is the 1-based page that
// failed, or 0 when the failure is not tied to a page.
func (e *Engine) fail(ctx context.Context, logger *observability.Logger, taskID string, page int, cause error) error {
	if ctx.Err() != nil || domain.IsType(cause, domain.ErrorTypeCancelled) {
		cause = domain.CancelledError("conversion cancelled", cause)
		page = 0
	}

	msg := domain.UserMessage(cause)
	if page > 0 {
		msg = fmt.Sprintf("page %d: %s", page, msg)
	}

	// The run context may already be done; the failure must still be recorded.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	_, err := e.registry.Update(persistCtx, taskID, func(t *domain.Task) error {
		t.Status = domain.TaskFailed
		t.Error = msg
		t.Output = ""
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Str("cause", msg).Msg("Could not record task failure")
	}

	logger.Error().Int("page", page).Err(cause).Msg("Conversion failed")

	if page > 0 {
		return fmt.Errorf("page %d: %w", page, cause)
	}
	return cause
}
