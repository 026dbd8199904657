package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical/markdown-ocr/cmd/markdown-ocr/ui"
	"github.com/spherical/markdown-ocr/internal/config"
	"github.com/spherical/markdown-ocr/internal/convert"
	"github.com/spherical/markdown-ocr/internal/domain"
	"github.com/spherical/markdown-ocr/internal/llm"
	"github.com/spherical/markdown-ocr/internal/ocr"
	"github.com/spherical/markdown-ocr/internal/pdf"
	"github.com/spherical/markdown-ocr/internal/prompt"
	"github.com/spherical/markdown-ocr/internal/storage"
	"github.com/spherical/markdown-ocr/internal/task"
)

const pollInterval = 250 * time.Millisecond

var (
	convertOutputPath string
	convertVision     bool
	convertWindow     int
)

var convertCmd = &cobra.Command{
	Use:   "convert <file.pdf>",
	Short: "Convert a PDF document to Markdown",
	Long: `Convert a PDF document to Markdown. Pages are sent to the model in order;
the command shows progress and writes the assembled markdown when every page
has converted. Any page failure stops the conversion.`,
	Args: cobra.ExactArgs(1),
	RunE: runConvert,
}

func init() {
	convertCmd.Flags().StringVarP(&convertOutputPath, "output", "o", "", "output markdown path (default: <input>.md next to the input)")
	convertCmd.Flags().BoolVar(&convertVision, "vision", false, "render pages as images and use the vision model")
	convertCmd.Flags().IntVar(&convertWindow, "window", 0, "number of previous pages carried as context")
	rootCmd.AddCommand(convertCmd)
}

func runConvert(cmd *cobra.Command, args []string) error {
	input := args[0]
	cfg := appConfig

	if cmd.Flags().Changed("vision") {
		cfg.LLM.UseVision = convertVision
	}
	if cmd.Flags().Changed("window") {
		cfg.Conversion.ContextWindowSize = convertWindow
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	output := convertOutputPath
	if output == "" {
		output = defaultOutputPath(input)
	}

	data, err := os.ReadFile(input)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, cleanup, err := newLocalService(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ui.Section("PDF to Markdown")
	ui.KeyValue("Input", input)
	ui.KeyValue("Output", output)
	ui.KeyValue("Provider", fmt.Sprintf("%s (%s)", cfg.LLM.Provider, cfg.BaseURL()))
	if cfg.LLM.UseVision {
		ui.KeyValue("Model", cfg.VisionModel()+" (vision)")
	} else {
		ui.KeyValue("Model", cfg.LLM.ModelName)
	}
	ui.Newline()

	taskID, err := svc.Submit(ctx, data, filepath.Base(input))
	if err != nil {
		return err
	}

	progress := newConvertProgress()
	final, err := svc.Wait(ctx, taskID, pollInterval, progress.update)
	progress.stop()

	if err != nil {
		if ctx.Err() != nil {
			// Let the run record its cancellation before exiting.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = svc.Shutdown(shutdownCtx)
			ui.Warning("Interrupted, conversion cancelled")
		}
		return err
	}

	if final.Status == domain.TaskFailed {
		ui.Error("Conversion failed after %d of %d pages", final.CurrentPage, final.TotalPages)
		return fmt.Errorf("conversion failed: %s", final.Error)
	}

	if err := os.WriteFile(output, []byte(final.Output), 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	ui.Success("Converted %d pages to %s", final.TotalPages, output)
	return nil
}

// newLocalService wires an in-process service with scratch upload storage.
func newLocalService(cfg *config.Config) (*ocr.Service, func(), error) {
	logger := cliLogger(cfg, os.Stderr)

	scratch, err := os.MkdirTemp("", "markdown-ocr-*")
	if err != nil {
		return nil, nil, fmt.Errorf("create scratch directory: %w", err)
	}

	store, err := storage.NewFileStore(filepath.Join(scratch, "uploads"), filepath.Join(scratch, "outputs"))
	if err != nil {
		os.RemoveAll(scratch)
		return nil, nil, err
	}

	backend, err := llm.NewBackend(cfg, logger)
	if err != nil {
		os.RemoveAll(scratch)
		return nil, nil, err
	}

	registry := task.NewMemoryRegistry(0)
	engine := convert.NewEngine(
		registry,
		backend,
		prompt.NewBuilder(cfg.Conversion.ContextCharBudget),
		nil,
		convert.OptionsFromConfig(cfg),
		logger,
	)
	svc := ocr.NewService(registry, engine, store, ocr.PDFSources(pdf.OptionsFromConfig(cfg)), logger)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		_ = registry.Close()
		os.RemoveAll(scratch)
	}
	return svc, cleanup, nil
}

// defaultOutputPath places "<name>.md" next to the input.
func defaultOutputPath(input string) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return filepath.Join(filepath.Dir(input), base+".md")
}

// convertProgress shows a spinner until the page count is known, then a bar.
type convertProgress struct {
	spinner *ui.Spinner
	bar     *ui.ProgressBar
}

func newConvertProgress() *convertProgress {
	p := &convertProgress{spinner: ui.NewSpinner("Opening document...")}
	p.spinner.Start()
	return p
}

func (p *convertProgress) update(t domain.Task) {
	if t.TotalPages == 0 {
		return
	}
	if p.bar == nil {
		p.spinner.Stop()
		p.bar = ui.NewProgressBar(int64(t.TotalPages), "Converting")
	}
	p.bar.Set(int64(t.CurrentPage))
	if t.Status == domain.TaskCompleted {
		p.bar.Finish()
	}
}

func (p *convertProgress) stop() {
	if p.bar == nil {
		p.spinner.Stop()
	}
}
