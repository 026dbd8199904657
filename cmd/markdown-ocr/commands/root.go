// Package commands implements the markdown-ocr command line.
package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/spherical/markdown-ocr/cmd/markdown-ocr/ui"
	"github.com/spherical/markdown-ocr/internal/config"
	"github.com/spherical/markdown-ocr/internal/observability"
)

var (
	cfgFile string
	verbose bool
	noColor bool

	// llm overrides shared by convert and check
	providerFlag string
	modelFlag    string
	baseURLFlag  string

	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "markdown-ocr",
	Short: "Convert PDF documents to Markdown with a local model",
	Long: `markdown-ocr converts PDF documents to Markdown one page at a time using a
local model served by Ollama or LM Studio. Each page is prompted with the
markdown of the pages before it, so tables and numbering carry across
page boundaries.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.InitUI(noColor, verbose)

		if cmd.Name() == versionCmd.Name() {
			return nil
		}

		_ = godotenv.Load() // Ignore error if .env doesn't exist

		path := cfgFile
		if path == "" {
			path = os.Getenv("CONFIG_PATH")
		}

		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := applyLLMFlags(cmd, cfg); err != nil {
			return err
		}

		appConfig = cfg
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&providerFlag, "provider", "", "model provider: ollama or lm_studio")
	rootCmd.PersistentFlags().StringVar(&modelFlag, "model", "", "model name")
	rootCmd.PersistentFlags().StringVar(&baseURLFlag, "base-url", "", "model server base URL")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func applyLLMFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("provider") {
		cfg.LLM.Provider = providerFlag
	}
	if flags.Changed("model") {
		cfg.LLM.ModelName = modelFlag
	}
	if flags.Changed("base-url") {
		cfg.LLM.BaseURL = baseURLFlag
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// cliLogger keeps the terminal quiet unless --verbose is set. Logs go to
// stderr so they never mix with converted output.
func cliLogger(cfg *config.Config, w io.Writer) *observability.Logger {
	level := "warn"
	if verbose {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:       level,
		Format:      "console",
		Output:      w,
		ServiceName: cfg.Observability.ServiceName,
	})
}
