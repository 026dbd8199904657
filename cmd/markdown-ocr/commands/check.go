package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical/markdown-ocr/cmd/markdown-ocr/ui"
	"github.com/spherical/markdown-ocr/internal/domain"
	"github.com/spherical/markdown-ocr/internal/llm"
)

const checkTimeout = 60 * time.Second

var checkSkipPrompt bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Test the connection to the model server",
	Long: `Check lists the model server's models endpoint and then sends a short test
prompt, so configuration problems show up before a long conversion starts.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().BoolVar(&checkSkipPrompt, "skip-prompt", false, "only check reachability, do not send a test prompt")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg := appConfig

	ui.Section(fmt.Sprintf("Testing %s connection", cfg.LLM.Provider))
	ui.KeyValue("Provider", cfg.LLM.Provider)
	ui.KeyValue("Model", cfg.LLM.ModelName)
	if cfg.LLM.UseVision {
		ui.KeyValue("Vision model", cfg.VisionModel())
	}
	ui.KeyValue("Base URL", cfg.BaseURL())
	ui.Newline()

	backend, err := llm.NewBackend(cfg, cliLogger(cfg, os.Stderr))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), checkTimeout)
	defer cancel()

	spinner := ui.NewSpinner("Contacting model server...")
	spinner.Start()
	err = backend.Ping(ctx)
	spinner.Stop()
	if err != nil {
		ui.Error("Model server unreachable: %s", domain.UserMessage(err))
		printTroubleshooting(cfg.LLM.Provider)
		return fmt.Errorf("connection test failed")
	}
	ui.Success("Model server is reachable")

	if checkSkipPrompt {
		return nil
	}

	spinner = ui.NewSpinner("Sending test prompt...")
	spinner.Start()
	reply, err := backend.Convert(ctx, domain.ModelRequest{
		Mode:        domain.PageModeText,
		System:      "You are a helpful assistant. Respond with exactly: 'Connection successful!'",
		Instruction: "Test connection",
	})
	spinner.Stop()
	if err != nil {
		ui.Error("Test prompt failed: %s", domain.UserMessage(err))
		printTroubleshooting(cfg.LLM.Provider)
		return fmt.Errorf("connection test failed")
	}

	ui.Success("Received response from model")
	ui.KeyValue("Response", strings.TrimSpace(reply))
	ui.Newline()
	ui.Success("Connection test passed")
	return nil
}

func printTroubleshooting(provider string) {
	ui.Newline()
	ui.Info("Troubleshooting:")
	switch provider {
	case "ollama":
		ui.Info("  1. Make sure Ollama is running: ollama serve")
		ui.Info("  2. Check that the model is pulled: ollama list")
		ui.Info("  3. Pull it if needed: ollama pull <model>")
	default:
		ui.Info("  1. Make sure LM Studio is running")
		ui.Info("  2. Load a model in LM Studio")
		ui.Info("  3. Start the local server from the Developer tab")
	}
}
