package main

import (
	"os"

	"github.com/spherical/markdown-ocr/cmd/markdown-ocr/commands"
	"github.com/spherical/markdown-ocr/cmd/markdown-ocr/ui"
)

func main() {
	if err := commands.Execute(); err != nil {
		ui.Error("%v", err)
		os.Exit(1)
	}
}
