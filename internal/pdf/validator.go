package pdf

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/spherical/markdown-ocr/internal/domain"
)

// Validator provides input validation for PDF documents
type Validator struct {
	conf *model.Configuration
}

// NewValidator creates a new validator instance. Structural checks run in
// pdfcpu's relaxed mode so that producer quirks MuPDF tolerates are not
// rejected.
func NewValidator() *Validator {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Validator{conf: conf}
}

// ValidatePDFPath validates that a file path is valid and points to a PDF
func (v *Validator) ValidatePDFPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return domain.DocumentUnreadableError("file path cannot be empty", nil)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.DocumentUnreadableError(fmt.Sprintf("file does not exist: %s", path), err)
		}
		return domain.DocumentUnreadableError(fmt.Sprintf("cannot access file: %s", path), err)
	}

	if info.IsDir() {
		return domain.DocumentUnreadableError(fmt.Sprintf("path is a directory, not a file: %s", path), nil)
	}

	if ext := strings.ToLower(filepath.Ext(path)); ext != ".pdf" {
		return domain.DocumentUnreadableError(fmt.Sprintf("file is not a PDF (has extension %s)", ext), nil)
	}

	if info.Size() == 0 {
		return domain.DocumentUnreadableError("file is empty", nil)
	}

	return nil
}

// Inspect checks the document structure and returns its page count.
func (v *Validator) Inspect(rs io.ReadSeeker) (int, error) {
	if err := api.Validate(rs, v.conf); err != nil {
		return 0, domain.DocumentUnreadableError("invalid PDF structure", err)
	}

	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return 0, domain.DocumentUnreadableError("cannot rewind document", err)
	}

	count, err := api.PageCount(rs, v.conf)
	if err != nil {
		return 0, domain.DocumentUnreadableError("cannot read page tree", err)
	}
	if count == 0 {
		return 0, domain.DocumentUnreadableError("PDF has no pages", nil)
	}

	return count, nil
}

// ValidateRendering validates vision rendering parameters
func (v *Validator) ValidateRendering(opts Options) error {
	if opts.Mode != domain.PageModeVision {
		return nil
	}
	if opts.DPI < 36 || opts.DPI > 600 {
		return domain.ValidationError(fmt.Sprintf("dpi must be between 36 and 600, got %v", opts.DPI), nil)
	}
	switch opts.Format {
	case FormatPNG:
	case FormatJPEG:
		if opts.JPEGQuality < 1 || opts.JPEGQuality > 100 {
			return domain.ValidationError(fmt.Sprintf("quality must be between 1 and 100, got %d", opts.JPEGQuality), nil)
		}
	default:
		return domain.ValidationError(fmt.Sprintf("unsupported image format %q", opts.Format), nil)
	}
	return nil
}
