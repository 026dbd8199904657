// Package pdf reads PDF documents page by page for conversion.
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"

	"github.com/gen2brain/go-fitz"

	"github.com/spherical/markdown-ocr/internal/config"
	"github.com/spherical/markdown-ocr/internal/domain"
)

// Image formats for vision pages.
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
)

// Options controls how pages are presented.
type Options struct {
	Mode        domain.PageMode
	DPI         float64
	Format      string
	JPEGQuality int
}

// OptionsFromConfig derives page options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	mode := domain.PageModeText
	if cfg.LLM.UseVision {
		mode = domain.PageModeVision
	}
	return Options{
		Mode:        mode,
		DPI:         cfg.Rendering.ImageDPI,
		Format:      cfg.Rendering.ImageFormat,
		JPEGQuality: cfg.Rendering.JPEGQuality,
	}
}

// Source opens a PDF from a file path or from memory
type Source struct {
	path      string
	data      []byte
	opts      Options
	validator *Validator
}

// NewFileSource creates a source backed by a file on disk.
func NewFileSource(path string, opts Options) *Source {
	return &Source{path: path, opts: opts, validator: NewValidator()}
}

// NewMemorySource creates a source backed by in-memory bytes.
func NewMemorySource(data []byte, opts Options) *Source {
	return &Source{data: data, opts: opts, validator: NewValidator()}
}

// Open validates the document and opens it for reading. Every failure is
// reported as DocumentUnreadable.
func (s *Source) Open(ctx context.Context) (domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.CancelledError("open cancelled", err)
	}

	if err := s.validator.ValidateRendering(s.opts); err != nil {
		return nil, domain.DocumentUnreadableError("invalid rendering options", err)
	}

	var (
		doc *fitz.Document
		err error
	)

	if s.path != "" {
		if err := s.validator.ValidatePDFPath(s.path); err != nil {
			return nil, err
		}
		if err := s.inspectFile(); err != nil {
			return nil, err
		}
		doc, err = fitz.New(s.path)
	} else {
		if len(s.data) == 0 {
			return nil, domain.DocumentUnreadableError("document is empty", nil)
		}
		if _, err := s.validator.Inspect(bytes.NewReader(s.data)); err != nil {
			return nil, err
		}
		doc, err = fitz.NewFromMemory(s.data)
	}
	if err != nil {
		return nil, domain.DocumentUnreadableError("failed to open PDF", err)
	}

	total := doc.NumPage()
	if total <= 0 {
		doc.Close()
		return nil, domain.DocumentUnreadableError("PDF has no pages", nil)
	}

	return &Document{doc: doc, total: total, opts: s.opts}, nil
}

func (s *Source) inspectFile() error {
	f, err := os.Open(s.path)
	if err != nil {
		return domain.DocumentUnreadableError(fmt.Sprintf("cannot open file: %s", s.path), err)
	}
	defer f.Close()

	_, err = s.validator.Inspect(f)
	return err
}

// Document is an opened PDF. It yields pages in order and is not safe for
// concurrent use.
type Document struct {
	doc   *fitz.Document
	total int
	next  int
	opts  Options
}

// TotalPages returns the number of pages.
func (d *Document) TotalPages() int {
	return d.total
}

// Next renders or extracts the next page, or returns io.EOF after the last.
func (d *Document) Next(ctx context.Context) (domain.PageUnit, error) {
	if err := ctx.Err(); err != nil {
		return domain.PageUnit{}, domain.CancelledError("read cancelled", err)
	}
	if d.doc == nil || d.next >= d.total {
		return domain.PageUnit{}, io.EOF
	}

	index := d.next
	d.next++

	unit := domain.PageUnit{Index: index, Mode: d.opts.Mode}

	text, err := d.doc.Text(index)
	if err != nil && d.opts.Mode == domain.PageModeText {
		return domain.PageUnit{}, domain.DocumentUnreadableError("failed to extract text", err)
	}
	// In vision mode the text layer is only a hint
	unit.Text = text

	if d.opts.Mode == domain.PageModeVision {
		img, err := d.doc.ImageDPI(index, d.opts.DPI)
		if err != nil {
			return domain.PageUnit{}, domain.DocumentUnreadableError("failed to render page", err)
		}
		encoded, err := d.encode(img)
		if err != nil {
			return domain.PageUnit{}, err
		}
		unit.Image = encoded
	}

	return unit, nil
}

func (d *Document) encode(img image.Image) (*domain.PageImage, error) {
	var (
		buf  bytes.Buffer
		mime string
		err  error
	)

	switch d.opts.Format {
	case FormatJPEG:
		mime = "image/jpeg"
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: d.opts.JPEGQuality})
	default:
		mime = "image/png"
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, domain.DocumentUnreadableError("failed to encode page image", err)
	}

	bounds := img.Bounds()
	return &domain.PageImage{
		Data:     buf.Bytes(),
		MIMEType: mime,
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
	}, nil
}

// Close releases the underlying document.
func (d *Document) Close() error {
	if d.doc == nil {
		return nil
	}
	err := d.doc.Close()
	d.doc = nil
	return err
}
