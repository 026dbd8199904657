// Package prompt turns a page and its preceding context into a model request.
package prompt

import (
	"fmt"
	"strings"

	"github.com/spherical/markdown-ocr/internal/domain"
)

// Context is what the builder knows about the document so far
type Context struct {
	PageIndex int
	Window    []domain.Excerpt // oldest first
}

// Builder assembles model requests. It is stateless and safe for concurrent use.
type Builder struct {
	charBudget int
}

// NewBuilder creates a builder that embeds at most charBudget characters of
// prior output per request. A budget of zero or less disables the limit.
func NewBuilder(charBudget int) *Builder {
	return &Builder{charBudget: charBudget}
}

// Build composes the request for one page.
func (b *Builder) Build(page domain.PageUnit, pctx Context) domain.ModelRequest {
	req := domain.ModelRequest{
		Mode:      page.Mode,
		PageIndex: page.Index,
		History:   append([]domain.Excerpt(nil), pctx.Window...),
	}

	if page.Mode == domain.PageModeVision {
		req.System = visionSystemPrompt
		req.Image = page.Image
	} else {
		req.System = textSystemPrompt
	}

	if page.Index > 0 {
		req.ContextText = b.renderContext(page.Index, pctx.Window)
	}

	var instr strings.Builder
	if page.Index == 0 {
		instr.WriteString("This is the first page of the document. There is no earlier content to continue from.\n\n")
	}

	if page.Mode == domain.PageModeVision {
		fmt.Fprintf(&instr, "Convert this PDF page (page %d) to Markdown. Extract all text, tables, code and formulas, and describe any images or diagrams.", page.Number())
		if hint := strings.TrimSpace(page.Text); hint != "" {
			fmt.Fprintf(&instr, "\n\nText layer extracted from the page, possibly incomplete or out of order:\n---\n%s\n---", hint)
		}
	} else {
		fmt.Fprintf(&instr, "Convert the text extracted from page %d to Markdown.", page.Number())
		req.Text = fmt.Sprintf("Current page text to convert:\n---\n%s\n---", page.Text)
	}
	req.Instruction = instr.String()

	return req
}

// renderContext lays out the excerpts that fit the budget, oldest first.
func (b *Builder) renderContext(pageIndex int, window []domain.Excerpt) string {
	excerpts := b.fit(window)
	if len(excerpts) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Context from previous pages, for continuity only. Do not repeat it in your answer.\n")
	for _, e := range excerpts {
		fmt.Fprintf(&sb, "--- page %d ---\n%s\n", e.PageIndex+1, strings.TrimRight(e.Markdown, "\n"))
	}
	fmt.Fprintf(&sb, "---\n\nNow process page %d. It may continue a table, list, numbered section or sentence from the context above; keep numbering and structure consistent.", pageIndex+1)
	return sb.String()
}

// fit drops whole excerpts, oldest first, until the rest fits the budget.
// When the newest excerpt alone is too large only its tail is kept.
func (b *Builder) fit(window []domain.Excerpt) []domain.Excerpt {
	if b.charBudget <= 0 {
		return window
	}

	used := 0
	start := len(window)
	for i := len(window) - 1; i >= 0; i-- {
		n := len([]rune(window[i].Markdown))
		if used+n > b.charBudget {
			break
		}
		used += n
		start = i
	}

	if start < len(window) {
		return window[start:]
	}
	if len(window) == 0 {
		return nil
	}

	newest := window[len(window)-1]
	runes := []rune(newest.Markdown)
	newest.Markdown = string(runes[len(runes)-b.charBudget:])
	return []domain.Excerpt{newest}
}

const sharedRules = `IMPORTANT GUIDELINES:
1. Tables: use standard Markdown table syntax. Preserve every column, header and cell.
2. Code: wrap code in fenced code blocks with a language hint (for example ` + "```python" + `).
3. Math: write equations in LaTeX, $ for inline and $$ for display formulas.
4. Structure: keep the heading hierarchy (# ## ###), lists (- and 1.), bold and italic text.
5. Continuity: when context from earlier pages is given, continue its numbering, lists and tables instead of restarting them, and never repeat that context.`

const outputRule = `Return ONLY the Markdown for the current page. No conversational text, no explanations.`

const textSystemPrompt = `You are an expert OCR and document conversion assistant. You convert text extracted from a PDF page into clean, well-structured Markdown.

` + sharedRules + `

If the text is empty or unreadable, return an empty string. ` + outputRule

const visionSystemPrompt = `You are an expert document OCR and conversion assistant with vision capabilities. You convert the supplied image of a PDF page into clean, well-structured Markdown.

` + sharedRules + `
6. Images and diagrams: describe visual elements that cannot be written as text using ![Description of the image]().
7. Layout: follow the logical reading order of the page.

Extract ALL visible content. Do not summarize or skip anything. ` + outputRule
