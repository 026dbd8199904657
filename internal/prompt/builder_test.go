package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/markdown-ocr/internal/domain"
)

func textPage(index int, text string) domain.PageUnit {
	return domain.PageUnit{Index: index, Mode: domain.PageModeText, Text: text}
}

func TestBuild_FirstPage(t *testing.T) {
	req := NewBuilder(500).Build(textPage(0, "Introduction"), Context{})

	assert.Equal(t, domain.PageModeText, req.Mode)
	assert.Empty(t, req.ContextText)
	assert.Contains(t, req.Instruction, "first page")
	assert.Contains(t, req.Text, "Introduction")
	assert.Nil(t, req.Image)
	assert.Empty(t, req.History)

	for _, rule := range []string{"table", "fenced code", "LaTeX", "heading", "continue"} {
		assert.Contains(t, req.System, rule)
	}
}

func TestBuild_LaterPageCarriesContext(t *testing.T) {
	window := []domain.Excerpt{
		{PageIndex: 0, Markdown: "# Chapter 1"},
		{PageIndex: 1, Markdown: "1. first item\n2. second item"},
	}

	req := NewBuilder(0).Build(textPage(2, "3. third item"), Context{PageIndex: 2, Window: window})

	assert.NotContains(t, req.Instruction, "first page")
	assert.Contains(t, req.ContextText, "--- page 1 ---\n# Chapter 1")
	assert.Contains(t, req.ContextText, "--- page 2 ---\n1. first item\n2. second item")
	assert.Less(t, strings.Index(req.ContextText, "page 1 ---"), strings.Index(req.ContextText, "page 2 ---"))
	assert.Contains(t, req.ContextText, "Now process page 3")
	assert.Equal(t, window, req.History)
}

func TestBuild_EmptyWindowOnLaterPage(t *testing.T) {
	req := NewBuilder(500).Build(textPage(4, "text"), Context{PageIndex: 4})

	assert.Empty(t, req.ContextText)
	assert.NotContains(t, req.Instruction, "first page")
}

func TestBuild_CharBudget(t *testing.T) {
	window := []domain.Excerpt{
		{PageIndex: 0, Markdown: strings.Repeat("a", 40)},
		{PageIndex: 1, Markdown: strings.Repeat("b", 30)},
		{PageIndex: 2, Markdown: strings.Repeat("c", 30)},
	}

	t.Run("oldest dropped first", func(t *testing.T) {
		req := NewBuilder(70).Build(textPage(3, "x"), Context{Window: window})
		assert.NotContains(t, req.ContextText, "--- page 1 ---")
		assert.Contains(t, req.ContextText, "--- page 2 ---")
		assert.Contains(t, req.ContextText, "--- page 3 ---")
	})

	t.Run("newest truncated to its tail", func(t *testing.T) {
		big := []domain.Excerpt{{PageIndex: 0, Markdown: "HEAD" + strings.Repeat("z", 20) + "TAIL"}}
		req := NewBuilder(10).Build(textPage(1, "x"), Context{Window: big})
		assert.NotContains(t, req.ContextText, "HEAD")
		assert.Contains(t, req.ContextText, "zzzzzzTAIL")
	})

	t.Run("page content never truncated", func(t *testing.T) {
		long := strings.Repeat("page text ", 200)
		req := NewBuilder(10).Build(textPage(3, long), Context{Window: window})
		assert.Contains(t, req.Text, long)
	})
}

func TestBuild_Vision(t *testing.T) {
	img := &domain.PageImage{Data: []byte{1, 2, 3}, MIMEType: "image/png"}
	page := domain.PageUnit{Index: 0, Mode: domain.PageModeVision, Text: "hint text", Image: img}

	req := NewBuilder(500).Build(page, Context{})

	assert.Equal(t, domain.PageModeVision, req.Mode)
	require.NotNil(t, req.Image)
	assert.Same(t, img, req.Image)
	assert.Empty(t, req.Text)
	assert.Contains(t, req.Instruction, "hint text")
	assert.Contains(t, req.System, "Images and diagrams")
}

func TestWindow_FIFO(t *testing.T) {
	w := NewWindow(2)
	w.Push(domain.Excerpt{PageIndex: 0})
	w.Push(domain.Excerpt{PageIndex: 1})
	w.Push(domain.Excerpt{PageIndex: 2})

	entries := w.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].PageIndex)
	assert.Equal(t, 2, entries[1].PageIndex)

	// Entries is a copy
	entries[0].Markdown = "changed"
	assert.Empty(t, w.Entries()[0].Markdown)
}

func TestWindow_ZeroSize(t *testing.T) {
	w := NewWindow(0)
	w.Push(domain.Excerpt{PageIndex: 0})
	assert.Empty(t, w.Entries())
}

func TestWindow_LargeSizeAllocatesLazily(t *testing.T) {
	w := NewWindow(1 << 40)
	assert.Zero(t, cap(w.entries))

	w.Push(domain.Excerpt{PageIndex: 0})
	assert.Len(t, w.Entries(), 1)
	assert.Less(t, cap(w.entries), 16)
}
