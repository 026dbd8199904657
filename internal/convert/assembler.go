package convert

import "strings"

// DefaultSeparator sits between page fragments. It must not be a horizontal
// rule: tables may continue across pages.
const DefaultSeparator = "\n\n"

// Assembler combines per-page fragments into the final document
type Assembler interface {
	Assemble(fragments []string) string
}

// PageJoiner concatenates fragments in page order.
type PageJoiner struct {
	Separator string
}

// NewPageJoiner returns a joiner using DefaultSeparator.
func NewPageJoiner() PageJoiner {
	return PageJoiner{Separator: DefaultSeparator}
}

// Assemble joins fragments without inspecting them.
func (j PageJoiner) Assemble(fragments []string) string {
	return strings.Join(fragments, j.Separator)
}
