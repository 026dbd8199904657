package domain

import "context"

// PageSource opens a document for page-by-page reading
type PageSource interface {
	// Open validates the document and reports its page count. Any failure is
	// a DocumentUnreadable error and no page is yielded.
	Open(ctx context.Context) (Document, error)
}

// Document yields the pages of an opened source in order
type Document interface {
	// TotalPages is known as soon as the document is open
	TotalPages() int

	// Next returns the next page, or io.EOF after the last one
	Next(ctx context.Context) (PageUnit, error)

	// Close releases the underlying document
	Close() error
}

// Backend converts a single page request into a markdown fragment
type Backend interface {
	Convert(ctx context.Context, req ModelRequest) (string, error)
}

// Pinger checks that a backend is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}
