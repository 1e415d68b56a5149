package ports

import (
	"context"
	"io"

	"trackstream/internal/domain"
)

// Fetcher reads a byte range of a remote resource. total is the full
// resource length when the origin reports it, -1 otherwise.
type Fetcher interface {
	Fetch(ctx context.Context, locator string, r domain.Range) (body io.ReadCloser, total int64, err error)
}
