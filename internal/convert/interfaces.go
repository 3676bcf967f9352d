package convert

import (
	"context"
	"io"
	"time"
)

// Submitter sends conversion requests to the backend.
type Submitter interface {
	SubmitFile(ctx context.Context, path string) (Receipt, error)
	SubmitURL(ctx context.Context, rawURL string) (Receipt, error)
}

// Downloader fetches converted artifacts from the backend.
type Downloader interface {
	Download(ctx context.Context, rawURL string) (io.ReadCloser, string, error)
}

// BlobStore writes converted artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to a message bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces opaque identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
