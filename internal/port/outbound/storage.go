package outbound

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound indicates the object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStoragePort stores task inputs and results under stable URLs.
type ObjectStoragePort interface {
	// Put uploads an object and returns its stable URL.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)

	// Get retrieves an object.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes an object.
	Delete(ctx context.Context, key string) error

	// URL returns the stable URL for key without contacting storage.
	URL(key string) string
}
