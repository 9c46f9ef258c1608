// Package blob keeps processed images addressable by a short-lived handle
// until their owner releases them.
package blob

import (
	"context"
	"errors"
	"strings"
)

// DefaultURLPrefix is where handles are served from by the HTTP API.
const DefaultURLPrefix = "/blobs"

// ErrNotFound is returned when a handle was never created or is released.
var ErrNotFound = errors.New("blob not found")

// Handle addresses bytes held by a Store. It is a reference only: holding a
// Handle does not keep the bytes alive.
type Handle struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	MediaType string `json:"media_type"`
	Size      int    `json:"size"`
}

// IsZero reports whether h is the empty handle.
func (h Handle) IsZero() bool {
	return h.ID == ""
}

// Store creates, resolves and revokes handles.
type Store interface {
	Create(ctx context.Context, data []byte, mediaType string) (Handle, error)
	Open(ctx context.Context, id string) ([]byte, string, error)
	// Revoke frees the bytes behind id. Revoking an unknown id is not an error.
	Revoke(ctx context.Context, id string) error
}

func handleURL(prefix, id string) string {
	return strings.TrimRight(prefix, "/") + "/" + id
}
