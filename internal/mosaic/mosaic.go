// Package mosaic describes the contract with the remote face-mosaic service:
// what is uploaded, which knobs are sent along, and what comes back.
package mosaic

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// MaxUploadSize is the largest payload, in bytes, accepted for processing.
const MaxUploadSize = 10 << 20

// Defaults used when a caller does not tune the request.
const (
	DefaultPixelSize      = 20
	DefaultScoreThreshold = 0.5
	MaxPixelSize          = 100
)

// FacesDetectedHeader carries the detection count on a successful response.
const FacesDetectedHeader = "X-Faces-Detected"

// Media types the service accepts as input.
const (
	MediaTypeJPEG = "image/jpeg"
	MediaTypePNG  = "image/png"
	MediaTypeWebP = "image/webp"
)

// AcceptedMediaTypes lists the input formats the service decodes.
var AcceptedMediaTypes = []string{MediaTypeJPEG, MediaTypePNG, MediaTypeWebP}

// IsAccepted reports whether mediaType is one of AcceptedMediaTypes.
func IsAccepted(mediaType string) bool {
	for _, accepted := range AcceptedMediaTypes {
		if strings.EqualFold(mediaType, accepted) {
			return true
		}
	}
	return false
}

// Candidate is an image the user picked for processing. The core only
// borrows it for the duration of a single request.
type Candidate struct {
	Name      string
	MediaType string
	Data      []byte
}

// Size returns the payload length in bytes.
func (c Candidate) Size() int64 {
	return int64(len(c.Data))
}

// Parameters tune a single mosaic request.
type Parameters struct {
	PixelSize      int
	ScoreThreshold float64
}

// DefaultParameters returns the parameters used when none are supplied.
func DefaultParameters() Parameters {
	return Parameters{PixelSize: DefaultPixelSize, ScoreThreshold: DefaultScoreThreshold}
}

// Validate checks the parameter ranges the service enforces.
func (p Parameters) Validate() error {
	if p.PixelSize < 1 || p.PixelSize > MaxPixelSize {
		return fmt.Errorf("pixel size must be between 1 and %d, got %d", MaxPixelSize, p.PixelSize)
	}
	if p.ScoreThreshold < 0 || p.ScoreThreshold > 1 {
		return fmt.Errorf("score threshold must be between 0 and 1, got %g", p.ScoreThreshold)
	}
	return nil
}

// Response is a successful reply from the service. FacesDetected holds the
// raw header value; interpreting it is left to the caller.
type Response struct {
	Body          []byte
	MediaType     string
	FacesDetected string
}

// StatusError reports a non-success HTTP status from the service.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("mosaic service returned %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("mosaic service returned %d", e.StatusCode)
}

// AsStatusError extracts a *StatusError from err's chain.
func AsStatusError(err error) (*StatusError, bool) {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr, true
	}
	return nil, false
}

// Client exposes the subset of the mosaic service used by the orchestrator.
// Process must return promptly with ctx's error once ctx is cancelled.
type Client interface {
	Process(ctx context.Context, candidate Candidate, params Parameters) (*Response, error)
}
