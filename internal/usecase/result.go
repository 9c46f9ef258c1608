package usecase

import (
	"context"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/example/shyguy/internal/blob"
	"github.com/example/shyguy/internal/mosaic"
)

// ParseFacesDetected reads the detection count header. Missing, malformed
// and negative values count as zero.
func ParseFacesDetected(value string) int {
	count, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || count < 0 {
		return 0
	}
	return count
}

// BuildResult registers the response body with tracker and describes it.
func BuildResult(ctx context.Context, tracker *blob.Tracker, resp *mosaic.Response) (*MosaicResult, error) {
	mediaType := resolveMediaType(resp)
	handle, err := tracker.Set(ctx, resp.Body, mediaType)
	if err != nil {
		return nil, err
	}
	return &MosaicResult{
		Handle:        handle,
		FacesDetected: ParseFacesDetected(resp.FacesDetected),
		MediaType:     mediaType,
	}, nil
}

func resolveMediaType(resp *mosaic.Response) string {
	if resp.MediaType != "" {
		return resp.MediaType
	}
	detected := mimetype.Detect(resp.Body).String()
	if i := strings.IndexByte(detected, ';'); i >= 0 {
		detected = detected[:i]
	}
	return strings.TrimSpace(detected)
}
