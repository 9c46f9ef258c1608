package mosaicclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/shyguy/internal/logging"
	"github.com/example/shyguy/internal/mosaic"
)

const (
	mosaicPath = "/api/mosaic"
	healthPath = "/health"

	maxResultSize    = 64 << 20
	maxErrorBodySize = 64 << 10
)

// ErrResultTooLarge is returned when a successful reply exceeds the result
// size limit. The body is never handed out partially.
var ErrResultTooLarge = errors.New("result too large")

// Client talks to the mosaic service over HTTP.
type Client struct {
	baseURL       *url.URL
	httpClient    *http.Client
	logger        *zap.Logger
	maxResultSize int64
}

// New returns a ready-to-use client for the service rooted at baseURL.
// A zero timeout leaves requests bounded only by their context.
func New(baseURL string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, logging.NewOperationError("mosaicclient.new", "", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, logging.NewOperationError("mosaicclient.new", "", fmt.Errorf("unsupported scheme %q", parsed.Scheme))
	}
	return &Client{
		baseURL:       parsed,
		httpClient:    &http.Client{Timeout: timeout},
		logger:        logger.Named("mosaic_client"),
		maxResultSize: maxResultSize,
	}, nil
}

// Process uploads the candidate and returns the processed image.
// Non-2xx replies come back as *mosaic.StatusError.
func (c *Client) Process(ctx context.Context, candidate mosaic.Candidate, params mosaic.Parameters) (*mosaic.Response, error) {
	body, contentType, err := encodeCandidate(candidate)
	if err != nil {
		return nil, logging.NewOperationError("mosaicclient.encode", "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.processURL(params), body)
	if err != nil {
		return nil, logging.NewOperationError("mosaicclient.process", "", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("mosaic request failed", zap.Error(err))
		}
		return nil, logging.NewOperationError("mosaicclient.process", "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		c.logger.Warn("mosaic service rejected request", zap.Int("status", resp.StatusCode))
		return nil, &mosaic.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(text))}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResultSize+1))
	if err != nil {
		return nil, logging.NewOperationError("mosaicclient.read_result", "", err)
	}
	if int64(len(data)) > c.maxResultSize {
		c.logger.Warn("mosaic result exceeds limit", zap.Int64("limit", c.maxResultSize))
		return nil, logging.NewOperationError("mosaicclient.read_result", "", ErrResultTooLarge)
	}

	return &mosaic.Response{
		Body:          data,
		MediaType:     mediaTypeOf(resp.Header.Get("Content-Type")),
		FacesDetected: resp.Header.Get(mosaic.FacesDetectedHeader),
	}, nil
}

// Ping checks the service's health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	endpoint := c.baseURL.JoinPath(healthPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return logging.NewOperationError("mosaicclient.ping", "", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return logging.NewOperationError("mosaicclient.ping", "", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodySize))

	if resp.StatusCode != http.StatusOK {
		return logging.NewOperationError("mosaicclient.ping", "", &mosaic.StatusError{StatusCode: resp.StatusCode})
	}
	return nil
}

func (c *Client) processURL(params mosaic.Parameters) string {
	endpoint := c.baseURL.JoinPath(mosaicPath)
	query := url.Values{}
	query.Set("pixel_size", strconv.Itoa(params.PixelSize))
	query.Set("score_threshold", strconv.FormatFloat(params.ScoreThreshold, 'f', -1, 64))
	endpoint.RawQuery = query.Encode()
	return endpoint.String()
}

func encodeCandidate(candidate mosaic.Candidate) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	filename := candidate.Name
	if filename == "" {
		filename = "upload"
	}
	mediaType := candidate.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", mediaType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(candidate.Data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

func mediaTypeOf(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return mediaType
}
