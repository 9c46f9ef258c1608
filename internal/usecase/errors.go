package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/example/shyguy/internal/logging"
	"github.com/example/shyguy/internal/mosaic"
)

// User-facing messages.
const (
	MessageFileTooLarge = "file too large"
	MessageUnknown      = "unknown error"
)

var (
	// ErrFileTooLarge rejects a candidate above the upload limit.
	ErrFileTooLarge = errors.New(MessageFileTooLarge)
	// ErrClosed is returned by Submit once the orchestrator is torn down.
	ErrClosed = errors.New("orchestrator closed")
)

// Kind classifies why an attempt did not succeed.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindServer
	KindTransport
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindServer:
		return "server"
	case KindTransport:
		return "transport"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Failure is a classified error. Cancelled failures are never shown to users.
type Failure struct {
	Kind    Kind
	Message string
}

// Classify maps err, raised while ctx was the attempt's context, to a
// Failure. An attempt whose context was cancelled is Cancelled whatever the
// transport reported.
func Classify(ctx context.Context, err error) Failure {
	if errors.Is(err, ErrFileTooLarge) {
		return Failure{Kind: KindValidation, Message: MessageFileTooLarge}
	}
	if ctx != nil && errors.Is(ctx.Err(), context.Canceled) {
		return Failure{Kind: KindCancelled}
	}
	if statusErr, ok := mosaic.AsStatusError(err); ok {
		message := strings.TrimSpace(statusErr.Body)
		if message == "" {
			message = fmt.Sprintf("request failed with status %d", statusErr.StatusCode)
		}
		return Failure{Kind: KindServer, Message: message}
	}
	return Failure{Kind: KindTransport, Message: transportMessage(err)}
}

func transportMessage(err error) string {
	if err == nil {
		return MessageUnknown
	}
	var urlErr *url.Error
	var opErr *logging.OperationError
	switch {
	case errors.As(err, &urlErr) && urlErr.Err != nil:
		err = urlErr.Err
	case errors.As(err, &opErr) && opErr.Err != nil:
		err = opErr.Err
	}
	if message := strings.TrimSpace(err.Error()); message != "" {
		return message
	}
	return MessageUnknown
}
