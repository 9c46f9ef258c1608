package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"

	"github.com/example/shyguy/internal/logging"
	"github.com/example/shyguy/internal/mosaic"
)

func TestClassify(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	live := context.Background()

	cases := []struct {
		name string
		ctx  context.Context
		err  error
		want Failure
	}{
		{
			name: "validation",
			ctx:  live,
			err:  ErrFileTooLarge,
			want: Failure{Kind: KindValidation, Message: "file too large"},
		},
		{
			name: "cancelled attempt wins over transport error",
			ctx:  cancelled,
			err:  logging.NewOperationError("mosaicclient.process", "", context.Canceled),
			want: Failure{Kind: KindCancelled},
		},
		{
			name: "server error with body",
			ctx:  live,
			err:  fmt.Errorf("wrapped: %w", &mosaic.StatusError{StatusCode: 413, Body: "File too large. Maximum size is 10MB."}),
			want: Failure{Kind: KindServer, Message: "File too large. Maximum size is 10MB."},
		},
		{
			name: "server error without body",
			ctx:  live,
			err:  &mosaic.StatusError{StatusCode: 503, Body: "  "},
			want: Failure{Kind: KindServer, Message: "request failed with status 503"},
		},
		{
			name: "transport error unwraps url error",
			ctx:  live,
			err:  logging.NewOperationError("mosaicclient.process", "", &url.Error{Op: "Post", URL: "http://x", Err: errors.New("no such host")}),
			want: Failure{Kind: KindTransport, Message: "no such host"},
		},
		{
			name: "transport error drops operation prefix",
			ctx:  live,
			err:  logging.NewOperationError("mosaicclient.read_result", "", errors.New("result too large")),
			want: Failure{Kind: KindTransport, Message: "result too large"},
		},
		{
			name: "deadline is a transport error",
			ctx:  live,
			err:  context.DeadlineExceeded,
			want: Failure{Kind: KindTransport, Message: "context deadline exceeded"},
		},
		{
			name: "blank transport error",
			ctx:  live,
			err:  errors.New(""),
			want: Failure{Kind: KindTransport, Message: "unknown error"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.ctx, tc.err); got != tc.want {
				t.Fatalf("Classify() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestKindString(t *testing.T) {
	if KindCancelled.String() != "cancelled" || Kind(0).String() != "unknown" {
		t.Fatalf("unexpected kind names %q %q", KindCancelled, Kind(0))
	}
}
