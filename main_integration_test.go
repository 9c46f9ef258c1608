package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/shyguy/internal/mosaic"
)

func TestServeDrainsInFlightRequestOnCancel(t *testing.T) {
	requestStarted := make(chan struct{})
	releaseRequest := make(chan struct{})
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(releaseRequest) }) }
	t.Cleanup(release)

	router := http.NewServeMux()
	router.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		close(requestStarted)
		<-releaseRequest
		_, _ = w.Write([]byte(`{"status":"idle"}`))
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServer(ctx, &http.Server{Handler: router}, 2*time.Second, zap.NewNop(), listener)
	}()

	type result struct {
		status int
		body   string
		err    error
	}
	results := make(chan result, 1)
	go func() {
		client := &http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get("http://" + listener.Addr().String() + "/api/state")
		if err != nil {
			results <- result{err: err}
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		results <- result{status: resp.StatusCode, body: string(body)}
	}()

	select {
	case <-requestStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("request did not start in time")
	}

	cancel()
	select {
	case err := <-done:
		t.Fatalf("server returned before the in-flight request finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	release()

	select {
	case res := <-results:
		if res.err != nil {
			t.Fatalf("request failed: %v", res.err)
		}
		if res.status != http.StatusOK || res.body != `{"status":"idle"}` {
			t.Fatalf("unexpected response %d %q", res.status, res.body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shut down cleanly: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after cancellation")
	}
}

func TestServeShutdownTimesOutOnStuckRequest(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	started := make(chan struct{})

	router := http.NewServeMux()
	router.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-block
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServer(ctx, &http.Server{Handler: router}, 50*time.Millisecond, zap.NewNop(), listener)
	}()
	go func() {
		client := &http.Client{Timeout: 2 * time.Second}
		if resp, err := client.Get("http://" + listener.Addr().String() + "/slow"); err == nil {
			resp.Body.Close()
		}
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("request did not start in time")
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected shutdown deadline error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not give up on the stuck request")
	}
}

func TestServeReturnsErrorWhenListenerFails(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	listener.Close()

	err = serveHTTPServer(context.Background(), &http.Server{Handler: http.NewServeMux()}, time.Second, zap.NewNop(), listener)
	if err == nil {
		t.Fatal("expected an error from a closed listener")
	}
}

var (
	testJPEG = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
	testPNG  = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
)

func newMosaicBackend(t *testing.T, status int, faces string) *httptest.Server {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/mosaic" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("pixel_size") != "12" {
			http.Error(w, "unexpected pixel size", http.StatusBadRequest)
			return
		}
		if status != http.StatusOK {
			http.Error(w, "face detector unavailable", status)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set(mosaic.FacesDetectedHeader, faces)
		_, _ = w.Write(testPNG)
	}))
	t.Cleanup(backend.Close)
	return backend
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("SHYGUY_CONFIG", "")
	t.Setenv("LOG_LEVEL", "error")

	stdout := &bytes.Buffer{}
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	return stdout.String(), err
}

func TestSubmitCommandWritesResult(t *testing.T) {
	backend := newMosaicBackend(t, http.StatusOK, "2")

	dir := t.TempDir()
	input := filepath.Join(dir, "portrait.jpg")
	if err := os.WriteFile(input, testJPEG, 0o600); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}
	output := filepath.Join(dir, "out.png")

	stdout, err := runCLI(t, "submit", "--quiet", "--backend-url", backend.URL,
		"--file", input, "--pixel-size", "12", "--output", output)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if !strings.Contains(stdout, "faces detected: 2") {
		t.Fatalf("unexpected output %q", stdout)
	}

	written, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	if !bytes.Equal(written, testPNG) {
		t.Fatal("output does not match the backend response")
	}
}

func TestSubmitCommandReportsBackendMessage(t *testing.T) {
	backend := newMosaicBackend(t, http.StatusServiceUnavailable, "")

	input := filepath.Join(t.TempDir(), "portrait.jpg")
	if err := os.WriteFile(input, testJPEG, 0o600); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}

	_, err := runCLI(t, "submit", "--quiet", "--backend-url", backend.URL,
		"--file", input, "--pixel-size", "12")
	if err == nil || !strings.Contains(err.Error(), "face detector unavailable") {
		t.Fatalf("expected backend message, got %v", err)
	}
}

func TestSubmitCommandRejectsOversizedFile(t *testing.T) {
	backend := newMosaicBackend(t, http.StatusOK, "1")

	input := filepath.Join(t.TempDir(), "huge.jpg")
	payload := append(append([]byte{}, testJPEG...), make([]byte, mosaic.MaxUploadSize)...)
	if err := os.WriteFile(input, payload, 0o600); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}

	_, err := runCLI(t, "submit", "--quiet", "--backend-url", backend.URL,
		"--file", input, "--pixel-size", "12")
	if err == nil || !strings.Contains(err.Error(), "file too large") {
		t.Fatalf("expected file too large, got %v", err)
	}
}

func TestSubmitCommandRejectsUnsupportedFile(t *testing.T) {
	input := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(input, []byte("plain text"), 0o600); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}

	_, err := runCLI(t, "submit", "--quiet", "--backend-url", "http://127.0.0.1:1", "--file", input)
	if err == nil || !strings.Contains(err.Error(), "unsupported image format") {
		t.Fatalf("expected unsupported format error, got %v", err)
	}
}

func TestSubmitCommandValidatesParameters(t *testing.T) {
	_, err := runCLI(t, "submit", "--quiet", "--backend-url", "http://127.0.0.1:1",
		"--file", "missing.jpg", "--pixel-size", "0")
	if err == nil {
		t.Fatal("expected invalid pixel size to fail")
	}
}
