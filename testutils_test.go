package main_test

// SPDX-License-Identifier: GPL-3.0-only

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	main "shoottrap"
	"strings"
	"sync"
	"testing"
)

var (
	ErrInvalidTestPath = errors.New("invalid path")
)

// TestResponse represents a predefined response for a specific URI in the
// TestClient mock.
type TestResponse struct {
	data  []byte
	error error
}

// TestClient is a mock Client for use in tests.  It allows setting predefined
// responses for specific URIs, and falls back to reading from sample_data if no
// response is set.  It counts every request per URI and is safe for
// concurrent use.
type TestClient struct {
	mu    sync.Mutex
	uris  map[string]TestResponse
	calls map[string]int
	heads map[string]int
	opens map[string]int
}

// NewTestClient creates a new TestClient instance with an empty set of
// predefined responses.
func NewTestClient() *TestClient {
	return &TestClient{
		uris:  make(map[string]TestResponse),
		calls: make(map[string]int),
		heads: make(map[string]int),
		opens: make(map[string]int),
	}
}

// SetResponse sets a predefined response for the specified URI in the
// TestClient.
//
// Parameters:
//   - uri: The URI for which to set the response
//   - response: The byte slice to return when the URI is requested
//   - err: The error to return when the URI is requested (nil for no error)
func (t *TestClient) SetResponse(uri string, response []byte, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.uris[uri] = TestResponse{
		data:  response,
		error: err,
	}
}

// Calls returns how many times Get was called for uri.
func (t *TestClient) Calls(uri string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[uri]
}

// Heads returns how many times Head was called for uri.
func (t *TestClient) Heads(uri string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.heads[uri]
}

// Opens returns how many times Open was called for uri.
func (t *TestClient) Opens(uri string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens[uri]
}

// Get simulates an HTTP GET request to the specified URI.  If a predefined
// response has been set for the URI, it returns that response.  Otherwise, it
// attempts to read the response data from a file in the sample_data directory.
// Errors may be set in SetResponse.  If the file does not exist, it returns
// ErrHTTPNotFound.
//
// Parameters:
//   - ctx: Returned as the error once cancelled
//   - uri: The URI to request
//
// Returns:
//   - []byte: The response data
//   - error: An error if the request fails
func (t *TestClient) Get(ctx context.Context, uri string) ([]byte, error) {
	t.mu.Lock()
	t.calls[uri]++
	t.mu.Unlock()
	return t.lookup(ctx, uri)
}

// Head returns the length of what Get would return.
func (t *TestClient) Head(ctx context.Context, uri string) (*main.Response, error) {
	t.mu.Lock()
	t.heads[uri]++
	t.mu.Unlock()

	data, err := t.lookup(ctx, uri)
	if err != nil {
		return nil, err
	}
	return &main.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{},
		ContentLength: int64(len(data)),
	}, nil
}

// Open streams what Get would return.  A positive offset inside the data
// answers 206 with the remainder.
func (t *TestClient) Open(ctx context.Context, uri string, offset int64) (*main.Response, error) {
	t.mu.Lock()
	t.opens[uri]++
	t.mu.Unlock()

	data, err := t.lookup(ctx, uri)
	if err != nil {
		return nil, err
	}

	status := http.StatusOK
	if offset > 0 && offset < int64(len(data)) {
		status = http.StatusPartialContent
		data = data[offset:]
	}
	return &main.Response{
		StatusCode:    status,
		Header:        http.Header{},
		ContentLength: int64(len(data)),
		Stream:        io.NopCloser(bytes.NewReader(data)),
	}, nil
}

func (t *TestClient) lookup(ctx context.Context, uri string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	response, ok := t.uris[uri]
	t.mu.Unlock()
	if ok {
		return response.data, response.error
	}

	path := strings.TrimPrefix(uri, "https://")
	path, _, _ = strings.Cut(path, "?")
	fn := filepath.Join("sample_data", path)
	// Prevent directory traversal attacks
	if fn != filepath.Clean(fn) {
		return nil, ErrInvalidTestPath
	}

	data, err := os.ReadFile(fn)
	switch {
	case err == nil:
		// continue
	case errors.Is(err, os.ErrNotExist):
		return nil, &main.FetchError{
			Kind: main.FetchHTTP, Method: http.MethodGet, URL: uri, Status: http.StatusNotFound,
			Err: fmt.Errorf("resource not found: %w", main.ErrHTTPNotFound),
		}
	default:
		return nil, fmt.Errorf("failed to read file %s: %w", fn, err)
	}
	return data, nil
}

// TestLogForwarder is an io.Writer that forwards log output to testing.T.Logf.
// This is used to capture application log output and report it in the test
// output.
type TestLogForwarder struct {
	t *testing.T
}

// Write implements the io.Writer interface for TestLogForwarder.  It forwards
// the log output to the testing.T instance.
//
// Parameters:
//   - p: The byte slice containing log data
//
// Returns:
//   - int: The number of bytes written
//   - error: An error if the write operation fails
func (t TestLogForwarder) Write(p []byte) (int, error) {
	t.t.Helper()

	// Get the caller info 5 levels up the stack to find the original log call.
	_, file, line, ok := runtime.Caller(5)
	if !ok {
		// This should never happen because we're always in test with a stack at
		// least this deep.
		panic("unable to get caller info for test logger")
	}

	filename := filepath.Base(file)

	// t.Logf tries to prepend the file and line number of the caller, but
	// because of the way we're wrapping it, it will always show "helper.go".
	// We'll prepend the correct file and line number ourselves.
	t.t.Logf("%s:%d: %s", filename, line, p)

	return len(p), nil
}

// NewTestLogger creates a new slog.Logger that writes to the provided
// testing.T instance.  This allows capturing log output in test logs.
//
// Parameters:
//   - t: The testing.T instance to which log output will be forwarded
func NewTestLogger(t *testing.T) *slog.Logger {
	t.Helper()
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	handler := slog.NewTextHandler(TestLogForwarder{t: t}, opts)
	return slog.New(handler)
}

// CapturePanic executes the provided function and captures any panic that
// occurs.  It returns the recovered panic value, or nil if no panic occurred.
//
// Parameters:
//   - t: The testing.T instance
//   - fn: The function to execute
//
// Returns:
//   - any: The recovered panic value, or nil if no panic occurred
func CapturePanic(t *testing.T, fn func()) any {
	t.Helper()
	var ret any

	func() {
		defer func() {
			ret = recover()
		}()
		fn()
	}()

	return ret
}

// TestProgress records what a download reported.
type TestProgress struct {
	mu       sync.Mutex
	total    int64
	added    int64
	finished bool
}

func (p *TestProgress) Add64(n int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added += n
	return nil
}

func (p *TestProgress) Finish() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = true
	return nil
}

// Factory returns a ProgressFactory that always reports into p.
func (p *TestProgress) Factory() main.ProgressFactory {
	return func(total int64, _ string) main.Progress {
		p.mu.Lock()
		p.total = total
		p.mu.Unlock()
		return p
	}
}

// DiscardProgress is a ProgressFactory that reports nowhere.
func DiscardProgress(int64, string) main.Progress {
	return &TestProgress{}
}
