package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

const (
	// Default politeness: one request per second, like a person clicking
	// through the gallery.
	defaultRequestsPerSecond = 1.0

	// HTTP client retry constants.  One try means no retry.
	defaultTryCount      = 1
	defaultRetryInterval = 5 * time.Second

	// Page fetches are bounded; streamed downloads rely on the context
	// instead because a video can take far longer than any sane timeout.
	pageTimeout = 90 * time.Second

	httpUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

	// Number of tab-separated fields in a Netscape/Mozilla cookies.txt file.
	cookiesTxtFieldCount = 7

	// Browsers export HttpOnly cookies with this prefix on the domain field.
	httpOnlyPrefix = "#HttpOnly_"

	oneWeekDuration = 7 * 24 * time.Hour
)

var (
	ErrHTTPStatusNotOK = errors.New("HTTP request failed with non-2xx status")
	ErrHTTPNotFound    = errors.New("HTTP 404 Not Found")
	ErrInvalidCookie   = errors.New("invalid cookie format")
	ErrChallenge       = errors.New("anti-bot challenge could not be solved")

	// Statuses from an overloaded or restarting origin.  Worth retrying.
	gatewayStatuses = map[int]bool{
		http.StatusBadGateway:         true,
		http.StatusServiceUnavailable: true,
		http.StatusGatewayTimeout:     true,
	}
)

// FetchErrorKind classifies a failed fetch.
type FetchErrorKind int

const (
	// FetchTransient is a network-level failure (DNS, connection reset,
	// timeout) or a gateway error status.  Retrying later may succeed.
	FetchTransient FetchErrorKind = iota
	// FetchHTTP is any other non-2xx status after challenge solving.
	FetchHTTP
)

func (k FetchErrorKind) String() string {
	if k == FetchHTTP {
		return "http"
	}
	return "transient"
}

// FetchError is returned by every Client method when a request fails.
type FetchError struct {
	Kind   FetchErrorKind
	Method string
	URL    string
	Status int // zero when no response arrived
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: HTTP %d: %v", e.Method, e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Response is what a fetch returns.  For buffered fetches Body holds the
// whole response; for streamed fetches Stream must be closed by the caller.
type Response struct {
	StatusCode    int
	Header        http.Header
	ContentLength int64 // -1 when unknown
	Body          []byte
	Stream        io.ReadCloser
}

// Client is an abstract HTTP client.  In prod, this wraps http.Client.  In
// test, it is a TestClient mock.
type Client interface {
	// Get fetches a page and returns its body.
	Get(ctx context.Context, uri string) ([]byte, error)
	// Head returns the status and headers of uri without a body.
	Head(ctx context.Context, uri string) (*Response, error)
	// Open starts a streamed GET of uri, starting at byte offset when offset
	// is positive.  The server may ignore the offset and answer 200.
	Open(ctx context.Context, uri string, offset int64) (*Response, error)
}

// HTTPClient is a concrete implementation of the Client interface which
// attaches the cookie set, throttles requests, solves anti-bot challenges and
// optionally retries transient failures.
type HTTPClient struct {
	logger        *slog.Logger
	client        *http.Client
	limiter       *rate.Limiter
	solver        ChallengeSolver
	tryCount      int
	retryInterval time.Duration

	mu        sync.RWMutex
	userAgent string
}

// NewHTTPClient creates a new HTTPClient instance with default settings for
// rate limiting and retries.  The defaults are appropriate for prod use, and
// are overridden for integration tests.
//
// Parameters:
//   - logger: Logger instance
//
// Returns:
//   - *HTTPClient: A new HTTPClient instance ready for use
func NewHTTPClient(logger *slog.Logger) *HTTPClient {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		// cookiejar.New never returns an error as of Go 1.24.  Fatal
		// because we have no idea what the future error conditions are.
		fatalInvariant(fmt.Errorf("failed to create cookie jar: %w", err))
	}

	return &HTTPClient{
		logger:        logger,
		client:        &http.Client{Jar: jar},
		limiter:       rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), 1),
		tryCount:      defaultTryCount,
		retryInterval: defaultRetryInterval,
		userAgent:     httpUserAgent,
	}
}

// SetRetryPolicy configures the retry behavior for transient failures.
//
// Parameters:
//   - count: Number of attempts before giving up (1 = no retry)
//   - interval: Time to wait between attempts
func (h *HTTPClient) SetRetryPolicy(count int, interval time.Duration) {
	if count < 1 {
		count = 1
	}
	h.tryCount = count
	h.retryInterval = interval
}

// SetRateLimit sets how many requests per second may be issued.  Zero or a
// negative value disables throttling.
func (h *HTTPClient) SetRateLimit(perSecond float64) {
	if perSecond <= 0 {
		h.limiter = rate.NewLimiter(rate.Inf, 0)
		return
	}
	h.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
}

// SetChallengeSolver installs the solver consulted when the origin answers
// with an anti-bot interstitial.  With no solver, challenges are reported as
// HTTP errors.
func (h *HTTPClient) SetChallengeSolver(solver ChallengeSolver) {
	h.solver = solver
}

// CookiePolicy mirrors the two independent switches of a Netscape cookie
// loader.
type CookiePolicy struct {
	KeepExpired bool // load cookies whose expiry is in the past
	KeepSession bool // load session cookies (expiry 0)
}

// LoadCookies loads cookies from a Netscape/Mozilla format cookies.txt file and
// adds them to the client's cookie jar.  This allows access to pages only
// available to logged-in users.
//
// The method parses the "standard" cookies.txt format with tab-separated
// fields: domain, flag, path, secure, expiration, name, value
//
// Parameters:
//   - filename: Path to the cookies.txt file to load
//   - policy: Which expired and session cookies to keep
//
// Returns:
//   - int: The number of cookies loaded into the jar
//   - error: Any error encountered while reading or parsing the cookies file
func (h *HTTPClient) LoadCookies(filename string, policy CookiePolicy) (int, error) {
	//#nosec G304: filename is intentionally from user input
	file, err := os.Open(filename)
	if err != nil {
		return 0, fmt.Errorf("failed to open cookies file: %w", err)
	}
	defer func() { _ = file.Close() }()

	loaded := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		ok, err := h.parseCookieLine(line, policy, time.Now())
		if err != nil {
			return loaded, fmt.Errorf("failed to load cookie: %w", err)
		}
		if ok {
			loaded++
		}
	}

	err = scanner.Err()
	if err != nil {
		return loaded, fmt.Errorf("error reading cookies file: %w", err)
	}

	h.logger.Info("Loaded cookies from file", "file", filename, "count", loaded)
	return loaded, nil
}

// AddCookies puts cookies obtained elsewhere (e.g. from a challenge solver)
// into the jar for uri.
func (h *HTTPClient) AddCookies(uri string, cookies []*http.Cookie) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid URL for cookies: %w", err)
	}
	h.client.Jar.SetCookies(u, cookies)
	return nil
}

// Cookies returns the cookies the jar would send to uri.
func (h *HTTPClient) Cookies(uri string) []*http.Cookie {
	u, err := url.Parse(uri)
	if err != nil {
		return nil
	}
	return h.client.Jar.Cookies(u)
}

// Get performs a buffered GET and returns the body.
//
// Parameters:
//   - ctx: Cancels the request, including any throttling wait
//   - uri: The URL to fetch
//
// Returns:
//   - []byte: The response body content
//   - error: A *FetchError if the request failed
func (h *HTTPClient) Get(ctx context.Context, uri string) ([]byte, error) {
	resp, err := h.Fetch(ctx, http.MethodGet, uri, false)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Head performs a HEAD request.
func (h *HTTPClient) Head(ctx context.Context, uri string) (*Response, error) {
	return h.Fetch(ctx, http.MethodHead, uri, false)
}

// Open starts a streamed GET, asking for a byte range when offset > 0.
func (h *HTTPClient) Open(ctx context.Context, uri string, offset int64) (*Response, error) {
	return h.fetchWithRetry(ctx, http.MethodGet, uri, true, offset)
}

// Fetch is the single network boundary of the program.  It attaches the
// cookie jar, waits on the rate limiter, and when the origin answers with a
// challenge page it asks the ChallengeSolver for clearance and tries once
// more.
//
// Parameters:
//   - ctx: Cancels the request
//   - method: http.MethodGet or http.MethodHead
//   - uri: The URL to fetch
//   - stream: If true, Response.Stream is left open for the caller
//
// Returns:
//   - *Response: Status, headers and body (or stream)
//   - error: A *FetchError on failure
func (h *HTTPClient) Fetch(ctx context.Context, method, uri string, stream bool) (*Response, error) {
	if method != http.MethodGet && method != http.MethodHead {
		fatalInvariant(fmt.Sprintf("unsupported fetch method %q", method))
	}
	return h.fetchWithRetry(ctx, method, uri, stream, 0)
}

func (h *HTTPClient) fetchWithRetry(
	ctx context.Context, method, uri string, stream bool, offset int64,
) (*Response, error) {
	h.logger.Debug("HTTPClient fetch", "method", method, "uri", uri, "offset", offset)
	var lastErr error
	for attempt := range h.tryCount {
		resp, err := h.fetchSolving(ctx, method, uri, stream, offset)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var fe *FetchError
		if !errors.As(err, &fe) || fe.Kind != FetchTransient || ctx.Err() != nil {
			return nil, err
		}
		if attempt+1 < h.tryCount {
			h.logger.Info("HTTPClient fetch failed attempt", "uri", uri, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return nil, lastErr
			case <-time.After(h.retryInterval):
			}
		}
	}
	h.logger.Error("HTTPClient fetch all attempts failed", "uri", uri, "error", lastErr)
	return nil, lastErr
}

// fetchSolving performs one request and, if it hits a challenge, one solve
// and one more request.
func (h *HTTPClient) fetchSolving(
	ctx context.Context, method, uri string, stream bool, offset int64,
) (*Response, error) {
	resp, challenged, err := h.do(ctx, method, uri, stream, offset)
	if err != nil || !challenged {
		return resp, err
	}

	if h.solver == nil {
		return nil, &FetchError{Kind: FetchHTTP, Method: method, URL: uri, Status: resp.StatusCode, Err: ErrChallenge}
	}

	h.logger.Info("Anti-bot challenge detected, solving", "uri", uri)
	clearance, err := h.solver.Solve(ctx, uri, h.Cookies(uri))
	if err != nil {
		return nil, &FetchError{
			Kind: FetchHTTP, Method: method, URL: uri, Status: resp.StatusCode,
			Err: fmt.Errorf("%w: %w", ErrChallenge, err),
		}
	}
	if err := h.AddCookies(uri, clearance.Cookies); err != nil {
		return nil, &FetchError{Kind: FetchHTTP, Method: method, URL: uri, Status: resp.StatusCode, Err: err}
	}
	if clearance.UserAgent != "" {
		// Clearance cookies are bound to the browser's UA.
		h.mu.Lock()
		h.userAgent = clearance.UserAgent
		h.mu.Unlock()
	}

	resp, challenged, err = h.do(ctx, method, uri, stream, offset)
	if err != nil {
		return nil, err
	}
	if challenged {
		return nil, &FetchError{Kind: FetchHTTP, Method: method, URL: uri, Status: resp.StatusCode, Err: ErrChallenge}
	}
	return resp, nil
}

// do performs a single request without retries or challenge solving.  When
// the response is a challenge page it returns challenged=true with the
// (already closed) response for its status code.
func (h *HTTPClient) do(
	ctx context.Context, method, uri string, stream bool, offset int64,
) (*Response, bool, error) {
	err := h.limiter.Wait(ctx)
	if err != nil {
		return nil, false, &FetchError{Kind: FetchTransient, Method: method, URL: uri, Err: err}
	}

	reqCtx := ctx
	cancel := context.CancelFunc(func() {})
	if !stream {
		reqCtx, cancel = context.WithTimeout(ctx, pageTimeout)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, uri, nil)
	if err != nil {
		cancel()
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}

	h.mu.RLock()
	req.Header.Set("User-Agent", h.userAgent)
	h.mu.RUnlock()
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	response, err := h.client.Do(req)
	if err != nil {
		cancel()
		return nil, false, &FetchError{Kind: FetchTransient, Method: method, URL: uri, Err: err}
	}

	resp := &Response{
		StatusCode:    response.StatusCode,
		Header:        response.Header,
		ContentLength: response.ContentLength,
	}

	if IsChallenge(response) {
		_, _ = io.Copy(io.Discard, response.Body)
		_ = response.Body.Close()
		cancel()
		return resp, true, nil
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		_ = response.Body.Close()
		cancel()
		sentinel := ErrHTTPStatusNotOK
		if response.StatusCode == http.StatusNotFound {
			sentinel = ErrHTTPNotFound
		}
		kind := FetchHTTP
		if gatewayStatuses[response.StatusCode] {
			kind = FetchTransient
		}
		return nil, false, &FetchError{
			Kind: kind, Method: method, URL: uri, Status: response.StatusCode,
			Err: fmt.Errorf("%w: %s", sentinel, response.Status),
		}
	}

	if stream {
		resp.Stream = response.Body
		return resp, false, nil
	}

	defer cancel()
	defer func() { _ = response.Body.Close() }()
	if method == http.MethodHead {
		return resp, false, nil
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, false, &FetchError{
			Kind: FetchTransient, Method: method, URL: uri,
			Err: fmt.Errorf("failed to read response body: %w", err),
		}
	}
	resp.Body = body
	return resp, false, nil
}

// parseCookieLine parses a single line from a cookies.txt file and adds the
// cookie to the client's cookie jar.
//
// Parameters:
//   - line: A single line from a cookies.txt file
//   - policy: Which expired and session cookies to keep
//   - now: The reference time for expiry checks
//
// Returns:
//   - bool: True if a cookie was added to the jar
//   - error: ErrInvalidCookie or a parse error for malformed lines
func (h *HTTPClient) parseCookieLine(line string, policy CookiePolicy, now time.Time) (bool, error) {
	httpOnly := false
	if strings.HasPrefix(line, httpOnlyPrefix) {
		httpOnly = true
		line = strings.TrimPrefix(line, httpOnlyPrefix)
	}

	// Skip comments and empty lines
	if line == "" || strings.HasPrefix(line, "#") {
		return false, nil
	}

	// Parse cookie line format: domain	flag	path	secure	expiration	name	value
	parts := strings.Split(line, "\t")
	if len(parts) != cookiesTxtFieldCount {
		return false, fmt.Errorf("%w: %v", ErrInvalidCookie, line)
	}

	domain := parts[0]
	includeSubdomains := strings.ToUpper(parts[1]) == "TRUE"
	path := parts[2]
	secure := strings.ToUpper(parts[3]) == "TRUE"
	expiration := parts[4]
	name := parts[5]
	value := parts[6]

	expireTime, err := strconv.ParseInt(expiration, 10, 64)
	if err != nil {
		return false, fmt.Errorf("invalid expiration time for cookie %s: %w", name, err)
	}

	if expireTime == 0 {
		if !policy.KeepSession {
			h.logger.Debug("Skipping session cookie", "name", name)
			return false, nil
		}
	} else {
		cookieExpire := time.Unix(expireTime, 0)
		if cookieExpire.Before(now) {
			if !policy.KeepExpired {
				h.logger.Debug("Skipping expired cookie", "name", name, "expired", cookieExpire)
				return false, nil
			}
		} else if cookieExpire.Before(now.Add(oneWeekDuration)) {
			h.logger.Warn("Cookie is expiring soon, update your cookies.txt file",
				"name", name, "expires", cookieExpire)
		}
	}

	host := strings.TrimPrefix(domain, ".")
	scheme := "http"
	if secure {
		scheme = "https"
	}

	cookieURL, err := url.Parse(fmt.Sprintf("%s://%s%s", scheme, host, path))
	if err != nil {
		return false, fmt.Errorf("invalid URL for cookie %s: %w", name, err)
	}

	// Expiry is deliberately left unset: the load policy already decided
	// whether this cookie belongs in the jar.
	cookie := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Secure:   secure,
		HttpOnly: httpOnly,
	}
	if includeSubdomains {
		cookie.Domain = domain
	}

	h.client.Jar.SetCookies(cookieURL, []*http.Cookie{cookie})
	return true, nil
}
