package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

const (
	defaultSolveTimeout = 60 * time.Second
	solvePollInterval   = 500 * time.Millisecond
)

var (
	ErrChallengeTimeout = errors.New("challenge page did not clear in time")

	// Statuses an interstitial is served with.  Paired with a Cloudflare
	// Server header they mean "challenge", not a real error from the origin.
	challengeStatuses = map[int]bool{
		http.StatusForbidden:          true,
		http.StatusServiceUnavailable: true,
		http.StatusTooManyRequests:    true,
	}

	// Titles of interstitial pages served while the browser check runs.
	challengeTitles = []string{
		"just a moment",
		"attention required",
		"checking your browser",
	}
)

// Clearance is what a solved challenge hands back to the HTTP client: the
// cookies that prove the check passed, and the user agent they are bound to.
type Clearance struct {
	Cookies   []*http.Cookie
	UserAgent string
}

// ChallengeSolver gets past an anti-bot interstitial for uri.  It receives
// the cookies the HTTP client would have sent so the solver is logged in too.
type ChallengeSolver interface {
	Solve(ctx context.Context, uri string, cookies []*http.Cookie) (*Clearance, error)
}

// IsChallenge reports whether resp is an anti-bot interstitial instead of
// the page that was asked for.  Only headers are inspected so a streamed body
// is never consumed.
func IsChallenge(resp *http.Response) bool {
	if strings.EqualFold(resp.Header.Get("Cf-Mitigated"), "challenge") {
		return true
	}
	if !challengeStatuses[resp.StatusCode] {
		return false
	}
	return strings.Contains(strings.ToLower(resp.Header.Get("Server")), "cloudflare")
}

func isChallengeTitle(title string) bool {
	title = strings.ToLower(strings.TrimSpace(title))
	for _, t := range challengeTitles {
		if strings.Contains(title, t) {
			return true
		}
	}
	return false
}

// BrowserSolver drives a real Chrome through chromedp, waits for the
// interstitial to clear, then collects the resulting cookies.
type BrowserSolver struct {
	logger   *slog.Logger
	headless bool
	timeout  time.Duration
}

// NewBrowserSolver creates a BrowserSolver.
//
// Parameters:
//   - logger: Logger instance
//   - headless: Run Chrome without a window.  Some challenges only clear in
//     a headed browser.
//
// Returns:
//   - *BrowserSolver: A solver ready for HTTPClient.SetChallengeSolver
func NewBrowserSolver(logger *slog.Logger, headless bool) *BrowserSolver {
	return &BrowserSolver{
		logger:   logger,
		headless: headless,
		timeout:  defaultSolveTimeout,
	}
}

// Solve implements ChallengeSolver.
func (b *BrowserSolver) Solve(ctx context.Context, uri string, cookies []*http.Cookie) (*Clearance, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", b.headless),
		chromedp.UserAgent(httpUserAgent),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	taskCtx, cancelTimeout := context.WithTimeout(taskCtx, b.timeout)
	defer cancelTimeout()

	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &network.CookieParam{Name: c.Name, Value: c.Value, URL: uri})
	}

	var userAgent string
	err := chromedp.Run(taskCtx,
		network.Enable(),
		network.SetCookies(params),
		chromedp.Navigate(uri),
		chromedp.Evaluate(`navigator.userAgent`, &userAgent),
	)
	if err != nil {
		return nil, fmt.Errorf("browser navigation failed: %w", err)
	}

	for {
		var title string
		err = chromedp.Run(taskCtx, chromedp.Title(&title))
		if err != nil {
			return nil, fmt.Errorf("failed to read page title: %w", err)
		}
		if !isChallengeTitle(title) {
			break
		}
		b.logger.Debug("Challenge still running", "uri", uri, "title", title)
		select {
		case <-taskCtx.Done():
			return nil, fmt.Errorf("%w: %w", ErrChallengeTimeout, taskCtx.Err())
		case <-time.After(solvePollInterval):
		}
	}

	var browserCookies []*network.Cookie
	err = chromedp.Run(taskCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		browserCookies, err = network.GetCookies().WithURLs([]string{uri}).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read browser cookies: %w", err)
	}

	clearance := &Clearance{UserAgent: userAgent}
	for _, c := range browserCookies {
		clearance.Cookies = append(clearance.Cookies, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}

	b.logger.Info("Challenge solved", "uri", uri, "cookies", len(clearance.Cookies))
	return clearance, nil
}
