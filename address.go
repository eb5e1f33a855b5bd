package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	// Query parameter used by the site's paginated galleries.
	pageParam = "page"
)

var (
	ErrInvalidOrigin = errors.New("origin must be scheme://host with no path")
)

// PageAddress is a URL broken into an origin, path segments and query
// parameters.  It has value semantics: every With* method returns a copy and
// never touches the receiver, so a base address can be shared freely between
// the gallery walker and the shoot resolver.
type PageAddress struct {
	origin   string
	segments []string
	query    url.Values
}

// NewPageAddress builds an address from an origin (e.g.
// "https://www.kink.com") and zero or more path segments.  Segments are
// trimmed and empty ones are dropped.
//
// Parameters:
//   - origin: Scheme and host, without a path
//   - segments: Path segments, in order
//
// Returns:
//   - PageAddress: The normalized address
//   - error: ErrInvalidOrigin if the origin can't be used
func NewPageAddress(origin string, segments ...string) (PageAddress, error) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return PageAddress{}, fmt.Errorf("%w: %v", ErrInvalidOrigin, err)
	}
	if u.Scheme == "" || u.Host == "" || strings.Trim(u.Path, "/") != "" || u.RawQuery != "" {
		return PageAddress{}, fmt.Errorf("%w: %q", ErrInvalidOrigin, origin)
	}

	return PageAddress{
		origin:   u.Scheme + "://" + u.Host,
		segments: normalizeSegments(segments),
		query:    url.Values{},
	}, nil
}

// ParseAddress splits an absolute URL into a PageAddress.  It is the inverse
// of PageAddress.String.
//
// Parameters:
//   - raw: An absolute http(s) URL
//
// Returns:
//   - PageAddress: The parsed address
//   - error: Any error encountered while parsing
func ParseAddress(raw string) (PageAddress, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return PageAddress{}, fmt.Errorf("failed to parse URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return PageAddress{}, fmt.Errorf("%w: %q", ErrInvalidOrigin, raw)
	}

	var segments []string
	for _, s := range strings.Split(u.EscapedPath(), "/") {
		if s == "" {
			continue
		}
		unescaped, err := url.PathUnescape(s)
		if err != nil {
			return PageAddress{}, fmt.Errorf("invalid path segment %q: %w", s, err)
		}
		segments = append(segments, unescaped)
	}

	query := u.Query()
	if query == nil {
		query = url.Values{}
	}

	return PageAddress{
		origin:   u.Scheme + "://" + u.Host,
		segments: normalizeSegments(segments),
		query:    query,
	}, nil
}

// Origin returns the scheme and host of the address.
func (a PageAddress) Origin() string {
	return a.origin
}

// Segments returns a copy of the path segments.
func (a PageAddress) Segments() []string {
	return append([]string(nil), a.segments...)
}

// Query returns a copy of the query parameters.
func (a PageAddress) Query() url.Values {
	out := make(url.Values, len(a.query))
	for k, v := range a.query {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// WithSegments returns a copy of the address with the given segments
// appended.
func (a PageAddress) WithSegments(segments ...string) PageAddress {
	out := a.clone()
	out.segments = append(out.segments, normalizeSegments(segments)...)
	return out
}

// WithQuery returns a copy of the address with key set to value, replacing
// any previous value.
func (a PageAddress) WithQuery(key, value string) PageAddress {
	out := a.clone()
	out.query.Set(key, value)
	return out
}

// WithPage returns a copy of the address pointing at gallery page n.
func (a PageAddress) WithPage(n int) PageAddress {
	return a.WithQuery(pageParam, strconv.Itoa(n))
}

// Page returns the page parameter of the address, if it has a valid one.
//
// Returns:
//   - int: The page number
//   - bool: False if the address has no usable page parameter
func (a PageAddress) Page() (int, bool) {
	raw := a.query.Get(pageParam)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// Resolve turns a link found on a page (absolute, protocol-relative or
// root-relative) into an absolute URL on this address's origin.
func (a PageAddress) Resolve(href string) string {
	href = strings.TrimSpace(href)
	switch {
	case href == "":
		return ""
	case strings.HasPrefix(href, "//"):
		scheme, _, _ := strings.Cut(a.origin, "://")
		return scheme + ":" + href
	case strings.Contains(href, "://"):
		return href
	case strings.HasPrefix(href, "/"):
		return a.origin + href
	default:
		return a.origin + "/" + href
	}
}

// String builds the absolute URL.  Segments are path-escaped and joined
// with "/", and the query is appended only when there is one.  Query keys are
// emitted in sorted order so the same address always builds the same string.
func (a PageAddress) String() string {
	var b strings.Builder
	b.WriteString(a.origin)
	b.WriteString("/")

	escaped := make([]string, len(a.segments))
	for i, s := range a.segments {
		escaped[i] = url.PathEscape(s)
	}
	b.WriteString(strings.Join(escaped, "/"))

	if len(a.query) > 0 {
		b.WriteString("?")
		b.WriteString(a.query.Encode())
	}
	return b.String()
}

func (a PageAddress) clone() PageAddress {
	return PageAddress{
		origin:   a.origin,
		segments: a.Segments(),
		query:    a.Query(),
	}
}

func normalizeSegments(segments []string) []string {
	out := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
