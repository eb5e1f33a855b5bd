package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"context"
	"fmt"
	"log/slog"
)

const (
	// Maximum number of gallery pages to walk.  Large channels run to a few
	// hundred pages; this only guards against a broken pagination widget.
	maxGalleryPages = 5000
)

// TraversalMode selects how many gallery pages a walk covers.
type TraversalMode int

const (
	// TraverseSingle fetches the given address once and stops.
	TraverseSingle TraversalMode = iota
	// TraverseDiscover reads the last page from the first page's pagination.
	TraverseDiscover
	// TraverseLimit walks a caller supplied number of pages.
	TraverseLimit
)

func (m TraversalMode) String() string {
	switch m {
	case TraverseSingle:
		return "single"
	case TraverseDiscover:
		return "discover"
	case TraverseLimit:
		return "limit"
	}
	return fmt.Sprintf("TraversalMode(%d)", int(m))
}

// GalleryState is a step of a walk.
type GalleryState int

const (
	StateStart GalleryState = iota
	StateFetchingPage
	StateParsingPage
	StateDone
	StateFailed
)

func (s GalleryState) String() string {
	switch s {
	case StateStart:
		return "Start"
	case StateFetchingPage:
		return "FetchingPage"
	case StateParsingPage:
		return "ParsingPage"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("GalleryState(%d)", int(s))
}

// Transition is reported to a GalleryObserver each time a walk changes
// state.  Page is zero for Start.
type Transition struct {
	State GalleryState
	Page  int
}

// GalleryObserver receives every transition of a walk, in order.
type GalleryObserver func(Transition)

// WalkError reports the page a walk failed on.  The refs collected before
// the failure are returned alongside it.
type WalkError struct {
	Page int
	Err  error
}

func (e *WalkError) Error() string {
	return fmt.Sprintf("gallery walk failed on page %d: %v", e.Page, e.Err)
}

func (e *WalkError) Unwrap() error { return e.Err }

// Gallery walks a paginated listing of shoots.
type Gallery struct {
	logger   *slog.Logger
	client   Client
	address  PageAddress
	shape    PageShape
	mode     TraversalMode
	limit    int
	observer GalleryObserver
}

// NewGallery creates a Gallery for the listing at address.
//
// Parameters:
//   - logger: Logger instance
//   - client: HTTP client interface for making web requests
//   - address: The listing; its page parameter, if any, is the first page walked
//   - shape: Selectors for gallery pages
//   - mode: How far to walk
//   - limit: Number of pages for TraverseLimit, ignored otherwise
//
// Returns:
//   - *Gallery: A new Gallery instance ready for use
//
// Panics:
//   - TraverseLimit with a limit below 1
func NewGallery(
	logger *slog.Logger,
	client Client,
	address PageAddress,
	shape PageShape,
	mode TraversalMode,
	limit int,
) *Gallery {
	if mode == TraverseLimit && limit < 1 {
		fatalInvariant(fmt.Sprintf("gallery page limit must be positive, got %d", limit))
	}
	return &Gallery{
		logger:  logger,
		client:  client,
		address: address,
		shape:   shape,
		mode:    mode,
		limit:   limit,
	}
}

// SetObserver installs a callback for state transitions.
func (g *Gallery) SetObserver(observer GalleryObserver) {
	g.observer = observer
}

// Walk fetches gallery pages and collects their shoot links in page then
// position order.  Duplicates are kept.
//
// Parameters:
//   - ctx: Checked before every page fetch
//
// Returns:
//   - []ShootRef: Every ref found, including those gathered before a failure
//   - error: A *WalkError wrapping the fetch, parse or cancellation error
func (g *Gallery) Walk(ctx context.Context) ([]ShootRef, error) {
	g.transition(StateStart, 0)

	first := 1
	if n, ok := g.address.Page(); ok && n > 0 {
		first = n
	}

	last := first
	if g.mode == TraverseLimit {
		last = first + g.limit - 1
	}
	discovered := false

	g.logger.Debug("walking gallery", "url", g.address.String(), "mode", g.mode, "first", first, "last", last)

	var refs []ShootRef
	for pageNum := first; pageNum <= last; pageNum++ {
		// Sanity check to prevent infinite loops
		if pageNum-first >= maxGalleryPages {
			g.logger.Error("maximum gallery pages exceeded", "url", g.address.String(), "maxPages", maxGalleryPages)
			fatalInvariant("maximum gallery pages exceeded")
		}

		if err := ctx.Err(); err != nil {
			return refs, g.fail(pageNum, err)
		}

		address := g.address
		if g.mode != TraverseSingle {
			address = g.address.WithPage(pageNum)
		}

		g.transition(StateFetchingPage, pageNum)
		body, err := g.client.Get(ctx, address.String())
		if err != nil {
			g.logger.Error("gallery: page fetch error", "url", address.String(), "error", err)
			return refs, g.fail(pageNum, fmt.Errorf("failed to fetch gallery page: %w", err))
		}

		g.transition(StateParsingPage, pageNum)
		page, err := Parse(body, g.shape)
		if err != nil {
			return refs, g.fail(pageNum, err)
		}

		pageRefs := g.refs(address, page)
		refs = append(refs, pageRefs...)

		if g.mode != TraverseSingle && !discovered {
			discovered = true
			pageLast, err := g.lastPage(page, pageNum)
			if err != nil {
				return refs, g.fail(pageNum, err)
			}
			if g.mode == TraverseDiscover || pageLast < last {
				last = pageLast
			}
		}

		g.logger.Info("gallery page processed",
			"page", pageNum,
			"last", last,
			"count", len(pageRefs),
			"total", len(refs),
		)
	}

	g.transition(StateDone, last)
	return refs, nil
}

// lastPage reads the pagination widget.  In limit mode a missing widget is
// fine: the caller's limit stands.
func (g *Gallery) lastPage(page *ParsedPage, pageNum int) (int, error) {
	last, err := page.LastPageNumber()
	if err != nil {
		if g.mode == TraverseLimit {
			g.logger.Debug("no pagination on gallery page, using page limit", "page", pageNum)
			return pageNum + g.limit - 1, nil
		}
		return 0, err
	}
	if last > maxGalleryPages {
		return 0, &ParseError{Field: "last_page", Value: fmt.Sprint(last), Err: fmt.Errorf("page number out of range")}
	}
	return last, nil
}

func (g *Gallery) refs(address PageAddress, page *ParsedPage) []ShootRef {
	links, ok := page.Items.Get()
	if !ok {
		g.logger.Warn("no shoots found on gallery page", "url", address.String())
		return nil
	}
	refs := make([]ShootRef, 0, len(links))
	for _, link := range links {
		ref, err := NewShootRef(address, "", link.Href)
		if err != nil {
			g.logger.Warn("skipping gallery item", "href", link.Href, "error", err)
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

func (g *Gallery) fail(pageNum int, err error) error {
	g.transition(StateFailed, pageNum)
	return &WalkError{Page: pageNum, Err: err}
}

func (g *Gallery) transition(state GalleryState, pageNum int) {
	g.logger.Debug("gallery state", "state", state, "page", pageNum)
	if g.observer != nil {
		g.observer(Transition{State: state, Page: pageNum})
	}
}
