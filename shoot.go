package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

var (
	ErrInvalidShootHref = errors.New("href is not a shoot link, must be /shoot/<number>")
	ErrUnavailable      = errors.New("shoot has no downloadable content")

	shootPathRegexp = regexp.MustCompile(`^/?shoot/(\d+)/?$`)
)

// ShootRef identifies a shoot and where to fetch it.  Two refs with the same
// ID are the same shoot.
type ShootRef struct {
	ID      string
	Address PageAddress
}

// NewShootRef builds a ShootRef from either a shoot number or a link, never
// both.
//
// Parameters:
//   - origin: Address used to resolve relative hrefs
//   - number: The shoot number, or "" when href is given
//   - href: A shoot link such as "/shoot/12345", or "" when number is given
//
// Returns:
//   - ShootRef: The reference
//   - error: ErrInvalidShootHref if the link isn't a shoot link
//
// Panics:
//   - Both or neither of number and href supplied
func NewShootRef(origin PageAddress, number string, href string) (ShootRef, error) {
	if (number == "") == (href == "") {
		fatalInvariant("NewShootRef needs exactly one of number or href")
	}

	if number != "" {
		if !isDigits(number) {
			return ShootRef{}, fmt.Errorf("%w: %q", ErrInvalidShootHref, number)
		}
		base, err := NewPageAddress(origin.Origin(), "shoot", number)
		if err != nil {
			return ShootRef{}, err
		}
		return ShootRef{ID: number, Address: base}, nil
	}

	addr, err := ParseAddress(origin.Resolve(href))
	if err != nil {
		return ShootRef{}, fmt.Errorf("%w: %q: %w", ErrInvalidShootHref, href, err)
	}
	m := shootPathRegexp.FindStringSubmatch(strings.Join(addr.Segments(), "/"))
	if m == nil {
		return ShootRef{}, fmt.Errorf("%w: %q", ErrInvalidShootHref, href)
	}
	base, err := NewPageAddress(addr.Origin(), "shoot", m[1])
	if err != nil {
		return ShootRef{}, err
	}
	return ShootRef{ID: m[1], Address: base}, nil
}

// Shoot is a fully resolved item.  It is never modified after Resolve
// returns it.
type Shoot struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Released    *time.Time `json:"released,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Performers  []*Model   `json:"performers,omitempty"`
	Director    *Model     `json:"director,omitempty"`
	Channel     string     `json:"channel,omitempty"`
	Renditions  Renditions `json:"-"`
	PosterURL   string     `json:"poster,omitempty"`
	BundleURL   string     `json:"bundle,omitempty"`
	ThumbsURL   string     `json:"thumbnails,omitempty"`
}

// ReleaseDate returns the release date as an ISO calendar date, or "".
func (s *Shoot) ReleaseDate() string {
	if s.Released == nil {
		return ""
	}
	return s.Released.Format(time.DateOnly)
}

// ResolveError reports a required field missing from a shoot page.
type ResolveError struct {
	ID      string
	Missing string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("shoot %s: missing %s", e.ID, e.Missing)
}

// Is makes a shoot with no renditions match ErrUnavailable.
func (e *ResolveError) Is(target error) bool {
	return target == ErrUnavailable && e.Missing == "renditions"
}

// Resolver turns ShootRefs into Shoots.
type Resolver struct {
	logger *slog.Logger
	client Client
	shape  PageShape
	models *ModelCache
}

// NewResolver creates a Resolver.
//
// Parameters:
//   - logger: Logger instance
//   - client: HTTP client interface for making web requests
//   - shape: Selectors for shoot pages
//   - models: Shared cache for performers and directors
//
// Returns:
//   - *Resolver: A new Resolver instance ready for use
func NewResolver(logger *slog.Logger, client Client, shape PageShape, models *ModelCache) *Resolver {
	return &Resolver{
		logger: logger,
		client: client,
		shape:  shape,
		models: models,
	}
}

// Resolve fetches and parses one shoot page.  Missing optional parts
// (poster, bundle, tags, performers) are simply left empty.
//
// Parameters:
//   - ctx: Cancels the fetch
//   - ref: The shoot to resolve
//
// Returns:
//   - *Shoot: The resolved shoot
//   - error: *FetchError, *ParseError, or *ResolveError; a shoot without
//     renditions matches ErrUnavailable
func (r *Resolver) Resolve(ctx context.Context, ref ShootRef) (*Shoot, error) {
	uri := ref.Address.String()
	r.logger.Debug("resolving shoot", "id", ref.ID, "uri", uri)

	body, err := r.client.Get(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to get shoot page: %w", err)
	}

	page, err := Parse(body, r.shape)
	if err != nil {
		return nil, err
	}

	title, ok := page.Title.Get()
	if !ok || title == "" {
		return nil, &ResolveError{ID: ref.ID, Missing: "title"}
	}

	shoot := &Shoot{
		ID:    ref.ID,
		URL:   uri,
		Title: title,
	}

	shoot.Renditions = r.renditions(ref, page)
	if shoot.Renditions.Len() == 0 {
		return nil, &ResolveError{ID: ref.ID, Missing: "renditions"}
	}

	released, err := page.ReleaseDate()
	if err != nil {
		return nil, err
	}
	if t, ok := released.Get(); ok {
		shoot.Released = &t
	}

	shoot.Description = page.Description.OrElse("")
	shoot.Tags = page.Tags.OrElse(nil)
	if poster, ok := page.Poster.Get(); ok && poster != "" {
		shoot.PosterURL = ref.Address.Resolve(poster)
	}
	if bundle, ok := page.Bundle.Get(); ok && bundle != "" {
		shoot.BundleURL = ref.Address.Resolve(bundle)
	}
	if thumbs, ok := page.Thumbnails.Get(); ok && thumbs != "" {
		shoot.ThumbsURL = ref.Address.Resolve(thumbs)
	}
	if channel, ok := page.Channel.Get(); ok {
		shoot.Channel = channel.Text
	}

	for _, link := range page.Performers.OrElse(nil) {
		model := r.model(ctx, ref, link)
		if model != nil {
			shoot.Performers = append(shoot.Performers, model)
		}
	}
	if director, ok := page.Director.Get(); ok {
		shoot.Director = r.model(ctx, ref, director)
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	best, _ := shoot.Renditions.Best()
	r.logger.Info("resolved shoot",
		"id", shoot.ID,
		"title", shoot.Title,
		"best", best.Quality,
		"performers", len(shoot.Performers))
	return shoot, nil
}

// renditions collects every quality-labelled download link.  Links without
// a known label (image zips, unknown resolutions) are not renditions.
func (r *Resolver) renditions(ref ShootRef, page *ParsedPage) Renditions {
	var set Renditions
	for _, link := range page.Downloads.OrElse(nil) {
		label := link.Label
		if label == "" {
			label = link.Text
		}
		q, err := ParseQuality(label)
		if err != nil {
			if qualityRegexp.MatchString(label) {
				r.logger.Warn("ignoring download with unknown quality", "id", ref.ID, "label", label)
			}
			continue
		}
		// Add only fails for unknown labels, which ParseQuality excluded.
		_ = set.Add(q, ref.Address.Resolve(link.Href))
	}
	return set
}

// model resolves one related entity link.  A profile that fails to load is
// logged and kept with just the name from the link.
func (r *Resolver) model(ctx context.Context, ref ShootRef, link Link) *Model {
	mref, err := NewModelRef(ref.Address, link)
	if err != nil {
		r.logger.Warn("skipping related entity", "id", ref.ID, "href", link.Href, "error", err)
		return nil
	}
	model, err := r.models.Get(ctx, mref)
	if err != nil {
		r.logger.Warn("failed to resolve related entity", "id", ref.ID, "model", mref.ID, "error", err)
	}
	return model
}
