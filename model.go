package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

var (
	ErrInvalidModelHref = errors.New("model href has no identifier")
)

// ModelRef points at a related entity's page, e.g. a performer profile.
// Two refs with the same ID are the same entity.
type ModelRef struct {
	ID      string
	Name    string // link text on the referring page
	Address PageAddress
}

// NewModelRef builds a ModelRef from a link on a shoot page.  The
// identifier is the first purely numeric path segment after the kind
// segment ("/model/1234/jane-doe" -> "1234"), falling back to the last
// segment.
//
// Parameters:
//   - origin: Address used to resolve relative hrefs
//   - link: The anchor found on the page
//
// Returns:
//   - ModelRef: The reference
//   - error: ErrInvalidModelHref if no identifier can be derived
func NewModelRef(origin PageAddress, link Link) (ModelRef, error) {
	addr, err := ParseAddress(origin.Resolve(link.Href))
	if err != nil {
		return ModelRef{}, fmt.Errorf("%w: %q: %w", ErrInvalidModelHref, link.Href, err)
	}
	segments := addr.Segments()
	if len(segments) == 0 {
		return ModelRef{}, fmt.Errorf("%w: %q", ErrInvalidModelHref, link.Href)
	}

	id := segments[len(segments)-1]
	for _, s := range segments[1:] {
		if isDigits(s) {
			id = s
			break
		}
	}

	return ModelRef{ID: id, Name: link.Text, Address: addr}, nil
}

// Model is a resolved related entity.
type Model struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	ThumbURL    string   `json:"thumb,omitempty"`
	URL         string   `json:"url"`
}

// ThumbDir is where this model's picture goes under a base directory:
// <base>/<Initial>/<Name>.
func (m *Model) ThumbDir(base string) string {
	name := sanitizeFilename(strings.TrimSpace(m.Name))
	if name == "" {
		name = m.ID
	}
	initial := strings.ToUpper(string([]rune(name)[:1]))
	return filepath.Join(base, initial, name)
}

type modelEntry struct {
	model *Model
	err   error
}

// ModelCache resolves each model at most once per process.  Concurrent
// lookups of the same ID wait for the first one instead of fetching again.
type ModelCache struct {
	logger  *slog.Logger
	client  Client
	shape   PageShape
	mu      sync.Mutex
	entries map[string]modelEntry
	group   singleflight.Group
}

// NewModelCache creates an empty cache.
//
// Parameters:
//   - logger: Logger instance
//   - client: HTTP client interface for making web requests
//   - shape: Selectors for model pages
//
// Returns:
//   - *ModelCache: A new, empty cache
func NewModelCache(logger *slog.Logger, client Client, shape PageShape) *ModelCache {
	return &ModelCache{
		logger:  logger,
		client:  client,
		shape:   shape,
		entries: make(map[string]modelEntry),
	}
}

// Get returns the model for ref, fetching its page on first use.  Failures
// are cached too, so a broken profile page is only requested once.
//
// Parameters:
//   - ctx: Cancels the fetch
//   - ref: The model to resolve
//
// Returns:
//   - *Model: The model; on error it still carries the ID, name and URL from ref
//   - error: Any error fetching or parsing the model page
func (c *ModelCache) Get(ctx context.Context, ref ModelRef) (*Model, error) {
	if entry, ok := c.lookup(ref.ID); ok {
		c.logger.Debug("model cache hit", "id", ref.ID)
		return entry.model, entry.err
	}

	v, _, _ := c.group.Do(ref.ID, func() (any, error) {
		if entry, ok := c.lookup(ref.ID); ok {
			return entry, nil
		}
		model, err := c.resolve(ctx, ref)
		entry := modelEntry{model: model, err: err}
		c.mu.Lock()
		c.entries[ref.ID] = entry
		c.mu.Unlock()
		return entry, nil
	})

	entry, ok := v.(modelEntry)
	if !ok {
		fatalInvariant(fmt.Sprintf("model cache holds %T", v))
	}
	return entry.model, entry.err
}

// Len returns the number of cached models.
func (c *ModelCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ModelCache) lookup(id string) (modelEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	return entry, ok
}

func (c *ModelCache) resolve(ctx context.Context, ref ModelRef) (*Model, error) {
	uri := ref.Address.String()
	model := &Model{ID: ref.ID, Name: ref.Name, URL: uri}

	body, err := c.client.Get(ctx, uri)
	if err != nil {
		return model, fmt.Errorf("failed to fetch model page: %w", err)
	}

	page, err := Parse(body, c.shape)
	if err != nil {
		return model, err
	}

	if model.Name == "" {
		model.Name = page.Name.OrElse("")
	}
	model.Description = page.Description.OrElse("")
	model.Tags = page.Tags.OrElse(nil)
	if img, ok := page.Image.Get(); ok && img != "" {
		model.ThumbURL = ref.Address.Resolve(img)
	}

	c.logger.Debug("resolved model", "id", model.ID, "name", model.Name, "thumb", model.ThumbURL)
	return model, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
