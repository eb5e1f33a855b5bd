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
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

var (
	ErrIncomplete = errors.New("some files could not be saved")
)

// Options controls what a Scraper saves and how far it walks.
type Options struct {
	Quality    Quality       // Preferred video quality
	AllQuality bool          // Save every rendition instead of one
	NoVideo    bool          // Skip videos
	NoNFO      bool          // Skip the NFO sidecar
	NoBio      bool          // Skip performer pictures
	NoThumbs   bool          // Skip the thumbnail bundle
	NoPoster   bool          // Skip the poster image
	NoImages   bool          // Skip the image bundle
	BioDir     string        // Base directory for performer pictures
	OutputDir  string        // Base directory for shoots
	Mode       TraversalMode // How far to walk a gallery
	Pages      int           // Page count for TraverseLimit
	Jobs       int           // Shoots processed at once
	ExportPath string        // JSON export destination, "" for none

	// Progress, when set, replaces the default stderr progress bars.
	Progress ProgressFactory
}

// runStats counts what a run did.  Updated concurrently by workers.
type runStats struct {
	resolved    atomic.Int64
	unavailable atomic.Int64
	unresolved  atomic.Int64
	downloaded  atomic.Int64
	skipped     atomic.Int64
	failed      atomic.Int64
}

// Scraper drives one run: walk a gallery (or take a single shoot), resolve
// each shoot, and save its files.
type Scraper struct {
	logger     *slog.Logger
	client     Client
	shapes     Shapes
	options    Options
	resolver   *Resolver
	downloader *Downloader
	models     *ModelCache

	stats runStats

	mu      sync.Mutex
	shoots  []*Shoot
	claimed map[string]bool
}

// NewScraper creates a new Scraper instance.  The scraper owns the model
// cache for the run, so every shoot it resolves shares performer lookups.
//
// Parameters:
//   - logger: Logger instance for writing log messages
//   - client: HTTP client interface for making web requests
//   - shapes: Selectors for the site
//   - options: What to save and where
//
// Returns:
//   - *Scraper: A new Scraper instance ready for use
func NewScraper(logger *slog.Logger, client Client, shapes Shapes, options Options) *Scraper {
	if options.Jobs < 1 {
		options.Jobs = 1
	}
	if options.Quality == 0 {
		options.Quality = DefaultQuality
	}

	models := NewModelCache(logger, client, shapes.Model)
	downloader := NewDownloader(logger, client)
	if options.Progress != nil {
		downloader.SetProgress(options.Progress)
	}

	return &Scraper{
		logger:     logger,
		client:     client,
		shapes:     shapes,
		options:    options,
		resolver:   NewResolver(logger, client, shapes.Shoot, models),
		downloader: downloader,
		models:     models,
		claimed:    make(map[string]bool),
	}
}

// Run processes target, which is either a shoot page or a gallery page.
// A shoot that can't be resolved is fatal only when it was asked for
// directly; from a gallery it is skipped.
//
// Parameters:
//   - ctx: Cancels the run; files already saved are kept
//   - target: URL of a shoot or gallery, or a path on the site's origin
//
// Returns:
//   - error: The context error when interrupted, a resolve error in single
//     shoot mode, a *WalkError when the gallery walk stopped early, or
//     ErrIncomplete when some files failed
func (s *Scraper) Run(ctx context.Context, target string) error {
	s.logger.Debug("Scraper.Run called", "target", target)
	s.logger.Info("Scraper running with config",
		"quality", s.options.Quality,
		"allQuality", s.options.AllQuality,
		"mode", s.options.Mode,
		"pages", s.options.Pages,
		"jobs", s.options.Jobs,
		"output", s.options.OutputDir)

	// A bare path such as "shoot/12345" is taken relative to the site.
	origin, err := NewPageAddress(s.shapes.Origin)
	if err != nil {
		return err
	}
	address, err := ParseAddress(origin.Resolve(target))
	if err != nil {
		return err
	}

	var walkErr error
	if isShootAddress(address) {
		ref, err := NewShootRef(address, "", address.String())
		if err != nil {
			return err
		}
		err = s.processRef(ctx, ref, true)
		if err != nil {
			return err
		}
	} else {
		var refs []ShootRef
		gallery := NewGallery(s.logger, s.client, address, s.shapes.Gallery, s.options.Mode, s.options.Pages)
		refs, walkErr = gallery.Walk(ctx)
		if walkErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("gallery walk failed, continuing with shoots found so far",
				"found", len(refs), "error", walkErr)
		}
		s.processAll(ctx, dedupeRefs(s.logger, refs))
	}

	if s.options.ExportPath != "" {
		err := ExportShoots(s.options.ExportPath, s.Shoots())
		if err != nil {
			s.logger.Error("failed to export shoots", "file", s.options.ExportPath, "error", err)
			s.stats.failed.Add(1)
		} else {
			s.logger.Info("exported shoots", "file", s.options.ExportPath, "count", len(s.Shoots()))
		}
	}

	s.logger.Info("run summary",
		"resolved", s.stats.resolved.Load(),
		"unavailable", s.stats.unavailable.Load(),
		"unresolved", s.stats.unresolved.Load(),
		"downloaded", s.stats.downloaded.Load(),
		"skipped", s.stats.skipped.Load(),
		"failed", s.stats.failed.Load(),
		"models", s.models.Len())

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case walkErr != nil:
		return walkErr
	case s.stats.failed.Load() > 0:
		return fmt.Errorf("%w: %d failed", ErrIncomplete, s.stats.failed.Load())
	}
	return nil
}

// Shoots returns the shoots resolved so far, in completion order.
func (s *Scraper) Shoots() []*Shoot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Shoot, len(s.shoots))
	copy(out, s.shoots)
	return out
}

// processAll resolves and saves refs on up to Options.Jobs workers.
func (s *Scraper) processAll(ctx context.Context, refs []ShootRef) {
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(s.options.Jobs)

	for _, ref := range refs {
		if gctx.Err() != nil {
			break
		}
		group.Go(func() error {
			// Gallery items never fail the group.
			_ = s.processRef(gctx, ref, false)
			return nil
		})
	}
	_ = group.Wait()
}

// processRef resolves one shoot and saves it.
//
// Parameters:
//   - ctx: Cancels the work
//   - ref: The shoot
//   - direct: The shoot was asked for by URL rather than found in a gallery
//
// Returns:
//   - error: The resolve error when direct, nil otherwise
func (s *Scraper) processRef(ctx context.Context, ref ShootRef, direct bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	shoot, err := s.resolver.Resolve(ctx, ref)
	switch {
	case err == nil:
		s.stats.resolved.Add(1)
	case direct:
		return fmt.Errorf("shoot %s: %w", ref.ID, err)
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, ErrUnavailable):
		s.logger.Warn("shoot not available for download, skipping", "id", ref.ID)
		s.stats.unavailable.Add(1)
		return nil
	default:
		s.logger.Error("failed to resolve shoot, skipping", "id", ref.ID, "error", err)
		s.stats.unresolved.Add(1)
		return nil
	}

	s.mu.Lock()
	s.shoots = append(s.shoots, shoot)
	s.mu.Unlock()

	s.save(ctx, shoot)
	return nil
}

// artifact is one file to save for a shoot.
type artifact struct {
	kind   ArtifactKind
	target DownloadTarget
}

// artifacts lists the files to download for shoot under the current options.
func (s *Scraper) artifacts(shoot *Shoot, dir string) []artifact {
	var out []artifact

	if !s.options.NoVideo {
		var renditions []Rendition
		if s.options.AllQuality {
			renditions = shoot.Renditions.All()
		} else if r, ok := shoot.Renditions.Pick(s.options.Quality); ok {
			renditions = []Rendition{r}
		} else {
			s.logger.Warn("no rendition at or below preferred quality",
				"id", shoot.ID, "quality", s.options.Quality)
		}
		for _, r := range renditions {
			out = append(out, artifact{ArtifactVideo, DownloadTarget{
				Dir: dir, Name: FileName(shoot.ID, r.Quality, ArtifactVideo), URL: r.URL,
			}})
		}
	}

	if !s.options.NoPoster && shoot.PosterURL != "" {
		out = append(out, artifact{ArtifactPoster, DownloadTarget{
			Dir: dir, Name: FileName(shoot.ID, 0, ArtifactPoster), URL: shoot.PosterURL,
		}})
	}
	if !s.options.NoImages && shoot.BundleURL != "" {
		out = append(out, artifact{ArtifactBundle, DownloadTarget{
			Dir: dir, Name: FileName(shoot.ID, 0, ArtifactBundle), URL: shoot.BundleURL,
		}})
	}
	if !s.options.NoThumbs && shoot.ThumbsURL != "" {
		out = append(out, artifact{ArtifactThumbnails, DownloadTarget{
			Dir: dir, Name: FileName(shoot.ID, 0, ArtifactThumbnails), URL: shoot.ThumbsURL,
		}})
	}

	if !s.options.NoBio {
		for _, model := range shoot.Performers {
			if model.ThumbURL == "" {
				s.logger.Debug("no picture for performer", "id", shoot.ID, "model", model.ID)
				continue
			}
			target := DownloadTarget{
				Dir:  model.ThumbDir(s.options.BioDir),
				Name: FileName(model.ID, 0, ArtifactActorThumb),
				URL:  model.ThumbURL,
			}
			// Performers appear in many shoots; only one worker saves each picture.
			if s.claim(target.Path()) {
				out = append(out, artifact{ArtifactActorThumb, target})
			}
		}
	}

	return out
}

// save downloads every artifact of shoot and writes its NFO.  A failed file
// doesn't stop the others.
func (s *Scraper) save(ctx context.Context, shoot *Shoot) {
	dir := filepath.Join(s.options.OutputDir, sanitizeFilename(shoot.ID))

	for _, a := range s.artifacts(shoot, dir) {
		if ctx.Err() != nil {
			return
		}
		outcome, err := s.downloader.Download(ctx, a.target)
		switch outcome {
		case OutcomeDownloaded:
			s.stats.downloaded.Add(1)
		case OutcomeSkipped:
			s.stats.skipped.Add(1)
		case OutcomeFailed:
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("failed to save file", "id", shoot.ID, "kind", a.kind, "url", a.target.URL, "error", err)
			s.stats.failed.Add(1)
		}
	}

	if !s.options.NoNFO && ctx.Err() == nil {
		path, err := WriteNFO(shoot, dir, s.shapes.Studio)
		if err != nil {
			s.logger.Error("failed to write nfo", "id", shoot.ID, "error", err)
			s.stats.failed.Add(1)
			return
		}
		s.logger.Debug("wrote nfo", "id", shoot.ID, "file", path)
	}

	s.logger.Info("Saved shoot", "id", shoot.ID, "title", shoot.Title, "dir", dir)
}

// claim reports whether path is not yet taken by another artifact in this
// run, and takes it.
func (s *Scraper) claim(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed[path] {
		return false
	}
	s.claimed[path] = true
	return true
}

// dedupeRefs drops repeated shoots, keeping the first occurrence.  The same
// shoot can be listed on two pages when the gallery shifts mid-walk.
func dedupeRefs(logger *slog.Logger, refs []ShootRef) []ShootRef {
	seen := make(map[string]bool, len(refs))
	out := make([]ShootRef, 0, len(refs))
	for _, ref := range refs {
		if seen[ref.ID] {
			logger.Debug("duplicate shoot in gallery", "id", ref.ID)
			continue
		}
		seen[ref.ID] = true
		out = append(out, ref)
	}
	return out
}

// isShootAddress reports whether address is a single shoot page.
func isShootAddress(address PageAddress) bool {
	return shootPathRegexp.MatchString(strings.Join(address.Segments(), "/"))
}
