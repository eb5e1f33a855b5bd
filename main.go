// command shoottrap
package main

// SPDX-License-Identifier: GPL-3.0-only

// This is the main entry point for shoottrap, a kink.com shoot and gallery
// download tool.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
)

const (
	defaultCookieFile = "~/cookies.txt"
)

var (
	// Build information, set via -ldflags at build time.
	buildGitCommitHash = "unknown"
	buildTimestamp     = "unknown"
)

// Config holds the application configuration parsed from CLI flags.
type Config struct {
	Debug            bool    // Enable debug logging
	URL              string  // Shoot or gallery URL
	Quality          int     // Preferred video quality
	CookieFile       string  // Path to cookies.txt file
	KeepExpired      bool    // Load expired cookies
	KeepSession      bool    // Load session cookies
	NoVideo          bool    // Don't download videos
	AllQuality       bool    // Download every quality
	NoMetadata       bool    // Implies NoNFO, NoBio, NoThumbs and NoPoster
	NoNFO            bool    // Don't write NFO files
	NoBio            bool    // Don't download performer pictures
	NoThumbs         bool    // Don't download thumbnail bundles
	NoPoster         bool    // Don't download posters
	NoImages         bool    // Don't download image bundles
	BioDir           string  // Base directory for performer pictures
	Recursive        bool    // Walk every page of the gallery
	Pages            int     // Walk this many gallery pages
	OutputDir        string  // Output directory for downloads
	Jobs             int     // Shoots processed at once
	Rate             float64 // Requests per second
	NoThrottle       bool    // Disable the request rate limit
	Retries          int     // Extra attempts for transient failures
	ShapesFile       string  // YAML selector overrides
	BrowserChallenge bool    // Solve anti-bot challenges with a headless browser
	ExportPath       string  // Write resolved shoots as JSON here
}

// Options converts the CLI config into scraper options.
//
// Returns:
//   - Options: What the scraper should save and how far it should walk
func (c Config) Options() Options {
	mode := TraverseSingle
	switch {
	case c.Recursive:
		mode = TraverseDiscover
	case c.Pages > 0:
		mode = TraverseLimit
	}

	noMeta := c.NoMetadata
	return Options{
		Quality:    Quality(c.Quality),
		AllQuality: c.AllQuality,
		NoVideo:    c.NoVideo,
		NoNFO:      c.NoNFO || noMeta,
		NoBio:      c.NoBio || noMeta,
		NoThumbs:   c.NoThumbs || noMeta,
		NoPoster:   c.NoPoster || noMeta,
		NoImages:   c.NoImages,
		BioDir:     expandHome(c.BioDir),
		OutputDir:  expandHome(c.OutputDir),
		Mode:       mode,
		Pages:      c.Pages,
		Jobs:       c.Jobs,
		ExportPath: expandHome(c.ExportPath),
	}
}

func main() {
	config := ParseFlags()
	logger := CreateLogger(os.Stderr, config.Debug)

	logger.Info("Starting shoottrap",
		"commit", buildGitCommitHash,
		"buildDate", buildTimestamp)
	logger.Debug("Configuration", "config", fmt.Sprintf("%+v", config))

	shapes := DefaultShapes()
	if config.ShapesFile != "" {
		var err error
		shapes, err = LoadShapes(config.ShapesFile)
		if err != nil {
			logger.Error("Failed to load shapes", "file", config.ShapesFile, "error", err)
			os.Exit(1)
		}
	}

	client := NewHTTPClient(logger)
	if config.NoThrottle {
		client.SetRateLimit(0)
	} else {
		client.SetRateLimit(config.Rate)
	}
	client.SetRetryPolicy(config.Retries+1, defaultRetryInterval)
	if config.BrowserChallenge {
		client.SetChallengeSolver(NewBrowserSolver(logger, true))
	}

	err := loadCookies(logger, client, config)
	if err != nil {
		logger.Error("Failed to load cookies", "file", config.CookieFile, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scraper := NewScraper(logger, client, shapes, config.Options())
	err = scraper.Run(ctx, config.URL)
	switch {
	case err == nil:
		logger.Info("Done!")
	case errors.Is(err, context.Canceled):
		// Partial files stay on disk; the next run resumes them.
		fmt.Fprintln(os.Stderr, "Interrupted, bye :)")
	default:
		logger.Error("Application error", "error", err)
		stop()
		os.Exit(1)
	}
}

// loadCookies loads the configured cookie file.  The default file is
// optional; one named on the command line is not.
func loadCookies(logger *slog.Logger, client *HTTPClient, config Config) error {
	filename := expandHome(config.CookieFile)
	if filename == "" {
		return nil
	}

	policy := CookiePolicy{KeepExpired: config.KeepExpired, KeepSession: config.KeepSession}
	_, err := client.LoadCookies(filename, policy)
	if err != nil && config.CookieFile == defaultCookieFile && errors.Is(err, os.ErrNotExist) {
		logger.Warn("No cookies file, continuing without login", "file", filename)
		return nil
	}
	return err
}

// ParseFlags parses command line flags and returns a Config.
//
// Returns:
//   - Config: A populated configuration struct with values from CLI flags
func ParseFlags() Config {
	config := Config{}

	pflag.BoolVarP(&config.Debug, "debug", "d", false, "Enable debug logging")
	pflag.IntVarP(&config.Quality, "quality", "q", int(DefaultQuality),
		"Preferred video quality (1080, 720, 540, 480, 360, 288, 270); the nearest lower one is used if missing")
	pflag.StringVarP(&config.CookieFile, "cookies", "c", defaultCookieFile, "Path to cookies.txt file")
	pflag.BoolVar(&config.KeepExpired, "keep-expired", true, "Load cookies that have expired")
	pflag.BoolVar(&config.KeepSession, "keep-session", true, "Load session cookies")
	pflag.BoolVar(&config.NoVideo, "no-video", false, "Don't download shoot videos")
	pflag.BoolVarP(&config.AllQuality, "all-quality", "a", false, "Download every quality of each video")
	pflag.BoolVarP(&config.NoMetadata, "no-metadata", "m", false,
		"Don't download any metadata (implies -n -b -t -p)")
	pflag.BoolVarP(&config.NoNFO, "no-nfo", "n", false, "Don't create emby compatible nfo files")
	pflag.BoolVarP(&config.NoBio, "no-bio", "b", false, "Don't download performer pictures")
	pflag.BoolVarP(&config.NoThumbs, "no-thumbs", "t", false, "Don't download shoot thumbnail bundles")
	pflag.BoolVarP(&config.NoPoster, "no-poster", "p", false, "Don't download shoot poster images")
	pflag.BoolVarP(&config.NoImages, "no-images", "i", false, "Don't download shoot image bundles")
	pflag.StringVar(&config.BioDir, "bio-dir", ".", "Base directory for performer pictures")
	pflag.BoolVarP(&config.Recursive, "recursive", "r", false, "Download every page of the gallery")
	pflag.IntVarP(&config.Pages, "pages", "l", 0, "Download this many gallery pages")
	pflag.StringVarP(&config.OutputDir, "output", "o", ".", "Output directory for shoots")
	pflag.IntVarP(&config.Jobs, "jobs", "j", 1, "Number of shoots to process at once")
	pflag.Float64Var(&config.Rate, "rate", defaultRequestsPerSecond, "Maximum requests per second")
	pflag.BoolVar(&config.NoThrottle, "no-throttle", false, "Disable the request rate limit")
	pflag.IntVar(&config.Retries, "retries", 0, "Extra attempts for requests that fail with a network error")
	pflag.StringVar(&config.ShapesFile, "shapes", "", "YAML file overriding the page selectors")
	pflag.BoolVar(&config.BrowserChallenge, "browser-challenge", false,
		"Solve anti-bot challenges with a headless Chrome")
	pflag.StringVar(&config.ExportPath, "export", "", "Write resolved shoots to this JSON file")

	pflag.Parse()

	if pflag.NArg() == 1 {
		config.URL = pflag.Arg(0)
	}

	problem := validateConfig(config)
	if problem != "" {
		fmt.Fprintf(os.Stderr,
			"usage: %s [-adimnprt] [-q <quality>] [-c <cookies_file>] [-r | -l <pages>] [-o <output_dir>] <url>\n\n",
			os.Args[0])
		pflag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\n%s\n", problem)
		os.Exit(1)
	}

	return config
}

// validateConfig returns a description of what is wrong with config, or ""
// if nothing is.
func validateConfig(config Config) string {
	switch {
	case pflag.NArg() != 1:
		return "Exactly one shoot or gallery URL must be specified"
	case !Quality(config.Quality).Known():
		return fmt.Sprintf("Unknown quality %d", config.Quality)
	case config.Recursive && config.Pages > 0:
		return "--recursive and --pages can't be used together"
	case config.Pages < 0:
		return "--pages must be positive"
	case config.Jobs < 1:
		return "--jobs must be at least 1"
	case config.Retries < 0:
		return "--retries can't be negative"
	}
	return ""
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// CreateLogger creates a new slog.Logger instance with the specified output
// writer and log level based on the debug flag.
//
// Parameters:
//   - w: The io.Writer where log output will be written
//   - debug: If true, sets log level to Debug; otherwise sets to Info
//
// Returns:
//   - *slog.Logger: A configured logger instance
func CreateLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}

// fatalInvariant intentionally panics when a fundamental assumption is broken.
// These checks keep the crawler from continuing in a corrupted state, so we do
// not attempt to recover or retry if one of them triggers.  This is used in
// cases where an error must not be returned up the stack, because the caller
// must not be allowed to retry or continue processing.
func fatalInvariant(message any) {
	panic(message)
}
