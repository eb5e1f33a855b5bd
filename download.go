package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
)

const (
	// Directory permissions when creating shoot directories.
	downloadDirPermissions = 0750

	// File permissions for downloaded files.
	downloadFilePermissions = 0640

	// Bytes read from the network per chunk.  Bounds memory use per download
	// and sets how often cancellation is checked.
	downloadChunkSize = 512 * 1024
)

var (
	ErrInvalidFilePath = errors.New("invalid file path")

	filenameReplacer = strings.NewReplacer(
		"/", "_",
		"<", "_",
		">", "_",
		":", "_",
		"\"", "_",
		"\\", "_",
		"|", "_",
		"?", "_",
		"*", "_",
	)
)

// ArtifactKind is the kind of file saved for a shoot.
type ArtifactKind int

const (
	ArtifactVideo ArtifactKind = iota
	ArtifactPoster
	ArtifactBundle
	ArtifactThumbnails
	ArtifactActorThumb
	ArtifactNFO
)

func (k ArtifactKind) String() string {
	switch k {
	case ArtifactVideo:
		return "video"
	case ArtifactPoster:
		return "poster"
	case ArtifactBundle:
		return "bundle"
	case ArtifactThumbnails:
		return "thumbnails"
	case ArtifactActorThumb:
		return "actor thumb"
	case ArtifactNFO:
		return "nfo"
	}
	return fmt.Sprintf("ArtifactKind(%d)", int(k))
}

// FileName returns the local file name for an artifact.  quality is only
// used for videos.
//
// Parameters:
//   - id: The shoot identifier
//   - quality: The rendition quality, for ArtifactVideo
//   - kind: What is being saved
//
// Returns:
//   - string: A bare file name with no directory part
//
// Panics:
//   - Unknown artifact kind
func FileName(id string, quality Quality, kind ArtifactKind) string {
	id = sanitizeFilename(id)
	switch kind {
	case ArtifactVideo:
		return fmt.Sprintf("%s - %s.mp4", id, quality)
	case ArtifactPoster, ArtifactActorThumb:
		return "poster.jpg"
	case ArtifactBundle:
		return id + ".zip"
	case ArtifactThumbnails:
		return id + " - thumbs.zip"
	case ArtifactNFO:
		return id + ".nfo"
	}
	fatalInvariant(fmt.Sprintf("no file name for %v", kind))
	return ""
}

// sanitizeFilename makes s safe as a single path component on any OS.
func sanitizeFilename(s string) string {
	s = filenameReplacer.Replace(s)
	s = strings.TrimLeft(s, ". ")
	return strings.TrimRight(s, " ")
}

// DownloadTarget is one file to fetch.  Expected is the remote length when
// already known, or zero to ask the server.
type DownloadTarget struct {
	Dir      string
	Name     string
	URL      string
	Expected int64
}

// Path returns the destination file path.
func (t DownloadTarget) Path() string {
	return filepath.Join(t.Dir, t.Name)
}

// Outcome is what a download did.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeDownloaded
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFailed:
		return "failed"
	case OutcomeDownloaded:
		return "downloaded"
	case OutcomeSkipped:
		return "skipped"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// DownloadErrorKind classifies a DownloadError.
type DownloadErrorKind int

const (
	// DownloadFetch means the request itself failed.
	DownloadFetch DownloadErrorKind = iota
	// DownloadIO means reading the stream or writing the file failed.
	DownloadIO
	// DownloadTruncated means the stream ended before the expected length.
	DownloadTruncated
)

func (k DownloadErrorKind) String() string {
	switch k {
	case DownloadFetch:
		return "fetch"
	case DownloadIO:
		return "io"
	case DownloadTruncated:
		return "truncated"
	}
	return fmt.Sprintf("DownloadErrorKind(%d)", int(k))
}

// DownloadError reports a failed download.  The partial file, if any, is
// left on disk so the next run can resume it.
type DownloadError struct {
	Kind    DownloadErrorKind
	Path    string
	Written int64 // bytes written by this attempt
	Err     error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s (%s, %d bytes written): %v", e.Path, e.Kind, e.Written, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Progress observes bytes as they are written.  *progressbar.ProgressBar
// satisfies it.
type Progress interface {
	Add64(n int64) error
	Finish() error
}

// ProgressFactory creates a Progress for a download of total bytes (-1 when
// unknown).
type ProgressFactory func(total int64, description string) Progress

// Downloader streams remote files to disk.
type Downloader struct {
	logger   *slog.Logger
	client   Client
	progress ProgressFactory
}

// NewDownloader creates a Downloader that draws progress bars on stderr.
//
// Parameters:
//   - logger: Logger instance
//   - client: HTTP client interface for making web requests
//
// Returns:
//   - *Downloader: A new Downloader ready for use
func NewDownloader(logger *slog.Logger, client Client) *Downloader {
	return &Downloader{
		logger:   logger,
		client:   client,
		progress: newProgressBar,
	}
}

// SetProgress replaces the progress observer factory.
func (d *Downloader) SetProgress(factory ProgressFactory) {
	d.progress = factory
}

func newProgressBar(total int64, description string) Progress {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionClearOnFinish(),
	)
}

// Download saves target to disk.  A file already at least as large as the
// remote one is left alone.  A smaller one is resumed with a range request
// when the server supports it and rewritten otherwise.
//
// Parameters:
//   - ctx: Checked between chunks
//   - target: What to fetch and where to put it
//
// Returns:
//   - Outcome: OutcomeDownloaded, OutcomeSkipped or OutcomeFailed
//   - error: A *DownloadError when the outcome is OutcomeFailed
func (d *Downloader) Download(ctx context.Context, target DownloadTarget) (Outcome, error) {
	path := target.Path()

	if target.Name == "" || target.Name != filepath.Base(target.Name) {
		return OutcomeFailed, &DownloadError{Kind: DownloadIO, Path: path, Err: fmt.Errorf("%w: %q", ErrInvalidFilePath, target.Name)}
	}

	err := os.MkdirAll(target.Dir, downloadDirPermissions)
	if err != nil {
		return OutcomeFailed, &DownloadError{Kind: DownloadIO, Path: path, Err: fmt.Errorf("failed to create target directory: %w", err)}
	}

	local := int64(-1)
	info, err := os.Stat(path)
	switch {
	case err == nil:
		local = info.Size()
	case errors.Is(err, fs.ErrNotExist):
		// fresh download
	default:
		return OutcomeFailed, &DownloadError{Kind: DownloadIO, Path: path, Err: err}
	}

	remote := target.Expected
	if remote <= 0 {
		resp, err := d.client.Head(ctx, target.URL)
		if err != nil {
			return OutcomeFailed, &DownloadError{Kind: DownloadFetch, Path: path, Err: err}
		}
		remote = resp.ContentLength
	}

	if local >= 0 && remote >= 0 && local >= remote {
		d.logger.Info("file already downloaded, skipping", "file", path, "size", local)
		return OutcomeSkipped, nil
	}

	offset := max(local, 0)
	resp, err := d.client.Open(ctx, target.URL, offset)
	if err != nil {
		var fe *FetchError
		if offset > 0 && errors.As(err, &fe) && fe.Status == http.StatusRequestedRangeNotSatisfiable {
			// Nothing left past our offset.
			d.logger.Info("file already downloaded, skipping", "file", path, "size", local)
			return OutcomeSkipped, nil
		}
		return OutcomeFailed, &DownloadError{Kind: DownloadFetch, Path: path, Err: err}
	}
	defer func() { _ = resp.Stream.Close() }()

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 && resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
		d.logger.Debug("resuming download", "file", path, "offset", offset)
	} else {
		flags |= os.O_TRUNC
		offset = 0
	}
	if remote < 0 && resp.ContentLength >= 0 {
		remote = offset + resp.ContentLength
	}

	//#nosec G304: path is built from sanitized components
	fh, err := os.OpenFile(path, flags, downloadFilePermissions)
	if err != nil {
		return OutcomeFailed, &DownloadError{Kind: DownloadIO, Path: path, Err: fmt.Errorf("failed to open file: %w", err)}
	}
	defer func() { _ = fh.Close() }()

	progress := d.progress(remote, target.Name)
	if offset > 0 {
		_ = progress.Add64(offset)
	}

	written, err := copyChunks(ctx, fh, resp.Stream, progress)
	syncErr := fh.Sync()
	if err != nil {
		d.logger.Error("download interrupted, partial file kept", "file", path, "written", written, "error", err)
		return OutcomeFailed, &DownloadError{Kind: DownloadIO, Path: path, Written: written, Err: err}
	}
	if syncErr != nil {
		return OutcomeFailed, &DownloadError{Kind: DownloadIO, Path: path, Written: written, Err: fmt.Errorf("failed to sync file: %w", syncErr)}
	}
	if remote >= 0 && offset+written < remote {
		return OutcomeFailed, &DownloadError{
			Kind: DownloadTruncated, Path: path, Written: written,
			Err: fmt.Errorf("got %d of %d bytes", offset+written, remote),
		}
	}
	_ = progress.Finish()

	d.logger.Info("saved file", "file", path, "size", offset+written)
	return OutcomeDownloaded, nil
}

// copyChunks copies src to dst in downloadChunkSize pieces, reporting each
// one to progress.
func copyChunks(ctx context.Context, dst io.Writer, src io.Reader, progress Progress) (int64, error) {
	buf := make([]byte, downloadChunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, fmt.Errorf("failed to write file: %w", werr)
			}
			_ = progress.Add64(int64(w))
		}
		if errors.Is(rerr, io.EOF) {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("failed to read stream: %w", rerr)
		}
	}
}

// WriteAndFsyncFile writes data to a file and fsyncs it to disk.
//
// Parameters:
//   - filePath: The target file path where data should be written
//   - data: The byte data to write to the file
//
// Returns:
//   - error: Any error encountered during file creation, writing, or syncing
func WriteAndFsyncFile(filePath string, data []byte) error {
	// Prevent directory traversal attacks.
	// This should never happen because of the way we construct file paths, but check anyway.
	if filePath != filepath.Clean(filePath) {
		return fmt.Errorf("%w: %s", ErrInvalidFilePath, filePath)
	}

	//#nosec G304: path is built from sanitized components
	fh, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() { _ = fh.Close() }()

	_, err = fh.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	err = fh.Sync()
	if err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}

	return nil
}

// writeFileAtomic writes data next to filePath and renames it into place, so
// a reader never sees a half written file.
func writeFileAtomic(filePath string, data []byte) error {
	tempfile := filePath + ".tmp"

	err := WriteAndFsyncFile(tempfile, data)
	if err != nil {
		_ = os.Remove(tempfile)
		return err
	}

	err = os.Rename(tempfile, filePath)
	if err != nil {
		_ = os.Remove(tempfile)
		return fmt.Errorf("failed to finalize file: %w", err)
	}
	return nil
}
