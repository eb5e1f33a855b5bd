package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	nfoHeader        = `<?xml version="1.0" encoding="utf-8" standalone="yes"?>` + "\n"
	nfoNoDescription = "No description available"
	nfoActorType     = "Actor"
	nfoIndent        = "  "
)

// Ampersand must come first so the entities added for < and > are not
// escaped again.
var nfoEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
)

// Escape makes text safe to embed in an NFO element.  It is not idempotent:
// escaping "&amp;" again yields "&amp;amp;", so raw text must be escaped
// exactly once.
func Escape(s string) string {
	return nfoEscaper.Replace(s)
}

// WriteError reports a sidecar or export file that could not be written.
// No file is left at Path when it occurs.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// EncodeNFO renders a shoot as an emby compatible movie NFO document.
//
// Parameters:
//   - shoot: The shoot to describe
//   - studio: Value for the studio element
//
// Returns:
//   - []byte: The XML document
func EncodeNFO(shoot *Shoot, studio string) []byte {
	var b bytes.Buffer

	plot := shoot.Description
	if plot == "" {
		plot = nfoNoDescription
	}

	b.WriteString(nfoHeader)
	b.WriteString("<movie>\n")
	element(&b, 1, "plot", plot)
	element(&b, 1, "title", shoot.Title)
	element(&b, 1, "releasedate", shoot.ReleaseDate())
	if shoot.Channel != "" {
		element(&b, 1, "genre", shoot.Channel)
	}
	for _, tag := range shoot.Tags {
		element(&b, 1, "tag", strings.TrimSpace(tag))
	}
	element(&b, 1, "studio", studio)
	if shoot.Director != nil && shoot.Director.Name != "" {
		element(&b, 1, "director", shoot.Director.Name)
	}
	for _, actor := range shoot.Performers {
		b.WriteString("  <actor>\n")
		element(&b, 2, "name", strings.TrimSpace(actor.Name))
		element(&b, 2, "type", nfoActorType)
		element(&b, 2, "thumb", actor.ThumbURL)
		b.WriteString("  </actor>\n")
	}
	b.WriteString("</movie>\n")

	return b.Bytes()
}

func element(b *bytes.Buffer, depth int, name string, text string) {
	fmt.Fprintf(b, "%s<%s>%s</%s>\n", strings.Repeat(nfoIndent, depth), name, Escape(text), name)
}

// WriteNFO writes the shoot's NFO file into dir.  The file appears complete
// or not at all.
//
// Parameters:
//   - shoot: The shoot to describe
//   - dir: The shoot's directory
//   - studio: Value for the studio element
//
// Returns:
//   - string: Path of the written file
//   - error: A *WriteError on failure
func WriteNFO(shoot *Shoot, dir string, studio string) (string, error) {
	path := filepath.Join(dir, FileName(shoot.ID, 0, ArtifactNFO))

	err := os.MkdirAll(dir, downloadDirPermissions)
	if err != nil {
		return path, &WriteError{Path: path, Err: fmt.Errorf("failed to create target directory: %w", err)}
	}

	err = writeFileAtomic(path, EncodeNFO(shoot, studio))
	if err != nil {
		return path, &WriteError{Path: path, Err: err}
	}
	return path, nil
}
