package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

const (
	defaultOrigin = "https://www.kink.com"
	defaultStudio = "Kink.com"
)

// Selector locates one field on a page.  The CSS alternatives are tried in
// order and the first one that matches anything wins, which lets a shape
// cover both the current and the legacy page layout.  With Attr set, the
// attribute is read and elements lacking it are skipped; otherwise the
// element text is used.
type Selector struct {
	CSS  []string `yaml:"css"`
	Attr string   `yaml:"attr,omitempty"`
}

// Configured reports whether the selector has anything to look for.
func (s Selector) Configured() bool {
	return len(s.CSS) > 0
}

// PageShape describes where each field lives on one kind of page.  Fields
// left unconfigured are reported as absent by Parse.
type PageShape struct {
	// Gallery pages
	Items    Selector `yaml:"items"`
	LastPage Selector `yaml:"last_page"`

	// Shoot pages
	Downloads   Selector `yaml:"downloads"`
	QualityAttr string   `yaml:"quality_attr,omitempty"`
	Bundle      Selector `yaml:"bundle"`
	Thumbnails  Selector `yaml:"thumbnails"`
	Poster      Selector `yaml:"poster"`
	Title       Selector `yaml:"title"`
	Description Selector `yaml:"description"`
	Date        Selector `yaml:"date"`
	Tags        Selector `yaml:"tags"`
	Performers  Selector `yaml:"performers"`
	Director    Selector `yaml:"director"`
	Channel     Selector `yaml:"channel"`

	// Model (performer) pages
	Name  Selector `yaml:"name"`
	Image Selector `yaml:"image"`
}

// Shapes is the complete description of a site.
type Shapes struct {
	Origin  string    `yaml:"origin"`
	Studio  string    `yaml:"studio"`
	Gallery PageShape `yaml:"gallery"`
	Shoot   PageShape `yaml:"shoot"`
	Model   PageShape `yaml:"model"`
}

func css(alternatives ...string) Selector {
	return Selector{CSS: alternatives}
}

func cssAttr(attr string, alternatives ...string) Selector {
	return Selector{CSS: alternatives, Attr: attr}
}

// DefaultShapes returns the selectors for kink.com.
func DefaultShapes() Shapes {
	return Shapes{
		Origin: defaultOrigin,
		Studio: defaultStudio,
		Gallery: PageShape{
			Items: cssAttr("href",
				"a.shoot-link",
				"div.col-sm-6 > div:nth-child(1) > div:nth-child(2) > a"),
			LastPage: css(
				"nav.paginated-nav li:nth-last-child(2)",
				"li.page-item:last-child > a"),
		},
		Shoot: PageShape{
			Downloads:   cssAttr("download", "a[download][quality]", "a[download]"),
			QualityAttr: "quality",
			Bundle:      cssAttr("download", `a[download]:contains("images")`, "a.zip-links[download]"),
			Thumbnails:  cssAttr("href", "a.zip-links[href]"),
			Poster:      cssAttr("poster", "video#kink-player", "video[poster]"),
			Title:       css("h1.shoot-title"),
			Description: css("span.description-text p", "span.description-text"),
			Date:        css("span.shoot-date"),
			Tags:        css("a.tag"),
			Performers:  cssAttr("href", "span.names a"),
			Director:    cssAttr("href", "span.director-name a"),
			Channel:     cssAttr("href", "div.shoot-channel a", "a.channel-name"),
		},
		Model: PageShape{
			Name:        css("h1.page-title", "h1"),
			Description: css("div.bio-description p", "div.bio-description"),
			Tags:        css("a.bio-tag"),
			Image:       cssAttr("src", "img.bio-slider-img", "img.bio-img"),
		},
	}
}

// LoadShapes reads a YAML file and lays it over DefaultShapes, so the file
// only needs the selectors that differ.
//
// Parameters:
//   - filename: Path to the YAML file
//
// Returns:
//   - Shapes: The merged shapes
//   - error: Any error reading or decoding the file
func LoadShapes(filename string) (Shapes, error) {
	shapes := DefaultShapes()

	//#nosec G304: filename is intentionally from user input
	data, err := os.ReadFile(filename)
	if err != nil {
		return shapes, fmt.Errorf("failed to read shapes file: %w", err)
	}

	err = yaml.UnmarshalStrict(data, &shapes)
	if err != nil {
		return shapes, fmt.Errorf("failed to decode shapes file %s: %w", filename, err)
	}
	return shapes, nil
}
