package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// Date format used on shoot pages, e.g. "March 4, 2021".
const shootDateLayout = "January 2, 2006"

// ParseError reports a field that was found but could not be interpreted,
// or a field that must exist and didn't.
type ParseError struct {
	Field string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("parse %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("parse %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Optional holds a value that may be absent from a page.  Absent and empty
// are different: an element that exists with no text is Some("").
type Optional[T any] struct {
	value T
	ok    bool
}

// Some wraps a present value.
func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, ok: true}
}

// None is an absent value.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.ok
}

// Present reports whether the value exists.
func (o Optional[T]) Present() bool {
	return o.ok
}

// OrElse returns the value, or def when absent.
func (o Optional[T]) OrElse(def T) T {
	if o.ok {
		return o.value
	}
	return def
}

// Link is an anchor found on a page.  Label holds the shape's quality
// attribute when one is configured.
type Link struct {
	Href  string
	Text  string
	Label string
}

// ParsedPage is everything a PageShape could find on a page.
type ParsedPage struct {
	Items       Optional[[]Link]
	LastPage    Optional[string]
	Downloads   Optional[[]Link]
	Bundle      Optional[string]
	Thumbnails  Optional[string]
	Poster      Optional[string]
	Title       Optional[string]
	Description Optional[string]
	Date        Optional[string]
	Tags        Optional[[]string]
	Performers  Optional[[]Link]
	Director    Optional[Link]
	Channel     Optional[Link]
	Name        Optional[string]
	Image       Optional[string]
}

// Parse runs every configured selector of shape against body.
//
// Parameters:
//   - body: Raw HTML
//   - shape: Where to look for each field
//
// Returns:
//   - *ParsedPage: Found fields; unmatched or unconfigured ones are absent
//   - error: A *ParseError if the document can't be read at all
func Parse(body []byte, shape PageShape) (*ParsedPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &ParseError{Field: "document", Err: err}
	}

	page := &ParsedPage{
		Items:       findLinks(doc, shape.Items, ""),
		LastPage:    findFirst(doc, shape.LastPage),
		Downloads:   findLinks(doc, shape.Downloads, shape.QualityAttr),
		Bundle:      findFirst(doc, shape.Bundle),
		Thumbnails:  findFirst(doc, shape.Thumbnails),
		Poster:      findFirst(doc, shape.Poster),
		Title:       findFirst(doc, shape.Title),
		Description: findFirst(doc, shape.Description),
		Date:        findFirst(doc, shape.Date),
		Tags:        findAll(doc, shape.Tags),
		Performers:  findLinks(doc, shape.Performers, ""),
		Director:    firstLink(findLinks(doc, shape.Director, "")),
		Channel:     firstLink(findLinks(doc, shape.Channel, "")),
		Name:        findFirst(doc, shape.Name),
		Image:       findFirst(doc, shape.Image),
	}
	return page, nil
}

// ReleaseDate parses the Date field.
//
// Returns:
//   - Optional[time.Time]: The date, absent when the page has none
//   - error: A *ParseError when a date is present but malformed
func (p *ParsedPage) ReleaseDate() (Optional[time.Time], error) {
	raw, ok := p.Date.Get()
	if !ok {
		return None[time.Time](), nil
	}
	t, err := time.Parse(shootDateLayout, raw)
	if err != nil {
		return None[time.Time](), &ParseError{Field: "date", Value: raw, Err: err}
	}
	return Some(t), nil
}

// LastPageNumber parses the pagination widget.  A page without one is a
// ParseError, never page zero.
//
// Returns:
//   - int: The last page number, at least 1
//   - error: A *ParseError when the widget is missing or not a number
func (p *ParsedPage) LastPageNumber() (int, error) {
	raw, ok := p.LastPage.Get()
	if !ok {
		return 0, &ParseError{Field: "last_page", Err: fmt.Errorf("pagination not found")}
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ParseError{Field: "last_page", Value: raw, Err: err}
	}
	if n < 1 {
		return 0, &ParseError{Field: "last_page", Value: raw, Err: fmt.Errorf("page number out of range")}
	}
	return n, nil
}

// match returns the selection of the first CSS alternative that matches.
func match(doc *goquery.Document, sel Selector) *goquery.Selection {
	for _, c := range sel.CSS {
		found := doc.Find(c)
		if sel.Attr != "" {
			found = found.FilterFunction(func(_ int, s *goquery.Selection) bool {
				_, ok := s.Attr(sel.Attr)
				return ok
			})
		}
		if found.Length() > 0 {
			return found
		}
	}
	return nil
}

func value(s *goquery.Selection, attr string) string {
	if attr == "" {
		return cleanText(s.Text())
	}
	v, _ := s.Attr(attr)
	return strings.TrimSpace(v)
}

func findFirst(doc *goquery.Document, sel Selector) Optional[string] {
	found := match(doc, sel)
	if found == nil {
		return None[string]()
	}
	return Some(value(found.First(), sel.Attr))
}

func findAll(doc *goquery.Document, sel Selector) Optional[[]string] {
	found := match(doc, sel)
	if found == nil {
		return None[[]string]()
	}
	var out []string
	found.Each(func(_ int, s *goquery.Selection) {
		v := value(s, sel.Attr)
		if v != "" {
			out = append(out, v)
		}
	})
	return Some(out)
}

func findLinks(doc *goquery.Document, sel Selector, labelAttr string) Optional[[]Link] {
	found := match(doc, sel)
	if found == nil {
		return None[[]Link]()
	}
	attr := sel.Attr
	if attr == "" {
		attr = "href"
	}
	var out []Link
	found.Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr(attr)
		if !ok {
			return
		}
		link := Link{Href: strings.TrimSpace(href), Text: cleanText(s.Text())}
		if labelAttr != "" {
			link.Label, _ = s.Attr(labelAttr)
		}
		out = append(out, link)
	})
	if len(out) == 0 {
		return None[[]Link]()
	}
	return Some(out)
}

func firstLink(links Optional[[]Link]) Optional[Link] {
	all, ok := links.Get()
	if !ok || len(all) == 0 {
		return None[Link]()
	}
	return Some(all[0])
}

// cleanText collapses whitespace, strips icon-font glyphs (private use
// runes) and trailing list commas.
func cleanText(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.In(r, unicode.Co) {
			return -1
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimSpace(strings.TrimSuffix(s, ","))
}
