package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
)

// Quality is a vertical resolution label.  Its numeric value is also its
// rank: a larger Quality is better.
type Quality int

// The fixed set of labels the site offers, best first.
var knownQualities = []Quality{1080, 720, 540, 480, 360, 288, 270}

const DefaultQuality Quality = 1080

var (
	ErrUnknownQuality = errors.New("unknown quality label")

	qualityRegexp = regexp.MustCompile(`(\d{3,4})\s*[pP]?`)
)

// ParseQuality turns "720", "720p" or a link text such as "HD 720p MP4" into
// a Quality.  Labels outside the known set are rejected with
// ErrUnknownQuality.
//
// Parameters:
//   - s: Text carrying a quality label
//
// Returns:
//   - Quality: The parsed label
//   - error: ErrUnknownQuality if s holds no known label
func ParseQuality(s string) (Quality, error) {
	for _, m := range qualityRegexp.FindAllStringSubmatch(s, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		q := Quality(n)
		if q.Known() {
			return q, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownQuality, s)
}

// Known reports whether q is one of the site's labels.
func (q Quality) Known() bool {
	return slices.Contains(knownQualities, q)
}

func (q Quality) String() string {
	return strconv.Itoa(int(q)) + "p"
}

// Rendition is one downloadable quality variant of a shoot.
type Rendition struct {
	Quality Quality `json:"quality"`
	URL     string  `json:"url"`
}

// Renditions holds at most one Rendition per Quality.  Adding a second URL
// for a label replaces the first (last wins).
type Renditions struct {
	byQuality map[Quality]string
}

// Add records url for q.  Unknown qualities are refused.
//
// Returns:
//   - error: ErrUnknownQuality if q is not a known label
func (r *Renditions) Add(q Quality, url string) error {
	if !q.Known() {
		return fmt.Errorf("%w: %d", ErrUnknownQuality, int(q))
	}
	if r.byQuality == nil {
		r.byQuality = make(map[Quality]string)
	}
	r.byQuality[q] = url
	return nil
}

// Len returns the number of renditions.
func (r Renditions) Len() int {
	return len(r.byQuality)
}

// All returns every rendition, best first.
func (r Renditions) All() []Rendition {
	out := make([]Rendition, 0, len(r.byQuality))
	for _, q := range knownQualities {
		if u, ok := r.byQuality[q]; ok {
			out = append(out, Rendition{Quality: q, URL: u})
		}
	}
	return out
}

// Best returns the highest quality rendition.
//
// Returns:
//   - Rendition: The best rendition
//   - bool: False if the set is empty
func (r Renditions) Best() (Rendition, bool) {
	all := r.All()
	if len(all) == 0 {
		return Rendition{}, false
	}
	return all[0], true
}

// Pick returns the rendition at the preferred quality, or the nearest lower
// one when the preferred quality isn't offered.
//
// Returns:
//   - Rendition: The chosen rendition
//   - bool: False if nothing at or below pref exists
func (r Renditions) Pick(pref Quality) (Rendition, bool) {
	for _, rend := range r.All() {
		if rend.Quality <= pref {
			return rend, true
		}
	}
	return Rendition{}, false
}
