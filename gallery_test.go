package main_test

// SPDX-License-Identifier: GPL-3.0-only

import (
	"context"
	"errors"
	"fmt"
	main "shoottrap"
	"strings"
	"testing"

	"gotest.tools/assert"
)

const testGalleryURL = "https://www.kink.com/channel/test"

// galleryHTML builds a gallery page listing the given shoot IDs.  A last
// page of zero leaves out the pagination widget.
func galleryHTML(last int, ids ...string) []byte {
	var b strings.Builder
	b.WriteString("<html><body><div class=\"shoot-list\">\n")
	for _, id := range ids {
		fmt.Fprintf(&b, "<div class=\"card\"><a class=\"shoot-link\" href=\"/shoot/%s\"><img></a></div>\n", id)
	}
	b.WriteString("</div>\n")
	if last > 0 {
		b.WriteString("<nav class=\"paginated-nav\"><ul>")
		for i := 1; i <= last; i++ {
			fmt.Fprintf(&b, "<li><a href=\"?page=%d\">%d</a></li>", i, i)
		}
		b.WriteString("<li><a>Next</a></li></ul></nav>\n")
	}
	b.WriteString("</body></html>\n")
	return []byte(b.String())
}

func pageURL(n int) string {
	return fmt.Sprintf("%s?page=%d", testGalleryURL, n)
}

func newTestGallery(t *testing.T, client main.Client, raw string, mode main.TraversalMode, limit int) (*main.Gallery, *[]main.Transition) {
	t.Helper()
	address, err := main.ParseAddress(raw)
	assert.NilError(t, err)

	gallery := main.NewGallery(NewTestLogger(t), client, address, main.DefaultShapes().Gallery, mode, limit)
	var transitions []main.Transition
	gallery.SetObserver(func(tr main.Transition) {
		transitions = append(transitions, tr)
	})
	return gallery, &transitions
}

func refIDs(refs []main.ShootRef) []string {
	ids := make([]string, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ID
	}
	return ids
}

func countState(transitions []main.Transition, state main.GalleryState) int {
	n := 0
	for _, tr := range transitions {
		if tr.State == state {
			n++
		}
	}
	return n
}

func TestGallery_Walk(t *testing.T) {
	t.Run("three pages discovered from page one", func(t *testing.T) {
		client := NewTestClient()
		client.SetResponse(pageURL(1), galleryHTML(3, "1", "2"), nil)
		client.SetResponse(pageURL(2), galleryHTML(3, "3", "4"), nil)
		client.SetResponse(pageURL(3), galleryHTML(3, "5", "6"), nil)

		gallery, transitions := newTestGallery(t, client, testGalleryURL, main.TraverseDiscover, 0)
		refs, err := gallery.Walk(context.Background())
		assert.NilError(t, err)

		assert.DeepEqual(t, refIDs(refs), []string{"1", "2", "3", "4", "5", "6"})
		assert.Equal(t, refs[0].Address.String(), "https://www.kink.com/shoot/1")
		assert.Equal(t, countState(*transitions, main.StateParsingPage), 3)
		assert.DeepEqual(t, (*transitions)[0], main.Transition{State: main.StateStart})
		assert.DeepEqual(t, (*transitions)[len(*transitions)-1], main.Transition{State: main.StateDone, Page: 3})
	})

	t.Run("fetch failure on page two keeps page one", func(t *testing.T) {
		client := NewTestClient()
		client.SetResponse(pageURL(1), galleryHTML(3, "1", "2"), nil)
		client.SetResponse(pageURL(2), nil, main.ErrHTTPStatusNotOK)
		client.SetResponse(pageURL(3), galleryHTML(3, "5", "6"), nil)

		gallery, transitions := newTestGallery(t, client, testGalleryURL, main.TraverseDiscover, 0)
		refs, err := gallery.Walk(context.Background())

		assert.DeepEqual(t, refIDs(refs), []string{"1", "2"})
		var walkErr *main.WalkError
		assert.Assert(t, errors.As(err, &walkErr))
		assert.Equal(t, walkErr.Page, 2)
		assert.Assert(t, errors.Is(err, main.ErrHTTPStatusNotOK))
		assert.DeepEqual(t, (*transitions)[len(*transitions)-1], main.Transition{State: main.StateFailed, Page: 2})
		assert.Equal(t, client.Calls(pageURL(3)), 0)
	})

	t.Run("missing pagination is a parse failure in discover mode", func(t *testing.T) {
		client := NewTestClient()
		client.SetResponse(pageURL(1), galleryHTML(0, "1", "2"), nil)

		gallery, _ := newTestGallery(t, client, testGalleryURL, main.TraverseDiscover, 0)
		refs, err := gallery.Walk(context.Background())

		var pe *main.ParseError
		assert.Assert(t, errors.As(err, &pe))
		assert.Equal(t, pe.Field, "last_page")
		assert.DeepEqual(t, refIDs(refs), []string{"1", "2"})
	})

	t.Run("single page mode fetches the address as given", func(t *testing.T) {
		client := NewTestClient()
		client.SetResponse(testGalleryURL, galleryHTML(0, "7", "8", "9"), nil)

		gallery, transitions := newTestGallery(t, client, testGalleryURL, main.TraverseSingle, 0)
		refs, err := gallery.Walk(context.Background())
		assert.NilError(t, err)

		assert.DeepEqual(t, refIDs(refs), []string{"7", "8", "9"})
		assert.Equal(t, countState(*transitions, main.StateFetchingPage), 1)
		assert.Equal(t, client.Calls(testGalleryURL), 1)
	})

	t.Run("page limit below the last page", func(t *testing.T) {
		client := NewTestClient()
		for i := 1; i <= 5; i++ {
			client.SetResponse(pageURL(i), galleryHTML(5, fmt.Sprint(i)), nil)
		}

		gallery, transitions := newTestGallery(t, client, testGalleryURL, main.TraverseLimit, 2)
		refs, err := gallery.Walk(context.Background())
		assert.NilError(t, err)

		assert.DeepEqual(t, refIDs(refs), []string{"1", "2"})
		assert.Equal(t, countState(*transitions, main.StateParsingPage), 2)
	})

	t.Run("page limit above the last page", func(t *testing.T) {
		client := NewTestClient()
		client.SetResponse(pageURL(1), galleryHTML(2, "1"), nil)
		client.SetResponse(pageURL(2), galleryHTML(2, "2"), nil)

		gallery, _ := newTestGallery(t, client, testGalleryURL, main.TraverseLimit, 10)
		refs, err := gallery.Walk(context.Background())
		assert.NilError(t, err)
		assert.DeepEqual(t, refIDs(refs), []string{"1", "2"})
		assert.Equal(t, client.Calls(pageURL(3)), 0)
	})

	t.Run("page limit without pagination", func(t *testing.T) {
		client := NewTestClient()
		client.SetResponse(pageURL(1), galleryHTML(0, "1"), nil)
		client.SetResponse(pageURL(2), galleryHTML(0, "2"), nil)
		client.SetResponse(pageURL(3), galleryHTML(0, "3"), nil)

		gallery, _ := newTestGallery(t, client, testGalleryURL, main.TraverseLimit, 3)
		refs, err := gallery.Walk(context.Background())
		assert.NilError(t, err)
		assert.DeepEqual(t, refIDs(refs), []string{"1", "2", "3"})
	})

	t.Run("starts at the page in the URL", func(t *testing.T) {
		client := NewTestClient()
		client.SetResponse(pageURL(2), galleryHTML(3, "3", "4"), nil)
		client.SetResponse(pageURL(3), galleryHTML(3, "5", "6"), nil)

		gallery, transitions := newTestGallery(t, client, pageURL(2), main.TraverseDiscover, 0)
		refs, err := gallery.Walk(context.Background())
		assert.NilError(t, err)
		assert.DeepEqual(t, refIDs(refs), []string{"3", "4", "5", "6"})
		assert.Equal(t, countState(*transitions, main.StateParsingPage), 2)
		assert.Equal(t, client.Calls(pageURL(1)), 0)
	})

	t.Run("duplicates are preserved", func(t *testing.T) {
		client := NewTestClient()
		client.SetResponse(pageURL(1), galleryHTML(2, "1", "2"), nil)
		client.SetResponse(pageURL(2), galleryHTML(2, "2", "3"), nil)

		gallery, _ := newTestGallery(t, client, testGalleryURL, main.TraverseDiscover, 0)
		refs, err := gallery.Walk(context.Background())
		assert.NilError(t, err)
		assert.DeepEqual(t, refIDs(refs), []string{"1", "2", "2", "3"})
	})

	t.Run("non-shoot links are skipped", func(t *testing.T) {
		client := NewTestClient()
		client.SetResponse(testGalleryURL, []byte(`<html><body>
			<a class="shoot-link" href="/shoot/1">one</a>
			<a class="shoot-link" href="/model/2/someone">not a shoot</a>
			<a class="shoot-link" href="https://www.kink.com/shoot/3/">three</a>
		</body></html>`), nil)

		gallery, _ := newTestGallery(t, client, testGalleryURL, main.TraverseSingle, 0)
		refs, err := gallery.Walk(context.Background())
		assert.NilError(t, err)
		assert.DeepEqual(t, refIDs(refs), []string{"1", "3"})
	})

	t.Run("cancelled context stops before the next page", func(t *testing.T) {
		client := NewTestClient()
		client.SetResponse(pageURL(1), galleryHTML(3, "1", "2"), nil)
		client.SetResponse(pageURL(2), galleryHTML(3, "3", "4"), nil)

		ctx, cancel := context.WithCancel(context.Background())
		gallery, _ := newTestGallery(t, client, testGalleryURL, main.TraverseDiscover, 0)
		gallery.SetObserver(func(tr main.Transition) {
			if tr.State == main.StateParsingPage && tr.Page == 1 {
				cancel()
			}
		})

		refs, err := gallery.Walk(ctx)
		assert.Assert(t, errors.Is(err, context.Canceled))
		assert.DeepEqual(t, refIDs(refs), []string{"1", "2"})
		assert.Equal(t, client.Calls(pageURL(2)), 0)
	})

	t.Run("page limit must be positive", func(t *testing.T) {
		address, err := main.ParseAddress(testGalleryURL)
		assert.NilError(t, err)
		recovered := CapturePanic(t, func() {
			main.NewGallery(NewTestLogger(t), NewTestClient(), address, main.DefaultShapes().Gallery, main.TraverseLimit, 0)
		})
		assert.Assert(t, recovered != nil)
	})
}
