package main_test

// SPDX-License-Identifier: GPL-3.0-only

import (
	"context"
	"errors"
	main "shoottrap"
	"testing"
	"time"

	"gotest.tools/assert"
)

func TestParse_ShootPage(t *testing.T) {
	client := NewTestClient()
	body, err := client.Get(context.Background(), "https://www.kink.com/shoot/101")
	assert.NilError(t, err)

	page, err := main.Parse(body, main.DefaultShapes().Shoot)
	assert.NilError(t, err)

	title, ok := page.Title.Get()
	assert.Assert(t, ok)
	assert.Equal(t, title, "Test Shoot & Friends")

	assert.Equal(t, page.Description.OrElse(""), "A test shoot description.")
	assert.DeepEqual(t, page.Tags.OrElse(nil), []string{"one", "two"})
	assert.Equal(t, page.Poster.OrElse(""), "https://cdn.kink.com/101/poster.jpg")
	assert.Equal(t, page.Bundle.OrElse(""), "https://cdn.kink.com/101/101_images.zip")
	assert.Equal(t, page.Thumbnails.OrElse(""), "https://cdn.kink.com/101/101_thumbs.zip")

	downloads := page.Downloads.OrElse(nil)
	assert.Equal(t, len(downloads), 3)
	assert.DeepEqual(t, downloads[0], main.Link{
		Href:  "https://cdn.kink.com/101/101_1080.mp4",
		Text:  "1080p HD MP4",
		Label: "1080",
	})

	performers := page.Performers.OrElse(nil)
	assert.Equal(t, len(performers), 2)
	assert.Equal(t, performers[0].Text, "Jane Doe")
	assert.Equal(t, performers[0].Href, "/model/201/jane-doe")

	director, ok := page.Director.Get()
	assert.Assert(t, ok)
	assert.Equal(t, director.Text, "Dee Rector")

	channel, ok := page.Channel.Get()
	assert.Assert(t, ok)
	assert.Equal(t, channel.Text, "Test Channel")

	released, err := page.ReleaseDate()
	assert.NilError(t, err)
	date, ok := released.Get()
	assert.Assert(t, ok)
	assert.Equal(t, date.Format(time.DateOnly), "2021-03-04")

	// Gallery-only fields are not part of the shoot shape
	assert.Assert(t, !page.Items.Present())
	assert.Assert(t, !page.LastPage.Present())
}

func TestParse_MissingFieldsAreAbsent(t *testing.T) {
	client := NewTestClient()
	body, err := client.Get(context.Background(), "https://www.kink.com/shoot/102")
	assert.NilError(t, err)

	page, err := main.Parse(body, main.DefaultShapes().Shoot)
	assert.NilError(t, err)

	assert.Assert(t, !page.Poster.Present())
	assert.Assert(t, !page.Bundle.Present())
	assert.Assert(t, !page.Thumbnails.Present())
	assert.Assert(t, !page.Description.Present())
	assert.Assert(t, !page.Tags.Present())
	assert.Assert(t, !page.Director.Present())

	released, err := page.ReleaseDate()
	assert.NilError(t, err)
	assert.Assert(t, !released.Present())

	// Falls back to the second download selector, labelled by link text
	downloads := page.Downloads.OrElse(nil)
	assert.Equal(t, len(downloads), 2)
	assert.Equal(t, downloads[0].Label, "")
	assert.Equal(t, downloads[0].Text, "720p MP4")
}

func TestParse_ModelPage(t *testing.T) {
	client := NewTestClient()
	shape := main.DefaultShapes().Model

	t.Run("slider image preferred", func(t *testing.T) {
		body, err := client.Get(context.Background(), "https://www.kink.com/model/201/jane-doe")
		assert.NilError(t, err)
		page, err := main.Parse(body, shape)
		assert.NilError(t, err)
		assert.Equal(t, page.Name.OrElse(""), "Jane Doe")
		assert.Equal(t, page.Image.OrElse(""), "https://cdn.kink.com/model/201/slider.jpg")
		assert.Equal(t, page.Description.OrElse(""), "Jane is a test model <3")
		assert.DeepEqual(t, page.Tags.OrElse(nil), []string{"brunette", "tall"})
	})

	t.Run("bio image fallback", func(t *testing.T) {
		body, err := client.Get(context.Background(), "https://www.kink.com/model/202/john-roe")
		assert.NilError(t, err)
		page, err := main.Parse(body, shape)
		assert.NilError(t, err)
		assert.Equal(t, page.Image.OrElse(""), "/images/model/202.jpg")
	})
}

func TestParsedPage_ReleaseDate(t *testing.T) {
	shape := main.PageShape{Date: main.Selector{CSS: []string{"span.shoot-date"}}}

	t.Run("malformed date", func(t *testing.T) {
		page, err := main.Parse([]byte(`<span class="shoot-date">Someday 2021</span>`), shape)
		assert.NilError(t, err)
		_, err = page.ReleaseDate()
		var pe *main.ParseError
		assert.Assert(t, errors.As(err, &pe))
		assert.Equal(t, pe.Field, "date")
		assert.Equal(t, pe.Value, "Someday 2021")
	})

	t.Run("empty element is present but empty", func(t *testing.T) {
		page, err := main.Parse([]byte(`<span class="shoot-date"></span>`), shape)
		assert.NilError(t, err)
		v, ok := page.Date.Get()
		assert.Assert(t, ok)
		assert.Equal(t, v, "")
	})
}

func TestParsedPage_LastPageNumber(t *testing.T) {
	shape := main.DefaultShapes().Gallery

	tests := []struct {
		name    string
		html    string
		want    int
		wantErr bool
	}{
		{
			name: "current layout",
			html: `<nav class="paginated-nav"><ul><li>1</li><li>2</li><li>7</li><li>Next</li></ul></nav>`,
			want: 7,
		},
		{
			name: "legacy layout",
			html: `<ul><li class="page-item"><a>1</a></li><li class="page-item"><a>4</a></li></ul>`,
			want: 4,
		},
		{
			name:    "no pagination is an error, not zero",
			html:    `<div>no pages here</div>`,
			wantErr: true,
		},
		{
			name:    "not a number",
			html:    `<nav class="paginated-nav"><ul><li>1</li><li>...</li><li>Next</li></ul></nav>`,
			wantErr: true,
		},
		{
			name:    "zero",
			html:    `<nav class="paginated-nav"><ul><li>0</li><li>Next</li></ul></nav>`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := main.Parse([]byte(tt.html), shape)
			assert.NilError(t, err)
			n, err := page.LastPageNumber()
			if tt.wantErr {
				var pe *main.ParseError
				assert.Assert(t, errors.As(err, &pe))
				assert.Equal(t, pe.Field, "last_page")
				return
			}
			assert.NilError(t, err)
			assert.Equal(t, n, tt.want)
		})
	}
}

func TestOptional(t *testing.T) {
	some := main.Some("x")
	none := main.None[string]()

	v, ok := some.Get()
	assert.Assert(t, ok)
	assert.Equal(t, v, "x")
	assert.Equal(t, none.OrElse("default"), "default")
	assert.Assert(t, !none.Present())
}
