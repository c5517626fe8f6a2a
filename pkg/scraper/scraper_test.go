package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/docrag/internal/types"
	"github.com/xhad/docrag/pkg/logging"
)

func TestScraperConfig(t *testing.T) {
	s, err := NewWithConfig(ScraperConfig{
		BaseURL:        "https://example.com",
		MaxDepth:       5,
		IgnorePatterns: []string{"/ignore/", "private"},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, s.config.MaxDepth)
	assert.Equal(t, 200, s.config.MaxPages)
	assert.Equal(t, "example.com", s.baseHost)

	for _, bad := range []string{"", "example.com", "ftp://example.com", "http://"} {
		_, err := NewWithConfig(ScraperConfig{BaseURL: bad})
		assert.ErrorIs(t, err, types.ErrInvalidInput, bad)
	}
}

func TestShouldProcessURL(t *testing.T) {
	s, err := NewWithConfig(ScraperConfig{
		BaseURL:        "https://example.com",
		IgnorePatterns: []string{"/ignore/", "private"},
	})
	require.NoError(t, err)

	tests := []struct {
		url      string
		expected bool
	}{
		{"https://example.com/docs/", true},
		{"https://example.com/docs/intro", true},
		{"https://example.com/page.html", true},
		{"https://example.com/guide.pdf", true},
		{"https://example.com/notes.md", true},
		{"https://example.com/ignore/page.html", false},
		{"https://example.com/private.html", false},
		{"https://other-domain.com/page.html", false},
		{"https://example.com/archive.zip", false},
		{"mailto:someone@example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			u, err := url.Parse(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, s.shouldProcessURL(u))
		})
	}
}

func newSite(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><title> Home </title></head><body><main>
			<p>Welcome</p>
			<a href="/page2.html">Two</a>
			<a href="/page2.html#section">Two again</a>
			<a href="manual.txt">Manual</a>
			<a href="/missing">Gone</a>
			<a href="/archive.zip">Zip</a>
			<a href="https://elsewhere.example/page.html">Away</a>
		</main></body></html>`))
	})
	mux.HandleFunc("/page2.html", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Two</title></head><body><a href="/deep.html">Deeper</a></body></html>`))
	})
	mux.HandleFunc("/deep.html", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body>Deep</body></html>`))
	})
	mux.HandleFunc("/manual.txt", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("plain manual"))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &hits
}

func TestScrapeWithMockServer(t *testing.T) {
	server, _ := newSite(t)

	var progress []string
	s, err := NewWithConfig(ScraperConfig{
		BaseURL:    server.URL + "/",
		MaxDepth:   1,
		RateLimit:  1000,
		OnProgress: func(p Page) { progress = append(progress, p.URL) },
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)

	pages, err := s.Scrape(context.Background())
	require.NoError(t, err)

	urls := make([]string, len(pages))
	for i, p := range pages {
		urls[i] = p.URL
	}
	assert.Equal(t, []string{
		server.URL + "/",
		server.URL + "/page2.html",
		server.URL + "/manual.txt",
	}, urls)
	assert.Equal(t, urls, progress)

	assert.Equal(t, "Home", pages[0].Title)
	assert.Contains(t, string(pages[0].Body), "Welcome")
	assert.Equal(t, 1, pages[1].Depth)
	assert.Equal(t, "plain manual", string(pages[2].Body))
	assert.Equal(t, "text/plain", pages[2].ContentType)
}

func TestScrapeLimits(t *testing.T) {
	server, hits := newSite(t)

	s, err := NewWithConfig(ScraperConfig{
		BaseURL:   server.URL,
		MaxDepth:  3,
		MaxPages:  2,
		RateLimit: 1000,
		Logger:    logging.Discard(),
	})
	require.NoError(t, err)

	pages, err := s.Scrape(context.Background())
	require.NoError(t, err)
	assert.Len(t, pages, 2)
	assert.Equal(t, int32(2), hits.Load())
}

func TestScrapeStartPageFailure(t *testing.T) {
	server, _ := newSite(t)

	s, err := NewWithConfig(ScraperConfig{BaseURL: server.URL + "/missing", RateLimit: 1000, Logger: logging.Discard()})
	require.NoError(t, err)

	pages, err := s.Scrape(context.Background())
	assert.Error(t, err)
	assert.Empty(t, pages)
}

func TestPageFilename(t *testing.T) {
	tests := []struct {
		page Page
		want string
	}{
		{Page{URL: "https://example.com/", ContentType: "text/html"}, "example.com.html"},
		{Page{URL: "https://example.com/docs/intro", ContentType: "text/html; charset=utf-8"}, "example.com/docs/intro.html"},
		{Page{URL: "https://example.com/guide.pdf", ContentType: "application/pdf"}, "example.com/guide.pdf"},
		{Page{URL: "https://example.com/notes", ContentType: "text/plain"}, "example.com/notes"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.page.Filename(), tt.page.URL)
	}
}
