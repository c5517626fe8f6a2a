// Package scraper crawls a site from a start URL and returns the raw bytes of
// every same-host page it can ingest.
package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/xhad/docrag/internal/types"
	"github.com/xhad/docrag/pkg/extractor"
)

type ScraperConfig struct {
	BaseURL        string
	MaxDepth       int
	MaxPages       int
	RateLimit      float64 // requests per second
	IgnorePatterns []string
	MaxBodySize    int64
	UserAgent      string
	Timeout        time.Duration
	Client         *http.Client
	OnProgress     func(page Page)
	Logger         *slog.Logger
}

// Page is one fetched document.
type Page struct {
	URL         string
	Title       string
	ContentType string
	Body        []byte
	Depth       int
}

// Filename names the page after its host and path, with an .html extension
// for HTML pages that have none.
func (p Page) Filename() string {
	u, err := url.Parse(p.URL)
	if err != nil {
		return p.URL
	}
	name := strings.TrimSuffix(u.Host+u.Path, "/")
	if path.Ext(u.Path) == "" {
		if mt, _, _ := mime.ParseMediaType(p.ContentType); mt == "text/html" {
			name += ".html"
		}
	}
	return name
}

// Scraper is not safe for concurrent Scrape calls.
type Scraper struct {
	config   ScraperConfig
	client   *http.Client
	visited  map[string]bool
	limiter  *rate.Limiter
	baseHost string
	logger   *slog.Logger
}

func NewWithConfig(config ScraperConfig) (*Scraper, error) {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxDepth == 0 {
		config.MaxDepth = 3
	}
	if config.MaxPages == 0 {
		config.MaxPages = 200
	}
	if config.RateLimit == 0 {
		config.RateLimit = 2 // 2 requests per second by default
	}
	if config.MaxBodySize == 0 {
		config.MaxBodySize = 20 << 20
	}
	if config.UserAgent == "" {
		config.UserAgent = "docrag/1.0"
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	parsedURL, err := url.Parse(config.BaseURL)
	if err != nil || (parsedURL.Scheme != "http" && parsedURL.Scheme != "https") || parsedURL.Host == "" {
		return nil, fmt.Errorf("%w: invalid start URL %q", types.ErrInvalidInput, config.BaseURL)
	}

	return &Scraper{
		config:   config,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		baseHost: parsedURL.Host,
		logger:   logger,
	}, nil
}

func (s *Scraper) shouldProcessURL(u *url.URL) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Host != s.baseHost {
		return false
	}

	// Extensionless paths are usually HTML; anything else must be a type
	// the extractor reads.
	if ext := strings.ToLower(path.Ext(u.Path)); ext != "" {
		if _, err := extractor.ResolveKind("", "page"+ext); err != nil {
			return false
		}
	}

	for _, pattern := range s.config.IgnorePatterns {
		if strings.Contains(u.String(), pattern) {
			return false
		}
	}
	return true
}

// Scrape fetches the start URL and follows same-host links breadth-first
// up to MaxDepth and MaxPages. Only a failure of the start page is an error;
// other pages that fail are logged and skipped.
func (s *Scraper) Scrape(ctx context.Context) ([]Page, error) {
	s.visited = make(map[string]bool)

	start, _ := url.Parse(s.config.BaseURL)
	start.Fragment = ""

	type item struct {
		url   *url.URL
		depth int
	}
	queue := []item{{url: start, depth: 0}}
	s.visited[start.String()] = true

	var pages []Page
	for len(queue) > 0 && len(pages) < s.config.MaxPages {
		next := queue[0]
		queue = queue[1:]

		page, links, err := s.fetch(ctx, next.url, next.depth)
		if err != nil {
			if next.depth == 0 || ctx.Err() != nil {
				return pages, err
			}
			s.logger.Warn("skipping page", slog.String("url", next.url.String()), slog.String("error", err.Error()))
			continue
		}
		pages = append(pages, page)
		if s.config.OnProgress != nil {
			s.config.OnProgress(page)
		}

		if next.depth >= s.config.MaxDepth {
			continue
		}
		for _, link := range links {
			key := link.String()
			if s.visited[key] || !s.shouldProcessURL(link) {
				continue
			}
			s.visited[key] = true
			queue = append(queue, item{url: link, depth: next.depth + 1})
		}
	}

	s.logger.Info("scrape finished",
		slog.String("url", s.config.BaseURL),
		slog.Int("pages", len(pages)),
		slog.Int("visited", len(s.visited)),
	)
	return pages, nil
}

func (s *Scraper) fetch(ctx context.Context, u *url.URL, depth int) (Page, []*url.URL, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return Page{}, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Page{}, nil, err
	}
	req.Header.Set("User-Agent", s.config.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return Page{}, nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Page{}, nil, fmt.Errorf("received status code %d for URL: %s", resp.StatusCode, u)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.config.MaxBodySize+1))
	if err != nil {
		return Page{}, nil, fmt.Errorf("read %s: %w", u, err)
	}
	if int64(len(body)) > s.config.MaxBodySize {
		return Page{}, nil, fmt.Errorf("%w: %s exceeds %d bytes", types.ErrInvalidInput, u, s.config.MaxBodySize)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	page := Page{URL: u.String(), ContentType: contentType, Body: body, Depth: depth}

	if mt, _, _ := mime.ParseMediaType(contentType); mt != "text/html" {
		return page, nil, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return Page{}, nil, fmt.Errorf("parse %s: %w", u, err)
	}
	page.Title = strings.TrimSpace(doc.Find("title").First().Text())

	var links []*url.URL
	doc.Find("a[href]").Each(func(_ int, selection *goquery.Selection) {
		href, _ := selection.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs := u.ResolveReference(ref)
		abs.Fragment = ""
		links = append(links, abs)
	})
	return page, links, nil
}
