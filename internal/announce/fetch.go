// Package announce picks up ICAI examination announcements and posts the
// new ones, and composes manual announcements.
package announce

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/ca-study-space/cssbot/pkg/protocol"
)

const (
	// DefaultURL is the ICAI examination announcement page.
	DefaultURL = "https://boslive.icai.org/examination_announcement.php"
	// UserAgent identifies the bot to the portal.
	UserAgent = "CSSBot/1.0 (CA Study Space)"

	DefaultTimeout = 15 * time.Second
	DefaultWindow  = 7 * 24 * time.Hour

	maxPageSize    = 2 << 20
	maxExcerptSize = 280
	dateLayout     = "2 January, 2006"
)

var (
	selBlock = cascadia.MustCompile("div.ann_details")
	selDate  = cascadia.MustCompile("p")
	selLink  = cascadia.MustCompile("a[href]")
	selTitle = cascadia.MustCompile("h4")
)

// FetcherConfig configures a Fetcher. Zero values take the defaults.
type FetcherConfig struct {
	URL     string
	Timeout time.Duration
	Window  time.Duration
	// Excerpts follows each new announcement link and extracts a short
	// summary from HTML targets.
	Excerpts bool
}

// Fetcher reads the announcement listing.
type Fetcher struct {
	url      string
	window   time.Duration
	excerpts bool
	client   *http.Client
	now      func() time.Time
	logger   *slog.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(cfg FetcherConfig, logger *slog.Logger) *Fetcher {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		url:      cfg.URL,
		window:   cfg.Window,
		excerpts: cfg.Excerpts,
		client:   &http.Client{Timeout: cfg.Timeout},
		now:      time.Now,
		logger:   logger,
	}
}

// Fetch returns the announcements dated within the window. Any failure is
// logged and yields an empty list.
func (f *Fetcher) Fetch(ctx context.Context) []protocol.Announcement {
	anns, err := f.fetch(ctx)
	if err != nil {
		f.logger.Warn("announcement fetch failed", "url", f.url, "error", err)
		return nil
	}
	f.logger.Debug("announcements fetched", "count", len(anns))
	return anns
}

func (f *Fetcher) fetch(ctx context.Context) ([]protocol.Announcement, error) {
	base, err := url.Parse(f.url)
	if err != nil {
		return nil, fmt.Errorf("announce: bad url: %w", err)
	}
	body, _, err := f.get(ctx, f.url)
	if err != nil {
		return nil, err
	}
	anns, err := Parse(bytes.NewReader(body), base, f.now(), f.window)
	if err != nil {
		return nil, err
	}
	if f.excerpts {
		for i := range anns {
			anns[i].Excerpt = f.excerpt(ctx, anns[i].URL)
		}
	}
	return anns, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("announce: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("announce: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("announce: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, "", fmt.Errorf("announce: read body: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// excerpt returns the opening of the readable text behind rawURL, or ""
// for non-HTML targets such as PDF circulars.
func (f *Fetcher) excerpt(ctx context.Context, rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	body, contentType, err := f.get(ctx, rawURL)
	if err != nil {
		f.logger.Debug("excerpt fetch failed", "url", rawURL, "error", err)
		return ""
	}
	if !strings.Contains(contentType, "text/html") {
		return ""
	}
	article, err := readability.FromReader(bytes.NewReader(body), u)
	if err != nil {
		return ""
	}
	var buf bytes.Buffer
	if err := article.RenderText(&buf); err != nil {
		return ""
	}
	return clip(strings.Join(strings.Fields(buf.String()), " "), maxExcerptSize)
}

// Parse extracts announcements from the listing page. Blocks missing a
// date, link or title, or with an unreadable date, are skipped. Only
// entries dated between now-window and now (by calendar day) are kept.
func Parse(r io.Reader, base *url.URL, now time.Time, window time.Duration) ([]protocol.Announcement, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("announce: parse: %w", err)
	}

	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	start := today.Add(-window)

	var out []protocol.Announcement
	for _, block := range cascadia.QueryAll(doc, selBlock) {
		dateNode := cascadia.Query(block, selDate)
		linkNode := cascadia.Query(block, selLink)
		titleNode := cascadia.Query(block, selTitle)
		if dateNode == nil || linkNode == nil || titleNode == nil {
			continue
		}

		rawDate := text(dateNode)
		day, ok := parseDate(rawDate)
		if !ok || day.Before(start) || day.After(today) {
			continue
		}

		href := attr(linkNode, "href")
		ref, err := url.Parse(href)
		if err != nil {
			continue
		}
		out = append(out, protocol.Announcement{
			ID:    href,
			Title: text(titleNode),
			Date:  rawDate,
			URL:   base.ResolveReference(ref).String(),
		})
	}
	return out, nil
}

// parseDate reads "05 March, 2025, 10:30 AM" style dates; only the day
// part is used.
func parseDate(raw string) (time.Time, bool) {
	parts := strings.Split(raw, ",")
	if len(parts) < 2 {
		return time.Time{}, false
	}
	t, err := time.Parse(dateLayout, strings.TrimSpace(parts[0])+", "+strings.TrimSpace(parts[1]))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func text(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n-1])) + "…"
}
