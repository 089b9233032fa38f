package connector

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/ragfactory/ingest/internal/domain/model"
)

const defaultMaxEntriesPerFeed = 50

// RSS fetches documents from RSS 2.0 and Atom feeds. Entry HTML is
// stripped down to plain text before chunking.
type RSS struct {
	feedURLs          []string
	maxEntriesPerFeed int
	includeSummary    bool
	includeContent    bool
	userAgent         string

	fetcher *httpFetcher
	logger  *slog.Logger
}

var _ Connector = (*RSS)(nil)

func rssMetadata() Metadata {
	return Metadata{
		Name:                 "RSS/Atom Feeds",
		SourceType:           "rss",
		Description:          "Connector for RSS 2.0 and Atom feeds",
		Category:             CategoryPublic,
		SupportsIncremental:  true,
		RequiredConfigFields: []string{"feed_urls"},
		OptionalConfigFields: []string{
			"max_entries_per_feed", "include_summary", "include_content", "user_agent",
		},
	}
}

// NewRSS constructs the RSS connector from source config.
func NewRSS(cfg map[string]any, deps Deps) (Connector, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &RSS{
		feedURLs:          strSliceField(cfg, "feed_urls"),
		maxEntriesPerFeed: intField(cfg, "max_entries_per_feed", defaultMaxEntriesPerFeed),
		includeSummary:    boolField(cfg, "include_summary", true),
		includeContent:    boolField(cfg, "include_content", true),
		userAgent:         strField(cfg, "user_agent", "RAGFactory-FeedReader/1.0"),
		logger:            logger.With("component", "connector.rss"),
	}

	if err := c.ValidateConfig(); err != nil {
		return nil, err
	}
	c.fetcher = newHTTPFetcher(nil, deps, c.logger)
	return c, nil
}

// Metadata implements Connector.
func (c *RSS) Metadata() Metadata { return rssMetadata() }

// ValidateConfig implements Connector.
func (c *RSS) ValidateConfig() error {
	if len(c.feedURLs) == 0 {
		return fmt.Errorf("rss: feed_urls is required")
	}
	for _, feed := range c.feedURLs {
		u, err := url.Parse(feed)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("rss: invalid feed url %q", feed)
		}
	}
	if c.maxEntriesPerFeed <= 0 {
		return fmt.Errorf("rss: max_entries_per_feed must be positive")
	}
	return nil
}

// feedDocument is the union of RSS 2.0 and Atom shapes; the decoder fills
// whichever elements the payload actually has.
type feedDocument struct {
	XMLName xml.Name
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
	Title   string      `xml:"title"`
	Entries []atomEntry `xml:"entry"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	GUID        string `xml:"guid"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
	Encoded     string `xml:"http://purl.org/rss/1.0/modules/content/ encoded"`
}

type atomEntry struct {
	Title     string     `xml:"title"`
	ID        string     `xml:"id"`
	Links     []atomLink `xml:"link"`
	Summary   string     `xml:"summary"`
	Content   string     `xml:"content"`
	Published string     `xml:"published"`
	Updated   string     `xml:"updated"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

// Fetch implements Connector. Offset/Limit apply to the combined entry list
// across feeds, preserving feed order.
func (c *RSS) Fetch(ctx context.Context, opts FetchOptions) ([]model.RawDocument, error) {
	var all []model.RawDocument
	for _, feedURL := range c.feedURLs {
		docs, err := c.fetchFeed(ctx, feedURL, opts.Since)
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", feedURL, err)
		}
		all = append(all, docs...)
	}

	if opts.Offset >= len(all) {
		return nil, nil
	}
	all = all[opts.Offset:]
	if opts.Limit > 0 && len(all) > opts.Limit {
		all = all[:opts.Limit]
	}
	return all, nil
}

func (c *RSS) fetchFeed(ctx context.Context, feedURL string, since time.Time) ([]model.RawDocument, error) {
	c.logger.InfoContext(ctx, "fetching feed", "url", feedURL)

	body, err := c.fetcher.do(ctx, feedURL, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var feed feedDocument
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	var docs []model.RawDocument
	switch {
	case len(feed.Channel.Items) > 0:
		for _, item := range feed.Channel.Items {
			if len(docs) >= c.maxEntriesPerFeed {
				break
			}
			if doc, ok := c.rssItemToDocument(item, feedURL, since); ok {
				docs = append(docs, doc)
			}
		}
	case len(feed.Entries) > 0:
		for _, entry := range feed.Entries {
			if len(docs) >= c.maxEntriesPerFeed {
				break
			}
			if doc, ok := c.atomEntryToDocument(entry, feedURL, since); ok {
				docs = append(docs, doc)
			}
		}
	}

	c.logger.InfoContext(ctx, "feed parsed", "url", feedURL, "documents", len(docs))
	return docs, nil
}

func (c *RSS) rssItemToDocument(item rssItem, feedURL string, since time.Time) (model.RawDocument, bool) {
	id := item.GUID
	if id == "" {
		id = item.Link
	}
	if id == "" {
		return model.RawDocument{}, false
	}

	published, hasDate := parseFeedDate(item.PubDate)
	if !since.IsZero() && hasDate && !published.After(since) {
		return model.RawDocument{}, false
	}

	content := c.composeContent(item.Encoded, item.Description)
	title := strings.TrimSpace(item.Title)
	if content == "" {
		content = title
	}
	if content == "" {
		return model.RawDocument{}, false
	}

	doc := model.RawDocument{
		ExternalID:  id,
		Title:       title,
		Content:     content,
		FetchedFrom: feedURL,
		Metadata:    map[string]any{"source": "rss", "feed_url": feedURL, "link": item.Link},
	}
	if hasDate {
		doc.PublishedAt = &published
	}
	return doc, true
}

func (c *RSS) atomEntryToDocument(entry atomEntry, feedURL string, since time.Time) (model.RawDocument, bool) {
	id := entry.ID
	link := ""
	for _, l := range entry.Links {
		if l.Rel == "" || l.Rel == "alternate" {
			link = l.Href
			break
		}
	}
	if id == "" {
		id = link
	}
	if id == "" {
		return model.RawDocument{}, false
	}

	rawDate := entry.Published
	if rawDate == "" {
		rawDate = entry.Updated
	}
	published, hasDate := parseFeedDate(rawDate)
	if !since.IsZero() && hasDate && !published.After(since) {
		return model.RawDocument{}, false
	}

	content := c.composeContent(entry.Content, entry.Summary)
	title := strings.TrimSpace(entry.Title)
	if content == "" {
		content = title
	}
	if content == "" {
		return model.RawDocument{}, false
	}

	doc := model.RawDocument{
		ExternalID:  id,
		Title:       title,
		Content:     content,
		FetchedFrom: feedURL,
		Metadata:    map[string]any{"source": "rss", "feed_url": feedURL, "link": link},
	}
	if hasDate {
		doc.PublishedAt = &published
	}
	return doc, true
}

// composeContent joins the full content body and the summary per config,
// stripping markup from each.
func (c *RSS) composeContent(fullContent, summary string) string {
	var parts []string
	if c.includeContent && strings.TrimSpace(fullContent) != "" {
		parts = append(parts, stripHTML(fullContent))
	}
	if c.includeSummary && strings.TrimSpace(summary) != "" {
		if len(parts) == 0 || !strings.Contains(parts[0], stripHTML(summary)) {
			parts = append(parts, stripHTML(summary))
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

var feedDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02",
}

func parseFeedDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range feedDateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// blockTags force line breaks when HTML is flattened to text.
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "ul": true, "ol": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "pre": true, "tr": true, "section": true, "article": true,
}

// stripHTML flattens an HTML fragment to plain text, keeping rough block
// structure as newlines. Plain-text input passes through unchanged.
func stripHTML(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return strings.TrimSpace(fragment)
	}

	var sb strings.Builder
	tokenizer := html.NewTokenizer(strings.NewReader(fragment))
	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return collapseBlankLines(sb.String())
		case html.TextToken:
			sb.WriteString(string(tokenizer.Text()))
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := tokenizer.TagName()
			if blockTags[string(name)] {
				sb.WriteByte('\n')
			}
		}
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
