// Package douban scrapes a user's wish shelf and book detail pages from the
// review site. Requests are throttled and carry a browser user agent; the
// site rate-limits aggressively and a burst of bare requests gets the
// client blocked.
package douban

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"bindery/internal/config"
	"bindery/internal/services"
)

const stageName = "data_collection"

// ListEntry is one book on the wish shelf: enough to create a queue row.
// Detail fields come later from FetchDetail.
type ListEntry struct {
	DoubanID string
	Title    string
	Author   string
}

// Detail carries the bibliographic fields parsed from a subject page.
type Detail struct {
	Title       string
	Author      string
	Publisher   string
	PublishDate string
	ISBN        string
}

// Client fetches and parses shelf and subject pages.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userID     string
	userAgent  string
	delay      time.Duration
}

// NewClient builds a Client from configuration.
func NewClient(cfg *config.Config) *Client {
	timeout := time.Duration(cfg.Douban.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	delay := time.Duration(cfg.Douban.RequestDelay) * time.Second
	if delay <= 0 {
		delay = 2 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.Douban.BaseURL, "/"),
		userID:     cfg.Douban.UserID,
		userAgent:  cfg.Douban.UserAgent,
		delay:      delay,
	}
}

var subjectIDPattern = regexp.MustCompile(`/subject/(\d+)`)

// FetchWishList walks the user's wish shelf page by page and returns every
// entry. Pages are fetched oldest pagination first with the configured delay
// between requests.
func (c *Client) FetchWishList(ctx context.Context) ([]ListEntry, error) {
	const pageSize = 15
	var entries []ListEntry
	for start := 0; ; start += pageSize {
		if start > 0 {
			if err := c.sleep(ctx); err != nil {
				return nil, err
			}
		}
		pageURL := fmt.Sprintf("%s/people/%s/wish?start=%d&sort=time&rating=all&filter=all&mode=list",
			c.baseURL, url.PathEscape(c.userID), start)
		doc, err := c.fetchDocument(ctx, pageURL, "list shelf")
		if err != nil {
			return nil, err
		}
		page := parseListPage(doc)
		if len(page) == 0 {
			break
		}
		entries = append(entries, page...)
		if len(page) < pageSize {
			break
		}
	}
	return entries, nil
}

// FetchDetail loads a subject page and parses the info block.
func (c *Client) FetchDetail(ctx context.Context, doubanID string) (*Detail, error) {
	pageURL := fmt.Sprintf("%s/subject/%s/", c.baseURL, url.PathEscape(doubanID))
	doc, err := c.fetchDocument(ctx, pageURL, "fetch detail")
	if err != nil {
		return nil, err
	}
	detail := parseDetailPage(doc)
	if detail.Title == "" {
		return nil, services.Wrap(services.ErrNotFound, stageName, "fetch detail",
			fmt.Sprintf("subject %s has no parseable title", doubanID), nil)
	}
	return detail, nil
}

func (c *Client) fetchDocument(ctx context.Context, pageURL, operation string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, services.Wrap(services.ErrSystem, stageName, operation, "build request", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrNetwork, stageName, operation, "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		marker := services.ClassifyHTTPStatus(resp.StatusCode)
		return nil, services.Wrap(marker, stageName, operation,
			fmt.Sprintf("unexpected status %d for %s", resp.StatusCode, pageURL), nil)
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, services.Wrap(services.ErrSystem, stageName, operation, "parse html", err)
	}
	return doc, nil
}

func (c *Client) sleep(ctx context.Context) error {
	timer := time.NewTimer(c.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseListPage(doc *goquery.Document) []ListEntry {
	var entries []ListEntry
	doc.Find("li.subject-item, div.item").Each(func(_ int, sel *goquery.Selection) {
		link := sel.Find("a[href*='/subject/']").First()
		href, _ := link.Attr("href")
		match := subjectIDPattern.FindStringSubmatch(href)
		if match == nil {
			return
		}
		title := strings.TrimSpace(link.AttrOr("title", ""))
		if title == "" {
			title = collapseSpace(link.Text())
		}
		entry := ListEntry{
			DoubanID: match[1],
			Title:    title,
			Author:   authorFromIntro(sel),
		}
		if entry.Title != "" {
			entries = append(entries, entry)
		}
	})
	return entries
}

// authorFromIntro pulls the author out of the shelf's intro line, which has
// the shape "author / publisher / date / price".
func authorFromIntro(sel *goquery.Selection) string {
	intro := collapseSpace(sel.Find("div.pub, p.pl").First().Text())
	if intro == "" {
		return ""
	}
	parts := strings.Split(intro, "/")
	return strings.TrimSpace(parts[0])
}

func parseDetailPage(doc *goquery.Document) *Detail {
	detail := &Detail{
		Title: collapseSpace(doc.Find("h1 span[property='v:itemreviewed']").First().Text()),
	}
	if detail.Title == "" {
		detail.Title = collapseSpace(doc.Find("h1 span").First().Text())
	}

	info := doc.Find("#info").Text()
	for _, line := range strings.Split(info, "\n") {
		line = collapseSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "作者":
			detail.Author = value
		case "出版社":
			detail.Publisher = value
		case "出版年":
			detail.PublishDate = value
		case "ISBN":
			detail.ISBN = value
		}
	}
	return detail
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ParseSubjectID extracts the numeric subject ID from a subject URL or
// returns the input unchanged when it is already a bare ID.
func ParseSubjectID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty subject reference")
	}
	if _, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return raw, nil
	}
	if match := subjectIDPattern.FindStringSubmatch(raw); match != nil {
		return match[1], nil
	}
	return "", fmt.Errorf("no subject id in %q", raw)
}
