// Package zlibrary talks to the shadow-catalog mirror: session login,
// catalog search, and file download. The mirror enforces a daily download
// quota per account; hitting it surfaces as ErrQuotaExhausted so the
// download stage can pause instead of burning retries.
package zlibrary

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"bindery/internal/config"
	"bindery/internal/services"
	"bindery/internal/textutil"
)

// Hit is one search result from the catalog.
type Hit struct {
	CatalogID string
	Title     string
	Author    string
	Publisher string
	Format    string
	FileSize  string
	PageURL   string
}

// Client holds an authenticated session against the mirror.
type Client struct {
	httpClient *http.Client
	baseURL    string
	email      string
	password   string

	mu       sync.Mutex
	loggedIn bool
}

// NewClient builds a Client from configuration. The session is established
// lazily on first use.
func NewClient(cfg *config.Config) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	timeout := time.Duration(cfg.ZLibrary.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout, Jar: jar},
		baseURL:    strings.TrimRight(cfg.ZLibrary.BaseURL, "/"),
		email:      cfg.ZLibrary.Email,
		password:   cfg.ZLibrary.Password,
	}, nil
}

func (c *Client) ensureSession(ctx context.Context, stageName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loggedIn {
		return nil
	}
	form := url.Values{
		"email":    {c.email},
		"password": {c.password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/rpc.php?action=login", strings.NewReader(form.Encode()))
	if err != nil {
		return services.Wrap(services.ErrSystem, stageName, "login", "build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return services.Wrap(services.ErrNetwork, stageName, "login", "request failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		marker := services.ClassifyHTTPStatus(resp.StatusCode)
		return services.Wrap(marker, stageName, "login",
			fmt.Sprintf("login returned status %d", resp.StatusCode), nil)
	}
	c.loggedIn = true
	return nil
}

// Search runs one catalog query and returns the parsed hits.
func (c *Client) Search(ctx context.Context, query string) ([]Hit, error) {
	const stageName = "search"
	if err := c.ensureSession(ctx, stageName); err != nil {
		return nil, err
	}
	searchURL := fmt.Sprintf("%s/s/%s", c.baseURL, url.PathEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, services.Wrap(services.ErrSystem, stageName, "search", "build request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrNetwork, stageName, "search", "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		marker := services.ClassifyHTTPStatus(resp.StatusCode)
		return nil, services.Wrap(marker, stageName, "search",
			fmt.Sprintf("search returned status %d", resp.StatusCode), nil)
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, services.Wrap(services.ErrSystem, stageName, "search", "parse html", err)
	}
	return parseSearchPage(c.baseURL, doc), nil
}

func parseSearchPage(baseURL string, doc *goquery.Document) []Hit {
	var hits []Hit
	doc.Find("div.resItemBox, z-bookcard").Each(func(_ int, sel *goquery.Selection) {
		hit := Hit{
			CatalogID: sel.AttrOr("id", ""),
			Title:     collapseSpace(sel.Find("h3 a, div[slot='title']").First().Text()),
			Author:    collapseSpace(sel.Find("div.authors a, div[slot='author']").First().Text()),
			Publisher: collapseSpace(sel.Find("div.publisher, a[title='Publisher']").First().Text()),
		}
		if href := sel.Find("h3 a").First().AttrOr("href", sel.AttrOr("href", "")); href != "" {
			hit.PageURL = absoluteURL(baseURL, href)
			if hit.CatalogID == "" {
				hit.CatalogID = catalogIDFromPath(href)
			}
		}
		// Property line has the shape "EPUB, 2.4 MB".
		props := collapseSpace(sel.Find("div.property__file div.property_value").First().Text())
		if props == "" {
			props = strings.TrimSpace(sel.AttrOr("extension", ""))
			hit.FileSize = strings.TrimSpace(sel.AttrOr("filesize", ""))
		}
		if format, size, ok := strings.Cut(props, ","); ok {
			hit.Format = strings.ToLower(strings.TrimSpace(format))
			hit.FileSize = strings.TrimSpace(size)
		} else if props != "" {
			hit.Format = strings.ToLower(props)
		}
		if hit.Title != "" && hit.CatalogID != "" {
			hits = append(hits, hit)
		}
	})
	return hits
}

// Download resolves the hit's download link and streams the file into
// destDir. The returned path uses a sanitized "title - author.format" name.
func (c *Client) Download(ctx context.Context, hit Hit, destDir string) (string, error) {
	const stageName = "download"
	if err := c.ensureSession(ctx, stageName); err != nil {
		return "", err
	}
	downloadURL, err := c.resolveDownloadURL(ctx, hit.PageURL)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", services.Wrap(services.ErrSystem, stageName, "download", "build request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", services.Wrap(services.ErrNetwork, stageName, "download", "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		marker := services.ClassifyHTTPStatus(resp.StatusCode)
		return "", services.Wrap(marker, stageName, "download",
			fmt.Sprintf("download returned status %d", resp.StatusCode), nil)
	}
	if isQuotaPage(resp) {
		return "", services.Wrap(services.ErrQuotaExhausted, stageName, "download",
			"daily download limit reached", nil)
	}

	name := hit.Title
	if hit.Author != "" {
		name += " - " + hit.Author
	}
	format := hit.Format
	if format == "" {
		format = "bin"
	}
	path := filepath.Join(destDir, textutil.SanitizeFileName(name)+"."+format)
	tmp := path + ".part"
	file, err := os.Create(tmp)
	if err != nil {
		return "", services.Wrap(services.ErrSystem, stageName, "download", "create file", err)
	}
	if _, err := io.Copy(file, resp.Body); err != nil {
		file.Close()
		os.Remove(tmp)
		return "", services.Wrap(services.ErrNetwork, stageName, "download", "stream file", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return "", services.Wrap(services.ErrSystem, stageName, "download", "close file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", services.Wrap(services.ErrSystem, stageName, "download", "rename file", err)
	}
	return path, nil
}

// resolveDownloadURL loads the book page and finds the direct download link.
func (c *Client) resolveDownloadURL(ctx context.Context, pageURL string) (string, error) {
	const stageName = "download"
	if pageURL == "" {
		return "", services.Wrap(services.ErrNotFound, stageName, "resolve", "hit has no page url", nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", services.Wrap(services.ErrSystem, stageName, "resolve", "build request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", services.Wrap(services.ErrNetwork, stageName, "resolve", "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		marker := services.ClassifyHTTPStatus(resp.StatusCode)
		return "", services.Wrap(marker, stageName, "resolve",
			fmt.Sprintf("book page returned status %d", resp.StatusCode), nil)
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", services.Wrap(services.ErrSystem, stageName, "resolve", "parse html", err)
	}
	link := doc.Find("a.addDownloadedBook, a.btn-primary[href*='/dl/']").First()
	href := link.AttrOr("href", "")
	if href == "" {
		if text := doc.Find("div.download-limits-error").Text(); text != "" {
			return "", services.Wrap(services.ErrQuotaExhausted, stageName, "resolve",
				"daily download limit reached", nil)
		}
		return "", services.Wrap(services.ErrNotFound, stageName, "resolve", "no download link on page", nil)
	}
	return absoluteURL(c.baseURL, href), nil
}

// isQuotaPage detects the mirror's habit of answering an exhausted quota
// with an HTML page and status 200.
func isQuotaPage(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	return strings.Contains(ct, "text/html") && resp.ContentLength >= 0 && resp.ContentLength < 64*1024
}

func absoluteURL(baseURL, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return baseURL + "/" + strings.TrimLeft(href, "/")
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func catalogIDFromPath(href string) string {
	parts := strings.Split(strings.Trim(href, "/"), "/")
	for i, part := range parts {
		if part == "book" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	if len(parts) > 0 {
		return parts[len(parts)-1]
	}
	return ""
}
