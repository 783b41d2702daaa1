// Package calibre talks to a calibre content server over its HTTP API:
// duplicate lookup before searching the catalog, and book upload after a
// successful download.
package calibre

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bindery/internal/config"
	"bindery/internal/services"
)

// Client wraps the content-server endpoints bindery uses.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	library    string
}

// NewClient builds a Client from configuration.
func NewClient(cfg *config.Config) *Client {
	timeout := time.Duration(cfg.Calibre.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	library := cfg.Calibre.Library
	if library == "" {
		library = "Calibre_Library"
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.Calibre.URL, "/"),
		username:   cfg.Calibre.Username,
		password:   cfg.Calibre.Password,
		library:    library,
	}
}

type searchResponse struct {
	BookIDs []int64 `json:"book_ids"`
	Total   int     `json:"total_num"`
}

type addBookResponse struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

// FindExisting searches the library for an existing copy of the book. The
// ISBN identifier is tried first when known; title matching is unreliable
// for translated editions, the identifier is not. A zero ID means no match.
func (c *Client) FindExisting(ctx context.Context, title, author, isbn string) (int64, error) {
	const stageName = "search"
	if isbn != "" {
		id, err := c.searchLibrary(ctx, stageName, fmt.Sprintf("identifiers:%q", "=isbn:"+isbn))
		if err != nil || id != 0 {
			return id, err
		}
	}
	if title == "" {
		return 0, nil
	}
	query := fmt.Sprintf("title:%q", title)
	if author != "" {
		query += fmt.Sprintf(" and authors:%q", author)
	}
	return c.searchLibrary(ctx, stageName, query)
}

func (c *Client) searchLibrary(ctx context.Context, stageName, query string) (int64, error) {
	endpoint := fmt.Sprintf("%s/ajax/search/%s?num=1&query=%s",
		c.baseURL, url.PathEscape(c.library), url.QueryEscape(query))

	body, err := c.get(ctx, stageName, "library lookup", endpoint)
	if err != nil {
		return 0, err
	}
	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, services.Wrap(services.ErrSystem, stageName, "library lookup", "decode response", err)
	}
	if len(parsed.BookIDs) == 0 {
		return 0, nil
	}
	return parsed.BookIDs[0], nil
}

// Upload adds the file at path to the library and returns the new book's
// calibre ID. Duplicates are rejected server-side rather than added twice.
func (c *Client) Upload(ctx context.Context, path string) (int64, error) {
	const stageName = "upload"
	file, err := os.Open(path)
	if err != nil {
		return 0, services.Wrap(services.ErrSystem, stageName, "upload", "open file", err)
	}
	defer file.Close()

	endpoint := fmt.Sprintf("%s/cdb/add-book/%d/n/%s/%s",
		c.baseURL, time.Now().UnixNano(),
		url.PathEscape(filepath.Base(path)), url.PathEscape(c.library))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, file)
	if err != nil {
		return 0, services.Wrap(services.ErrSystem, stageName, "upload", "build request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, services.Wrap(services.ErrNetwork, stageName, "upload", "request failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, services.Wrap(services.ErrNetwork, stageName, "upload", "read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		marker := services.ClassifyHTTPStatus(resp.StatusCode)
		return 0, services.Wrap(marker, stageName, "upload",
			fmt.Sprintf("add-book returned status %d", resp.StatusCode), nil)
	}
	var parsed addBookResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, services.Wrap(services.ErrSystem, stageName, "upload", "decode response", err)
	}
	if parsed.ID == 0 {
		// The server answers with a null id when the book already exists.
		return 0, services.Wrap(services.ErrSystem, stageName, "upload", "server rejected book as duplicate", nil)
	}
	return parsed.ID, nil
}

// Ping checks that the content server is reachable and the library exists.
func (c *Client) Ping(ctx context.Context) error {
	const stageName = "upload"
	endpoint := fmt.Sprintf("%s/ajax/library-info", c.baseURL)
	_, err := c.get(ctx, stageName, "ping", endpoint)
	return err
}

func (c *Client) get(ctx context.Context, stageName, operation, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, services.Wrap(services.ErrSystem, stageName, operation, "build request", err)
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrNetwork, stageName, operation, "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		marker := services.ClassifyHTTPStatus(resp.StatusCode)
		return nil, services.Wrap(marker, stageName, operation,
			fmt.Sprintf("%s returned status %d", operation, resp.StatusCode), nil)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, services.Wrap(services.ErrNetwork, stageName, operation, "read response", err)
	}
	return body, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
}
