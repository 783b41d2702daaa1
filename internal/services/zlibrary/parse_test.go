package zlibrary

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
)

func mustDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatalf("parse html: %v", err)
	}
	return doc
}

const searchPageHTML = `
<div id="searchResultBox">
  <div class="resItemBox" id="12345">
    <h3><a href="/book/12345/abcdef">The Three-Body Problem</a></h3>
    <div class="authors"><a href="/author/liu">Liu Cixin</a></div>
    <div class="publisher">Tor Books</div>
    <div class="property__file">
      <div class="property_label">File:</div>
      <div class="property_value">EPUB, 2.4 MB</div>
    </div>
  </div>
  <div class="resItemBox" id="67890">
    <h3><a href="https://mirror.example/book/67890/xyz">Another Title</a></h3>
    <div class="property__file">
      <div class="property_value">PDF</div>
    </div>
  </div>
  <div class="resItemBox">
    <h3><a href="/help">no id, no book path</a></h3>
  </div>
</div>`

func TestParseSearchPage(t *testing.T) {
	hits := parseSearchPage("https://mirror.example", mustDoc(t, searchPageHTML))
	if len(hits) != 3 {
		t.Fatalf("hits = %d (%+v), want 3", len(hits), hits)
	}

	first := hits[0]
	if first.CatalogID != "12345" {
		t.Errorf("catalog id = %q", first.CatalogID)
	}
	if first.Title != "The Three-Body Problem" || first.Author != "Liu Cixin" || first.Publisher != "Tor Books" {
		t.Errorf("first hit = %+v", first)
	}
	if first.Format != "epub" || first.FileSize != "2.4 MB" {
		t.Errorf("format/size = %q/%q", first.Format, first.FileSize)
	}
	if first.PageURL != "https://mirror.example/book/12345/abcdef" {
		t.Errorf("page url = %q", first.PageURL)
	}

	// Absolute link kept as-is; property line without a size still yields
	// the format.
	second := hits[1]
	if second.PageURL != "https://mirror.example/book/67890/xyz" {
		t.Errorf("second page url = %q", second.PageURL)
	}
	if second.Format != "pdf" || second.FileSize != "" {
		t.Errorf("second format/size = %q/%q", second.Format, second.FileSize)
	}
}

func TestParseSearchPageBookcard(t *testing.T) {
	html := `
<z-bookcard id="555" href="/book/555/slug" extension="EPUB" filesize="1.1 MB">
  <div slot="title">Card Title</div>
  <div slot="author">Card Author</div>
</z-bookcard>`
	hits := parseSearchPage("https://mirror.example", mustDoc(t, html))
	if len(hits) != 1 {
		t.Fatalf("hits = %+v, want one", hits)
	}
	hit := hits[0]
	if hit.CatalogID != "555" || hit.Title != "Card Title" || hit.Author != "Card Author" {
		t.Fatalf("hit = %+v", hit)
	}
	if hit.Format != "epub" || hit.FileSize != "1.1 MB" {
		t.Fatalf("format/size = %q/%q", hit.Format, hit.FileSize)
	}
	if hit.PageURL != "https://mirror.example/book/555/slug" {
		t.Fatalf("page url = %q", hit.PageURL)
	}
}

func TestParseSearchPageSkipsTitleless(t *testing.T) {
	hits := parseSearchPage("https://mirror.example", mustDoc(t, `<div class="resItemBox" id="1"></div>`))
	if len(hits) != 0 {
		t.Fatalf("hits = %+v, want none", hits)
	}
}

func TestCatalogIDFromPath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/book/12345/slug", "12345"},
		{"https://mirror.example/book/42/x", "42"},
		{"/help", "help"},
	}
	for _, tc := range cases {
		if got := catalogIDFromPath(tc.in); got != tc.want {
			t.Errorf("catalogIDFromPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestAbsoluteURL(t *testing.T) {
	if got := absoluteURL("https://m.example", "/dl/1"); got != "https://m.example/dl/1" {
		t.Errorf("relative: %q", got)
	}
	if got := absoluteURL("https://m.example", "https://other.example/dl/1"); got != "https://other.example/dl/1" {
		t.Errorf("absolute: %q", got)
	}
}
