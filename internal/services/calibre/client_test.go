package calibre

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"bindery/internal/testsupport"
)

func libraryFixture(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := testsupport.NewConfig(t)
	cfg.Calibre.URL = server.URL
	return NewClient(cfg)
}

func TestFindExistingPrefersISBN(t *testing.T) {
	var queries []string
	client := libraryFixture(t, func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.Query().Get("query"))
		w.Write([]byte(`{"book_ids": [42], "total_num": 1}`))
	})

	id, err := client.FindExisting(context.Background(), "三体", "刘慈欣", "9787536692930")
	if err != nil {
		t.Fatalf("FindExisting: %v", err)
	}
	if id != 42 {
		t.Fatalf("id = %d, want 42", id)
	}
	if len(queries) != 1 {
		t.Fatalf("requests = %d, want 1", len(queries))
	}
	if want := `identifiers:"=isbn:9787536692930"`; queries[0] != want {
		t.Fatalf("query = %q, want %q", queries[0], want)
	}
}

func TestFindExistingFallsBackToTitleAuthor(t *testing.T) {
	var queries []string
	client := libraryFixture(t, func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("query")
		queries = append(queries, query)
		if strings.HasPrefix(query, "identifiers:") {
			w.Write([]byte(`{"book_ids": [], "total_num": 0}`))
			return
		}
		w.Write([]byte(`{"book_ids": [7], "total_num": 1}`))
	})

	id, err := client.FindExisting(context.Background(), "三体", "刘慈欣", "9787536692930")
	if err != nil {
		t.Fatalf("FindExisting: %v", err)
	}
	if id != 7 {
		t.Fatalf("id = %d, want 7", id)
	}
	if len(queries) != 2 {
		t.Fatalf("requests = %d, want identifier lookup then title lookup", len(queries))
	}
	if want := `title:"三体" and authors:"刘慈欣"`; queries[1] != want {
		t.Fatalf("fallback query = %q, want %q", queries[1], want)
	}
}

func TestFindExistingWithoutISBNQueriesTitle(t *testing.T) {
	var queries []string
	client := libraryFixture(t, func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.Query().Get("query"))
		w.Write([]byte(`{"book_ids": [], "total_num": 0}`))
	})

	id, err := client.FindExisting(context.Background(), "三体", "", "")
	if err != nil {
		t.Fatalf("FindExisting: %v", err)
	}
	if id != 0 {
		t.Fatalf("id = %d, want 0", id)
	}
	if len(queries) != 1 || queries[0] != `title:"三体"` {
		t.Fatalf("queries = %v", queries)
	}
}

func TestFindExistingNoFields(t *testing.T) {
	requests := 0
	client := libraryFixture(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte(`{"book_ids": [], "total_num": 0}`))
	})

	id, err := client.FindExisting(context.Background(), "", "", "")
	if err != nil {
		t.Fatalf("FindExisting: %v", err)
	}
	if id != 0 {
		t.Fatalf("id = %d, want 0", id)
	}
	if requests != 0 {
		t.Fatalf("requests = %d, want none without searchable fields", requests)
	}
}
