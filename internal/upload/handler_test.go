package upload

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"bindery/internal/queue"
	"bindery/internal/services"
	"bindery/internal/testsupport"
)

func uploadFixture(t *testing.T, handler http.HandlerFunc) *Handler {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := testsupport.NewConfig(t)
	cfg.Calibre.URL = server.URL
	return NewHandler(cfg)
}

func TestProcessUploadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "book.epub")
	testsupport.WriteFile(t, path, 4096)

	var gotPath string
	handler := uploadFixture(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"id": 42, "title": "A Book"}`))
	})

	book := &queue.Book{ID: 1, Status: queue.StatusUploadQueued, FilePath: path}
	result, err := handler.Process(context.Background(), book)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !result.Success {
		t.Fatal("expected success")
	}
	if book.CalibreID != 42 {
		t.Fatalf("calibre id = %d, want 42", book.CalibreID)
	}
	if !strings.Contains(gotPath, "/cdb/add-book/") || !strings.Contains(gotPath, "book.epub") {
		t.Fatalf("request path = %q", gotPath)
	}
}

func TestProcessMissingFileIsPermanent(t *testing.T) {
	handler := uploadFixture(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server must not be called for a missing file")
	})

	book := &queue.Book{ID: 1, Status: queue.StatusUploadQueued, FilePath: "/nonexistent/book.epub"}
	_, err := handler.Process(context.Background(), book)
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	if services.Classify(err).Retryable {
		t.Fatal("missing file must not be retryable")
	}
}

func TestProcessDuplicateRejection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dup.epub")
	testsupport.WriteFile(t, path, 1)

	handler := uploadFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": null}`))
	})

	book := &queue.Book{ID: 1, Status: queue.StatusUploadQueued, FilePath: path}
	_, err := handler.Process(context.Background(), book)
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("err = %v, want duplicate rejection", err)
	}
}

func TestNextStatus(t *testing.T) {
	handler := &Handler{}
	if got := handler.NextStatus(true); got != queue.StatusUploadComplete {
		t.Fatalf("NextStatus(true) = %s", got)
	}
	if got := handler.NextStatus(false); got != queue.StatusFailedPermanent {
		t.Fatalf("NextStatus(false) = %s", got)
	}
}

func TestCanProcess(t *testing.T) {
	handler := &Handler{}
	eligible := []queue.Status{queue.StatusDownloadComplete, queue.StatusUploadQueued, queue.StatusUploadActive}
	for _, status := range eligible {
		if !handler.CanProcess(&queue.Book{Status: status}) {
			t.Errorf("CanProcess(%s) = false, want true", status)
		}
	}
	if handler.CanProcess(&queue.Book{Status: queue.StatusNew}) {
		t.Error("CanProcess(new) = true, want false")
	}
	if handler.CanProcess(nil) {
		t.Error("CanProcess(nil) = true, want false")
	}
}
