package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestClassifyMarkers(t *testing.T) {
	cases := []struct {
		marker    error
		category  Category
		retryable bool
	}{
		{ErrNetwork, CategoryNetwork, true},
		{ErrAuth, CategoryAuth, false},
		{ErrNotFound, CategoryNotFound, false},
		{ErrQuotaExhausted, CategoryQuotaExhausted, false},
		{ErrStatusMismatch, CategoryStatusMismatch, true},
		{ErrSystem, CategorySystem, true},
	}
	for _, tc := range cases {
		cls := Classify(tc.marker)
		if cls.Category != tc.category {
			t.Errorf("Classify(%v).Category = %s, want %s", tc.marker, cls.Category, tc.category)
		}
		if cls.Retryable != tc.retryable {
			t.Errorf("Classify(%v).Retryable = %v, want %v", tc.marker, cls.Retryable, tc.retryable)
		}
	}
}

func TestClassifySurvivesWrapping(t *testing.T) {
	err := Wrap(ErrAuth, "search", "login", "session rejected", errors.New("401"))
	err = fmt.Errorf("outer: %w", err)

	cls := Classify(err)
	if cls.Category != CategoryAuth {
		t.Fatalf("category = %s, want auth", cls.Category)
	}
	if cls.Retryable {
		t.Fatal("auth errors must not be retryable")
	}
	if !errors.Is(err, ErrAuth) {
		t.Fatal("errors.Is should find the marker through wrapping")
	}
}

func TestClassifyUnknownError(t *testing.T) {
	cls := Classify(errors.New("disk exploded"))
	if cls.Category != CategorySystem {
		t.Fatalf("category = %s, want system", cls.Category)
	}
	if !cls.Retryable {
		t.Fatal("unknown errors default to retryable")
	}
}

func TestClassifyContextDeadline(t *testing.T) {
	cls := Classify(fmt.Errorf("fetch: %w", context.DeadlineExceeded))
	if cls.Category != CategoryNetwork {
		t.Fatalf("category = %s, want network", cls.Category)
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	cases := map[int]error{
		http.StatusUnauthorized:        ErrAuth,
		http.StatusForbidden:           ErrAuth,
		http.StatusNotFound:            ErrNotFound,
		http.StatusTooManyRequests:     ErrQuotaExhausted,
		http.StatusInternalServerError: ErrNetwork,
		http.StatusBadGateway:          ErrNetwork,
	}
	for status, want := range cases {
		if got := ClassifyHTTPStatus(status); !errors.Is(got, want) {
			t.Errorf("ClassifyHTTPStatus(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestWrapMessage(t *testing.T) {
	err := Wrap(ErrNetwork, "download", "stream file", "connection dropped", errors.New("broken pipe"))
	text := err.Error()
	for _, fragment := range []string{"download", "stream file", "connection dropped", "broken pipe"} {
		if !strings.Contains(text, fragment) {
			t.Errorf("error text %q missing %q", text, fragment)
		}
	}
}
