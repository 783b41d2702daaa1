package search

import (
	"testing"

	"bindery/internal/queue"
)

func cand(score float64, format string) *queue.SearchCandidate {
	return &queue.SearchCandidate{MatchScore: score, Format: format}
}

func TestSelectCandidateFormatPreferenceWithinBand(t *testing.T) {
	preferred := []string{"epub", "mobi", "pdf"}
	candidates := []*queue.SearchCandidate{
		cand(0.95, "pdf"),
		cand(0.90, "epub"),
	}
	got := selectCandidate(candidates, preferred)
	if got == nil || got.Format != "epub" {
		t.Fatalf("within the score band the preferred format should win, got %+v", got)
	}
}

func TestSelectCandidateScoreWinsOutsideBand(t *testing.T) {
	preferred := []string{"epub", "mobi", "pdf"}
	candidates := []*queue.SearchCandidate{
		cand(0.95, "pdf"),
		cand(0.80, "epub"),
	}
	got := selectCandidate(candidates, preferred)
	if got == nil || got.Format != "pdf" {
		t.Fatalf("outside the score band the top score should win, got %+v", got)
	}
}

func TestSelectCandidateUnlistedFormatLoses(t *testing.T) {
	preferred := []string{"epub"}
	candidates := []*queue.SearchCandidate{
		cand(0.95, "djvu"),
		cand(0.92, "epub"),
	}
	got := selectCandidate(candidates, preferred)
	if got == nil || got.Format != "epub" {
		t.Fatalf("listed format should outrank unlisted within the band, got %+v", got)
	}
}

func TestSelectCandidateEmpty(t *testing.T) {
	if got := selectCandidate(nil, []string{"epub"}); got != nil {
		t.Fatalf("expected nil for empty candidate list, got %+v", got)
	}
}

func TestDownloadPriority(t *testing.T) {
	cases := []struct {
		score  float64
		format string
		want   int
	}{
		{0.95, "epub", 115},
		{0.95, "pdf", 100},
		{0.80, "djvu", 80},
		{1.0, "epub", 120},
	}
	for _, tc := range cases {
		if got := downloadPriority(tc.score, tc.format); got != tc.want {
			t.Errorf("downloadPriority(%v, %q) = %d, want %d", tc.score, tc.format, got, tc.want)
		}
	}
}

func TestQueryTiers(t *testing.T) {
	book := &queue.Book{
		Title:     "三体",
		Author:    "刘慈欣",
		Publisher: "重庆出版社",
		ISBN:      "9787536692930",
	}
	tiers := queryTiers(book)
	want := []string{
		"9787536692930",
		"三体 刘慈欣 重庆出版社",
		"三体 刘慈欣",
		"三体",
	}
	if len(tiers) != len(want) {
		t.Fatalf("got %d tiers %v, want %d", len(tiers), tiers, len(want))
	}
	for i := range want {
		if tiers[i] != want[i] {
			t.Errorf("tier %d = %q, want %q", i, tiers[i], want[i])
		}
	}

	sparse := &queue.Book{Title: "Dune"}
	tiers = queryTiers(sparse)
	if len(tiers) != 1 || tiers[0] != "Dune" {
		t.Fatalf("sparse book should yield title-only tier, got %v", tiers)
	}
}
