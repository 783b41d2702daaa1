package queue

import "testing"

func TestLegalTransitions(t *testing.T) {
	legal := []struct {
		from, to Status
	}{
		{StatusNew, StatusDetailFetching},
		{StatusDetailFetching, StatusDetailComplete},
		{StatusDetailComplete, StatusSearchQueued},
		{StatusSearchQueued, StatusSearchActive},
		{StatusSearchActive, StatusSearchComplete},
		{StatusSearchActive, StatusSearchNoResults},
		{StatusSearchActive, StatusSkippedExists},
		{StatusSearchComplete, StatusDownloadQueued},
		{StatusDownloadQueued, StatusDownloadActive},
		{StatusDownloadActive, StatusDownloadComplete},
		{StatusDownloadComplete, StatusUploadQueued},
		{StatusUploadQueued, StatusUploadActive},
		{StatusUploadActive, StatusUploadComplete},
		{StatusUploadComplete, StatusCompleted},
		{StatusFailedPermanent, StatusNew},
	}
	for _, tc := range legal {
		if !IsLegalTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be legal", tc.from, tc.to)
		}
	}

	illegal := []struct {
		from, to Status
	}{
		{StatusNew, StatusSearchActive},
		{StatusNew, StatusCompleted},
		{StatusCompleted, StatusNew},
		{StatusSkippedExists, StatusSearchQueued},
		{StatusDetailComplete, StatusDownloadQueued},
	}
	for _, tc := range illegal {
		if IsLegalTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be illegal", tc.from, tc.to)
		}
	}
}

func TestStageEligibility(t *testing.T) {
	cases := []struct {
		stage    Stage
		status   Status
		eligible bool
	}{
		{StageCollect, StatusNew, true},
		{StageCollect, StatusDetailFetching, true},
		{StageCollect, StatusDetailComplete, false},
		{StageSearch, StatusDetailComplete, true},
		{StageSearch, StatusSearchQueued, true},
		{StageSearch, StatusSearchActive, true},
		{StageSearch, StatusNew, false},
		{StageDownload, StatusDownloadQueued, true},
		{StageDownload, StatusDownloadActive, true},
		{StageDownload, StatusSearchComplete, false},
		{StageUpload, StatusDownloadComplete, true},
		{StageUpload, StatusUploadQueued, true},
		{StageUpload, StatusUploadActive, true},
		{StageUpload, StatusCompleted, false},
	}
	for _, tc := range cases {
		if got := IsEligibleForStage(tc.status, tc.stage); got != tc.eligible {
			t.Errorf("IsEligibleForStage(%s, %s) = %v, want %v", tc.status, tc.stage, got, tc.eligible)
		}
	}
}

func TestResetTarget(t *testing.T) {
	cases := map[Status]Status{
		StatusDetailFetching: StatusNew,
		StatusSearchActive:   StatusSearchQueued,
		StatusDownloadActive: StatusDownloadQueued,
		StatusUploadActive:   StatusUploadQueued,
	}
	for active, want := range cases {
		got, ok := ResetTarget(active)
		if !ok || got != want {
			t.Errorf("ResetTarget(%s) = %s, %v; want %s", active, got, ok, want)
		}
	}
	if _, ok := ResetTarget(StatusNew); ok {
		t.Error("ResetTarget(new) should not resolve")
	}
}

func TestNextStageFor(t *testing.T) {
	cases := map[Status]Stage{
		StatusDetailComplete:   StageSearch,
		StatusSearchComplete:   StageDownload,
		StatusDownloadComplete: StageUpload,
	}
	for status, want := range cases {
		if got := NextStageFor(status); got != want {
			t.Errorf("NextStageFor(%s) = %s, want %s", status, got, want)
		}
	}
	if got := NextStageFor(StatusUploadComplete); got != "" {
		t.Errorf("NextStageFor(upload_complete) = %q, want empty", got)
	}
	if got := NextStageFor(StatusSearchNoResults); got != "" {
		t.Errorf("NextStageFor(search_no_results) = %q, want empty", got)
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailedPermanent, StatusSearchNoResults, StatusSkippedExists}
	for _, status := range terminal {
		if !IsTerminal(status) {
			t.Errorf("expected %s to be terminal", status)
		}
	}
	for _, status := range []Status{StatusNew, StatusSearchActive, StatusUploadComplete} {
		if IsTerminal(status) {
			t.Errorf("expected %s to be non-terminal", status)
		}
	}
}

func TestStatusCountsBacklog(t *testing.T) {
	counts := StatusCounts{
		StatusNew:            3,
		StatusSearchQueued:   2,
		StatusDownloadQueued: 1,
		StatusUploadQueued:   4,
		StatusCompleted:      9,
		StatusSearchActive:   5,
	}
	if got := counts.Backlog(); got != 10 {
		t.Fatalf("Backlog() = %d, want 10", got)
	}
}

func TestParseStatusAndStage(t *testing.T) {
	if status, ok := ParseStatus("search_queued"); !ok || status != StatusSearchQueued {
		t.Fatalf("ParseStatus(search_queued) = %s, %v", status, ok)
	}
	if _, ok := ParseStatus("bogus"); ok {
		t.Fatal("ParseStatus(bogus) should fail")
	}
	if stage, ok := ParseStage("data_collection"); !ok || stage != StageCollect {
		t.Fatalf("ParseStage(data_collection) = %s, %v", stage, ok)
	}
	if _, ok := ParseStage("ripping"); ok {
		t.Fatal("ParseStage(ripping) should fail")
	}
}
