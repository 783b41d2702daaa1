package queue

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a book moving through the pipeline.
type Status string

const (
	StatusNew              Status = "new"
	StatusDetailFetching   Status = "detail_fetching"
	StatusDetailComplete   Status = "detail_complete"
	StatusSearchQueued     Status = "search_queued"
	StatusSearchActive     Status = "search_active"
	StatusSearchComplete   Status = "search_complete"
	StatusSearchNoResults  Status = "search_no_results"
	StatusSkippedExists    Status = "skipped_exists"
	StatusDownloadQueued   Status = "download_queued"
	StatusDownloadActive   Status = "download_active"
	StatusDownloadComplete Status = "download_complete"
	StatusDownloadFailed   Status = "download_failed"
	StatusUploadQueued     Status = "upload_queued"
	StatusUploadActive     Status = "upload_active"
	StatusUploadComplete   Status = "upload_complete"
	StatusUploadFailed     Status = "upload_failed"
	StatusCompleted        Status = "completed"
	StatusFailedPermanent  Status = "failed_permanent"
)

var allStatuses = []Status{
	StatusNew,
	StatusDetailFetching,
	StatusDetailComplete,
	StatusSearchQueued,
	StatusSearchActive,
	StatusSearchComplete,
	StatusSearchNoResults,
	StatusSkippedExists,
	StatusDownloadQueued,
	StatusDownloadActive,
	StatusDownloadComplete,
	StatusDownloadFailed,
	StatusUploadQueued,
	StatusUploadActive,
	StatusUploadComplete,
	StatusUploadFailed,
	StatusCompleted,
	StatusFailedPermanent,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// legalTransitions enumerates the edges a status may move along. Transitions
// not listed here are flagged when written (eligibility enforcement happens
// at read time, before a stage runs).
var legalTransitions = map[Status][]Status{
	StatusNew:              {StatusDetailFetching, StatusFailedPermanent},
	StatusDetailFetching:   {StatusDetailComplete, StatusNew, StatusFailedPermanent},
	StatusDetailComplete:   {StatusSearchQueued, StatusSearchActive, StatusFailedPermanent},
	StatusSearchQueued:     {StatusSearchActive, StatusFailedPermanent},
	StatusSearchActive:     {StatusSearchComplete, StatusSearchNoResults, StatusSkippedExists, StatusSearchQueued, StatusFailedPermanent},
	StatusSearchComplete:   {StatusDownloadQueued, StatusDownloadActive, StatusFailedPermanent},
	StatusSearchNoResults:  {StatusSearchQueued, StatusFailedPermanent},
	StatusSkippedExists:    {StatusCompleted},
	StatusDownloadQueued:   {StatusDownloadActive, StatusDownloadFailed, StatusFailedPermanent},
	StatusDownloadActive:   {StatusDownloadComplete, StatusDownloadFailed, StatusDownloadQueued, StatusFailedPermanent},
	StatusDownloadFailed:   {StatusDownloadQueued, StatusFailedPermanent},
	StatusDownloadComplete: {StatusUploadQueued, StatusUploadActive, StatusFailedPermanent},
	StatusUploadQueued:     {StatusUploadActive, StatusUploadFailed, StatusFailedPermanent},
	StatusUploadActive:     {StatusUploadComplete, StatusUploadFailed, StatusUploadQueued, StatusFailedPermanent},
	StatusUploadFailed:     {StatusUploadQueued, StatusFailedPermanent},
	StatusUploadComplete:   {StatusCompleted},
	StatusCompleted:        {},
	StatusFailedPermanent:  {StatusNew},
}

// IsLegalTransition reports whether moving from one status to another follows
// a known edge.
func IsLegalTransition(from, to Status) bool {
	for _, candidate := range legalTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Stage names one phase of the acquisition pipeline.
type Stage string

const (
	StageCollect  Stage = "data_collection"
	StageSearch   Stage = "search"
	StageDownload Stage = "download"
	StageUpload   Stage = "upload"
)

// AllStages returns the pipeline stages in processing order.
func AllStages() []Stage {
	return []Stage{StageCollect, StageSearch, StageDownload, StageUpload}
}

// ParseStage converts a string into a known Stage.
func ParseStage(value string) (Stage, bool) {
	normalized := Stage(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case StageCollect, StageSearch, StageDownload, StageUpload:
		return normalized, true
	}
	return "", false
}

// stageEligible lists the statuses a stage accepts as its entry condition.
// The active sub-state is included so interrupted work can be picked up again.
var stageEligible = map[Stage][]Status{
	StageCollect:  {StatusNew, StatusDetailFetching},
	StageSearch:   {StatusDetailComplete, StatusSearchQueued, StatusSearchActive},
	StageDownload: {StatusDownloadQueued, StatusDownloadActive},
	StageUpload:   {StatusDownloadComplete, StatusUploadQueued, StatusUploadActive},
}

// EligibleStatuses returns the accepted predecessor statuses for a stage.
func EligibleStatuses(stage Stage) []Status {
	src := stageEligible[stage]
	cp := make([]Status, len(src))
	copy(cp, src)
	return cp
}

// IsEligibleForStage reports whether a status satisfies a stage's entry condition.
func IsEligibleForStage(status Status, stage Stage) bool {
	for _, candidate := range stageEligible[stage] {
		if candidate == status {
			return true
		}
	}
	return false
}

var stageActive = map[Stage]Status{
	StageCollect:  StatusDetailFetching,
	StageSearch:   StatusSearchActive,
	StageDownload: StatusDownloadActive,
	StageUpload:   StatusUploadActive,
}

var stageQueued = map[Stage]Status{
	StageCollect:  StatusNew,
	StageSearch:   StatusSearchQueued,
	StageDownload: StatusDownloadQueued,
	StageUpload:   StatusUploadQueued,
}

// ActiveStatus returns the in-flight sub-state for a stage.
func ActiveStatus(stage Stage) Status { return stageActive[stage] }

// QueuedStatus returns the waiting sub-state a stage falls back to on a
// retryable failure or a stuck reset.
func QueuedStatus(stage Stage) Status { return stageQueued[stage] }

// stageFailed maps the stages that record retry exhaustion on the book
// itself. Collection and search failures rest in their queued status
// instead.
var stageFailed = map[Stage]Status{
	StageDownload: StatusDownloadFailed,
	StageUpload:   StatusUploadFailed,
}

// FailedStatus returns the stage's resting failure status, when it has one.
func FailedStatus(stage Stage) (Status, bool) {
	status, ok := stageFailed[stage]
	return status, ok
}

// activeReset maps each active sub-state back to its queued sub-state. Used
// by the stuck sweep and crash recovery.
var activeReset = map[Status]Status{
	StatusDetailFetching: StatusNew,
	StatusSearchActive:   StatusSearchQueued,
	StatusDownloadActive: StatusDownloadQueued,
	StatusUploadActive:   StatusUploadQueued,
}

// ResetTarget returns the queued sub-state an abandoned active status reverts to.
func ResetTarget(status Status) (Status, bool) {
	target, ok := activeReset[status]
	return target, ok
}

// ActiveStatuses returns the in-flight sub-states across all stages.
func ActiveStatuses() []Status {
	return []Status{StatusDetailFetching, StatusSearchActive, StatusDownloadActive, StatusUploadActive}
}

// nextStageAfter maps a stage's successful terminal status to the stage that
// should run next.
var nextStageAfter = map[Status]Stage{
	StatusDetailComplete:   StageSearch,
	StatusSearchComplete:   StageDownload,
	StatusDownloadComplete: StageUpload,
}

// NextStageFor returns the follow-up stage triggered by a completion status.
func NextStageFor(status Status) (Stage, bool) {
	stage, ok := nextStageAfter[status]
	return stage, ok
}

// IsTerminal reports whether a status ends pipeline progress for a book.
func IsTerminal(status Status) bool {
	switch status {
	case StatusCompleted, StatusFailedPermanent, StatusSearchNoResults, StatusSkippedExists:
		return true
	}
	return false
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// Book represents a pipeline record persisted in SQLite.
type Book struct {
	ID           int64
	DoubanID     string
	Title        string
	Author       string
	Publisher    string
	PublishDate  string
	ISBN         string
	Status       Status
	ErrorMessage string
	RetryCount   int
	FilePath     string
	FileFormat   string
	CalibreID    int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsActive reports whether the book sits in an in-flight sub-state.
func (b Book) IsActive() bool {
	_, ok := activeReset[b.Status]
	return ok
}

// HistoryEntry is one append-only record of a status transition.
type HistoryEntry struct {
	ID           int64
	BookID       int64
	FromStatus   Status
	ToStatus     Status
	Reason       string
	ErrorText    string
	ProcessingMS int64
	RetryCount   int
	CreatedAt    time.Time
}

// TaskStatus tracks the lifecycle of a scheduled task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// TaskPriority orders tasks that become due at the same time.
type TaskPriority int

const (
	PriorityLow    TaskPriority = 1
	PriorityNormal TaskPriority = 5
	PriorityHigh   TaskPriority = 10
	PriorityUrgent TaskPriority = 20
)

// Task is a durable record of "run stage X for book Y at or after time T".
type Task struct {
	ID           string
	BookID       int64
	Stage        Stage
	Status       TaskStatus
	Priority     TaskPriority
	RetryCount   int
	MaxRetries   int
	Payload      string
	NextRunAt    time.Time
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
}

// SearchCandidate is a catalog hit persisted during the search stage.
type SearchCandidate struct {
	ID         int64
	BookID     int64
	CatalogID  string
	Title      string
	Authors    string
	Publisher  string
	Format     string
	SizeBytes  int64
	MatchScore float64
	RawJSON    string
	CreatedAt  time.Time
}

// DownloadEntry records the selected candidate for a book along with its
// computed download priority.
type DownloadEntry struct {
	ID          int64
	BookID      int64
	CandidateID int64
	Priority    int
	CreatedAt   time.Time
}

// StatusCounts aggregates books per status for monitoring and CLI output.
type StatusCounts map[Status]int

// Backlog sums the books waiting in a queued sub-state.
func (c StatusCounts) Backlog() int {
	return c[StatusNew] + c[StatusSearchQueued] + c[StatusDownloadQueued] + c[StatusUploadQueued]
}
