package ipc

// Request and response payloads for the daemon control socket. Every method
// keeps a dedicated pair so the wire contract can grow per-call without
// breaking older clients.

type StatusRequest struct{}

type StatusResponse struct {
	Running       bool              `json:"running"`
	Database      string            `json:"database"`
	StatusCounts  map[string]int    `json:"status_counts"`
	TaskCounts    map[string]int    `json:"task_counts"`
	PausedStages  map[string]string `json:"paused_stages"`
	Backlog       int               `json:"backlog"`
	ErrorRate     float64           `json:"error_rate"`
	CompletedHour int               `json:"completed_last_hour"`
}

type SyncRequest struct{}

type SyncResponse struct {
	Added int `json:"added"`
}

type PauseRequest struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

type PauseResponse struct {
	Stage string `json:"stage"`
}

type ResumeRequest struct {
	Stage string `json:"stage"`
}

type ResumeResponse struct {
	Stage    string `json:"stage"`
	Requeued int    `json:"requeued"`
}

type RetryRequest struct {
	BookIDs []int64 `json:"book_ids"`
}

type RetryResponse struct {
	Retried int     `json:"retried"`
	Skipped []int64 `json:"skipped"`
}

type ClearCompletedRequest struct{}

type ClearCompletedResponse struct {
	Removed int64 `json:"removed"`
}

type TestNotificationRequest struct{}

type TestNotificationResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}
