package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bindery/internal/config"
)

const userAgent = "Bindery/0.1.0"

// Service defines the notification surface exposed to pipeline components.
// Implementations are fire-and-forget: failures are returned for logging but
// must never block pipeline progress.
type Service interface {
	NotifyBookCompleted(ctx context.Context, title string) error
	NotifyBookFailed(ctx context.Context, title, reason string) error
	NotifyStagePaused(ctx context.Context, stage, reason string) error
	NotifyStageResumed(ctx context.Context, stage string) error
	NotifySyncCompleted(ctx context.Context, added int) error
	NotifyAlert(ctx context.Context, name, severity, message string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := secondsOrDefault(cfg.Notifications.RequestTimeout, 10)

	client := &http.Client{Timeout: timeout}
	return &ntfyService{
		endpoint: topic,
		client:   client,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyBookCompleted(ctx context.Context, title string) error {
	title = strings.TrimSpace(title)
	data := payload{
		title:    "Bindery - Complete",
		message:  fmt.Sprintf("📚 Added to library: %s", title),
		tags:     []string{"bindery", "book", "completed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyBookFailed(ctx context.Context, title, reason string) error {
	title = strings.TrimSpace(title)
	message := fmt.Sprintf("❌ Failed: %s", title)
	if reason = strings.TrimSpace(reason); reason != "" {
		message = fmt.Sprintf("%s\n%s", message, reason)
	}
	data := payload{
		title:    "Bindery - Failed",
		message:  message,
		tags:     []string{"bindery", "book", "failed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyStagePaused(ctx context.Context, stage, reason string) error {
	stage = strings.TrimSpace(stage)
	message := fmt.Sprintf("⏸️ Stage paused: %s", stage)
	if reason = strings.TrimSpace(reason); reason != "" {
		message = fmt.Sprintf("%s (%s)", message, reason)
	}
	data := payload{
		title:    "Bindery - Stage Paused",
		message:  message,
		tags:     []string{"bindery", "stage", "paused"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyStageResumed(ctx context.Context, stage string) error {
	data := payload{
		title:   "Bindery - Stage Resumed",
		message: fmt.Sprintf("▶️ Stage resumed: %s", strings.TrimSpace(stage)),
		tags:    []string{"bindery", "stage", "resumed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifySyncCompleted(ctx context.Context, added int) error {
	data := payload{
		title:   "Bindery - Sync Complete",
		message: fmt.Sprintf("Wishlist sync added %d new books", added),
		tags:    []string{"bindery", "sync", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyAlert(ctx context.Context, name, severity, message string) error {
	priority := "default"
	if strings.EqualFold(severity, "critical") {
		priority = "high"
	}
	data := payload{
		title:    fmt.Sprintf("Bindery - Alert (%s)", strings.TrimSpace(severity)),
		message:  fmt.Sprintf("%s: %s", strings.TrimSpace(name), strings.TrimSpace(message)),
		tags:     []string{"bindery", "alert", strings.ToLower(strings.TrimSpace(severity))},
		priority: priority,
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Bindery - Test",
		message:  "🧪 Notification system test",
		tags:     []string{"bindery", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func secondsOrDefault(value int, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}

type noopService struct{}

func (noopService) NotifyBookCompleted(context.Context, string) error         { return nil }
func (noopService) NotifyBookFailed(context.Context, string, string) error    { return nil }
func (noopService) NotifyStagePaused(context.Context, string, string) error   { return nil }
func (noopService) NotifyStageResumed(context.Context, string) error          { return nil }
func (noopService) NotifySyncCompleted(context.Context, int) error            { return nil }
func (noopService) NotifyAlert(context.Context, string, string, string) error { return nil }
func (noopService) TestNotification(context.Context) error                    { return nil }
