package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vidpress/internal/config"
)

const userAgent = "vidpress/0.1"

// Job summarizes a finished job for a notification.
type Job struct {
	ID             string
	Name           string
	Attempts       int
	Deduplicated   bool
	Compressed     bool
	OriginalSize   int64
	CompressedSize int64
	// Ratio is the percent saved.
	Ratio float64
	Error string
}

// Service is the notification surface used by the daemon.
type Service interface {
	NotifyJobCompleted(ctx context.Context, job Job) error
	NotifyJobFailed(ctx context.Context, job Job) error
	NotifyDaemonStarted(ctx context.Context, inbox string) error
	NotifyError(ctx context.Context, err error, context string) error
	TestNotification(ctx context.Context) error
}

// NewService builds an ntfy-backed service, or a noop when no topic is set.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	timeout := time.Duration(cfg.Notifications.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether svc delivers anything.
func Enabled(svc Service) bool {
	_, noop := svc.(noopService)
	return svc != nil && !noop
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

func (n *ntfyService) NotifyJobCompleted(ctx context.Context, job Job) error {
	name := jobName(job)
	var message string
	switch {
	case job.Deduplicated:
		message = fmt.Sprintf("♻️ Already published: %s", name)
	case job.Compressed:
		message = fmt.Sprintf("✅ Compressed: %s\n%s → %s (%.1f%% saved)", name, mb(job.OriginalSize), mb(job.CompressedSize), job.Ratio)
	default:
		message = fmt.Sprintf("✅ Published without re-encoding: %s (%s)", name, mb(job.OriginalSize))
	}
	return n.send(ctx, payload{
		title:   "vidpress - Job Complete",
		message: message,
		tags:    []string{"vidpress", "job", "completed"},
	})
}

func (n *ntfyService) NotifyJobFailed(ctx context.Context, job Job) error {
	reason := strings.TrimSpace(job.Error)
	if reason == "" {
		reason = "unknown error"
	}
	return n.send(ctx, payload{
		title:    "vidpress - Job Failed",
		message:  fmt.Sprintf("❌ %s failed after %d attempt(s)\n%s", jobName(job), job.Attempts, reason),
		tags:     []string{"vidpress", "job", "failed"},
		priority: "high",
	})
}

func (n *ntfyService) NotifyDaemonStarted(ctx context.Context, inbox string) error {
	message := "vidpress daemon started"
	if inbox = strings.TrimSpace(inbox); inbox != "" {
		message += "\nWatching " + inbox
	}
	return n.send(ctx, payload{
		title:    "vidpress - Started",
		message:  message,
		tags:     []string{"vidpress", "daemon"},
		priority: "low",
	})
}

func (n *ntfyService) NotifyError(ctx context.Context, err error, contextLabel string) error {
	var builder strings.Builder
	builder.WriteString("❌ Error")
	if contextLabel = strings.TrimSpace(contextLabel); contextLabel != "" {
		builder.WriteString(" with ")
		builder.WriteString(contextLabel)
	}
	builder.WriteString(": ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown")
	}
	return n.send(ctx, payload{
		title:    "vidpress - Error",
		message:  builder.String(),
		tags:     []string{"vidpress", "error", "alert"},
		priority: "high",
	})
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "vidpress - Test",
		message:  "🧪 Notification system test",
		tags:     []string{"vidpress", "test"},
		priority: "low",
	})
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

func jobName(job Job) string {
	if name := strings.TrimSpace(job.Name); name != "" {
		return name
	}
	return job.ID
}

func mb(bytes int64) string {
	return fmt.Sprintf("%.1f MB", float64(bytes)/(1024*1024))
}

type noopService struct{}

func (noopService) NotifyJobCompleted(context.Context, Job) error     { return nil }
func (noopService) NotifyJobFailed(context.Context, Job) error        { return nil }
func (noopService) NotifyDaemonStarted(context.Context, string) error { return nil }
func (noopService) NotifyError(context.Context, error, string) error  { return nil }
func (noopService) TestNotification(context.Context) error            { return nil }
