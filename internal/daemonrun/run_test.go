package daemonrun

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"vidpress/internal/config"
	"vidpress/internal/logging"
	"vidpress/internal/notifications"
	"vidpress/internal/scheduler"
	"vidpress/internal/testsupport"
)

func TestBuildWiresRuntime(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	rt, err := Build(context.Background(), cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })

	if rt.Engine.Name() != config.EngineFFmpeg {
		t.Fatalf("engine = %q", rt.Engine.Name())
	}
	if rt.Store.Root() != cfg.Storage.ObjectDir {
		t.Fatalf("store root = %q", rt.Store.Root())
	}
	if err := rt.Scheduler.Start(context.Background()); err != nil {
		t.Fatalf("scheduler start: %v", err)
	}
	if got := rt.Scheduler.Stats().ConcurrencyCeiling; got != cfg.Scheduler.Concurrency {
		t.Fatalf("ceiling = %d", got)
	}
}

func TestBuildRejectsUnknownEngine(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithEngine("handbrake"))
	if _, err := Build(context.Background(), cfg, logging.NewNop()); err == nil {
		t.Fatal("expected unknown engine error")
	}
}

func TestEnsureCurrentLogPointer(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "vidpress-1.log")
	if err := os.WriteFile(target, []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ensureCurrentLogPointer(dir, target); err != nil {
		t.Fatalf("first pointer: %v", err)
	}
	next := filepath.Join(dir, "vidpress-2.log")
	if err := os.WriteFile(next, []byte("two"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ensureCurrentLogPointer(dir, next); err != nil {
		t.Fatalf("second pointer: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "vidpress.log"))
	if err != nil {
		t.Fatalf("read pointer: %v", err)
	}
	if string(data) != "two" {
		t.Fatalf("pointer resolves to %q", data)
	}
}

func TestWritePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vidpress.pid")
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("pid file = %q", data)
	}
}

func TestJobNotifierSendsFailuresOnly(t *testing.T) {
	bodies := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies <- string(body)
	}))
	t.Cleanup(srv.Close)

	cfg := testsupport.NewConfig(t)
	cfg.Notifications.NtfyTopic = srv.URL
	notify := jobNotifier(cfg, notifications.NewService(cfg), logging.NewNop())

	notify(scheduler.JobSnapshot{ID: "ok", DisplayName: "fine", Status: scheduler.StatusCompleted, Result: &scheduler.JobResult{}})
	notify(scheduler.JobSnapshot{ID: "bad", DisplayName: "broken clip", Status: scheduler.StatusFailed, Attempts: 3, Error: "engine failed"})

	select {
	case body := <-bodies:
		if !strings.Contains(body, "broken clip failed after 3 attempt(s)") {
			t.Fatalf("unexpected notification body %q", body)
		}
	default:
		t.Fatal("expected a failure notification")
	}
	select {
	case body := <-bodies:
		t.Fatalf("completion should not notify without notify_completions: %q", body)
	default:
	}
}

func TestBuildLeavesHookUnsetWithoutTopic(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	rt, err := Build(context.Background(), cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	if notifications.Enabled(rt.Notifier) {
		t.Fatal("notifier should be a noop without a topic")
	}
}
