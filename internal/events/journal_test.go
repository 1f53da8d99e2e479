package events_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vardaSoft/antfarm/internal/bus"
	"github.com/vardaSoft/antfarm/internal/events"
)

func newTestJournal(t *testing.T) (*events.Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	return events.NewJournal(events.Config{Path: path}), path
}

func TestEmitAndReadBack(t *testing.T) {
	j, _ := newTestJournal(t)
	ctx := context.Background()

	j.Emit(ctx, events.Event{Event: events.RunStarted, RunID: "run-aaa"}, "")
	j.Emit(ctx, events.Event{Event: events.StepDone, RunID: "run-aaa", StepID: "echo"}, "")
	j.Emit(ctx, events.Event{Event: events.RunStarted, RunID: "run-bbb"}, "")

	recent, err := j.Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 events, got %d", len(recent))
	}
	if recent[0].Event != events.RunStarted || recent[2].RunID != "run-bbb" {
		t.Fatalf("unexpected order: %+v", recent)
	}

	// Prefix match on run id.
	byRun, err := j.ByRun("run-a", 10)
	if err != nil {
		t.Fatalf("by run: %v", err)
	}
	if len(byRun) != 2 {
		t.Fatalf("expected 2 events for run-a prefix, got %d", len(byRun))
	}
	for _, ev := range byRun {
		if ev.RunID != "run-aaa" {
			t.Fatalf("unexpected run id %s", ev.RunID)
		}
	}
}

func TestRecentHonoursLimit(t *testing.T) {
	j, _ := newTestJournal(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		j.Emit(ctx, events.Event{Event: events.StepPending, RunID: "run-1", Detail: string(rune('a' + i))}, "")
	}
	recent, err := j.Recent(3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 events, got %d", len(recent))
	}
	if recent[2].Detail != "j" {
		t.Fatalf("expected newest event last, got %q", recent[2].Detail)
	}
}

func TestRotationKeepsOneBackup(t *testing.T) {
	j, path := newTestJournal(t)
	ctx := context.Background()

	// Pre-fill the journal past the rotation threshold.
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	line := `{"ts":"2026-05-01T00:00:00Z","event":"step.done","run_id":"run-old"}` + "\n"
	var b strings.Builder
	for b.Len() < 10<<20 {
		b.WriteString(line)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("prefill journal: %v", err)
	}

	j.Emit(ctx, events.Event{Event: events.RunStarted, RunID: "run-new"}, "")

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected rotated backup: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat journal: %v", err)
	}
	if info.Size() > 1024 {
		t.Fatalf("expected fresh journal after rotation, got %d bytes", info.Size())
	}

	// Queries still see events from the backup.
	byRun, err := j.ByRun("run-old", 5)
	if err != nil {
		t.Fatalf("by run: %v", err)
	}
	if len(byRun) == 0 {
		t.Fatal("expected events from rotated backup")
	}
}

func TestEmitPublishesOnBus(t *testing.T) {
	eventBus := bus.New()
	j := events.NewJournal(events.Config{
		Path: filepath.Join(t.TempDir(), "events.jsonl"),
		Bus:  eventBus,
	})
	sub := eventBus.Subscribe(bus.TopicEventPrefix)
	defer eventBus.Unsubscribe(sub)

	j.Emit(context.Background(), events.Event{Event: events.StepRunning, RunID: "run-1"}, "")

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicStepRunning {
			t.Fatalf("unexpected topic %s", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("expected bus delivery")
	}
}

func TestWebhookStripsAuthFragment(t *testing.T) {
	got := make(chan *http.Request, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Clone(context.Background())
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hook := events.NewWebhook(nil)
	hook.Post(context.Background(), server.URL+"/notify#auth=secret-token", events.Event{
		Event: events.RunCompleted, RunID: "run-1",
	})

	select {
	case r := <-got:
		if r.URL.Fragment != "" {
			t.Fatalf("fragment leaked: %q", r.URL.Fragment)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret-token" {
			t.Fatalf("unexpected Authorization header %q", auth)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("unexpected Content-Type %q", ct)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never arrived")
	}
}

func TestWebhookFailureIsSwallowed(t *testing.T) {
	j, _ := newTestJournal(t)
	// Nothing listens on this port; Emit must not panic or block.
	j.Emit(context.Background(), events.Event{Event: events.RunFailed, RunID: "run-1"},
		"http://127.0.0.1:1/notify")
	time.Sleep(50 * time.Millisecond)
}
