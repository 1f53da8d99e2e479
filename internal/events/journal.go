package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vardaSoft/antfarm/internal/bus"
)

const (
	maxJournalBytes = 10 << 20 // rotate past 10 MiB, keeping one .1 backup
)

// Config holds the dependencies for the journal.
type Config struct {
	Path   string // journal file; defaults under the state dir
	Bus    *bus.Bus
	Logger *slog.Logger
}

// Journal appends event records to a JSONL file and fans them out. Emit is
// best-effort: it never returns an error into callers.
type Journal struct {
	mu     sync.Mutex
	path   string
	bus    *bus.Bus
	logger *slog.Logger
	hook   *Webhook
}

// DefaultPath returns the journal location under the user state directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".antfarm", "logs", "events.jsonl")
}

// NewJournal creates a Journal. The parent directory is created lazily on
// first append.
func NewJournal(cfg Config) *Journal {
	path := cfg.Path
	if path == "" {
		path = DefaultPath()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		path:   path,
		bus:    cfg.Bus,
		logger: logger,
		hook:   NewWebhook(logger),
	}
}

// Emit appends the event, publishes it on the bus and, when notifyURL is
// non-empty, fires the webhook in the background. Failures are logged and
// swallowed.
func (j *Journal) Emit(ctx context.Context, ev Event, notifyURL string) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}

	if err := j.append(ev); err != nil {
		j.logger.Error("event journal append failed", "event", ev.Event, "error", err)
	}

	if j.bus != nil {
		j.bus.Publish(bus.TopicEventPrefix+ev.Event, ev)
	}

	if notifyURL != "" {
		go j.hook.Post(context.WithoutCancel(ctx), notifyURL, ev)
	}
}

func (j *Journal) append(ev Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}
	if err := j.rotateLocked(); err != nil {
		return err
	}

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (j *Journal) rotateLocked() error {
	info, err := os.Stat(j.path)
	if err != nil || info.Size() < maxJournalBytes {
		return nil
	}
	if err := os.Rename(j.path, j.path+".1"); err != nil {
		return fmt.Errorf("rotate journal: %w", err)
	}
	return nil
}

// Recent returns the most recent events, oldest first.
func (j *Journal) Recent(limit int) ([]Event, error) {
	return j.query(limit, func(Event) bool { return true })
}

// ByRun returns the most recent events whose run_id matches runID exactly or
// by prefix, oldest first.
func (j *Journal) ByRun(runID string, limit int) ([]Event, error) {
	return j.query(limit, func(ev Event) bool {
		return strings.HasPrefix(ev.RunID, runID)
	})
}

func (j *Journal) query(limit int, keep func(Event) bool) ([]Event, error) {
	if limit <= 0 || limit > 10000 {
		limit = 100
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []Event
	for _, path := range []string{j.path + ".1", j.path} {
		events, err := readJournalFile(path, keep)
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func readJournalFile(path string, keep func(Event) bool) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	defer f.Close()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// A torn write at the rotation boundary is not fatal.
			continue
		}
		if keep(ev) {
			out = append(out, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal %s: %w", path, err)
	}
	return out, nil
}
