package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-visualizer/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestEphemeralStoreRecordsNothing(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	ctx := context.Background()
	if err := es.RecordSession(ctx, Session{ID: "s1"}); err != nil {
		t.Fatalf("record session: %v", err)
	}
	if err := es.RecordEvent(ctx, Event{SessionID: "s1", Type: EventRequested}, map[string]string{"a": "b"}); err != nil {
		t.Fatalf("record event: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, "s1", 10)
	if err != nil || events != nil {
		t.Fatalf("expected no events, got %v (%v)", events, err)
	}
}

func TestRecordAndList(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.RecordSession(ctx, Session{ID: "s1", Voice: "en-US", Chars: 11, Privacy: "internal"}); err != nil {
		t.Fatalf("record session: %v", err)
	}
	if err := es.RecordEvent(ctx, Event{SessionID: "s1", TraceID: "trace", Type: EventRequested}, map[string]any{"text": "hello world"}); err != nil {
		t.Fatalf("record event: %v", err)
	}
	if err := es.RecordEvent(ctx, Event{SessionID: "s1", Type: EventReady}, nil); err != nil {
		t.Fatalf("record event: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventRequested || events[1].Type != EventReady {
		t.Fatalf("unexpected order: %s, %s", events[0].Type, events[1].Type)
	}
	if events[0].TraceID != "trace" {
		t.Fatalf("expected trace id, got %q", events[0].TraceID)
	}
	var payload map[string]string
	if err := json.Unmarshal(events[0].Payload, &payload); err != nil || payload["text"] != "hello world" {
		t.Fatalf("unexpected payload %s (%v)", events[0].Payload, err)
	}

	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Voice != "en-US" || sessions[0].Chars != 11 {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}

	// re-recording updates in place
	if err := es.RecordSession(ctx, Session{ID: "s1", Voice: "fr-FR", Chars: 3}); err != nil {
		t.Fatalf("re-record session: %v", err)
	}
	sessions, _ = es.ListSessions(ctx, 10)
	if len(sessions) != 1 || sessions[0].Voice != "fr-FR" {
		t.Fatalf("expected updated session, got %+v", sessions)
	}
}

func TestRecordSessionRequiresID(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	if err := es.RecordSession(context.Background(), Session{}); err == nil {
		t.Fatal("expected error for empty session id")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.RecordSession(ctx, Session{ID: "old"}); err != nil {
		t.Fatalf("record session: %v", err)
	}
	if err := es.RecordEvent(ctx, Event{SessionID: "old", Type: EventRequested}, nil); err != nil {
		t.Fatalf("record event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.RecordSession(ctx, Session{ID: "new"}); err != nil {
		t.Fatalf("record session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatal("expected old session pruned")
	}
	sessions, _ := es.ListSessions(ctx, 10)
	if len(sessions) != 1 || sessions[0].ID != "new" {
		t.Fatalf("expected only the new session, got %+v", sessions)
	}
}
