package journal

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxlabs/voxconsole/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeralWritesNothing(t *testing.T) {
	cfg := config.JournalConfig{RetentionMode: "ephemeral"}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.EnsureTurn(context.Background(), "turn-1", "conv-1"); err != nil {
		t.Fatalf("ensure turn: %v", err)
	}
	if err := s.Append(context.Background(), Entry{TurnID: "turn-1", Subject: "vox.turn.started"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, err := s.ListTurnEvents(context.Background(), "turn-1", 10)
	if err != nil || entries != nil {
		t.Fatalf("ephemeral journal should hold nothing, got %v err %v", entries, err)
	}
}

func TestAppendAndList(t *testing.T) {
	cfg := config.JournalConfig{Path: filepath.Join(t.TempDir(), "journal.db"), RetentionMode: "persistent"}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	if err := s.EnsureTurn(ctx, "turn-1", "conv-1"); err != nil {
		t.Fatalf("ensure turn: %v", err)
	}
	for _, subject := range []string{"vox.turn.started", "vox.turn.state", "vox.turn.finished"} {
		if err := s.Append(ctx, Entry{TurnID: "turn-1", Subject: subject, Payload: []byte(`{}`)}); err != nil {
			t.Fatalf("append %s: %v", subject, err)
		}
	}

	entries, err := s.ListTurnEvents(ctx, "turn-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Subject != "vox.turn.started" || entries[2].Subject != "vox.turn.finished" {
		t.Fatalf("entries out of order: %+v", entries)
	}
}

func TestPruneByDaysAndMaxTurns(t *testing.T) {
	cfg := config.JournalConfig{
		Path:          filepath.Join(t.TempDir(), "journal.db"),
		RetentionMode: "persistent",
		RetentionDays: 1,
		MaxTurns:      1,
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	s.clock = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.EnsureTurn(ctx, "old-turn", "conv-1"); err != nil {
		t.Fatalf("ensure old: %v", err)
	}
	if err := s.Append(ctx, Entry{TurnID: "old-turn", Subject: "vox.turn.started"}); err != nil {
		t.Fatalf("append old: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.EnsureTurn(ctx, "new-turn", "conv-1"); err != nil {
		t.Fatalf("ensure new: %v", err)
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	entries, err := s.ListTurnEvents(ctx, "old-turn", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatal("old turn should have been pruned")
	}
}
