package store

import (
	"context"
	"testing"
	"time"
)

func TestMarkDoneIdempotent(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	ev := ProcessedEvent{MessageID: "<abc@mail>", Timestamp: time.Now(), Subject: "Asegurados Viajeros | 2025-09-21", From: "ops@example.com"}

	done, err := s.IsDone(ctx, ev.MessageID)
	if err != nil || done {
		t.Fatalf("expected not done before mark, got done=%v err=%v", done, err)
	}
	if err := s.MarkDone(ctx, ev); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	// second insert is a no-op, not an error
	if err := s.MarkDone(ctx, ev); err != nil {
		t.Fatalf("mark done twice: %v", err)
	}
	done, err = s.IsDone(ctx, ev.MessageID)
	if err != nil || !done {
		t.Fatalf("expected done after mark, got done=%v err=%v", done, err)
	}
	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row after duplicate mark, got %d", n)
	}
}

func TestEmptyMessageIDNeverDeduplicated(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	if err := s.MarkDone(ctx, ProcessedEvent{MessageID: ""}); err != nil {
		t.Fatalf("mark done empty id: %v", err)
	}
	done, err := s.IsDone(ctx, "")
	if err != nil {
		t.Fatalf("is done: %v", err)
	}
	if done {
		t.Fatalf("empty message id must always be treated as not done")
	}
	n, _ := s.Count(ctx)
	if n != 0 {
		t.Fatalf("empty id must not be persisted, got %d rows", n)
	}
}
