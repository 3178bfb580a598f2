package store

import (
	"context"
	"time"
)

// ProcessedEvent is the audit record of a handled trigger message. Records
// are append-only: they are written once on pickup and never mutated or
// deleted.
type ProcessedEvent struct {
	MessageID string
	Timestamp time.Time
	Subject   string
	From      string
}

// DedupStore tracks which mailbox messages have already been handled so a
// re-delivered or re-seen message is never dispatched twice.
//
// Messages without a Message-ID cannot be deduplicated: IsDone("") is
// always false and MarkDone with an empty id is a no-op. This mirrors the
// system this replaces; synthesizing an id from message content was
// deliberately not done.
type DedupStore interface {
	IsDone(ctx context.Context, messageID string) (bool, error)
	MarkDone(ctx context.Context, ev ProcessedEvent) error
	Count(ctx context.Context) (int64, error)
	Close() error
}
