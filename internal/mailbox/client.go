package mailbox

import (
	"context"
	"time"
)

// Fetched is one message pulled from the mailbox without marking it
// seen.
type Fetched struct {
	UID uint32
	Raw []byte
}

// Client is one live IMAP connection. Implementations are not required
// to be safe for concurrent use; the watcher serializes all calls.
type Client interface {
	SelectFolder(folder string) error
	// SearchUnseen returns the UIDs of unseen messages in the selected
	// folder.
	SearchUnseen() ([]uint32, error)
	// FetchPeek retrieves full messages without setting the \Seen flag.
	FetchPeek(uids []uint32) ([]Fetched, error)
	MarkSeen(uids []uint32) error
	// SupportsIdle reports whether the server advertises IDLE.
	SupportsIdle() (bool, error)
	// WaitForUpdate blocks until the server pushes a mailbox change, the
	// timeout elapses, or ctx is cancelled. It returns true when a
	// change was pushed.
	WaitForUpdate(ctx context.Context, timeout time.Duration) (bool, error)
	// Noop is the keepalive used between idle windows.
	Noop() error
	Logout() error
}

// Dialer establishes connections. Dial tries its strategies in order
// and returns the first that works, together with the strategy name for
// logging.
type Dialer interface {
	Dial(ctx context.Context) (Client, string, error)
}
