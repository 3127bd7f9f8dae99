package storage

import (
	"context"
	"errors"

	"github.com/fetchq/fetchq/internal/queue"
)

// ErrSchemaTooNew is returned when the persisted document was written by a
// newer build. A lossy downgrade is never attempted.
var ErrSchemaTooNew = errors.New("queue document schema is newer than supported, upgrade required")

// ErrStoreClosed is returned for operations on a closed store.
var ErrStoreClosed = errors.New("queue store is closed")

// QueueStore is the durable home of the queue document. Implementations must
// guarantee that a reader never observes a half-written document and must
// guard read-modify-write sequences against concurrent engine instances.
type QueueStore interface {
	// Load reads and, if needed, migrates the persisted queue. The recovered
	// flag is true when an unparsable document was moved aside and a fresh
	// queue was started; callers must surface that, not swallow it.
	Load(ctx context.Context) (st *queue.State, recovered bool, err error)

	// Save atomically replaces the persisted document with the given state.
	Save(ctx context.Context, st *queue.State) error

	// Destroy removes the persisted document. Used by Purge.
	Destroy(ctx context.Context) error

	// Close releases the cross-process lock.
	Close() error
}
