package queuefile

import (
	"context"

	"github.com/fetchq/fetchq/internal/queue"
	"github.com/fetchq/fetchq/internal/storage"
	"github.com/fetchq/fetchq/internal/telemetry"
)

// InstrumentedStore wraps a QueueStore with telemetry.
type InstrumentedStore struct {
	store     storage.QueueStore
	telemetry *telemetry.Telemetry
}

// NewInstrumentedStore decorates the given store with op count and duration
// metrics.
func NewInstrumentedStore(store storage.QueueStore, tel *telemetry.Telemetry) *InstrumentedStore {
	return &InstrumentedStore{store: store, telemetry: tel}
}

// Load reads the persisted queue with telemetry.
func (s *InstrumentedStore) Load(ctx context.Context) (*queue.State, bool, error) {
	var (
		st        *queue.State
		recovered bool
		err       error
	)

	instrumentedErr := s.telemetry.InstrumentStoreOperation(ctx, "load", func(ctx context.Context) error {
		st, recovered, err = s.store.Load(ctx)

		return err
	})

	if instrumentedErr != nil {
		return nil, false, instrumentedErr
	}

	return st, recovered, nil
}

// Save persists the queue with telemetry.
func (s *InstrumentedStore) Save(ctx context.Context, st *queue.State) error {
	return s.telemetry.InstrumentStoreOperation(ctx, "save", func(ctx context.Context) error {
		return s.store.Save(ctx, st)
	})
}

// Destroy removes the persisted document with telemetry.
func (s *InstrumentedStore) Destroy(ctx context.Context) error {
	return s.telemetry.InstrumentStoreOperation(ctx, "destroy", func(ctx context.Context) error {
		return s.store.Destroy(ctx)
	})
}

// Close releases the underlying lock.
func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}
