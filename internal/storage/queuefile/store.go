// Package queuefile persists the queue as a single schema-versioned JSON
// document. Every mutation rewrites the whole document through a temp file
// and an atomic rename, so a reader only ever observes the pre- or
// post-write version. An advisory file lock guards against a second engine
// instance operating on the same document.
package queuefile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"

	"github.com/fetchq/fetchq/internal/logctx"
	"github.com/fetchq/fetchq/internal/queue"
	"github.com/fetchq/fetchq/internal/storage"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Store is the file-backed queue store.
type Store struct {
	path string
	lock *flock.Flock

	mu     sync.Mutex
	closed bool
}

// Open prepares the store for the given document path and takes the
// cross-process lock. It fails fast if another instance holds the lock.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	lock := flock.New(path + ".lock")

	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring queue lock: %w", err)
	}

	if !locked {
		return nil, fmt.Errorf("queue document %s is locked by another instance", path)
	}

	return &Store{path: path, lock: lock}, nil
}

// Load reads the persisted queue, migrating older schema versions forward
// first. A document that fails to parse is moved aside as <name>.corrupt and
// a fresh empty queue is returned with recovered=true.
func (s *Store) Load(ctx context.Context) (*queue.State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, storage.ErrStoreClosed
	}

	logger := logctx.LoggerFromContext(ctx)

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return queue.NewState(), false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("reading queue document: %w", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		corruptPath := s.path + ".corrupt"
		if mvErr := os.Rename(s.path, corruptPath); mvErr != nil {
			return nil, false, fmt.Errorf("moving corrupt queue document aside: %w", mvErr)
		}

		logger.Error("queue document is corrupt, starting fresh", "moved_to", corruptPath, "err", err)

		return queue.NewState(), true, nil
	}

	doc, migrated, err := migrate(doc, s.path)
	if err != nil {
		return nil, false, err
	}

	st, err := bindState(doc)
	if err != nil {
		return nil, false, fmt.Errorf("decoding queue document: %w", err)
	}

	// Nothing owns an in-flight slot across a restart.
	requeueInterrupted(st)

	if migrated {
		if err := s.save(st); err != nil {
			return nil, false, fmt.Errorf("persisting migrated queue document: %w", err)
		}

		logger.Info("queue document migrated", "schema_version", st.SchemaVersion)
	}

	return st, false, nil
}

// Save atomically replaces the document on disk.
func (s *Store) Save(_ context.Context, st *queue.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}

	return s.save(st)
}

func (s *Store) save(st *queue.State) error {
	st.SchemaVersion = queue.SchemaVersion

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding queue document: %w", err)
	}

	if err := renameio.WriteFile(s.path, data, filePerm); err != nil {
		return fmt.Errorf("writing queue document: %w", err)
	}

	return nil
}

// Destroy removes the persisted document. The lock stays held until Close.
func (s *Store) Destroy(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing queue document: %w", err)
	}

	return nil
}

// Close releases the cross-process lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	if err := s.lock.Unlock(); err != nil {
		return fmt.Errorf("releasing queue lock: %w", err)
	}

	return nil
}

// bindState decodes a migrated document into the typed state.
func bindState(doc map[string]any) (*queue.State, error) {
	buf, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	st := queue.NewState()
	if err := json.Unmarshal(buf, st); err != nil {
		return nil, err
	}

	for _, it := range st.Items {
		if !it.Status.Valid() {
			return nil, fmt.Errorf("item %d has unknown status %q", it.ID, it.Status)
		}
	}

	return st, nil
}

// requeueInterrupted demotes items left in an in-flight status by a crashed
// or killed process. Their partial files keep the progress.
func requeueInterrupted(st *queue.State) {
	for _, it := range st.Items {
		if it.Status.InFlight() {
			it.Status = queue.StatusQueued
		}
	}
}
