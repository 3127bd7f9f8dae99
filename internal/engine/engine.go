// Package engine composes the queue store, resume client, verifier, and
// rate limiters into the download engine: a bounded pool of transfer workers
// fed FIFO from a durable queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"sync"

	"github.com/fetchq/fetchq/internal/fetch"
	"github.com/fetchq/fetchq/internal/logctx"
	"github.com/fetchq/fetchq/internal/queue"
	"github.com/fetchq/fetchq/internal/ratelimit"
	"github.com/fetchq/fetchq/internal/storage"
	"github.com/fetchq/fetchq/internal/telemetry"
	"github.com/fetchq/fetchq/internal/verify"
)

var (
	// ErrNotFound is returned for operations on an unknown item id.
	ErrNotFound = errors.New("download item not found")

	// ErrItemActive is returned when removing an item that still occupies a
	// worker slot. Cancel or pause it first.
	ErrItemActive = errors.New("download item has an active transfer")

	errPauseRequested  = errors.New("pause requested")
	errCancelRequested = errors.New("cancel requested")
)

// Config tunes the engine.
type Config struct {
	// MaxParallel bounds the number of simultaneous transfers.
	MaxParallel int

	// GlobalRateLimit is the aggregate ceiling in bytes/second shared by
	// all transfers. Zero means unlimited.
	GlobalRateLimit int64

	// PerItemRateLimit is the per-transfer ceiling in bytes/second. Zero
	// means unlimited. Both scopes may be active at once.
	PerItemRateLimit int64

	// ProgressInterval is the byte cadence at which transfer progress is
	// flushed to the store. Crash-recovery loss is bounded by it.
	ProgressInterval int64
}

// Engine is the facade exposed to external collaborators.
type Engine struct {
	store  storage.QueueStore
	client *fetch.Client
	tel    *telemetry.Telemetry
	cfg    Config
	global *ratelimit.Limiter

	mu      sync.Mutex
	state   *queue.State
	cancels map[int64]context.CancelCauseFunc
	wg      sync.WaitGroup
	wake    chan struct{}
}

// New builds an engine around an opened store. Call Load before Run.
func New(store storage.QueueStore, client *fetch.Client, tel *telemetry.Telemetry, cfg Config) *Engine {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 3
	}

	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 1024 * 1024
	}

	return &Engine{
		store:   store,
		client:  client,
		tel:     tel,
		cfg:     cfg,
		global:  ratelimit.New(cfg.GlobalRateLimit, 0),
		cancels: make(map[int64]context.CancelCauseFunc),
		wake:    make(chan struct{}, 1),
	}
}

// Load reads the persisted queue into memory. The recovered flag is true
// when a corrupt document was moved aside and the queue started fresh.
func (e *Engine) Load(ctx context.Context) (bool, error) {
	st, recovered, err := e.store.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("loading queue: %w", err)
	}

	e.mu.Lock()
	e.state = st
	e.mu.Unlock()

	e.tel.AddQueueDepth(int64(countByStatus(st, queue.StatusQueued)))

	return recovered, nil
}

// SetGlobalRate adjusts the aggregate rate ceiling at runtime. In-flight
// transfers pick it up on their next chunk.
func (e *Engine) SetGlobalRate(bytesPerSec int64) {
	e.global.SetRate(bytesPerSec)
}

// Enqueue appends a new transfer to the queue and returns its id. The URL
// must be absolute; scheme policy is the caller's concern.
func (e *Engine) Enqueue(ctx context.Context, rawURL, outputPath string, checksum *queue.Checksum) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("parsing url: %w", err)
	}

	if !u.IsAbs() {
		return 0, fmt.Errorf("url %q is not absolute", rawURL)
	}

	if checksum != nil {
		if !verify.Supported(checksum.Algorithm) {
			return 0, fmt.Errorf("unsupported checksum algorithm %q", checksum.Algorithm)
		}

		if verify.Weak(checksum.Algorithm) {
			logger.Warn("weak checksum algorithm accepted for backward compatibility",
				"algorithm", checksum.Algorithm, "url", rawURL)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.state.NextID()
	item := queue.NewItem(id, rawURL, outputPath, checksum)
	e.state.Items = append(e.state.Items, item)

	if err := e.persistLocked(ctx); err != nil {
		e.state.Items = e.state.Items[:len(e.state.Items)-1]
		e.state.LastAssignedID--

		return 0, err
	}

	logger.Info("item enqueued", "id", id, "url", rawURL, "output", outputPath)
	e.tel.AddQueueDepth(1)
	e.wakeScheduler()

	return id, nil
}

// List returns a read-only snapshot of the queue, optionally filtered by
// status.
func (e *Engine) List(_ context.Context, filter ...queue.Status) []*queue.Item {
	e.mu.Lock()
	snapshot := e.state.Clone()
	e.mu.Unlock()

	if len(filter) == 0 {
		return snapshot.Items
	}

	items := make([]*queue.Item, 0, len(snapshot.Items))

	for _, it := range snapshot.Items {
		for _, st := range filter {
			if it.Status == st {
				items = append(items, it)
				break
			}
		}
	}

	return items
}

// Pause stops a transfer at its next I/O boundary, preserving the partial
// file for a later Resume. A queued item is paused in place.
func (e *Engine) Pause(ctx context.Context, id int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	item := e.state.Find(id)
	if item == nil {
		return fmt.Errorf("pause %d: %w", id, ErrNotFound)
	}

	if cancel, ok := e.cancels[id]; ok {
		cancel(errPauseRequested)
		return nil
	}

	if err := item.Transition(queue.StatusPaused); err != nil {
		return err
	}

	e.tel.AddQueueDepth(-1)

	return e.persistLocked(ctx)
}

// Resume moves a paused item back to the queue. Progress held in the
// partial file becomes the resume offset when the item is re-admitted.
func (e *Engine) Resume(ctx context.Context, id int64) error {
	return e.requeue(ctx, id, queue.StatusPaused)
}

// Retry moves a failed item back to the queue, clearing its recorded error.
func (e *Engine) Retry(ctx context.Context, id int64) error {
	return e.requeue(ctx, id, queue.StatusFailed)
}

func (e *Engine) requeue(ctx context.Context, id int64, from queue.Status) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	item := e.state.Find(id)
	if item == nil {
		return fmt.Errorf("requeue %d: %w", id, ErrNotFound)
	}

	if item.Status != from {
		return &queue.InvalidTransitionError{ID: id, From: item.Status, To: queue.StatusQueued}
	}

	if err := item.Transition(queue.StatusQueued); err != nil {
		return err
	}

	if err := e.persistLocked(ctx); err != nil {
		return err
	}

	e.tel.AddQueueDepth(1)
	e.wakeScheduler()

	return nil
}

// Cancel aborts a transfer and, as an explicit follow-up step, deletes its
// partial file. The item lands in failed with "canceled" recorded; Retry
// starts it over from scratch.
func (e *Engine) Cancel(ctx context.Context, id int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	item := e.state.Find(id)
	if item == nil {
		return fmt.Errorf("cancel %d: %w", id, ErrNotFound)
	}

	if cancel, ok := e.cancels[id]; ok {
		cancel(errCancelRequested)
		return nil
	}

	wasQueued := item.Status == queue.StatusQueued

	if err := item.Transition(queue.StatusFailed); err != nil {
		return err
	}

	item.LastError = "canceled"
	item.BytesTransferred = 0

	if err := removeFile(item.PartialPath()); err != nil {
		return err
	}

	if wasQueued {
		e.tel.AddQueueDepth(-1)
	}

	return e.persistLocked(ctx)
}

// Remove deletes the item from the queue along with its partial file. A
// completed item's final artifact is left alone. In-flight items must be
// canceled or paused first.
func (e *Engine) Remove(ctx context.Context, id int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	item := e.state.Find(id)
	if item == nil {
		return fmt.Errorf("remove %d: %w", id, ErrNotFound)
	}

	if item.Status.InFlight() {
		return fmt.Errorf("remove %d: %w", id, ErrItemActive)
	}

	if err := removeFile(item.PartialPath()); err != nil {
		return err
	}

	if item.Status == queue.StatusQueued {
		e.tel.AddQueueDepth(-1)
	}

	e.state.Remove(id)

	return e.persistLocked(ctx)
}

// Purge stops all workers, deletes every partial artifact, and destroys the
// state document. The engine keeps running with an empty queue.
func (e *Engine) Purge(ctx context.Context) error {
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel(errCancelRequested)
	}
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, item := range e.state.Items {
		if err := removeFile(item.PartialPath()); err != nil {
			return err
		}
	}

	e.tel.AddQueueDepth(-int64(countByStatus(e.state, queue.StatusQueued)))
	e.state = queue.NewState()

	if err := e.store.Destroy(ctx); err != nil {
		return fmt.Errorf("destroying queue document: %w", err)
	}

	logctx.LoggerFromContext(ctx).Info("queue purged")

	return nil
}

func (e *Engine) persistLocked(ctx context.Context) error {
	if err := e.store.Save(ctx, e.state); err != nil {
		return fmt.Errorf("persisting queue: %w", err)
	}

	return nil
}

func (e *Engine) wakeScheduler() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &fetch.FilesystemError{Path: path, Op: "remove", Err: err}
	}

	return nil
}

func countByStatus(st *queue.State, status queue.Status) int {
	var n int

	for _, it := range st.Items {
		if it.Status == status {
			n++
		}
	}

	return n
}
