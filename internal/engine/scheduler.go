package engine

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/fetchq/fetchq/internal/fetch"
	"github.com/fetchq/fetchq/internal/logctx"
	"github.com/fetchq/fetchq/internal/queue"
	"github.com/fetchq/fetchq/internal/ratelimit"
	"github.com/fetchq/fetchq/internal/verify"
)

// Run is the scheduler loop: it admits queued items into downloading, FIFO
// by id, whenever concurrency headroom exists, and blocks until the context
// is done. On shutdown it waits for in-flight workers to stop; interrupted
// items are persisted as downloading and re-queued on the next Load.
func (e *Engine) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)
	logger.Info("engine running", "max_parallel", e.cfg.MaxParallel)

	for {
		e.admit(ctx)

		select {
		case <-ctx.Done():
			logger.Info("engine shutting down, waiting for transfers to stop")
			e.wg.Wait()

			return nil
		case <-e.wake:
		}
	}
}

// admit moves queued items into downloading until the concurrency limit is
// reached. It is the sole writer of that status.
func (e *Engine) admit(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	admitted := 0

	for e.state.CountInFlight() < e.cfg.MaxParallel {
		item := e.state.NextQueued()
		if item == nil {
			break
		}

		if err := item.Transition(queue.StatusDownloading); err != nil {
			logger.Error("admission failed", "id", item.ID, "err", err)
			break
		}

		workerCtx, cancel := context.WithCancelCause(ctx)
		e.cancels[item.ID] = cancel

		e.tel.AddQueueDepth(-1)
		e.tel.IncrementActiveDownloads()

		e.wg.Add(1)

		go e.runTransfer(workerCtx, item.ID)

		admitted++
	}

	if admitted > 0 {
		if err := e.persistLocked(ctx); err != nil {
			logger.Error("failed to persist admissions", "err", err)
		}
	}
}

// runTransfer drives one item through the resume client and the verifier.
func (e *Engine) runTransfer(ctx context.Context, id int64) {
	defer e.wg.Done()
	defer e.wakeScheduler()
	defer e.tel.DecrementActiveDownloads()

	logger := logctx.LoggerFromContext(ctx).With("id", id)

	e.mu.Lock()
	item := e.state.Find(id)
	if item == nil {
		e.mu.Unlock()
		delete(e.cancels, id)

		return
	}

	rawURL := item.URL
	partialPath := item.PartialPath()
	e.mu.Unlock()

	logger.Debug("transfer starting", "url", rawURL, "resume_offset", partialOffset(partialPath))

	start := time.Now()

	req := fetch.Request{
		URL:              rawURL,
		PartialPath:      partialPath,
		Limiters:         []*ratelimit.Limiter{e.global, ratelimit.New(e.cfg.PerItemRateLimit, 0)},
		ProgressInterval: e.cfg.ProgressInterval,
		OnProgress:       e.progressFunc(ctx, id),
	}

	total, err := e.client.Do(ctx, req)
	status := e.finish(ctx, id, total, err)

	e.tel.RecordDownload(string(status), time.Since(start))

	logger.Info("transfer finished", "status", status, "size", humanize.Bytes(uint64(max(total, 0))), "duration", time.Since(start).String())
}

// progressFunc flushes transfer progress into the store. The cadence is
// bounded by the client's progress interval, so crash-recovery loss stays
// within that window.
func (e *Engine) progressFunc(ctx context.Context, id int64) func(transferred, total int64) {
	return func(transferred, total int64) {
		e.mu.Lock()
		defer e.mu.Unlock()

		item := e.state.Find(id)
		if item == nil {
			return
		}

		delta := transferred - item.BytesTransferred
		item.BytesTransferred = transferred

		if total >= 0 {
			item.TotalBytes = total
		}

		item.UpdatedAt = time.Now().UTC()

		if err := e.persistLocked(ctx); err != nil {
			logctx.LoggerFromContext(ctx).Error("failed to persist progress", "id", id, "err", err)
		}

		e.tel.AddBytesTransferred(delta)
	}
}

// finish routes the transfer outcome through the state machine and persists
// the terminal state.
func (e *Engine) finish(ctx context.Context, id int64, total int64, transferErr error) queue.Status {
	logger := logctx.LoggerFromContext(ctx).With("id", id)
	cause := context.Cause(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.cancels, id)

	item := e.state.Find(id)
	if item == nil {
		return queue.StatusFailed
	}

	switch {
	case transferErr == nil:
		return e.completeLocked(ctx, item, total)

	case errors.Is(cause, errPauseRequested):
		// Partial stays on disk; its size is the next resume offset.
		if err := item.Transition(queue.StatusPaused); err != nil {
			logger.Error("pause transition failed", "err", err)
		}

	case errors.Is(cause, errCancelRequested):
		if err := item.Transition(queue.StatusFailed); err != nil {
			logger.Error("cancel transition failed", "err", err)
		}

		item.LastError = "canceled"
		item.BytesTransferred = 0

		// Deleting the partial is an explicit step of cancel, never a side
		// effect of stopping the stream.
		if err := removeFile(item.PartialPath()); err != nil {
			logger.Error("failed to remove partial file", "err", err)
		}

	case errors.Is(cause, context.Canceled):
		// Engine shutdown: treat like a crash. The item stays downloading
		// on disk and is re-queued on the next load, keeping its partial.
		if err := e.persistLocked(ctx); err != nil {
			logger.Error("failed to persist on shutdown", "err", err)
		}

		return item.Status

	default:
		if err := item.Transition(queue.StatusFailed); err != nil {
			logger.Error("failure transition failed", "err", err)
		}

		item.LastError = transferErr.Error()

		logger.Error("transfer failed", "err", transferErr)
	}

	if err := e.persistLocked(ctx); err != nil {
		logger.Error("failed to persist transfer outcome", "err", err)
	}

	return item.Status
}

// completeLocked verifies (when a checksum is present) and promotes the
// partial file to the final artifact. Called with the engine lock held; the
// file work drops the lock.
func (e *Engine) completeLocked(ctx context.Context, item *queue.Item, total int64) queue.Status {
	logger := logctx.LoggerFromContext(ctx).With("id", item.ID)

	item.BytesTransferred = total
	item.TotalBytes = total

	if item.Checksum != nil {
		if err := item.Transition(queue.StatusVerifying); err != nil {
			logger.Error("verify transition failed", "err", err)
		}

		if err := e.persistLocked(ctx); err != nil {
			logger.Error("failed to persist verifying state", "err", err)
		}

		checksum := *item.Checksum
		partialPath := item.PartialPath()

		e.mu.Unlock()
		result, verifyErr := verify.File(ctx, partialPath, &checksum)
		e.mu.Lock()

		switch {
		case verifyErr != nil:
			e.tel.RecordVerification("error")
			return e.failLocked(ctx, item, verifyErr.Error())

		case !result.OK:
			e.tel.RecordVerification("mismatch")

			// The artifact is preserved for inspection; a checksum failure
			// is never downgraded to success.
			mismatch := &VerificationError{
				Path:     partialPath,
				Expected: checksum.ExpectedHex,
				Computed: result.ComputedHex,
			}

			return e.failLocked(ctx, item, mismatch.Error())
		}

		e.tel.RecordVerification("success")
		item.Checksum.Verified = true
	}

	if err := os.Rename(item.PartialPath(), item.OutputPath); err != nil {
		fsErr := &fetch.FilesystemError{Path: item.OutputPath, Op: "rename", Err: err}
		return e.failLocked(ctx, item, fsErr.Error())
	}

	if err := item.Transition(queue.StatusCompleted); err != nil {
		logger.Error("completion transition failed", "err", err)
	}

	if err := e.persistLocked(ctx); err != nil {
		logger.Error("failed to persist completion", "err", err)
	}

	return item.Status
}

func (e *Engine) failLocked(ctx context.Context, item *queue.Item, reason string) queue.Status {
	logger := logctx.LoggerFromContext(ctx).With("id", item.ID)

	if err := item.Transition(queue.StatusFailed); err != nil {
		logger.Error("failure transition failed", "err", err)
	}

	item.LastError = reason

	if err := e.persistLocked(ctx); err != nil {
		logger.Error("failed to persist failure", "err", err)
	}

	logger.Error("transfer failed", "reason", reason)

	return item.Status
}

func partialOffset(path string) int64 {
	if info, err := os.Stat(path); err == nil {
		return info.Size()
	}

	return 0
}
