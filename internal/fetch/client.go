// Package fetch implements the HTTP range-based resume protocol: a single
// URL is streamed into a partial file, continuing from whatever the partial
// already holds, with transient failures retried under exponential backoff.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fetchq/fetchq/internal/fetch/progress"
	"github.com/fetchq/fetchq/internal/logctx"
	"github.com/fetchq/fetchq/internal/ratelimit"
)

const (
	copyBufferSize          = 128 * 1024
	defaultProgressInterval = 1024 * 1024
)

// Options configures the resume client.
type Options struct {
	// RetryLimit is the number of automatic retries after the first attempt.
	// Default: 3.
	RetryLimit int

	// InitialBackoff is the first retry delay; it doubles per attempt.
	// Default: 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the retry delay. Default: 30s.
	MaxBackoff time.Duration

	// InactivityTimeout aborts a transfer when the stream goes silent for
	// this long. Zero disables the watchdog.
	InactivityTimeout time.Duration
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		RetryLimit:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Request describes one transfer into a partial file.
type Request struct {
	URL         string
	PartialPath string

	// Limiters are acquired per chunk; typically one per-item bucket and
	// one shared global bucket. Nils are skipped.
	Limiters []*ratelimit.Limiter

	// OnProgress receives absolute byte positions at a bounded cadence.
	// Total is -1 while unknown.
	OnProgress func(transferred, total int64)

	// ProgressInterval is the byte cadence for OnProgress. Default: 1MiB.
	ProgressInterval int64
}

// Client performs resumable downloads.
type Client struct {
	http *http.Client
	opts Options
}

// NewClient builds a resume client. Outbound requests are instrumented; no
// whole-request timeout is set because transfers are long-lived streams, the
// inactivity watchdog covers stalls instead.
func NewClient(opts Options) *Client {
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = 3
	}

	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}

	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}

	transport := otelhttp.NewTransport(&http.Transport{
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true, // raw bytes, offsets must stay byte-accurate
	})

	return &Client{
		http: &http.Client{Transport: transport},
		opts: opts,
	}
}

// Do runs the transfer to completion, retrying transient network failures
// with exponential backoff. Each attempt re-reads the partial file size, so
// progress made before a failure is kept. It returns the total size of the
// remote file.
func (c *Client) Do(ctx context.Context, req Request) (int64, error) {
	if req.ProgressInterval <= 0 {
		req.ProgressInterval = defaultProgressInterval
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.opts.InitialBackoff
	expo.MaxInterval = c.opts.MaxBackoff

	operation := func() (int64, error) {
		total, err := c.attempt(ctx, req)
		if err == nil {
			return total, nil
		}

		var protoErr *ProtocolError

		var fsErr *FilesystemError

		// Protocol and filesystem failures carry data-integrity risk and
		// are never retried automatically.
		if errors.As(err, &protoErr) || errors.As(err, &fsErr) || ctx.Err() != nil {
			return 0, backoff.Permanent(err)
		}

		logctx.LoggerFromContext(ctx).Warn("transfer attempt failed, backing off", "url", req.URL, "err", err)

		return 0, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(c.opts.RetryLimit)+1),
	)
}

// attempt performs a single pass of the range protocol.
func (c *Client) attempt(ctx context.Context, req Request) (int64, error) {
	offset := partialSize(req.PartialPath)

	ctx, wd := newWatchdog(ctx, c.opts.InactivityTimeout)
	defer wd.Stop()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("building request for %s: %w", req.URL, err)
	}

	if offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, &NetworkError{Operation: "get", Err: err}
	}
	defer resp.Body.Close()

	var total int64

	truncate := false

	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, _, rangeTotal, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return 0, &ProtocolError{URL: req.URL, Reason: err.Error()}
		}

		if start != offset {
			return 0, &ProtocolError{
				URL:    req.URL,
				Reason: fmt.Sprintf("requested resume at byte %d, server answered from byte %d", offset, start),
			}
		}

		total = rangeTotal

	case http.StatusOK:
		// The server ignored the range header: restart from scratch.
		truncate = offset > 0
		offset = 0
		total = resp.ContentLength

	case http.StatusRequestedRangeNotSatisfiable:
		// The partial already holds the whole file.
		if req.OnProgress != nil {
			req.OnProgress(offset, offset)
		}

		return offset, nil

	default:
		return 0, &NetworkError{Operation: "get", StatusCode: resp.StatusCode}
	}

	written, err := c.stream(ctx, req, resp.Body, wd, offset, total, truncate)
	if err != nil {
		return 0, err
	}

	if total >= 0 && written != total {
		return 0, &NetworkError{
			Operation: "stream",
			Err:       fmt.Errorf("stream ended at byte %d of %d", written, total),
		}
	}

	if total < 0 {
		total = written
	}

	return total, nil
}

// stream copies the response body into the partial file, throttled and with
// bounded-cadence progress reporting. Read failures are network errors and
// the partial keeps its bytes; write failures are filesystem errors.
func (c *Client) stream(ctx context.Context, req Request, body io.Reader, wd *watchdog, offset, total int64, truncate bool) (int64, error) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if truncate {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}

	out, err := os.OpenFile(req.PartialPath, flags, 0o644)
	if err != nil {
		return 0, &FilesystemError{Path: req.PartialPath, Op: "open", Err: err}
	}
	defer out.Close()

	throttled := ratelimit.Reader(ctx, body, req.Limiters...)
	pr := progress.NewReader(throttled, offset, total, req.ProgressInterval, req.OnProgress)
	src := &kickReader{inner: pr, wd: wd}

	buf := make([]byte, copyBufferSize)

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return pr.Transferred(), &FilesystemError{Path: req.PartialPath, Op: "write", Err: writeErr}
			}
		}

		if readErr == io.EOF {
			break
		}

		if readErr != nil {
			pr.Flush()

			if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
				readErr = cause
			}

			return pr.Transferred(), &NetworkError{Operation: "stream", Err: readErr}
		}
	}

	if err := out.Close(); err != nil {
		return pr.Transferred(), &FilesystemError{Path: req.PartialPath, Op: "close", Err: err}
	}

	pr.Flush()

	return pr.Transferred(), nil
}

func partialSize(path string) int64 {
	if info, err := os.Stat(path); err == nil {
		return info.Size()
	}

	return 0
}

// parseContentRange parses a "bytes start-end/total" header value. Total is
// -1 when the server reports "*".
func parseContentRange(header string) (start, end, total int64, err error) {
	value, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", header)
	}

	rangePart, totalPart, ok := strings.Cut(value, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", header)
	}

	startStr, endStr, ok := strings.Cut(rangePart, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", header)
	}

	if start, err = strconv.ParseInt(startStr, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range start: %w", err)
	}

	if end, err = strconv.ParseInt(endStr, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range end: %w", err)
	}

	if totalPart == "*" {
		total = -1
	} else if total, err = strconv.ParseInt(totalPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range total: %w", err)
	}

	return start, end, total, nil
}
