package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rangeHandler serves content honoring bytes=N- range requests the way the
// resume protocol expects.
func rangeHandler(content []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(content)

			return
		}

		offsetStr := strings.TrimSuffix(strings.TrimPrefix(rangeHeader, "bytes="), "-")

		offset, err := strconv.ParseInt(offsetStr, 10, 64)
		if err != nil {
			http.Error(w, "bad range", http.StatusBadRequest)
			return
		}

		if offset >= int64(len(content)) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", len(content)))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)

			return
		}

		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(content)-1, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(content[offset:])
	}
}

func testClient() *Client {
	opts := DefaultOptions()
	opts.InitialBackoff = 10 * time.Millisecond
	opts.MaxBackoff = 50 * time.Millisecond

	return NewClient(opts)
}

func TestDoFullDownload(t *testing.T) {
	content := []byte("the whole payload in one clean pass")
	srv := httptest.NewServer(rangeHandler(content))
	defer srv.Close()

	partial := filepath.Join(t.TempDir(), "f.bin.partial")

	var lastTransferred, lastTotal int64

	total, err := testClient().Do(context.Background(), Request{
		URL:         srv.URL,
		PartialPath: partial,
		OnProgress: func(transferred, totalBytes int64) {
			lastTransferred, lastTotal = transferred, totalBytes
		},
		ProgressInterval: 1,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), total)
	assert.Equal(t, int64(len(content)), lastTransferred)
	assert.Equal(t, int64(len(content)), lastTotal)

	got, err := os.ReadFile(partial)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDoResumesFromPartial(t *testing.T) {
	content := []byte("0123456789abcdefghij")
	srv := httptest.NewServer(rangeHandler(content))
	defer srv.Close()

	partial := filepath.Join(t.TempDir(), "f.bin.partial")
	require.NoError(t, os.WriteFile(partial, content[:8], 0o644))

	total, err := testClient().Do(context.Background(), Request{
		URL:         srv.URL,
		PartialPath: partial,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), total)

	got, err := os.ReadFile(partial)
	require.NoError(t, err)
	assert.Equal(t, content, got, "the resumed tail must append, not overwrite")
}

func TestDoRestartsWhenServerIgnoresRange(t *testing.T) {
	content := []byte("fresh copy from byte zero")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A server with no range support answers 200 regardless.
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	partial := filepath.Join(t.TempDir(), "f.bin.partial")
	require.NoError(t, os.WriteFile(partial, []byte("stale local bytes"), 0o644))

	total, err := testClient().Do(context.Background(), Request{
		URL:         srv.URL,
		PartialPath: partial,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), total)

	got, err := os.ReadFile(partial)
	require.NoError(t, err)
	assert.Equal(t, content, got, "stale partial bytes must be truncated away")
}

func TestDoAlreadyComplete(t *testing.T) {
	content := []byte("every byte already on disk")
	srv := httptest.NewServer(rangeHandler(content))
	defer srv.Close()

	partial := filepath.Join(t.TempDir(), "f.bin.partial")
	require.NoError(t, os.WriteFile(partial, content, 0o644))

	total, err := testClient().Do(context.Background(), Request{
		URL:         srv.URL,
		PartialPath: partial,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), total)
}

func TestDoOffsetMismatchIsNotRetried(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		// Claim a resume point the client never asked for.
		w.Header().Set("Content-Range", "bytes 0-9/10")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	partial := filepath.Join(t.TempDir(), "f.bin.partial")
	require.NoError(t, os.WriteFile(partial, []byte("abcd"), 0o644))

	_, err := testClient().Do(context.Background(), Request{
		URL:         srv.URL,
		PartialPath: partial,
	})

	var protoErr *ProtocolError

	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, int32(1), hits.Load(), "protocol violations must not burn retries")
}

func TestDoRetriesServerErrors(t *testing.T) {
	content := []byte("eventually consistent")

	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		rangeHandler(content)(w, r)
	}))
	defer srv.Close()

	partial := filepath.Join(t.TempDir(), "f.bin.partial")

	total, err := testClient().Do(context.Background(), Request{
		URL:         srv.URL,
		PartialPath: partial,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), total)
	assert.Equal(t, int32(3), hits.Load())
}

func TestDoExhaustsRetries(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	opts := DefaultOptions()
	opts.RetryLimit = 2
	opts.InitialBackoff = time.Millisecond
	opts.MaxBackoff = 5 * time.Millisecond

	_, err := NewClient(opts).Do(context.Background(), Request{
		URL:         srv.URL,
		PartialPath: filepath.Join(t.TempDir(), "f.bin.partial"),
	})

	var netErr *NetworkError

	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, http.StatusServiceUnavailable, netErr.StatusCode)
	assert.Equal(t, int32(3), hits.Load(), "first attempt plus two retries")
}

func TestDoTruncatedStreamKeepsPartial(t *testing.T) {
	content := []byte("promised twenty bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Advertise more than is sent, then cut the connection.
		w.Header().Set("Content-Length", strconv.Itoa(len(content)+100))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(content)

		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		conn, _, _ := w.(http.Hijacker).Hijack()
		_ = conn.Close()
	}))
	defer srv.Close()

	opts := DefaultOptions()
	opts.RetryLimit = 1
	opts.InitialBackoff = time.Millisecond

	partial := filepath.Join(t.TempDir(), "f.bin.partial")

	_, err := NewClient(opts).Do(context.Background(), Request{
		URL:         srv.URL,
		PartialPath: partial,
	})

	var netErr *NetworkError

	require.ErrorAs(t, err, &netErr)

	got, err := os.ReadFile(partial)
	require.NoError(t, err)
	assert.NotEmpty(t, got, "bytes received before the failure stay on disk for the next resume")
}

func TestDoCancellation(t *testing.T) {
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial data"))

		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := testClient().Do(ctx, Request{
		URL:         srv.URL,
		PartialPath: filepath.Join(t.TempDir(), "f.bin.partial"),
	})

	assert.Error(t, err)
}

func TestDoInactivityWatchdog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("then silence"))

		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	opts := DefaultOptions()
	opts.RetryLimit = 1
	opts.InitialBackoff = time.Millisecond
	opts.InactivityTimeout = 100 * time.Millisecond

	start := time.Now()

	_, err := NewClient(opts).Do(context.Background(), Request{
		URL:         srv.URL,
		PartialPath: filepath.Join(t.TempDir(), "f.bin.partial"),
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second, "the stall must be cut short")
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		header  string
		start   int64
		end     int64
		total   int64
		wantErr bool
	}{
		{header: "bytes 0-99/100", start: 0, end: 99, total: 100},
		{header: "bytes 50-99/100", start: 50, end: 99, total: 100},
		{header: "bytes 10-19/*", start: 10, end: 19, total: -1},
		{header: "", wantErr: true},
		{header: "items 0-99/100", wantErr: true},
		{header: "bytes 0-99", wantErr: true},
		{header: "bytes abc-99/100", wantErr: true},
		{header: "bytes 0-xyz/100", wantErr: true},
		{header: "bytes 0-99/oops", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			start, end, total, err := parseContentRange(tt.header)

			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.end, end)
			assert.Equal(t, tt.total, total)
		})
	}
}
