package progress

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderReportsAtBoundedCadence(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 1000)

	var reports []int64

	pr := NewReader(bytes.NewReader(payload), 0, 1000, 300, func(transferred, total int64) {
		reports = append(reports, transferred)
	})

	buf := make([]byte, 100)

	for {
		_, err := pr.Read(buf)
		if err == io.EOF {
			break
		}

		require.NoError(t, err)
	}

	// 1000 bytes in 100-byte reads with a 300-byte cadence: reports at 300,
	// 600, 900 — not one per read.
	assert.Equal(t, []int64{300, 600, 900}, reports)
	assert.Equal(t, int64(1000), pr.Transferred())
}

func TestReaderStartsAtResumeOffset(t *testing.T) {
	payload := bytes.Repeat([]byte("b"), 100)

	var last int64

	pr := NewReader(bytes.NewReader(payload), 500, 600, 50, func(transferred, total int64) {
		last = transferred
	})

	_, err := io.ReadAll(pr)
	require.NoError(t, err)

	assert.Equal(t, int64(600), pr.Transferred(), "positions are absolute, including the offset")
	assert.Equal(t, int64(600), last)
}

func TestReaderFlushReportsFinalPosition(t *testing.T) {
	payload := bytes.Repeat([]byte("c"), 120)

	var reports []int64

	pr := NewReader(bytes.NewReader(payload), 0, 120, 1000, func(transferred, total int64) {
		reports = append(reports, transferred)
	})

	_, err := io.ReadAll(pr)
	require.NoError(t, err)
	assert.Empty(t, reports, "cadence larger than the stream suppresses reports")

	pr.Flush()
	assert.Equal(t, []int64{120}, reports)
}

func TestReaderNilCallback(t *testing.T) {
	pr := NewReader(bytes.NewReader([]byte("data")), 0, -1, 1, nil)

	_, err := io.ReadAll(pr)
	require.NoError(t, err)
	pr.Flush()
}
