// Package manifest parses batch files describing transfers to enqueue. A
// manifest is a YAML list of {url, output, checksum} entries; checksums use
// the "algorithm:hex" form.
package manifest

import (
	"fmt"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/fetchq/fetchq/internal/queue"
	"github.com/fetchq/fetchq/internal/verify"
)

// Entry is one transfer request parsed from a manifest.
type Entry struct {
	URL      string
	Output   string
	Checksum *queue.Checksum
}

type rawEntry struct {
	URL      string `yaml:"url"`
	Output   string `yaml:"output"`
	Checksum string `yaml:"checksum"`
}

type document struct {
	Downloads []rawEntry `yaml:"downloads"`
}

// Load reads and validates a manifest file.
func Load(fs afero.Fs, path string) ([]Entry, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	return Parse(data)
}

// Parse validates manifest bytes into enqueue-ready entries.
func Parse(data []byte) ([]Entry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	if len(doc.Downloads) == 0 {
		return nil, fmt.Errorf("manifest has no downloads")
	}

	entries := make([]Entry, 0, len(doc.Downloads))

	for i, raw := range doc.Downloads {
		if raw.URL == "" {
			return nil, fmt.Errorf("manifest entry %d: missing url", i)
		}

		if raw.Output == "" {
			return nil, fmt.Errorf("manifest entry %d: missing output", i)
		}

		entry := Entry{URL: raw.URL, Output: raw.Output}

		if raw.Checksum != "" {
			checksum, err := verify.ParseSpec(raw.Checksum)
			if err != nil {
				return nil, fmt.Errorf("manifest entry %d: %w", i, err)
			}

			entry.Checksum = checksum
		}

		entries = append(entries, entry)
	}

	return entries, nil
}
