package manifest

import (
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchq/fetchq/internal/queue"
)

func TestLoad(t *testing.T) {
	fs := afero.NewMemMapFs()

	content := `downloads:
  - url: https://example.com/a.iso
    output: /downloads/a.iso
    checksum: sha256:` + strings.Repeat("ab", 32) + `
  - url: https://example.com/b.iso
    output: /downloads/b.iso
`
	require.NoError(t, afero.WriteFile(fs, "/etc/fetchq/manifest.yaml", []byte(content), 0o644))

	entries, err := Load(fs, "/etc/fetchq/manifest.yaml")
	require.NoError(t, err)

	require.Len(t, entries, 2)

	assert.Equal(t, "https://example.com/a.iso", entries[0].URL)
	assert.Equal(t, "/downloads/a.iso", entries[0].Output)
	assert.Equal(t, &queue.Checksum{Algorithm: "sha256", ExpectedHex: strings.Repeat("ab", 32)}, entries[0].Checksum)

	assert.Nil(t, entries[1].Checksum, "the checksum field is optional")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(afero.NewMemMapFs(), "/nope.yaml")

	assert.ErrorContains(t, err, "reading manifest")
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "not yaml",
			yaml:    "downloads: [",
			wantErr: "parsing manifest",
		},
		{
			name:    "empty document",
			yaml:    "downloads: []",
			wantErr: "no downloads",
		},
		{
			name:    "missing url",
			yaml:    "downloads:\n  - output: /downloads/a",
			wantErr: "entry 0: missing url",
		},
		{
			name:    "missing output",
			yaml:    "downloads:\n  - url: https://example.com/a",
			wantErr: "entry 0: missing output",
		},
		{
			name:    "bad checksum spec",
			yaml:    "downloads:\n  - url: https://example.com/a\n    output: /downloads/a\n    checksum: crc32:aa",
			wantErr: "unsupported checksum algorithm",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
