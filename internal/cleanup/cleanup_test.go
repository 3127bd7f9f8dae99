package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeleteExpiredArtifacts(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "queue.json")

	old := time.Now().Add(-48 * time.Hour)

	for _, name := range []string{"queue.json.v1.0.bak", "queue.json.corrupt"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
		require.NoError(t, os.Chtimes(path, old, old))
	}

	fresh := filepath.Join(dir, "queue.json.v1.1.bak")
	require.NoError(t, os.WriteFile(fresh, []byte("{}"), 0o644))

	// The live document is never a candidate, regardless of age.
	require.NoError(t, os.WriteFile(statePath, []byte("{}"), 0o644))
	require.NoError(t, os.Chtimes(statePath, old, old))

	require.NoError(t, DeleteExpiredArtifacts(context.Background(), statePath, 24*time.Hour))

	_, err := os.Stat(filepath.Join(dir, "queue.json.v1.0.bak"))
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(filepath.Join(dir, "queue.json.corrupt"))
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(fresh)
	assert.NoError(t, err, "artifacts inside the retention window stay")

	_, err = os.Stat(statePath)
	assert.NoError(t, err)
}

func TestDeleteExpiredArtifactsNothingToDo(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "queue.json")

	require.NoError(t, DeleteExpiredArtifacts(context.Background(), statePath, time.Hour))
}
