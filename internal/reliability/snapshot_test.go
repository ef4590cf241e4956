package reliability

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	sum, err := fileChecksum(path)
	require.NoError(t, err)
	// sha256("hello")
	assert.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sum)
}

func TestCreateArchiveRoundTrip(t *testing.T) {
	dir := t.TempDir()

	dbPath := filepath.Join(dir, "market.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("database-bytes"), 0644))

	metaPath := filepath.Join(dir, "snapshot-metadata.json")
	require.NoError(t, writeMetadata(metaPath, SnapshotMetadata{
		Timestamp: time.Now().UTC(),
		Filename:  "market.db",
		SizeBytes: 14,
		Checksum:  "sha256:abc",
	}))

	archivePath := filepath.Join(dir, "backup.tar.gz")
	require.NoError(t, createArchive(archivePath, []string{dbPath, metaPath}))

	// Extract and verify both members survived intact.
	f, err := os.Open(archivePath)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	contents := map[string][]byte{}
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		contents[header.Name] = data
	}

	assert.Equal(t, []byte("database-bytes"), contents["market.db"])

	var meta SnapshotMetadata
	require.NoError(t, json.Unmarshal(contents["snapshot-metadata.json"], &meta))
	assert.Equal(t, "market.db", meta.Filename)
	assert.Equal(t, int64(14), meta.SizeBytes)
}
