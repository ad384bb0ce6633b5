package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir(), Gzip, 500, 2, 50)
}

func TestPutGetSmallArtifact(t *testing.T) {
	artifacts := newTestStore(t)
	lines := []string{"first", "second", "third"}
	require.NoError(t, artifacts.Put("./a/b.py", "pylint", lines))

	blob := artifacts.Get("./a/b.py", "pylint", Gzip)
	assert.True(t, blob.Known())
	assert.Equal(t, 3, blob.Len())
	line, err := blob.Line(1)
	require.NoError(t, err)
	assert.Equal(t, "second", line)
	slice, err := blob.Slice(0, 2)
	require.NoError(t, err)
	assert.Equal(t, lines[0:2], slice)
}

func TestPutPagesLargeArtifact(t *testing.T) {
	artifacts := New(t.TempDir(), Gzip, 10, 2, 50)
	lines := makeLines(35)
	require.NoError(t, artifacts.Put("./big.py", "contents", lines))

	pagesDir := artifacts.PagesDir("./big.py", "contents")
	info, err := os.Stat(pagesDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	blob := artifacts.Get("./big.py", "contents", Gzip)
	assert.True(t, blob.Known())
	assert.Equal(t, 35, blob.Len())
	slice, err := blob.Slice(8, 23)
	require.NoError(t, err)
	assert.Equal(t, lines[8:23], slice)
}

func TestGetMissingReturnsUnknown(t *testing.T) {
	artifacts := newTestStore(t)
	blob := artifacts.Get("./absent.py", "pylint", Gzip)
	assert.False(t, blob.Known())
	line, err := blob.Line(0)
	require.NoError(t, err)
	assert.Equal(t, "?", line)
}

func TestGetCorruptTreatedAsMissing(t *testing.T) {
	artifacts := newTestStore(t)
	dest := artifacts.ArtifactPath("./x.py", "pylint")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0755))
	require.NoError(t, os.WriteFile(dest, []byte("not a gzip stream"), 0644))

	blob := artifacts.Get("./x.py", "pylint", Gzip)
	assert.False(t, blob.Known())
}

func TestDeleteRemovesFileAndPages(t *testing.T) {
	artifacts := New(t.TempDir(), Gzip, 10, 2, 50)
	require.NoError(t, artifacts.Put("./c.py", "contents", makeLines(25)))
	require.True(t, artifacts.Exists("./c.py", "contents"))

	require.NoError(t, artifacts.Delete("./c.py", "contents"))
	assert.False(t, artifacts.Exists("./c.py", "contents"))
	_, err := os.Stat(artifacts.PagesDir("./c.py", "contents"))
	assert.True(t, os.IsNotExist(err))

	// Deleting an absent artifact is not an error.
	require.NoError(t, artifacts.Delete("./c.py", "contents"))
}

func TestPutLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	artifacts := New(dir, Gzip, 500, 2, 50)
	require.NoError(t, artifacts.Put("./d.py", "contents", []string{"x"}))

	var leftovers []string
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && strings.Contains(info.Name(), ".tmp") {
			leftovers = append(leftovers, path)
		}
		return nil
	})
	assert.Empty(t, leftovers)
}

func TestPutOverwriteInvalidatesCache(t *testing.T) {
	artifacts := newTestStore(t)
	require.NoError(t, artifacts.Put("./e.py", "contents", []string{"old"}))
	_ = artifacts.Get("./e.py", "contents", Gzip) // warm the blob cache

	require.NoError(t, artifacts.Put("./e.py", "contents", []string{"new"}))
	blob := artifacts.Get("./e.py", "contents", Gzip)
	line, err := blob.Line(0)
	require.NoError(t, err)
	assert.Equal(t, "new", line)
}

func TestCrossCompressionRead(t *testing.T) {
	dir := t.TempDir()
	writer := New(dir, Bz2, 500, 2, 50)
	require.NoError(t, writer.Put("./f.py", "contents", []string{"payload"}))

	// A store configured for gzip still reads a bz2-written artifact when
	// the cell's recorded codec is passed.
	reader := New(dir, Gzip, 500, 2, 50)
	blob := reader.Get("./f.py", "contents", Bz2)
	assert.True(t, blob.Known())
	line, err := blob.Line(0)
	require.NoError(t, err)
	assert.Equal(t, "payload", line)
}
