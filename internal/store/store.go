// Package store persists per-cell artifact blobs in the project cache
// directory. Small artifacts are a single compressed file; large ones are
// paged into a sibling directory so viewing a report never needs the whole
// blob in memory.
package store

import (
	"bytes"
	"container/list"
	"encoding/gob"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio"

	"github.com/argusmon/argus/internal/debug"
	coreerrors "github.com/argusmon/argus/internal/errors"
)

// Blob is a lazy handle onto one artifact's rendered lines.
type Blob interface {
	// Known reports whether the artifact exists and is readable. Unknown
	// blobs render as a single "?" line.
	Known() bool
	Len() int
	Line(i int) (string, error)
	Slice(a, b int) ([]string, error)
}

// artifactRecord is the on-disk form of the single artifact file. When the
// blob is paged, Lines is empty and the pages directory holds the content.
type artifactRecord struct {
	Paged     bool
	Lines     []string
	Length    int
	PageSize  int
	PageCount int
}

// Store reads and writes artifact blobs under a cache directory.
type Store struct {
	cacheDir      string
	comp          Compression
	pageSize      int
	pageCacheSize int

	mu        sync.Mutex
	blobCache *blobLRU
}

// New creates a store writing with the given codec. Reads honor the codec
// recorded on each cell, so a store can read artifacts written under a
// different compression setting.
func New(cacheDir string, comp Compression, pageSize, pageCacheSize, blobCacheSize int) *Store {
	return &Store{
		cacheDir:      cacheDir,
		comp:          comp,
		pageSize:      pageSize,
		pageCacheSize: pageCacheSize,
		blobCache:     newBlobLRU(blobCacheSize),
	}
}

// Compression returns the codec used for new artifacts.
func (s *Store) Compression() Compression {
	return s.comp
}

// ArtifactPath maps a cell to its single-file blob path:
// <cache>/<rel_path>-<tool_name>, mirroring the project's directory layout
// under the cache directory.
func (s *Store) ArtifactPath(path, toolName string) string {
	rel := filepath.FromSlash(strings.TrimPrefix(path, "./"))
	return filepath.Join(s.cacheDir, rel+"-"+toolName)
}

// PagesDir is the sibling directory holding a paged artifact's pages.
func (s *Store) PagesDir(path, toolName string) string {
	return s.ArtifactPath(path, toolName) + ".pages"
}

// Put stores the rendered lines for a cell. The single file is written via
// tmp + atomic rename; an oversized blob is paged first and the single file
// then holds only the paging metadata. A failed put removes its tmp file
// before reporting.
func (s *Store) Put(path, toolName string, lines []string) error {
	dest := s.ArtifactPath(path, toolName)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return coreerrors.NewStorageFailure("put", dest, err)
	}

	record := artifactRecord{Lines: lines}
	if len(lines) > s.pageSize {
		paged, err := WritePagedLines(s.PagesDir(path, toolName), lines,
			s.pageSize, s.comp, s.pageCacheSize)
		if err != nil {
			return coreerrors.NewStorageFailure("put pages", dest, err)
		}
		record = artifactRecord{
			Paged:     true,
			Length:    paged.Len(),
			PageSize:  s.pageSize,
			PageCount: paged.PageCount(),
		}
	} else if err := os.RemoveAll(s.PagesDir(path, toolName)); err != nil {
		return coreerrors.NewStorageFailure("put", dest, err)
	}

	var buf bytes.Buffer
	writer, err := s.comp.NewWriter(&buf)
	if err != nil {
		return coreerrors.NewStorageFailure("put", dest, err)
	}
	if err := gob.NewEncoder(writer).Encode(record); err != nil {
		return coreerrors.NewStorageFailure("put", dest, err)
	}
	if err := writer.Close(); err != nil {
		return coreerrors.NewStorageFailure("put", dest, err)
	}

	pending, err := renameio.TempFile("", dest)
	if err != nil {
		return coreerrors.NewStorageFailure("put", dest, err)
	}
	defer pending.Cleanup()
	if _, err := pending.Write(buf.Bytes()); err != nil {
		return coreerrors.NewStorageFailure("put", dest, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return coreerrors.NewStorageFailure("put", dest, err)
	}

	s.Evict(path, toolName)
	debug.LogStore("stored %d lines for %s %s (paged=%v)\n",
		len(lines), toolName, path, record.Paged)
	return nil
}

// Get returns a lazy handle onto a cell's artifact, read with the codec the
// cell was written under. A missing, corrupted or unreadable artifact
// yields the Unknown sentinel.
func (s *Store) Get(path, toolName string, comp Compression) Blob {
	dest := s.ArtifactPath(path, toolName)
	if blob, ok := s.cachedBlob(dest); ok {
		return blob
	}
	blob := s.readBlob(path, toolName, dest, comp)
	if blob.Known() {
		s.cacheBlob(dest, blob)
	}
	return blob
}

func (s *Store) readBlob(path, toolName, dest string, comp Compression) Blob {
	file, err := os.Open(dest)
	if err != nil {
		return Unknown
	}
	defer file.Close()
	reader, err := comp.NewReader(file)
	if err != nil {
		debug.LogStore("unreadable artifact %s: %v\n", dest, err)
		return Unknown
	}
	defer reader.Close()
	var record artifactRecord
	if err := gob.NewDecoder(reader).Decode(&record); err != nil {
		debug.LogStore("corrupt artifact %s: %v\n", dest, err)
		return Unknown
	}
	if record.Paged {
		return OpenPagedLines(s.PagesDir(path, toolName), comp,
			record.PageSize, record.Length, record.PageCount, s.pageCacheSize)
	}
	return memBlob(record.Lines)
}

// Exists reports whether the single artifact file is present on disk.
func (s *Store) Exists(path, toolName string) bool {
	_, err := os.Stat(s.ArtifactPath(path, toolName))
	return err == nil
}

// Delete removes the artifact file and any pages directory. Errors other
// than "not found" surface as StorageFailure.
func (s *Store) Delete(path, toolName string) error {
	dest := s.ArtifactPath(path, toolName)
	s.Evict(path, toolName)
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return coreerrors.NewStorageFailure("delete", dest, err)
	}
	if err := os.RemoveAll(s.PagesDir(path, toolName)); err != nil {
		return coreerrors.NewStorageFailure("delete", dest, err)
	}
	return nil
}

// Evict drops a cell's blob handle from the in-memory cache.
func (s *Store) Evict(path, toolName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobCache.remove(s.ArtifactPath(path, toolName))
}

func (s *Store) cachedBlob(key string) (Blob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blobCache.get(key)
}

func (s *Store) cacheBlob(key string, blob Blob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobCache.put(key, blob)
}

// Unknown is the sentinel blob for missing or unreadable artifacts.
var Unknown Blob = unknownBlob{}

type unknownBlob struct{}

func (unknownBlob) Known() bool { return false }
func (unknownBlob) Len() int    { return 1 }
func (unknownBlob) Line(i int) (string, error) {
	return "?", nil
}
func (unknownBlob) Slice(a, b int) ([]string, error) {
	return []string{"?"}, nil
}

// memBlob holds a small artifact entirely in memory.
type memBlob []string

func (m memBlob) Known() bool { return true }
func (m memBlob) Len() int    { return len(m) }

func (m memBlob) Line(i int) (string, error) {
	if i < 0 || i >= len(m) {
		return "", os.ErrInvalid
	}
	return m[i], nil
}

func (m memBlob) Slice(a, b int) ([]string, error) {
	if a < 0 {
		a = 0
	}
	if b > len(m) {
		b = len(m)
	}
	if a >= b {
		return nil, nil
	}
	return append([]string(nil), m[a:b]...), nil
}

// blobLRU caps the number of artifact handles held in memory.
type blobLRU struct {
	size    int
	order   *list.List
	entries map[string]*list.Element
}

type blobEntry struct {
	key  string
	blob Blob
}

func newBlobLRU(size int) *blobLRU {
	if size < 1 {
		size = 1
	}
	return &blobLRU{
		size:    size,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *blobLRU) get(key string) (Blob, bool) {
	element, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(element)
	return element.Value.(*blobEntry).blob, true
}

func (c *blobLRU) put(key string, blob Blob) {
	if element, ok := c.entries[key]; ok {
		c.order.MoveToFront(element)
		element.Value.(*blobEntry).blob = blob
		return
	}
	c.entries[key] = c.order.PushFront(&blobEntry{key: key, blob: blob})
	if c.order.Len() > c.size {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*blobEntry).key)
	}
}

func (c *blobLRU) remove(key string) {
	if element, ok := c.entries[key]; ok {
		c.order.Remove(element)
		delete(c.entries, key)
	}
}
