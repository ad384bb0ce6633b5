package engine

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/renameio"

	"github.com/argusmon/argus/internal/debug"
	coreerrors "github.com/argusmon/argus/internal/errors"
	"github.com/argusmon/argus/internal/store"
)

// Snapshot format: an explicit versioned record, not a language-native
// object dump. Header is the magic then a big-endian u32 version; the body
// is a gzip-compressed gob. Version mismatches are a clean LoadFailure and
// the engine falls back to a cold start.
const snapshotVersion uint32 = 1

var snapshotMagic = []byte("ARGUSSUM")

// SnapshotFileName is the snapshot's name inside the cache directory.
const SnapshotFileName = "summary.snapshot"

// entryPagesDirName holds the paged matrix entries when the matrix is too
// large to load eagerly.
const entryPagesDirName = "summary_dir"

// entriesPerPage is the page granularity for paged snapshots.
const entriesPerPage = 5000

type cellState struct {
	Tool        string
	Status      int
	ScrollCol   int
	ScrollRow   int
	Compression string
}

type entryState struct {
	Path       string
	ChangeTime time.Time
	Cells      []cellState
}

type lineState struct {
	When    time.Time
	Text    string
	Command bool
}

// snapshotBody is everything persisted across runs. Artifacts stay in
// their own files; in-flight sweep state and OS handles are never
// serialized.
type snapshotBody struct {
	Order       int
	CursorX     int
	CursorY     int
	Compression string
	ToolHashes  map[string]string

	EntriesPaged bool
	EntryCount   int
	PageCount    int
	Entries      []entryState // empty when paged

	LogLines []lineState
}

// writeSnapshot atomically persists the body to path. Oversized matrices
// spill their entries into a paged directory beside the snapshot so a
// later load never needs the whole entry list decoded at once.
func writeSnapshot(path string, body *snapshotBody, pagedThreshold int) error {
	cacheDir := filepath.Dir(path)
	if len(body.Entries) > pagedThreshold {
		pageCount, err := writeEntryPages(filepath.Join(cacheDir, entryPagesDirName), body.Entries)
		if err != nil {
			return coreerrors.NewStorageFailure("snapshot pages", path, err)
		}
		body.EntriesPaged = true
		body.EntryCount = len(body.Entries)
		body.PageCount = pageCount
		body.Entries = nil
	} else {
		body.EntriesPaged = false
		body.EntryCount = len(body.Entries)
		_ = os.RemoveAll(filepath.Join(cacheDir, entryPagesDirName))
	}

	var buf bytes.Buffer
	buf.Write(snapshotMagic)
	if err := binary.Write(&buf, binary.BigEndian, snapshotVersion); err != nil {
		return coreerrors.NewStorageFailure("snapshot", path, err)
	}
	writer, err := store.Gzip.NewWriter(&buf)
	if err != nil {
		return coreerrors.NewStorageFailure("snapshot", path, err)
	}
	if err := gob.NewEncoder(writer).Encode(body); err != nil {
		return coreerrors.NewStorageFailure("snapshot", path, err)
	}
	if err := writer.Close(); err != nil {
		return coreerrors.NewStorageFailure("snapshot", path, err)
	}

	pending, err := renameio.TempFile("", path)
	if err != nil {
		return coreerrors.NewStorageFailure("snapshot", path, err)
	}
	defer pending.Cleanup()
	if _, err := pending.Write(buf.Bytes()); err != nil {
		return coreerrors.NewStorageFailure("snapshot", path, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return coreerrors.NewStorageFailure("snapshot", path, err)
	}
	debug.LogEngine("snapshot written: %d entries (paged=%v)\n",
		body.EntryCount, body.EntriesPaged)
	return nil
}

// readSnapshot loads and validates a snapshot body. Every failure mode is
// a LoadFailure; the caller cold-starts on any of them.
func readSnapshot(path string) (*snapshotBody, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, coreerrors.NewLoadFailure(path, err)
	}
	if len(data) < len(snapshotMagic)+4 || !bytes.Equal(data[:len(snapshotMagic)], snapshotMagic) {
		return nil, coreerrors.NewLoadFailure(path, fmt.Errorf("not a snapshot file"))
	}
	version := binary.BigEndian.Uint32(data[len(snapshotMagic):])
	if version != snapshotVersion {
		return nil, coreerrors.NewLoadFailure(path,
			fmt.Errorf("snapshot version %d, want %d", version, snapshotVersion))
	}
	reader, err := store.Gzip.NewReader(bytes.NewReader(data[len(snapshotMagic)+4:]))
	if err != nil {
		return nil, coreerrors.NewLoadFailure(path, err)
	}
	defer reader.Close()
	var body snapshotBody
	if err := gob.NewDecoder(reader).Decode(&body); err != nil {
		return nil, coreerrors.NewLoadFailure(path, err)
	}
	return &body, nil
}

// writeEntryPages stores entries as numbered gzip-gob pages, built in a
// tmp directory and renamed into place.
func writeEntryPages(dir string, entries []entryState) (int, error) {
	tmpDir := dir + ".tmp"
	if err := os.RemoveAll(tmpDir); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return 0, err
	}
	pageCount := (len(entries) + entriesPerPage - 1) / entriesPerPage
	for index := 0; index < pageCount; index++ {
		start := index * entriesPerPage
		end := start + entriesPerPage
		if end > len(entries) {
			end = len(entries)
		}
		if err := writeEntryPage(tmpDir, index, entries[start:end]); err != nil {
			_ = os.RemoveAll(tmpDir)
			return 0, err
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		_ = os.RemoveAll(tmpDir)
		return 0, err
	}
	if err := os.Rename(tmpDir, dir); err != nil {
		_ = os.RemoveAll(tmpDir)
		return 0, err
	}
	return pageCount, nil
}

func writeEntryPage(dir string, index int, entries []entryState) error {
	file, err := os.Create(filepath.Join(dir, strconv.Itoa(index)))
	if err != nil {
		return err
	}
	writer, err := store.Gzip.NewWriter(file)
	if err != nil {
		_ = file.Close()
		return err
	}
	if err := gob.NewEncoder(writer).Encode(entries); err != nil {
		_ = writer.Close()
		_ = file.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// readEntryPages streams paged entries to fn, one page in memory at a
// time.
func readEntryPages(dir string, pageCount int, fn func(entryState) error) error {
	for index := 0; index < pageCount; index++ {
		file, err := os.Open(filepath.Join(dir, strconv.Itoa(index)))
		if err != nil {
			return err
		}
		reader, err := store.Gzip.NewReader(file)
		if err != nil {
			_ = file.Close()
			return err
		}
		var entries []entryState
		err = gob.NewDecoder(reader).Decode(&entries)
		_ = reader.Close()
		_ = file.Close()
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := fn(entry); err != nil {
				return err
			}
		}
	}
	return nil
}

// ManageCache implements startup invalidation: when the engine binary is
// newer than the cache's creation_time marker, the whole cache is deleted
// and the run proceeds cold. The marker is created on first run.
func ManageCache(cacheDir string) (fresh bool, err error) {
	timestampPath := filepath.Join(cacheDir, "creation_time")
	if cacheInfo, statErr := os.Stat(cacheDir); statErr == nil && cacheInfo.IsDir() {
		exePath, exeErr := os.Executable()
		markerInfo, markerErr := os.Stat(timestampPath)
		if exeErr == nil && markerErr == nil {
			if exeInfo, err := os.Stat(exePath); err == nil &&
				exeInfo.ModTime().After(markerInfo.ModTime()) {
				if err := os.RemoveAll(cacheDir); err != nil {
					return false, err
				}
			}
		} else if markerErr != nil {
			// A cache directory without its marker is unaccounted for;
			// rebuild it.
			if err := os.RemoveAll(cacheDir); err != nil {
				return false, err
			}
		}
	}
	if _, statErr := os.Stat(cacheDir); os.IsNotExist(statErr) {
		if err := os.MkdirAll(cacheDir, 0755); err != nil {
			return false, err
		}
		marker, err := os.Create(timestampPath)
		if err != nil {
			return false, err
		}
		_ = marker.Close()
		return true, nil
	}
	return false, nil
}
