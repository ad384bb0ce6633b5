package matrix

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argusmon/argus/internal/status"
	"github.com/argusmon/argus/internal/store"
	"github.com/argusmon/argus/internal/tools"
)

// testTable gives .py files two cells and everything else one, using only
// executables that always exist.
const testTable = `
generic = ["contents"]

[[tools]]
name = "contents"
command = "cat"
success_status = "normal"

[[tools]]
name = "pycheck"
command = "true"
executables = ["true"]

[[extensions]]
extensions = ["py"]
tools = ["pycheck"]
`

func newTestMatrix(t *testing.T) (*Matrix, *store.Store) {
	t.Helper()
	registry, err := tools.LoadTable([]byte(testTable))
	require.NoError(t, err)
	artifacts := store.New(t.TempDir(), store.Gzip, 500, 2, 50)
	return New(artifacts, registry), artifacts
}

// checkInvariants verifies the cross-cutting matrix invariants that must
// hold whenever no mutation is in flight.
func checkInvariants(t *testing.T, m *Matrix) {
	t.Helper()
	total, completed, maxWidth, maxPath := 0, 0, 0, 0
	seen := make(map[string]bool)
	var previous string
	first := true
	m.ForEachEntry(func(entry *Entry) {
		total += entry.Width()
		if entry.Width() > maxWidth {
			maxWidth = entry.Width()
		}
		if l := displayLength(entry.Path); l > maxPath {
			maxPath = l
		}
		for _, cell := range entry.Cells {
			if cell.IsTerminal() {
				completed++
			}
			key := cell.Path + "\x00" + cell.Tool.Name
			assert.False(t, seen[key], "duplicate cell %s", key)
			seen[key] = true
			assert.Same(t, entry, cell.Entry(), "cell back-reference")
		}
		if !first {
			assert.False(t, less(m.order, entry.Path, previous),
				"entries out of order: %s before %s", previous, entry.Path)
		}
		previous, first = entry.Path, false
	})
	assert.Equal(t, total, m.ResultTotal(), "result_total")
	assert.Equal(t, completed, m.CompletedTotal(), "completed_total")
	assert.Equal(t, maxWidth, m.MaxEntryWidth(), "max_entry_width")
	assert.Equal(t, maxPath, m.MaxPathLength(), "max_path_length")
}

func TestAddIsIdempotent(t *testing.T) {
	m, _ := newTestMatrix(t)
	now := time.Now()
	m.OnFileAdded("./a.py", now)
	m.OnFileAdded("./a.py", now)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 2, m.ResultTotal())
	checkInvariants(t, m)
}

func TestDeleteAbsentIsNoop(t *testing.T) {
	m, _ := newTestMatrix(t)
	m.OnFileDeleted("./nope.py")
	m.OnFileModified("./nope.py", time.Now())
	assert.Equal(t, 0, m.Len())
	checkInvariants(t, m)
}

func TestRandomOperationSequencesKeepInvariants(t *testing.T) {
	m, _ := newTestMatrix(t)
	rng := rand.New(rand.NewSource(7))
	paths := make([]string, 30)
	for i := range paths {
		if i%3 == 0 {
			paths[i] = fmt.Sprintf("./dir%d/f%d.py", i%5, i)
		} else {
			paths[i] = fmt.Sprintf("./dir%d/f%d.txt", i%5, i)
		}
	}
	for step := 0; step < 500; step++ {
		path := paths[rng.Intn(len(paths))]
		switch rng.Intn(4) {
		case 0:
			m.OnFileAdded(path, time.Now())
		case 1:
			m.OnFileDeleted(path)
		case 2:
			m.OnFileModified(path, time.Now())
		case 3:
			if entry, ok := m.Entry(path); ok && entry.Width() > 0 {
				cell := entry.Cells[rng.Intn(entry.Width())]
				m.MarkCompleted(cell, status.Ok, store.Gzip)
			}
		}
		checkInvariants(t, m)
	}
}

func TestModifiedResetsAllCells(t *testing.T) {
	m, artifacts := newTestMatrix(t)
	m.OnFileAdded("./a.py", time.Now())
	entry, _ := m.Entry("./a.py")

	require.NoError(t, artifacts.Put("./a.py", "contents", []string{"x"}))
	m.MarkCompleted(entry.Cells[0], status.Ok, store.Gzip)
	m.MarkRunning(entry.Cells[1])
	assert.Equal(t, 1, m.CompletedTotal())

	later := time.Now().Add(time.Second)
	m.OnFileModified("./a.py", later)

	for _, cell := range entry.Cells {
		assert.Equal(t, status.Pending, cell.Status)
	}
	assert.Equal(t, 0, m.CompletedTotal())
	assert.Equal(t, later, entry.ChangeTime)
	assert.False(t, artifacts.Exists("./a.py", "contents"),
		"modification must remove the stale artifact")
	checkInvariants(t, m)
}

func TestRefreshIsIdempotentAndRemovesArtifact(t *testing.T) {
	m, artifacts := newTestMatrix(t)
	m.OnFileAdded("./a.txt", time.Now())
	cell := mustCell(t, m, "./a.txt", 0)

	require.NoError(t, artifacts.Put("./a.txt", "contents", []string{"x"}))
	m.MarkCompleted(cell, status.Problem, store.Gzip)

	m.Refresh(cell)
	assert.Equal(t, status.Pending, cell.Status)
	assert.False(t, artifacts.Exists("./a.txt", "contents"))
	first := m.CompletedTotal()

	m.Refresh(cell) // reset; reset ≡ reset
	assert.Equal(t, status.Pending, cell.Status)
	assert.Equal(t, first, m.CompletedTotal())
	checkInvariants(t, m)
}

func TestRefreshToolOnlyTouchesThatTool(t *testing.T) {
	m, _ := newTestMatrix(t)
	m.OnFileAdded("./a.py", time.Now())
	m.OnFileAdded("./b.py", time.Now())

	entryA, _ := m.Entry("./a.py")
	entryB, _ := m.Entry("./b.py")
	pycheck := entryA.Cells[1].Tool
	m.MarkCompleted(entryA.Cells[0], status.Ok, store.Gzip)
	m.MarkCompleted(entryA.Cells[1], status.Ok, store.Gzip)
	m.MarkCompleted(entryB.Cells[1], status.Problem, store.Gzip)

	m.RefreshTool(pycheck)
	assert.Equal(t, status.Ok, entryA.Cells[0].Status)
	assert.Equal(t, status.Pending, entryA.Cells[1].Status)
	assert.Equal(t, status.Pending, entryB.Cells[1].Status)
	checkInvariants(t, m)
}

func TestClearRunning(t *testing.T) {
	m, _ := newTestMatrix(t)
	m.OnFileAdded("./a.py", time.Now())
	entry, _ := m.Entry("./a.py")
	m.MarkRunning(entry.Cells[0])
	m.MarkCompleted(entry.Cells[1], status.Ok, store.Gzip)

	m.ClearRunning()
	assert.Equal(t, status.Pending, entry.Cells[0].Status)
	assert.Equal(t, status.Ok, entry.Cells[1].Status)
	checkInvariants(t, m)
}

func TestSortPreservesSelection(t *testing.T) {
	m, _ := newTestMatrix(t)
	m.OnFileAdded("./z/a.txt", time.Now())
	m.OnFileAdded("./a/b.py", time.Now())
	m.OnFileAdded("./a/c.txt", time.Now())

	// Select ./z/a.txt (last under directory order).
	m.SetCursor(0, m.Len()-1)
	selected := m.Selection()
	require.NotNil(t, selected)

	m.SortEntries(OrderType)
	assert.Equal(t, selected.Path, m.Selection().Path)
	checkInvariants(t, m)

	m.SortEntries(OrderDirectory)
	assert.Equal(t, selected.Path, m.Selection().Path)
	checkInvariants(t, m)
}

func TestSelectionFallsToLastRowWhenPathVanishes(t *testing.T) {
	m, _ := newTestMatrix(t)
	m.OnFileAdded("./a.txt", time.Now())
	m.OnFileAdded("./b.txt", time.Now())
	m.OnFileAdded("./c.txt", time.Now())
	m.SetCursor(0, 2)

	m.OnFileDeleted("./c.txt")
	_, y := m.CursorPosition()
	assert.Equal(t, 1, y)
	checkInvariants(t, m)
}

func TestCursorOnEmptyMatrix(t *testing.T) {
	m, _ := newTestMatrix(t)
	m.CursorUp()
	m.CursorDown()
	m.CursorLeft()
	m.CursorRight()
	m.CursorHome()
	m.CursorEnd()
	m.CursorPageUp(10)
	m.CursorPageDown(10)
	m.Scroll(0, 3)
	m.MoveToNextIssue(nil)
	x, y := m.CursorPosition()
	assert.Equal(t, 0, x)
	assert.Equal(t, 0, y)
	assert.Nil(t, m.Selection())
}

func TestCursorWrapsAndKeepsVirtualColumn(t *testing.T) {
	m, _ := newTestMatrix(t)
	m.OnFileAdded("./a.py", time.Now())  // width 2
	m.OnFileAdded("./b.txt", time.Now()) // width 1

	// Directory order: a.py (row 0), b.txt (row 1).
	m.SetCursor(1, 0)
	x, _ := m.CursorPosition()
	assert.Equal(t, 1, x)

	m.CursorDown() // narrow row clamps the displayed column…
	x, y := m.CursorPosition()
	assert.Equal(t, 0, x)
	assert.Equal(t, 1, y)

	m.CursorDown() // …but the virtual column survives the round trip
	x, y = m.CursorPosition()
	assert.Equal(t, 1, x)
	assert.Equal(t, 0, y)

	// Horizontal wrap within the row.
	m.CursorRight()
	x, _ = m.CursorPosition()
	assert.Equal(t, 0, x)
	m.CursorLeft()
	x, _ = m.CursorPosition()
	assert.Equal(t, 1, x)

	// Vertical wrap.
	m.CursorUp()
	_, y = m.CursorPosition()
	assert.Equal(t, 1, y)
}

func TestCursorAdjustsAcrossInsertAndDelete(t *testing.T) {
	m, _ := newTestMatrix(t)
	m.OnFileAdded("./m.txt", time.Now())
	m.OnFileAdded("./t.txt", time.Now())
	m.SetCursor(0, 1) // on t.txt

	// Inserting before the cursor pushes it down; the selection is stable.
	m.OnFileAdded("./a.txt", time.Now())
	_, y := m.CursorPosition()
	assert.Equal(t, 2, y)
	assert.Equal(t, "./t.txt", m.Selection().Path)

	// Deleting before the cursor pulls it back up.
	m.OnFileDeleted("./a.txt")
	_, y = m.CursorPosition()
	assert.Equal(t, 1, y)
	assert.Equal(t, "./t.txt", m.Selection().Path)
}

func TestMoveToNextIssue(t *testing.T) {
	m, _ := newTestMatrix(t)
	m.OnFileAdded("./a.py", time.Now())
	m.OnFileAdded("./b.py", time.Now())
	m.OnFileAdded("./c.py", time.Now())
	entryB, _ := m.Entry("./b.py")
	entryC, _ := m.Entry("./c.py")
	m.MarkCompleted(entryB.Cells[1], status.Problem, store.Gzip)
	m.MarkCompleted(entryC.Cells[0], status.Problem, store.Gzip)

	m.SetCursor(0, 0)
	m.MoveToNextIssue(nil)
	x, y := m.CursorPosition()
	assert.Equal(t, [2]int{1, 1}, [2]int{x, y})

	m.MoveToNextIssue(nil)
	x, y = m.CursorPosition()
	assert.Equal(t, [2]int{0, 2}, [2]int{x, y})

	// Wraps back around to the first issue.
	m.MoveToNextIssue(nil)
	x, y = m.CursorPosition()
	assert.Equal(t, [2]int{1, 1}, [2]int{x, y})
}

func TestMoveToNextIssueRestrictedToTool(t *testing.T) {
	m, _ := newTestMatrix(t)
	m.OnFileAdded("./a.py", time.Now())
	m.OnFileAdded("./b.py", time.Now())
	entryA, _ := m.Entry("./a.py")
	entryB, _ := m.Entry("./b.py")
	contents := entryA.Cells[0].Tool
	m.MarkCompleted(entryA.Cells[1], status.Problem, store.Gzip)
	m.MarkCompleted(entryB.Cells[0], status.Problem, store.Gzip)

	m.SetCursor(0, 0)
	m.MoveToNextIssue(contents)
	x, y := m.CursorPosition()
	assert.Equal(t, [2]int{0, 1}, [2]int{x, y})
}

func TestMoveToNextIssueWithoutIssuesLeavesCursor(t *testing.T) {
	m, _ := newTestMatrix(t)
	m.OnFileAdded("./a.py", time.Now())
	m.SetCursor(1, 0)
	m.MoveToNextIssue(nil)
	x, y := m.CursorPosition()
	assert.Equal(t, [2]int{1, 0}, [2]int{x, y})
}

func TestNotifiersFire(t *testing.T) {
	m, _ := newTestMatrix(t)
	jobs, appearance := 0, 0
	m.SetNotifiers(func() { jobs++ }, func() { appearance++ })

	m.OnFileAdded("./a.py", time.Now())
	assert.Equal(t, 1, jobs)
	assert.Greater(t, appearance, 0)

	cell := mustCell(t, m, "./a.py", 0)
	m.MarkCompleted(cell, status.Ok, store.Gzip)
	m.Refresh(cell)
	assert.Equal(t, 2, jobs)
}

func TestRowAppearance(t *testing.T) {
	m, _ := newTestMatrix(t)
	m.OnFileAdded("./a.py", time.Now())
	cell := mustCell(t, m, "./a.py", 0)
	m.MarkCompleted(cell, status.Problem, store.Gzip)

	row := m.RowAppearance(0)
	assert.Contains(t, row, "a.py")
	assert.Contains(t, row, status.Problem.Glyph())
	assert.Contains(t, row, status.Pending.Glyph())
}

func mustCell(t *testing.T, m *Matrix, path string, index int) *Cell {
	t.Helper()
	entry, ok := m.Entry(path)
	require.True(t, ok)
	require.Greater(t, entry.Width(), index)
	return entry.Cells[index]
}
