// Package matrix holds the summary matrix: one ordered row per source
// file, one cell per (file, tool) pair. All mutation goes through Matrix
// methods, which serialize state changes and keep the derived counters
// consistent.
package matrix

import (
	"github.com/argusmon/argus/internal/status"
	"github.com/argusmon/argus/internal/store"
	"github.com/argusmon/argus/internal/tools"
)

// Cell is the in-memory handle for one (path, tool) pair. Status and
// scroll mutations must go through the owning Matrix.
type Cell struct {
	Path        string
	Tool        *tools.Tool
	Status      status.Status
	ScrollCol   int
	ScrollRow   int
	Compression store.Compression

	entry *Entry
}

func newCell(path string, tool *tools.Tool) *Cell {
	return &Cell{
		Path:   path,
		Tool:   tool,
		Status: status.Pending,
	}
}

// RestoreCell rebuilds a cell from snapshot state. The owning entry is
// wired when the cell is appended to its row.
func RestoreCell(path string, tool *tools.Tool, st status.Status,
	scrollCol, scrollRow int, comp store.Compression) *Cell {
	return &Cell{
		Path:        path,
		Tool:        tool,
		Status:      st,
		ScrollCol:   scrollCol,
		ScrollRow:   scrollRow,
		Compression: comp,
	}
}

// IsTerminal reports whether the cell's job has completed.
func (c *Cell) IsTerminal() bool {
	return c.Status.IsTerminal()
}

// Entry returns the owning row.
func (c *Cell) Entry() *Entry {
	return c.entry
}

// setStatus changes the status and invalidates the row's rendered
// appearance. It does not persist anything.
func (c *Cell) setStatus(s status.Status) {
	c.Status = s
	if c.entry != nil {
		c.entry.invalidate()
	}
}
