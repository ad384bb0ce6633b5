package matrix

import (
	"strings"
	"time"

	"github.com/argusmon/argus/internal/tools"
)

// Entry is one file's row: its path, the filesystem change time at last
// observation, and one cell per tool applicable at creation time.
type Entry struct {
	Path       string
	ChangeTime time.Time
	Cells      []*Cell

	appearance string // cached rendered row; "" means stale
}

// NewEntry builds a row with one Pending cell per tool. Every cell gets
// its back-reference here; cells appended later get theirs in appendCell.
func NewEntry(path string, changeTime time.Time, row []*tools.Tool) *Entry {
	entry := &Entry{
		Path:       path,
		ChangeTime: changeTime,
		Cells:      make([]*Cell, 0, len(row)),
	}
	for _, tool := range row {
		entry.appendCell(newCell(path, tool))
	}
	return entry
}

// RestoreEntry builds an empty row during snapshot load; cells follow via
// AppendCell.
func RestoreEntry(path string, changeTime time.Time) *Entry {
	return &Entry{Path: path, ChangeTime: changeTime}
}

// AppendCell attaches a cell to the row, wiring its back-reference. Cells
// inserted after construction get the same back-reference as the
// originals.
func (e *Entry) AppendCell(cell *Cell) {
	e.appendCell(cell)
}

// appendCell attaches a cell to the row, wiring its back-reference.
func (e *Entry) appendCell(cell *Cell) {
	cell.entry = e
	e.Cells = append(e.Cells, cell)
	e.invalidate()
}

func (e *Entry) invalidate() {
	e.appearance = ""
}

// Width is the number of cells in the row.
func (e *Entry) Width() int {
	return len(e.Cells)
}

// Appearance renders the row as status glyphs, padding to matrixWidth,
// then the path. The rendering is cached until a cell changes.
func (e *Entry) Appearance(matrixWidth int) string {
	if e.appearance != "" {
		return e.appearance
	}
	var builder strings.Builder
	for _, cell := range e.Cells {
		builder.WriteString(cell.Status.Glyph())
	}
	padding := matrixWidth - len(e.Cells) + 1
	if padding > 0 {
		builder.WriteString(strings.Repeat(" ", padding))
	}
	builder.WriteString(strings.TrimPrefix(e.Path, "./"))
	e.appearance = builder.String()
	return e.appearance
}
