package matrix

import (
	"github.com/argusmon/argus/internal/status"
)

// Scheduler produces the next Pending cell in cursor-proximity order so
// the visible area of the matrix becomes live first. It holds no mutable
// state except a one-slot sweep cache, discarded whenever the matrix
// generation moves.
type Scheduler struct {
	matrix *Matrix
	sweep  *sweep
}

// NewScheduler creates a scheduler over the matrix.
func NewScheduler(m *Matrix) *Scheduler {
	return &Scheduler{matrix: m}
}

// NextPending returns the closest pending cell, or nil for end of stream.
// Each returned cell was Pending at the moment it was observed; no
// reservation is made, so a racing reset simply causes a superseded
// completion later.
//
// Safe for concurrent use: the whole step runs under the matrix lock.
func (s *Scheduler) NextPending() *Cell {
	m := s.matrix
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) == 0 || m.resultTotal == 0 {
		return nil
	}
	if s.sweep == nil || s.sweep.generation != m.generation {
		x, y := m.cursorPositionLocked()
		s.sweep = newSweep(m.generation, x, y)
	}
	sw := s.sweep
	if sw.exhausted {
		return nil
	}
	// The pass inspects at most resultTotal cells: once every cell has
	// been seen, the remaining stream is repetition and the pass ends.
	for sw.inspected < m.resultTotal {
		cell := sw.next(m)
		if cell == nil {
			break
		}
		sw.inspected++
		if cell.Status == status.Pending {
			return cell
		}
	}
	sw.exhausted = true
	return nil
}

// sweep interleaves two lazy traversals from the cursor: sweep_down (the
// suffix of the cursor row, then following rows left-to-right, wrapping)
// and sweep_up (the reversed prefix of the cursor row, then preceding rows
// right-to-left, wrapping). Cells stream as down, up, down, up, …
type sweep struct {
	generation uint64
	inspected  int
	exhausted  bool

	turnUp bool
	down   sweepCursor
	up     sweepCursor
}

func newSweep(generation uint64, x, y int) *sweep {
	return &sweep{
		generation: generation,
		down:       sweepCursor{row: y, col: x},
		up:         sweepCursor{row: y, col: x - 1, reverse: true},
	}
}

func (s *sweep) next(m *Matrix) *Cell {
	var cell *Cell
	if s.turnUp {
		cell = s.up.next(m)
	} else {
		cell = s.down.next(m)
	}
	s.turnUp = !s.turnUp
	return cell
}

// sweepCursor walks rows in one direction forever, skipping empty rows.
// The first row may start mid-row (the cursor prefix or suffix); every row
// after that is traversed in full.
type sweepCursor struct {
	row     int
	col     int
	reverse bool
}

func (c *sweepCursor) next(m *Matrix) *Cell {
	rows := len(m.entries)
	for attempts := 0; attempts <= rows; attempts++ {
		row := m.entries[c.row]
		if c.reverse {
			if c.col >= row.Width() {
				c.col = row.Width() - 1
			}
			if c.col >= 0 {
				cell := row.Cells[c.col]
				c.col--
				return cell
			}
			c.row = mod(c.row-1, rows)
			c.col = m.entries[c.row].Width() - 1
			continue
		}
		if c.col < row.Width() {
			cell := row.Cells[c.col]
			c.col++
			return cell
		}
		c.row = mod(c.row+1, rows)
		c.col = 0
	}
	return nil
}
