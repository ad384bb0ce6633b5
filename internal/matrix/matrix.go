package matrix

import (
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/argusmon/argus/internal/debug"
	"github.com/argusmon/argus/internal/status"
	"github.com/argusmon/argus/internal/store"
	"github.com/argusmon/argus/internal/tools"
	"github.com/argusmon/argus/pkg/pathutil"
)

// Order is the total order entries are kept in.
type Order int

const (
	// OrderDirectory sorts by (dirname, extension, basename).
	OrderDirectory Order = iota
	// OrderType sorts by (extension, dirname, basename).
	OrderType
)

// Matrix is the ordered set of file entries and their tool cells. One
// mutex serializes every mutation, so derived counters and the sort order
// are always consistent when no call is in flight.
type Matrix struct {
	mu      sync.Mutex
	store   *store.Store
	reg     *tools.Registry
	entries []*Entry
	index   map[string]*Entry
	order   Order

	// cursorX is virtual: the displayed column is clamped to the current
	// row's width so the cursor glides across rows of different widths.
	cursorX, cursorY int
	scrollY          int

	resultTotal    int
	completedTotal int
	maxEntryWidth  int
	maxPathLength  int

	// generation changes on any mutation that invalidates an in-flight
	// placeholder sweep: cursor movement, sort change, structural edits,
	// refreshes. Status-only transitions leave it alone.
	generation uint64

	onJobsAdded  func()
	onAppearance func()
}

// New creates an empty matrix. The store is used to delete artifacts when
// cells are reset or removed.
func New(artifacts *store.Store, reg *tools.Registry) *Matrix {
	return &Matrix{
		store: artifacts,
		reg:   reg,
		index: make(map[string]*Entry),
	}
}

// SetNotifiers wires the jobs-added and appearance-changed signals. Both
// callbacks are invoked without the matrix lock held.
func (m *Matrix) SetNotifiers(onJobsAdded, onAppearance func()) {
	m.onJobsAdded = onJobsAdded
	m.onAppearance = onAppearance
}

func (m *Matrix) signalJobs() {
	if m.onJobsAdded != nil {
		m.onJobsAdded()
	}
}

func (m *Matrix) signalAppearance() {
	if m.onAppearance != nil {
		m.onAppearance()
	}
}

// sortKey returns the components compared under the current order.
func sortKey(order Order, p string) (string, string, string) {
	trimmed := strings.TrimPrefix(p, "./")
	dir := path.Dir(trimmed)
	base := path.Base(trimmed)
	_, ext := pathutil.SplitExt(base)
	if order == OrderType {
		return ext, dir, base
	}
	return dir, ext, base
}

func less(order Order, a, b string) bool {
	a1, a2, a3 := sortKey(order, a)
	b1, b2, b3 := sortKey(order, b)
	if a1 != b1 {
		return a1 < b1
	}
	if a2 != b2 {
		return a2 < b2
	}
	return a3 < b3
}

// OnFileAdded inserts a new entry for p in sort order. Present paths are a
// no-op: matrix mutations are idempotent so the watcher needs no
// debouncing. Reports whether the matrix changed.
func (m *Matrix) OnFileAdded(p string, changeTime time.Time) bool {
	m.mu.Lock()
	if _, exists := m.index[p]; exists {
		m.mu.Unlock()
		return false
	}
	entry := NewEntry(p, changeTime, m.reg.ToolsForPath(p))
	jobsAdded := entry.Width() > 0
	m.insertLocked(entry, true)
	m.mu.Unlock()

	if jobsAdded {
		m.signalJobs()
	}
	m.signalAppearance()
	return true
}

// AddRestoredEntry inserts an entry rebuilt from a snapshot. Counters
// account for already-terminal cells and the cursor is left alone; the
// controller repositions it once loading finishes.
func (m *Matrix) AddRestoredEntry(entry *Entry) {
	m.mu.Lock()
	if _, exists := m.index[entry.Path]; exists {
		m.mu.Unlock()
		return
	}
	m.insertLocked(entry, false)
	m.mu.Unlock()
}

func (m *Matrix) insertLocked(entry *Entry, adjustCursor bool) {
	idx := sort.Search(len(m.entries), func(i int) bool {
		return !less(m.order, m.entries[i].Path, entry.Path)
	})
	m.entries = append(m.entries, nil)
	copy(m.entries[idx+1:], m.entries[idx:])
	m.entries[idx] = entry
	m.index[entry.Path] = entry

	m.resultTotal += entry.Width()
	for _, cell := range entry.Cells {
		if cell.IsTerminal() {
			m.completedTotal++
		}
	}
	if entry.Width() > m.maxEntryWidth {
		m.maxEntryWidth = entry.Width()
	}
	if pathLen := displayLength(entry.Path); pathLen > m.maxPathLength {
		m.maxPathLength = pathLen
	}
	if adjustCursor && len(m.entries) > 1 && idx <= m.cursorY {
		m.cursorY++
		m.scrollY++
	}
	m.generation++
}

func displayLength(p string) int {
	return len(strings.TrimPrefix(p, "./"))
}

// OnFileDeleted removes the entry for p, deleting each cell's artifact.
// Reports whether the matrix changed.
func (m *Matrix) OnFileDeleted(p string) bool {
	m.mu.Lock()
	entry, exists := m.index[p]
	if !exists {
		m.mu.Unlock()
		return false
	}
	idx := m.indexOfLocked(entry)
	m.entries = append(m.entries[:idx], m.entries[idx+1:]...)
	delete(m.index, p)

	m.resultTotal -= entry.Width()
	for _, cell := range entry.Cells {
		if cell.IsTerminal() {
			m.completedTotal--
		}
		m.deleteArtifact(cell)
	}
	if entry.Width() == m.maxEntryWidth {
		m.recomputeMaxWidthLocked()
	}
	if displayLength(entry.Path) == m.maxPathLength {
		m.recomputeMaxPathLocked()
	}
	if idx < m.cursorY {
		m.cursorY--
	}
	if m.cursorY >= len(m.entries) {
		m.cursorY = len(m.entries) - 1
	}
	if m.cursorY < 0 {
		m.cursorY = 0
	}
	m.generation++
	m.mu.Unlock()

	m.signalAppearance()
	return true
}

// OnFileModified resets every cell of the entry to Pending, regardless of
// prior status, and records the new change time. After a modification the
// whole row reflects exactly the new content. Reports whether the matrix
// changed.
func (m *Matrix) OnFileModified(p string, changeTime time.Time) bool {
	m.mu.Lock()
	entry, exists := m.index[p]
	if !exists {
		m.mu.Unlock()
		return false
	}
	for _, cell := range entry.Cells {
		m.resetCellLocked(cell)
	}
	entry.ChangeTime = changeTime
	m.generation++
	jobsAdded := entry.Width() > 0
	m.mu.Unlock()

	if jobsAdded {
		m.signalJobs()
	}
	m.signalAppearance()
	return true
}

// resetCellLocked returns a cell to Pending and removes its on-disk
// artifact. Idempotent.
func (m *Matrix) resetCellLocked(cell *Cell) {
	if cell.IsTerminal() {
		m.completedTotal--
	}
	cell.setStatus(status.Pending)
	cell.ScrollCol, cell.ScrollRow = 0, 0
	m.deleteArtifact(cell)
}

func (m *Matrix) deleteArtifact(cell *Cell) {
	if err := m.store.Delete(cell.Path, cell.Tool.Name); err != nil {
		debug.LogMatrix("failed deleting artifact for %s %s: %v\n",
			cell.Tool.Name, cell.Path, err)
	}
}

// Refresh resets a terminal cell so it is recomputed. Non-terminal cells
// are left alone: refresh is advisory and a racing completion may
// overwrite the reset.
func (m *Matrix) Refresh(cell *Cell) {
	m.mu.Lock()
	if !cell.IsTerminal() {
		m.mu.Unlock()
		return
	}
	m.resetCellLocked(cell)
	m.generation++
	m.mu.Unlock()

	m.signalJobs()
	m.signalAppearance()
}

// RefreshTool refreshes every terminal cell belonging to the tool.
func (m *Matrix) RefreshTool(tool *tools.Tool) {
	m.mu.Lock()
	refreshed := false
	for _, entry := range m.entries {
		for _, cell := range entry.Cells {
			if cell.Tool == tool && cell.IsTerminal() {
				m.resetCellLocked(cell)
				refreshed = true
			}
		}
	}
	if refreshed {
		m.generation++
	}
	m.mu.Unlock()

	if refreshed {
		m.signalJobs()
		m.signalAppearance()
	}
}

// ClearRunning coerces any Running cell back to Pending. Used after a
// snapshot load: workers from the previous run are gone.
func (m *Matrix) ClearRunning() {
	m.mu.Lock()
	for _, entry := range m.entries {
		for _, cell := range entry.Cells {
			if cell.Status == status.Running {
				cell.setStatus(status.Pending)
			}
		}
	}
	m.generation++
	m.mu.Unlock()
}

// MarkRunning transitions a dispatched cell to Running.
func (m *Matrix) MarkRunning(cell *Cell) {
	m.mu.Lock()
	cell.setStatus(status.Running)
	m.mu.Unlock()

	m.signalAppearance()
}

// MarkCompleted commits a worker's reply: the terminal status and the
// codec its artifact was written under. Returns the new completed total.
func (m *Matrix) MarkCompleted(cell *Cell, result status.Status, comp store.Compression) int {
	m.mu.Lock()
	wasTerminal := cell.IsTerminal()
	cell.setStatus(result)
	cell.Compression = comp
	m.store.Evict(cell.Path, cell.Tool.Name)
	if !wasTerminal && result.IsTerminal() {
		m.completedTotal++
	}
	completed := m.completedTotal
	m.mu.Unlock()

	m.signalAppearance()
	return completed
}

// SortEntries re-sorts under the new key, preserving the selection by
// path.
func (m *Matrix) SortEntries(order Order) {
	m.mu.Lock()
	m.order = order
	m.keepSelectionLocked(func() {
		sort.SliceStable(m.entries, func(i, j int) bool {
			return less(m.order, m.entries[i].Path, m.entries[j].Path)
		})
	})
	m.generation++
	m.mu.Unlock()

	m.signalAppearance()
}

// Order returns the current sort order.
func (m *Matrix) Order() Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order
}

// KeepSelection runs block and then moves the cursor back to the row that
// was selected before, or clamps to the last row if it vanished.
func (m *Matrix) KeepSelection(block func()) {
	m.mu.Lock()
	m.keepSelectionLocked(block)
	m.mu.Unlock()
}

func (m *Matrix) keepSelectionLocked(block func()) {
	if len(m.entries) == 0 {
		block()
		return
	}
	selectedPath := m.entries[m.cursorY].Path
	block()
	for i, entry := range m.entries {
		if entry.Path == selectedPath {
			m.cursorY = i
			return
		}
	}
	if m.cursorY >= len(m.entries) {
		m.cursorY = len(m.entries) - 1
	}
}

func (m *Matrix) indexOfLocked(entry *Entry) int {
	for i, candidate := range m.entries {
		if candidate == entry {
			return i
		}
	}
	return -1
}

func (m *Matrix) recomputeMaxWidthLocked() {
	m.maxEntryWidth = 0
	for _, entry := range m.entries {
		if entry.Width() > m.maxEntryWidth {
			m.maxEntryWidth = entry.Width()
		}
	}
}

func (m *Matrix) recomputeMaxPathLocked() {
	m.maxPathLength = 0
	for _, entry := range m.entries {
		if pathLen := displayLength(entry.Path); pathLen > m.maxPathLength {
			m.maxPathLength = pathLen
		}
	}
}

// CursorPosition returns the displayed cursor: x clamped to the selected
// row's width. An empty matrix reports (0, 0).
func (m *Matrix) CursorPosition() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursorPositionLocked()
}

func (m *Matrix) cursorPositionLocked() (int, int) {
	if len(m.entries) == 0 {
		return 0, 0
	}
	x := m.cursorX
	if width := m.entries[m.cursorY].Width(); x >= width {
		x = width - 1
	}
	if x < 0 {
		x = 0
	}
	return x, m.cursorY
}

// Selection returns the cell under the cursor, or nil for an empty matrix
// or an empty row.
func (m *Matrix) Selection() *Cell {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil
	}
	x, y := m.cursorPositionLocked()
	row := m.entries[y]
	if row.Width() == 0 {
		return nil
	}
	return row.Cells[x]
}

// SetCursor places the cursor, clamping y into range. x stays virtual.
func (m *Matrix) SetCursor(x, y int) {
	m.mu.Lock()
	if y >= len(m.entries) {
		y = len(m.entries) - 1
	}
	if y < 0 {
		y = 0
	}
	if x < 0 {
		x = 0
	}
	m.cursorX, m.cursorY = x, y
	m.generation++
	m.mu.Unlock()

	m.signalAppearance()
}

// CursorUp moves the cursor up one row, wrapping.
func (m *Matrix) CursorUp() { m.moveCursor(0, -1) }

// CursorDown moves the cursor down one row, wrapping.
func (m *Matrix) CursorDown() { m.moveCursor(0, 1) }

// CursorLeft moves the cursor left one cell, wrapping within the row.
func (m *Matrix) CursorLeft() { m.moveCursor(-1, 0) }

// CursorRight moves the cursor right one cell, wrapping within the row.
func (m *Matrix) CursorRight() { m.moveCursor(1, 0) }

func (m *Matrix) moveCursor(dx, dy int) {
	m.mu.Lock()
	if len(m.entries) == 0 {
		m.mu.Unlock()
		return
	}
	if dy != 0 {
		// Vertical motion keeps the virtual x so the remembered column
		// survives narrow rows.
		m.cursorY = mod(m.cursorY+dy, len(m.entries))
	} else {
		x, y := m.cursorPositionLocked()
		if width := m.entries[y].Width(); width > 0 {
			m.cursorX = mod(x+dx, width)
		}
	}
	m.generation++
	m.mu.Unlock()

	m.signalAppearance()
}

func mod(a, n int) int {
	return ((a % n) + n) % n
}

// CursorPageUp moves the cursor and scroll up by the viewport height.
func (m *Matrix) CursorPageUp(viewHeight int) { m.page(-viewHeight) }

// CursorPageDown moves the cursor and scroll down by the viewport height.
func (m *Matrix) CursorPageDown(viewHeight int) { m.page(viewHeight) }

func (m *Matrix) page(dy int) {
	m.mu.Lock()
	if len(m.entries) == 0 {
		m.mu.Unlock()
		return
	}
	m.cursorY = clamp(m.cursorY+dy, 0, len(m.entries)-1)
	m.scrollY = clamp(m.scrollY+dy, 0, len(m.entries)-1)
	m.generation++
	m.mu.Unlock()

	m.signalAppearance()
}

// CursorHome jumps to the first row.
func (m *Matrix) CursorHome() {
	m.mu.Lock()
	m.cursorY = 0
	m.scrollY = 0
	m.generation++
	m.mu.Unlock()

	m.signalAppearance()
}

// CursorEnd jumps to the last row.
func (m *Matrix) CursorEnd() {
	m.mu.Lock()
	if len(m.entries) > 0 {
		m.cursorY = len(m.entries) - 1
	}
	m.generation++
	m.mu.Unlock()

	m.signalAppearance()
}

// Scroll translates a mouse drag into cursor and viewport motion.
func (m *Matrix) Scroll(dx, dy int) {
	m.mu.Lock()
	if len(m.entries) == 0 {
		m.mu.Unlock()
		return
	}
	m.scrollY = clamp(m.scrollY-dy, 0, len(m.entries)-1)
	m.cursorY = clamp(m.cursorY-dy, 0, len(m.entries)-1)
	m.generation++
	m.mu.Unlock()

	m.signalAppearance()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// MoveToNextIssue scans forward from the cursor for the next Problem cell,
// optionally restricted to one tool. The cursor is unchanged when there is
// no such cell.
func (m *Matrix) MoveToNextIssue(onlyTool *tools.Tool) {
	m.mu.Lock()
	moved := false
	if rows := len(m.entries); rows > 0 {
		x, y := m.cursorPositionLocked()
	scan:
		for step := 0; step <= rows; step++ {
			rowIndex := mod(step+y, rows)
			for colIndex, cell := range m.entries[rowIndex].Cells {
				if cell.Status != status.Problem {
					continue
				}
				if onlyTool != nil && cell.Tool != onlyTool {
					continue
				}
				// Skip cells at or before the cursor in its own row until
				// the scan has wrapped all the way around.
				if rowIndex == y && colIndex <= x && step != rows {
					continue
				}
				m.cursorX, m.cursorY = colIndex, rowIndex
				m.generation++
				moved = true
				break scan
			}
		}
	}
	m.mu.Unlock()

	if moved {
		m.signalAppearance()
	}
}

// Len returns the number of entries.
func (m *Matrix) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// ResultTotal returns the total cell count.
func (m *Matrix) ResultTotal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resultTotal
}

// CompletedTotal returns the count of cells in a terminal status.
func (m *Matrix) CompletedTotal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completedTotal
}

// MaxEntryWidth returns the widest row, in cells.
func (m *Matrix) MaxEntryWidth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxEntryWidth
}

// MaxPathLength returns the longest display path length.
func (m *Matrix) MaxPathLength() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxPathLength
}

// Entry returns the entry for a path, if present.
func (m *Matrix) Entry(p string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.index[p]
	return entry, ok
}

// Paths returns every entry path, in the current order.
func (m *Matrix) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, len(m.entries))
	for i, entry := range m.entries {
		paths[i] = entry.Path
	}
	return paths
}

// ForEachEntry calls fn for every entry, in order, under the matrix lock.
// fn must not call back into the matrix.
func (m *Matrix) ForEachEntry(fn func(*Entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.entries {
		fn(entry)
	}
}

// RowAppearance renders row i with glyphs padded to the matrix width.
func (m *Matrix) RowAppearance(i int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.entries) {
		return ""
	}
	return m.entries[i].Appearance(m.maxEntryWidth)
}
