// Package engine owns the report-maintenance core: the summary matrix,
// the worker pool, the filesystem watcher and the snapshot lifecycle.
package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/argusmon/argus/internal/config"
	"github.com/argusmon/argus/internal/debug"
	"github.com/argusmon/argus/internal/matrix"
	"github.com/argusmon/argus/internal/status"
	"github.com/argusmon/argus/internal/store"
	"github.com/argusmon/argus/internal/tools"
	"github.com/argusmon/argus/internal/watch"
	"github.com/argusmon/argus/pkg/pathutil"
)

// Controller wires the engine's components together and owns the two
// synchronization events the display layer consumes.
type Controller struct {
	cfg       *config.Config
	reg       *tools.Registry
	artifacts *store.Store
	summary   *matrix.Matrix
	scheduler *matrix.Scheduler
	activity  *Log
	pool      *Pool
	watcher   *watch.Watcher

	// JobsAdded is set whenever new pending cells may exist; the worker
	// loop clears it each time it drains the scheduler.
	JobsAdded *Event
	// AppearanceChanged is set whenever a visible quantity changes.
	AppearanceChanged *Event

	snapshotPath string
	testMode     bool
	newRunner    func() Runner

	mu          sync.Mutex
	unsavedJobs int
	loaded      atomic.Bool // initial restore or walk finished

	completed    chan struct{}
	cancel       context.CancelFunc
	tasks        sync.WaitGroup
	shutdownOnce sync.Once
}

// Option customizes controller construction.
type Option func(*Controller)

// WithRunnerFactory substitutes the worker implementation; tests use an
// in-process runner instead of argus-worker subprocesses.
func WithRunnerFactory(factory func() Runner) Option {
	return func(c *Controller) { c.newRunner = factory }
}

// WithTestMode makes completion observable through Completed instead of
// running forever.
func WithTestMode() Option {
	return func(c *Controller) { c.testMode = true }
}

// New builds a controller for the configured project. The cache directory
// is managed (and possibly invalidated) here.
func New(cfg *config.Config, workerBin string, opts ...Option) (*Controller, error) {
	if _, err := ManageCache(cfg.CacheDir()); err != nil {
		return nil, err
	}
	reg, err := tools.NewRegistry(cfg.Project.Root)
	if err != nil {
		return nil, err
	}
	comp, err := store.ParseCompression(cfg.Cache.Compression)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:               cfg,
		reg:               reg,
		JobsAdded:         NewEvent(),
		AppearanceChanged: NewEvent(),
		snapshotPath:      filepath.Join(cfg.CacheDir(), SnapshotFileName),
		completed:         make(chan struct{}, 1),
	}
	c.artifacts = store.New(cfg.CacheDir(), comp,
		cfg.Cache.PageSize, cfg.Cache.PageCacheSize, cfg.Cache.BlobCacheSize)
	c.summary = matrix.New(c.artifacts, reg)
	c.summary.SetNotifiers(c.JobsAdded.Set, c.AppearanceChanged.Set)
	c.scheduler = matrix.NewScheduler(c.summary)
	c.activity = NewLog(filepath.Join(cfg.CacheDir(), "log"), c.AppearanceChanged.Set)
	c.newRunner = func() Runner {
		return NewSubprocessRunner(workerBin, cfg.Project.Root, comp, cfg.Workers.NiceLevel)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.pool = NewPool(cfg.WorkerCount(), cfg.Workers.RetryLimit, comp, c.newRunner)
	return c, nil
}

// Matrix exposes the summary matrix to the display layer.
func (c *Controller) Matrix() *matrix.Matrix { return c.summary }

// Artifacts exposes the artifact store to the display layer.
func (c *Controller) Artifacts() *store.Store { return c.artifacts }

// Registry exposes the tool registry.
func (c *Controller) Registry() *tools.Registry { return c.reg }

// Activity exposes the engine log.
func (c *Controller) Activity() *Log { return c.activity }

// Pool exposes the worker pool for pause/resume.
func (c *Controller) Pool() *Pool { return c.pool }

// Completed signals each time every cell has reached a terminal status.
func (c *Controller) Completed() <-chan struct{} { return c.completed }

// Start brings the engine up: warm from a snapshot when one loads, cold
// otherwise; then the watcher, the reconciliation pass and the workers.
func (c *Controller) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	warm := c.restore()
	c.activity.DeleteFile()
	c.activity.Message("Program started.")
	c.JobsAdded.Set()

	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		if warm {
			c.syncWithFilesystem(ctx)
		} else {
			c.initialWalk(ctx)
		}
		c.loaded.Store(true)
		c.JobsAdded.Set()
		// A warm start with nothing stale is already complete; no job
		// will ever fire the completion path.
		c.maybeComplete()
	}()

	if c.cfg.Watch.Enabled {
		c.startWatcher(ctx)
	}

	c.activity.Message("Starting workers (%d)…", c.cfg.WorkerCount())
	c.pool.Start(ctx, poolHooks{
		scheduler:   c.scheduler,
		matrix:      c.summary,
		log:         c.activity,
		jobsAdded:   c.JobsAdded,
		artifacts:   c.artifacts,
		onCompleted: c.onJobCompleted,
	})
	return nil
}

// Run blocks until the context ends, or, in test mode, until every result
// is up to date once.
func (c *Controller) Run(ctx context.Context) error {
	if c.testMode {
		select {
		case <-c.completed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

// Shutdown stops every component, resets in-flight cells and writes the
// final snapshot. Safe to call more than once.
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.activity.Command("Exiting…")
		if c.watcher != nil {
			c.watcher.Stop()
		}
		if c.cancel != nil {
			c.cancel()
		}
		c.pool.Shutdown()
		c.tasks.Wait()
		c.summary.ClearRunning()
		if err := c.Snapshot(); err != nil {
			c.activity.Message("%v", err)
		}
		c.activity.Message("Program stopped.")
	})
}

// Snapshot serializes the engine state to the cache directory. The
// in-flight sweep and OS handles are never part of it; artifacts stay in
// their own files.
func (c *Controller) Snapshot() error {
	x, y := c.summary.CursorPosition()
	body := &snapshotBody{
		Order:       int(c.summary.Order()),
		CursorX:     x,
		CursorY:     y,
		Compression: string(c.artifacts.Compression()),
		ToolHashes:  c.reg.IdentityHashes(),
	}
	c.summary.ForEachEntry(func(entry *matrix.Entry) {
		state := entryState{Path: entry.Path, ChangeTime: entry.ChangeTime}
		for _, cell := range entry.Cells {
			state.Cells = append(state.Cells, cellState{
				Tool:        cell.Tool.Name,
				Status:      int(cell.Status),
				ScrollCol:   cell.ScrollCol,
				ScrollRow:   cell.ScrollRow,
				Compression: string(cell.Compression),
			})
		}
		body.Entries = append(body.Entries, state)
	})
	for _, line := range c.activity.Lines() {
		body.LogLines = append(body.LogLines, lineState(line))
	}

	if err := writeSnapshot(c.snapshotPath, body, c.cfg.Cache.PagedEntriesMin); err != nil {
		return err
	}
	c.mu.Lock()
	c.unsavedJobs = 0
	c.mu.Unlock()
	return nil
}

// restore loads the previous run's snapshot. Any failure is logged and
// the engine cold-starts. Returns whether a snapshot was loaded.
func (c *Controller) restore() bool {
	body, err := readSnapshot(c.snapshotPath)
	if err != nil {
		if !os.IsNotExist(errUnwrapAll(err)) {
			debug.LogEngine("snapshot load: %v\n", err)
		}
		return false
	}

	restoreEntry := func(state entryState) error {
		c.summary.AddRestoredEntry(c.rebuildEntry(state, body.ToolHashes))
		return nil
	}
	if body.EntriesPaged {
		pagesDir := filepath.Join(filepath.Dir(c.snapshotPath), entryPagesDirName)
		if err := readEntryPages(pagesDir, body.PageCount, restoreEntry); err != nil {
			debug.LogEngine("snapshot pages load: %v\n", err)
			return false
		}
	} else {
		for index, state := range body.Entries {
			_ = restoreEntry(state)
			if (index+1)%5000 == 0 {
				c.activity.Message("Loading… %d entries", index+1)
			}
		}
	}

	c.summary.SortEntries(matrix.Order(body.Order))
	c.summary.SetCursor(body.CursorX, body.CursorY)
	c.summary.ClearRunning()
	restoredLines := make([]Line, 0, len(body.LogLines))
	for _, line := range body.LogLines {
		restoredLines = append(restoredLines, Line(line))
	}
	c.activity.Restore(restoredLines)
	debug.LogEngine("restored %d entries from snapshot\n", c.summary.Len())
	return true
}

// rebuildEntry reconstructs one row from snapshot state. Cells are
// dropped when their tool no longer exists, and reset to Pending when the
// tool's identity hash changed, when their recorded status was
// non-terminal, or when their artifact went missing.
func (c *Controller) rebuildEntry(state entryState, savedHashes map[string]string) *matrix.Entry {
	entry := matrix.RestoreEntry(state.Path, state.ChangeTime)
	for _, cellSt := range state.Cells {
		tool, ok := c.reg.ToolByName(cellSt.Tool)
		if !ok {
			continue
		}
		st := status.Status(cellSt.Status)
		if !st.IsTerminal() {
			st = status.Pending
		}
		if savedHashes[cellSt.Tool] != tool.IdentityHash() {
			st = status.Pending
			_ = c.artifacts.Delete(state.Path, cellSt.Tool)
		}
		if st.IsTerminal() && !c.artifacts.Exists(state.Path, cellSt.Tool) {
			st = status.Pending
		}
		entry.AppendCell(matrix.RestoreCell(state.Path, tool, st,
			cellSt.ScrollCol, cellSt.ScrollRow, store.Compression(cellSt.Compression)))
	}
	return entry
}

// onJobCompleted maintains the autosave counter and detects full
// completion.
func (c *Controller) onJobCompleted() {
	c.mu.Lock()
	c.unsavedJobs++
	autosave := c.unsavedJobs >= c.cfg.Cache.SnapshotEvery && c.loaded.Load()
	c.mu.Unlock()

	if autosave {
		c.activity.Message("Auto-saving…")
		if err := c.Snapshot(); err != nil {
			c.activity.Message("%v", err)
		}
	}
	c.maybeComplete()
}

func (c *Controller) maybeComplete() {
	if c.summary.CompletedTotal() != c.summary.ResultTotal() {
		return
	}
	c.activity.Message("All results are up to date.")
	c.activity.Message("Auto-saving…")
	if err := c.Snapshot(); err != nil {
		c.activity.Message("%v", err)
	}
	select {
	case c.completed <- struct{}{}:
	default:
	}
}

// RefreshSelection recomputes the report under the cursor.
func (c *Controller) RefreshSelection() {
	cell := c.summary.Selection()
	if cell == nil {
		return
	}
	c.activity.Command("Refreshing %s result of %s…",
		cell.Tool.Name, displayPath(cell.Path))
	c.summary.Refresh(cell)
}

// RefreshSelectedTool recomputes every report of the tool under the
// cursor.
func (c *Controller) RefreshSelectedTool() {
	cell := c.summary.Selection()
	if cell == nil {
		return
	}
	c.activity.Command("Refreshing all results of %s…", cell.Tool.Name)
	c.summary.RefreshTool(cell.Tool)
}

// ToggleSortOrder flips between directory and type ordering, preserving
// the selection.
func (c *Controller) ToggleSortOrder() {
	order := matrix.OrderDirectory
	name := "directory then type"
	if c.summary.Order() == matrix.OrderDirectory {
		order = matrix.OrderType
		name = "type then directory"
	}
	c.activity.Command("Ordering files by %s.", name)
	c.summary.SortEntries(order)
}

// TogglePause pauses or resumes the worker pool.
func (c *Controller) TogglePause() {
	if c.pool.Paused() {
		c.activity.Command("Running workers…")
		c.pool.Resume()
	} else {
		c.activity.Command("Paused workers.")
		c.pool.Pause()
	}
}

func (c *Controller) startWatcher(ctx context.Context) {
	watcher, err := watch.New(c.cfg.Project.Root, c.cfg.Exclude,
		time.Duration(c.cfg.Watch.SettleMs)*time.Millisecond,
		func(err error) { c.activity.Message("%v", err) })
	if err != nil {
		// Without a watcher the engine still works; refreshes are manual.
		c.activity.Message("%v", err)
		return
	}
	if err := watcher.Start(); err != nil {
		c.activity.Message("%v", err)
		return
	}
	c.watcher = watcher

	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		for event := range watcher.Events() {
			c.applyEvent(ctx, event)
		}
	}()
}

func (c *Controller) applyEvent(ctx context.Context, event watch.Event) {
	if ctx.Err() != nil {
		return
	}
	added, removed, modified := 0, 0, 0
	switch event.Kind {
	case watch.Deleted:
		if c.summary.OnFileDeleted(event.Path) {
			removed++
		}
	case watch.Added, watch.Modified:
		info, err := os.Stat(pathutil.Abs(c.cfg.Project.Root, event.Path))
		if err != nil {
			// Gone again already; the delete event follows.
			return
		}
		if event.Kind == watch.Added {
			if c.summary.OnFileAdded(event.Path, info.ModTime()) {
				added++
			}
		} else if c.summary.OnFileModified(event.Path, info.ModTime()) {
			modified++
		}
	}
	if added+removed+modified > 0 {
		c.activity.Message("Filesystem changed: +%d -%d ~%d.", added, removed, modified)
	}
}

// initialWalk populates a cold matrix from the project tree.
func (c *Controller) initialWalk(ctx context.Context) {
	_ = c.walkProject(ctx, func(rel string, modTime time.Time) {
		c.summary.OnFileAdded(rel, modTime)
	})
}

// syncWithFilesystem reconciles a restored matrix against the current
// tree: deletions first, then modifications, then additions, then one
// summary log line.
func (c *Controller) syncWithFilesystem(ctx context.Context) {
	now := make(map[string]time.Time)
	if err := c.walkProject(ctx, func(rel string, modTime time.Time) {
		now[rel] = modTime
	}); err != nil {
		return
	}

	added, removed, modified := 0, 0, 0
	for _, path := range c.summary.Paths() {
		if _, exists := now[path]; !exists {
			if c.summary.OnFileDeleted(path) {
				removed++
			}
		}
	}
	for _, path := range c.summary.Paths() {
		entry, ok := c.summary.Entry(path)
		if !ok {
			continue
		}
		if modTime, exists := now[path]; exists && !modTime.Equal(entry.ChangeTime) {
			if c.summary.OnFileModified(path, modTime) {
				modified++
			}
		}
	}
	for path, modTime := range now {
		if _, exists := c.summary.Entry(path); !exists {
			if c.summary.OnFileAdded(path, modTime) {
				added++
			}
		}
	}
	if added+removed+modified > 0 {
		c.activity.Message("Filesystem changed: +%d -%d ~%d.", added, removed, modified)
	}
}

// walkProject visits every non-excluded file under the project root.
func (c *Controller) walkProject(ctx context.Context, visit func(rel string, modTime time.Time)) error {
	root := c.cfg.Project.Root
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return nil
		}
		rel, relErr := pathutil.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if info.IsDir() {
			if path != root && c.pathExcluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if c.pathExcluded(rel) {
			return nil
		}
		visit(rel, info.ModTime())
		return nil
	})
}

func (c *Controller) pathExcluded(rel string) bool {
	if pathutil.IsHidden(rel) {
		return true
	}
	trimmed := filepath.ToSlash(rel[2:])
	for _, pattern := range c.cfg.Exclude {
		if matched, _ := doublestar.Match(pattern, trimmed); matched {
			return true
		}
	}
	return false
}

func errUnwrapAll(err error) error {
	for {
		type unwrapper interface{ Unwrap() error }
		wrapped, ok := err.(unwrapper)
		if !ok {
			return err
		}
		inner := wrapped.Unwrap()
		if inner == nil {
			return err
		}
		err = inner
	}
}
