package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argusmon/argus/internal/matrix"
	"github.com/argusmon/argus/internal/status"
	"github.com/argusmon/argus/internal/store"
	"github.com/argusmon/argus/internal/tools"
)

const poolTestTable = `
generic = ["contents"]

[[tools]]
name = "contents"
command = "cat"
success_status = "normal"
`

// fakeRunner completes jobs in-process. failBudget jobs fail with a dead
// worker before it starts succeeding.
type fakeRunner struct {
	artifacts *store.Store
	reply     status.Status

	mu         sync.Mutex
	failBudget int
	ran        []string
	starts     int
}

func (r *fakeRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	return nil
}

func (r *fakeRunner) RunTool(toolName, path string) (status.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failBudget > 0 {
		r.failBudget--
		return status.Error, errors.New("worker died: EOF")
	}
	if r.artifacts != nil {
		_ = r.artifacts.Put(path, toolName, []string{"report for " + path})
	}
	r.ran = append(r.ran, toolName+" "+path)
	return r.reply, nil
}

func (r *fakeRunner) Kill() {}

func (r *fakeRunner) jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

func (r *fakeRunner) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

type poolFixture struct {
	matrix    *matrix.Matrix
	scheduler *matrix.Scheduler
	artifacts *store.Store
	jobsAdded *Event
	log       *Log
	completed chan struct{}
}

func newPoolFixture(t *testing.T) *poolFixture {
	t.Helper()
	registry, err := tools.LoadTable([]byte(poolTestTable))
	require.NoError(t, err)
	artifacts := store.New(t.TempDir(), store.Gzip, 500, 2, 50)
	m := matrix.New(artifacts, registry)
	jobsAdded := NewEvent()
	appearance := NewEvent()
	m.SetNotifiers(jobsAdded.Set, appearance.Set)
	return &poolFixture{
		matrix:    m,
		scheduler: matrix.NewScheduler(m),
		artifacts: artifacts,
		jobsAdded: jobsAdded,
		log:       NewLog(filepath.Join(t.TempDir(), "log"), nil),
		completed: make(chan struct{}, 16),
	}
}

func (f *poolFixture) hooks() poolHooks {
	return poolHooks{
		scheduler: f.scheduler,
		matrix:    f.matrix,
		log:       f.log,
		jobsAdded: f.jobsAdded,
		artifacts: f.artifacts,
		onCompleted: func() {
			if f.matrix.CompletedTotal() == f.matrix.ResultTotal() {
				select {
				case f.completed <- struct{}{}:
				default:
				}
			}
		},
	}
}

func waitCompleted(t *testing.T, f *poolFixture) {
	t.Helper()
	select {
	case <-f.completed:
	case <-time.After(5 * time.Second):
		t.Fatalf("pool never completed: %d/%d",
			f.matrix.CompletedTotal(), f.matrix.ResultTotal())
	}
}

func TestPoolCompletesAllJobs(t *testing.T) {
	fixture := newPoolFixture(t)
	runner := &fakeRunner{artifacts: fixture.artifacts, reply: status.Normal}
	pool := NewPool(2, 3, store.Gzip, func() Runner { return runner })

	fixture.matrix.OnFileAdded("./a.txt", time.Now())
	fixture.matrix.OnFileAdded("./b.txt", time.Now())
	pool.Start(context.Background(), fixture.hooks())
	defer pool.Shutdown()

	waitCompleted(t, fixture)
	assert.Equal(t, 2, fixture.matrix.CompletedTotal())
	entry, _ := fixture.matrix.Entry("./a.txt")
	assert.Equal(t, status.Normal, entry.Cells[0].Status)
	assert.Equal(t, store.Gzip, entry.Cells[0].Compression)
	assert.True(t, fixture.artifacts.Exists("./a.txt", "contents"))
}

func TestPoolPicksUpLateJobs(t *testing.T) {
	fixture := newPoolFixture(t)
	runner := &fakeRunner{artifacts: fixture.artifacts, reply: status.Ok}
	pool := NewPool(1, 3, store.Gzip, func() Runner { return runner })

	fixture.matrix.OnFileAdded("./a.txt", time.Now())
	pool.Start(context.Background(), fixture.hooks())
	defer pool.Shutdown()
	waitCompleted(t, fixture)

	// A file added after the first drain re-arms the loop.
	fixture.matrix.OnFileAdded("./b.txt", time.Now())
	waitCompleted(t, fixture)
	assert.Equal(t, 2, fixture.matrix.CompletedTotal())
}

func TestPoolRetriesDeadWorkerThenErrors(t *testing.T) {
	fixture := newPoolFixture(t)
	// More failures than the retry limit: the cell must become Error.
	runner := &fakeRunner{artifacts: fixture.artifacts, reply: status.Ok, failBudget: 99}
	pool := NewPool(1, 3, store.Gzip, func() Runner { return runner })

	fixture.matrix.OnFileAdded("./a.txt", time.Now())
	pool.Start(context.Background(), fixture.hooks())
	defer pool.Shutdown()
	waitCompleted(t, fixture)

	entry, _ := fixture.matrix.Entry("./a.txt")
	assert.Equal(t, status.Error, entry.Cells[0].Status)
	// The crash leaves a short explanatory artifact.
	blob := fixture.artifacts.Get("./a.txt", "contents", store.Gzip)
	assert.True(t, blob.Known())
	line, err := blob.Line(0)
	require.NoError(t, err)
	assert.Contains(t, line, "worker failed")
}

func TestPoolRecoversWithinRetryLimit(t *testing.T) {
	fixture := newPoolFixture(t)
	runner := &fakeRunner{artifacts: fixture.artifacts, reply: status.Ok, failBudget: 2}
	pool := NewPool(1, 3, store.Gzip, func() Runner { return runner })

	fixture.matrix.OnFileAdded("./a.txt", time.Now())
	pool.Start(context.Background(), fixture.hooks())
	defer pool.Shutdown()
	waitCompleted(t, fixture)

	entry, _ := fixture.matrix.Entry("./a.txt")
	assert.Equal(t, status.Ok, entry.Cells[0].Status)
	// The worker was respawned after each death.
	assert.GreaterOrEqual(t, runner.startCount(), 3)
}

func TestPoolPauseHoldsJobs(t *testing.T) {
	fixture := newPoolFixture(t)
	runner := &fakeRunner{artifacts: fixture.artifacts, reply: status.Ok}
	pool := NewPool(1, 3, store.Gzip, func() Runner { return runner })
	pool.Pause()

	fixture.matrix.OnFileAdded("./a.txt", time.Now())
	pool.Start(context.Background(), fixture.hooks())
	defer pool.Shutdown()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, runner.jobs())
	assert.True(t, pool.Paused())

	pool.Resume()
	waitCompleted(t, fixture)
	assert.NotEmpty(t, runner.jobs())
}

func TestPoolShutdownStopsWorkers(t *testing.T) {
	fixture := newPoolFixture(t)
	runner := &fakeRunner{artifacts: fixture.artifacts, reply: status.Ok}
	pool := NewPool(2, 3, store.Gzip, func() Runner { return runner })

	pool.Start(context.Background(), fixture.hooks())
	pool.Shutdown()
	// Shutdown returns only after every worker task exits; a second call
	// must be harmless.
	pool.Shutdown()
}
