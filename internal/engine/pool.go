package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/argusmon/argus/internal/debug"
	coreerrors "github.com/argusmon/argus/internal/errors"
	"github.com/argusmon/argus/internal/matrix"
	"github.com/argusmon/argus/internal/status"
	"github.com/argusmon/argus/internal/store"
)

// Runner abstracts one long-lived tool-runner. The production
// implementation is an argus-worker subprocess; tests substitute an
// in-process implementation.
type Runner interface {
	// Start launches the runner and performs the handshake.
	Start(ctx context.Context) error
	// RunTool executes one job and returns its terminal status. An error
	// means the runner died; the caller restarts it and retries.
	RunTool(toolName, path string) (status.Status, error)
	// Kill terminates the runner and its process tree immediately.
	Kill()
}

// poolHooks is what a worker task needs from the controller.
type poolHooks struct {
	scheduler   *matrix.Scheduler
	matrix      *matrix.Matrix
	log         *Log
	jobsAdded   *Event
	artifacts   *store.Store
	onCompleted func()
}

// Pool owns W worker runners, each driven by one task pulling jobs from
// the scheduler. Backpressure is automatic: a worker asks for the next
// cell only when idle.
type Pool struct {
	count      int
	retryLimit int
	comp       store.Compression
	newRunner  func() Runner

	running *Event // cleared while paused
	hooks   poolHooks

	mu      sync.Mutex
	runners []Runner
	group   *errgroup.Group
	cancel  context.CancelFunc
}

// NewPool creates a pool of count runners built by newRunner.
func NewPool(count, retryLimit int, comp store.Compression, newRunner func() Runner) *Pool {
	running := NewEvent()
	running.Set()
	return &Pool{
		count:      count,
		retryLimit: retryLimit,
		comp:       comp,
		newRunner:  newRunner,
		running:    running,
	}
}

// Start launches the worker tasks.
func (p *Pool) Start(ctx context.Context, hooks poolHooks) {
	p.hooks = hooks
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < p.count; i++ {
		runner := p.newRunner()
		p.mu.Lock()
		p.runners = append(p.runners, runner)
		p.mu.Unlock()
		index := i
		p.group.Go(func() error {
			p.workerTask(ctx, index, runner)
			return nil
		})
	}
}

// Pause stops workers from picking up new jobs; in-flight jobs finish.
func (p *Pool) Pause() {
	p.running.Clear()
}

// Resume lets paused workers pull jobs again.
func (p *Pool) Resume() {
	p.running.Set()
}

// Paused reports whether the pool is paused.
func (p *Pool) Paused() bool {
	return !p.running.IsSet()
}

// Shutdown cancels the worker tasks, kills the worker process groups so
// no task stays blocked on a reply, then waits the tasks out. Cells still
// Running are the controller's to reset.
func (p *Pool) Shutdown() {
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Lock()
	runners := append([]Runner(nil), p.runners...)
	p.mu.Unlock()
	for _, runner := range runners {
		runner.Kill()
	}
	if p.group != nil {
		_ = p.group.Wait()
	}
}

// workerTask is one worker's dispatch loop: wait for jobs_added, drain the
// scheduler, clear the event, repeat.
func (p *Pool) workerTask(ctx context.Context, index int, runner Runner) {
	if err := runner.Start(ctx); err != nil {
		p.hooks.log.Message("Worker %d failed to start: %v", index, err)
		return
	}
	debug.LogWorker("worker %d started\n", index)

	for {
		if err := p.hooks.jobsAdded.Wait(ctx); err != nil {
			return
		}
		for {
			if err := p.running.Wait(ctx); err != nil {
				return
			}
			cell := p.hooks.scheduler.NextPending()
			if cell == nil {
				break
			}
			if !p.runJob(ctx, runner, cell) {
				return
			}
		}
		p.hooks.jobsAdded.Clear()
	}
}

// runJob executes one cell to completion. Returns false when the task
// should exit (context cancelled).
func (p *Pool) runJob(ctx context.Context, runner Runner, cell *matrix.Cell) bool {
	toolName := cell.Tool.Name
	p.hooks.log.Message("Running %s on %s…", toolName, displayPath(cell.Path))
	p.hooks.matrix.MarkRunning(cell)
	start := time.Now()

	var result status.Status
	for attempt := 1; ; attempt++ {
		reply, err := runner.RunTool(toolName, cell.Path)
		if err == nil {
			result = reply
			break
		}
		if ctx.Err() != nil {
			return false
		}
		// The worker died mid-job: respawn it and retry the same job, up
		// to the retry limit.
		crash := coreerrors.NewToolCrash(toolName, cell.Path, attempt, err)
		p.hooks.log.Message("%v", crash)
		runner.Kill()
		if attempt >= p.retryLimit {
			result = status.Error
			if putErr := p.hooks.artifacts.Put(cell.Path, toolName,
				[]string{crash.Error()}); putErr != nil {
				p.hooks.log.Message("%v", putErr)
			}
			break
		}
		if err := runner.Start(ctx); err != nil {
			if ctx.Err() != nil {
				return false
			}
			p.hooks.log.Message("Worker respawn failed: %v", err)
		}
	}

	p.hooks.matrix.MarkCompleted(cell, result, p.comp)
	p.hooks.log.Message("Finished running %s on %s. %s %.2f secs",
		toolName, displayPath(cell.Path), result, time.Since(start).Seconds())
	p.hooks.onCompleted()
	return true
}

func displayPath(p string) string {
	return strings.TrimPrefix(p, "./")
}

// SubprocessRunner drives one argus-worker subprocess over a line
// protocol: the engine writes "<tool>\n<path>\n", the worker replies with
// a single status integer. On startup the worker prints its process-group
// id, then the engine sends the compression selector.
type SubprocessRunner struct {
	workerBin string
	dir       string
	comp      store.Compression
	nice      int

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	pgid   int
}

// NewSubprocessRunner creates a runner that spawns workerBin with the
// project root as working directory.
func NewSubprocessRunner(workerBin, dir string, comp store.Compression, nice int) *SubprocessRunner {
	return &SubprocessRunner{
		workerBin: workerBin,
		dir:       dir,
		comp:      comp,
		nice:      nice,
	}
}

// Start spawns the worker in its own process group, reads the pgid line,
// drops the group to the configured niceness and sends the compression
// selector.
func (r *SubprocessRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd := exec.Command(r.workerBin)
	cmd.Dir = r.dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return err
	}

	reader := bufio.NewReader(stdout)
	pgidLine, err := reader.ReadString('\n')
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("worker handshake failed: %w", err)
	}
	pgid, err := strconv.Atoi(strings.TrimSpace(pgidLine))
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("worker handshake failed: bad pgid %q", strings.TrimSpace(pgidLine))
	}
	// Workers take the lowest scheduling priority so tool runs never
	// compete with the interactive engine.
	if err := unix.Setpriority(unix.PRIO_PGRP, pgid, r.nice); err != nil {
		debug.LogWorker("setpriority(%d): %v\n", pgid, err)
	}
	if _, err := fmt.Fprintf(stdin, "%s\n", r.comp); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return err
	}

	r.cmd = cmd
	r.stdin = stdin
	r.stdout = reader
	r.pgid = pgid
	return nil
}

// RunTool submits one job and blocks for the status reply. Replies arrive
// in submission order: the protocol is one-in-one-out per worker.
func (r *SubprocessRunner) RunTool(toolName, path string) (status.Status, error) {
	r.mu.Lock()
	stdin, stdout := r.stdin, r.stdout
	r.mu.Unlock()
	if stdin == nil {
		return status.Error, fmt.Errorf("worker not running")
	}

	if _, err := fmt.Fprintf(stdin, "%s\n%s\n", toolName, path); err != nil {
		return status.Error, err
	}
	line, err := stdout.ReadString('\n')
	if err != nil {
		return status.Error, fmt.Errorf("worker died: %w", err)
	}
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return status.Error, fmt.Errorf("worker died: empty reply")
	}
	value, err := strconv.Atoi(trimmed)
	if err != nil {
		// A malformed reply is a cell-level Error, not a worker death.
		return status.Error, nil
	}
	reply, _ := status.FromReply(value)
	return reply, nil
}

// Kill terminates the worker's whole process group.
func (r *SubprocessRunner) Kill() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pgid != 0 {
		_ = unix.Kill(-r.pgid, unix.SIGKILL)
	}
	if r.cmd != nil {
		_ = r.cmd.Wait()
	}
	r.cmd = nil
	r.stdin = nil
	r.stdout = nil
	r.pgid = 0
}
