package engine

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// maxLogLines bounds the in-memory log buffer.
const maxLogLines = 200

// Line is one timestamped log entry. Command lines record operator
// actions and are styled differently by the display layer.
type Line struct {
	When    time.Time
	Text    string
	Command bool
}

// Log is the engine's append-only activity log: a bounded in-memory buffer
// mirrored to a plain-text file in the cache directory.
type Log struct {
	mu     sync.Mutex
	lines  []Line
	path   string
	notify func()
}

// NewLog creates a log mirroring to the given file path. notify is called
// after each append, outside the log lock.
func NewLog(path string, notify func()) *Log {
	return &Log{path: path, notify: notify}
}

// Message appends a plain activity line.
func (l *Log) Message(format string, args ...interface{}) {
	l.append(Line{When: time.Now(), Text: fmt.Sprintf(format, args...)})
}

// Command appends an operator-command line.
func (l *Log) Command(format string, args ...interface{}) {
	l.append(Line{When: time.Now(), Text: fmt.Sprintf(format, args...), Command: true})
}

func (l *Log) append(line Line) {
	l.mu.Lock()
	l.lines = append(l.lines, line)
	if overflow := len(l.lines) - maxLogLines; overflow > 0 {
		l.lines = append([]Line(nil), l.lines[overflow:]...)
	}
	if file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
		fmt.Fprintf(file, "%s %s\n", line.When.Format("15:04:05"), line.Text)
		_ = file.Close()
	}
	l.mu.Unlock()

	if l.notify != nil {
		l.notify()
	}
}

// Restore replaces the in-memory buffer with a snapshot's log tail.
func (l *Log) Restore(lines []Line) {
	l.mu.Lock()
	l.lines = append([]Line(nil), lines...)
	if overflow := len(l.lines) - maxLogLines; overflow > 0 {
		l.lines = append([]Line(nil), l.lines[overflow:]...)
	}
	l.mu.Unlock()
}

// Lines returns a copy of the buffered tail.
func (l *Log) Lines() []Line {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Line(nil), l.lines...)
}

// DeleteFile removes the on-disk mirror; each run starts a fresh file.
func (l *Log) DeleteFile() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		// Leave the old mirror in place; appends will still work.
		return
	}
}
