package debug

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Build flag for debug mode - can be overridden at build time
// go build -ldflags "-X github.com/argusmon/argus/internal/debug.EnableDebug=true"
var EnableDebug = "false"

// debugOutput is the writer for debug output (defaults to nil, meaning no output)
var debugOutput io.Writer

// debugFile holds the open file handle if debug output goes to a file
var debugFile *os.File

// debugMutex protects access to debug output
var debugMutex sync.Mutex

// SetDebugOutput sets a custom writer for debug output.
// Pass nil to disable debug output entirely.
func SetDebugOutput(w io.Writer) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugOutput = w
}

// InitDebugLogFile initializes debug logging to a file.
// Returns the path to the log file, or an error if initialization fails.
// Call CloseDebugLog when done to ensure the file is properly closed.
func InitDebugLogFile() (string, error) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	logDir := filepath.Join(os.TempDir(), "argus-debug-logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create debug log directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02T150405")
	logPath := filepath.Join(logDir, fmt.Sprintf("debug-%s.log", timestamp))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create debug log file: %w", err)
	}

	debugFile = file
	debugOutput = file
	return logPath, nil
}

// CloseDebugLog closes the debug log file if one is open.
func CloseDebugLog() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debugFile != nil {
		_ = debugFile.Close()
		debugFile = nil
		debugOutput = nil
	}
}

// Enabled reports whether debug logging is active.
func Enabled() bool {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	return EnableDebug == "true" || debugOutput != nil
}

func logf(prefix, format string, args ...interface{}) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	w := debugOutput
	if w == nil {
		if EnableDebug != "true" {
			return
		}
		w = os.Stderr
	}
	fmt.Fprintf(w, "%s %s %s", time.Now().Format("15:04:05.000"), prefix,
		fmt.Sprintf(format, args...))
}

// LogEngine logs engine lifecycle diagnostics.
func LogEngine(format string, args ...interface{}) {
	logf("[engine]", format, args...)
}

// LogMatrix logs summary matrix diagnostics.
func LogMatrix(format string, args ...interface{}) {
	logf("[matrix]", format, args...)
}

// LogWatch logs filesystem watcher diagnostics.
func LogWatch(format string, args ...interface{}) {
	logf("[watch]", format, args...)
}

// LogWorker logs worker pool diagnostics.
func LogWorker(format string, args ...interface{}) {
	logf("[worker]", format, args...)
}

// LogStore logs artifact store diagnostics.
func LogStore(format string, args ...interface{}) {
	logf("[store]", format, args...)
}
