package tools

import (
	"bytes"
	"os/exec"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"golang.org/x/sys/unix"

	"github.com/argusmon/argus/internal/status"
)

// lookPath is a seam for availability tests.
var lookPath = exec.LookPath

// Run invokes a tool on a path with a hard timeout and returns the
// resulting status plus the rendered report lines. It never returns an
// error: every failure mode maps to a status, so a crashing or missing
// tool cannot take the worker down.
func Run(tool *Tool, path string, defaultTimeout time.Duration) (status.Status, []string) {
	timeout := tool.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	argv := append(tool.Argv(), path)
	cmd := exec.Command(argv[0], argv[1:]...)
	// The tool runs in its own process group so a timeout can kill its
	// whole subtree without touching the worker.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Start(); err != nil {
		return status.Error, renderLines(err.Error())
	}

	timedOut := false
	timer := time.AfterFunc(timeout, func() {
		timedOut = true
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	})
	err := cmd.Wait()
	timer.Stop()

	if timedOut {
		return status.TimedOut, []string{"Timed out"}
	}
	if !utf8.Valid(output.Bytes()) {
		return status.NotApplicable, []string{"Result not in UTF-8"}
	}
	if err != nil {
		if _, isExit := err.(*exec.ExitError); !isExit {
			return status.Error, renderLines(err.Error())
		}
		return tool.ErrorStatus, renderLines(output.String())
	}
	return tool.SuccessStatus, renderLines(output.String())
}

// renderLines sanitizes raw tool output into displayable lines: control
// characters become "#" and tabs expand to four columns.
func renderLines(text string) []string {
	text = strings.TrimSuffix(text, "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = expandTabs(printable(line), 4)
	}
	return lines
}

func printable(line string) string {
	var builder strings.Builder
	builder.Grow(len(line))
	for _, r := range line {
		if r < 32 && r != '\t' {
			builder.WriteByte('#')
		} else {
			builder.WriteRune(r)
		}
	}
	return builder.String()
}

func expandTabs(line string, tabSize int) string {
	if !strings.ContainsRune(line, '\t') {
		return line
	}
	var builder strings.Builder
	column := 0
	for _, r := range line {
		if r == '\t' {
			spaces := tabSize - column%tabSize
			builder.WriteString(strings.Repeat(" ", spaces))
			column += spaces
		} else {
			builder.WriteRune(r)
			column++
		}
	}
	return builder.String()
}
