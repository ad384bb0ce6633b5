// Package tools defines the abstract Tool the engine schedules, and the
// registry mapping file extensions to tool sets. The concrete tool table is
// declarative data (tools.toml); the engine never needs to know what a tool
// actually does.
package tools

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/argusmon/argus/internal/status"
)

// Tool is one analysis command applicable to some set of file extensions.
type Tool struct {
	Name        string
	Extensions  []string // empty means the tool always applies
	Deps        []string // packaging dependencies, not used for scheduling
	URL         string
	Command     string   // command template; the target path is appended
	Executables []string // probed for availability; defaults to the command word

	SuccessStatus status.Status // status for exit code 0
	ErrorStatus   status.Status // status for non-zero exit
	HasColor      bool
	Timeout       time.Duration // 0 means the engine default

	availOnce sync.Once
	available bool
}

// Argv returns the command split into words, without the target path.
func (t *Tool) Argv() []string {
	return strings.Fields(t.Command)
}

// Available reports whether every executable the tool needs is on PATH.
// The probe runs once per process.
func (t *Tool) Available() bool {
	t.availOnce.Do(func() {
		t.available = true
		for _, executable := range t.Executables {
			if _, err := lookPath(executable); err != nil {
				t.available = false
				return
			}
		}
	})
	return t.available
}

// IdentityHash fingerprints the tool's name and implementation (its command
// string and status mappings). Cells cached under a different hash are
// stale: the tool's behavior may have changed even if its name has not.
func (t *Tool) IdentityHash() string {
	digest := xxhash.New()
	_, _ = digest.WriteString(t.Name)
	_, _ = digest.WriteString("\x00")
	_, _ = digest.WriteString(t.Command)
	_, _ = digest.WriteString("\x00")
	_, _ = digest.WriteString(strconv.Itoa(int(t.SuccessStatus)))
	_, _ = digest.WriteString(strconv.Itoa(int(t.ErrorStatus)))
	return strconv.FormatUint(digest.Sum64(), 16)
}
