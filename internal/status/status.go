package status

import "fmt"

// Status is the state of one (path, tool) cell. The integer values are part
// of the worker wire protocol and of the snapshot format, so they are stable.
type Status int

const (
	Ok            Status = 1
	Problem       Status = 2
	Normal        Status = 3
	Error         Status = 4
	NotApplicable Status = 5
	Running       Status = 6
	Pending       Status = 7
	TimedOut      Status = 8
)

// terminal statuses are the ones a completed job can leave a cell in.
var terminal = map[Status]bool{
	Ok:            true,
	Problem:       true,
	Normal:        true,
	Error:         true,
	NotApplicable: true,
	TimedOut:      true,
}

// IsTerminal reports whether the status counts as completed.
func (s Status) IsTerminal() bool {
	return terminal[s]
}

// FromReply validates a status integer received from a worker. Workers may
// only report terminal statuses; anything else is a protocol violation.
func FromReply(value int) (Status, bool) {
	s := Status(value)
	if terminal[s] {
		return s, true
	}
	return Error, false
}

func (s Status) String() string {
	switch s {
	case Ok:
		return "ok"
	case Problem:
		return "problem"
	case Normal:
		return "normal"
	case Error:
		return "error"
	case NotApplicable:
		return "not applicable"
	case Running:
		return "running"
	case Pending:
		return "pending"
	case TimedOut:
		return "timed out"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Glyph is the single-character indicator shown in the summary matrix.
// Coloring is applied by the display layer, not here.
func (s Status) Glyph() string {
	switch s {
	case Ok:
		return "o"
	case Problem:
		return "!"
	case Normal:
		return "-"
	case Error:
		return "E"
	case NotApplicable:
		return "_"
	case Running:
		return ">"
	case Pending:
		return "."
	case TimedOut:
		return "T"
	}
	return "?"
}
