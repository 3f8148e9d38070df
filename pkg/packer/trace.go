package packer

import "fmt"

// Event is one step of a run as reported to the user.
type Event struct {
	Stage   Stage
	Message string

	// Lines holds detail output such as listings and key tables.
	Lines []string
}

// Trace collects the events of a run. The packer never logs; callers
// decide how to present a trace.
type Trace struct {
	Events []Event
}

func (t *Trace) add(stage Stage, lines []string, format string, args ...interface{}) {
	t.Events = append(t.Events, Event{
		Stage:   stage,
		Message: fmt.Sprintf(format, args...),
		Lines:   lines,
	})
}

func hexLines(rows [][]byte) []string {
	lines := make([]string, len(rows))
	for i, row := range rows {
		lines[i] = fmt.Sprintf("% x", row)
	}
	return lines
}

func keyLines(slots []Slot) []string {
	lines := make([]string, len(slots))
	for i, s := range slots {
		lines[i] = fmt.Sprintf("slot %d  %#x  key 0x%016x", s.Index, s.Address, s.Key)
	}
	return lines
}
