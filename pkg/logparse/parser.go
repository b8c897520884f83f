package logparse

import (
	"fmt"
	"strings"
)

// Mode selects the line grammar and record shape used for a log.
type Mode string

// Supported modes.
const (
	// ModeDetailed tracks START/END spans and stores one record per
	// unresponsive period.
	ModeDetailed Mode = "detailed"
	// ModeLegacy stores one pass/fail record per PASS or FAIL line.
	ModeLegacy Mode = "legacy"
)

// EventKind is the kind of harness event carried by a line.
type EventKind int

// Event kinds.
const (
	EventNone EventKind = iota
	EventStart
	EventPass
	EventFail
	EventUnresponsive
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventPass:
		return "pass"
	case EventFail:
		return "fail"
	case EventUnresponsive:
		return "unresponsive"
	case EventEnd:
		return "end"
	default:
		return "none"
	}
}

// Event is one harness event extracted from a log line.
type Event struct {
	Kind   EventKind
	Test   string
	Action string
	Period int64
	Metric float64
}

// Parser extracts harness events from log lines.
type Parser interface {
	// ParseLine returns the event on line. ok is false for lines that carry
	// no event. A recognised but unparseable line returns an error wrapping
	// ErrMalformedLine.
	ParseLine(line string) (ev Event, ok bool, err error)

	// Mode returns the mode this parser implements.
	Mode() Mode
}

// NewParser returns the parser for mode, or an error for an unknown mode.
func NewParser(mode Mode) (Parser, error) {
	switch mode {
	case ModeDetailed:
		return NewDetailedParser(), nil
	case ModeLegacy:
		return NewLegacyParser(), nil
	default:
		return nil, fmt.Errorf("unknown ingest mode %q", mode)
	}
}

// splitFields splits an event line on '|' and trims every field.
func splitFields(line string) []string {
	parts := strings.Split(line, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	return parts
}

func malformed(line, reason string) error {
	return fmt.Errorf("%w: %s: %q", ErrMalformedLine, reason, line)
}
