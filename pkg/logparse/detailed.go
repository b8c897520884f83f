package logparse

import (
	"regexp"
	"strconv"
	"strings"
)

// Markers of the harness event grammar.
const (
	markerStart    = "TEST-START"
	markerPass     = "TEST-PASS"
	markerFail     = "TEST-UNEXPECTED-FAIL"
	markerEnd      = "TEST-END"
	markerWarning  = "WARNING"
	unresponsiveAt = "unresponsive time"
)

// unresponsivePattern matches the duration field of a warning line.
// Example: PEP WARNING | test_scroll.js | scroll.page | unresponsive time: 212 ms
var unresponsivePattern = regexp.MustCompile(`unresponsive time:\s*(\d+)\s*ms`)

// minWarningFields is prefix, test, action and duration.
const minWarningFields = 4

type detailedParser struct{}

// NewDetailedParser creates the START/WARNING/END grammar parser.
func NewDetailedParser() Parser {
	return &detailedParser{}
}

// Ensure interface compliance.
var _ Parser = (*detailedParser)(nil)

// ParseLine implements Parser.
func (p *detailedParser) ParseLine(line string) (Event, bool, error) {
	var kind EventKind

	// FAIL is tested before PASS; the harness never emits both on a line.
	switch {
	case strings.Contains(line, markerStart):
		kind = EventStart
	case strings.Contains(line, markerEnd):
		kind = EventEnd
	case strings.Contains(line, markerFail):
		kind = EventFail
	case strings.Contains(line, markerPass):
		kind = EventPass
	case strings.Contains(line, markerWarning) &&
		strings.Contains(line, unresponsiveAt):
		kind = EventUnresponsive
	default:
		return Event{}, false, nil
	}

	parts := splitFields(line)
	if len(parts) < 2 || parts[1] == "" {
		return Event{}, false, malformed(line, "no test name")
	}

	ev := Event{Kind: kind, Test: parts[1]}

	if kind != EventUnresponsive {
		return ev, true, nil
	}

	if len(parts) < minWarningFields {
		return Event{}, false, malformed(line, "too few warning fields")
	}

	m := unresponsivePattern.FindStringSubmatch(parts[3])
	if m == nil {
		return Event{}, false, malformed(line, "no unresponsive duration")
	}

	period, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return Event{}, false, malformed(line, err.Error())
	}

	ev.Action = parts[2]
	ev.Period = period

	return ev, true, nil
}

// Mode implements Parser.
func (p *detailedParser) Mode() Mode {
	return ModeDetailed
}
