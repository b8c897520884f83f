package logparse

import (
	"regexp"
	"strconv"
	"strings"
)

// Legacy lines carry the "PEP " prefix.
// Example: PEP TEST-UNEXPECTED-FAIL | test_menus.js | fail (metric: 12.5)
const (
	legacyPass = "PEP " + markerPass
	legacyFail = "PEP " + markerFail
)

var metricPattern = regexp.MustCompile(`metric:\s*([\d.]+)`)

type legacyParser struct{}

// NewLegacyParser creates the pass/fail grammar parser.
func NewLegacyParser() Parser {
	return &legacyParser{}
}

// Ensure interface compliance.
var _ Parser = (*legacyParser)(nil)

// ParseLine implements Parser.
func (p *legacyParser) ParseLine(line string) (Event, bool, error) {
	switch {
	case strings.Contains(line, legacyFail):
		parts := splitFields(line)
		if len(parts) < 3 || parts[1] == "" {
			return Event{}, false, malformed(line, "too few failure fields")
		}

		m := metricPattern.FindStringSubmatch(parts[2])
		if m == nil {
			return Event{}, false, malformed(line, "failure without metric")
		}

		metric, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return Event{}, false, malformed(line, err.Error())
		}

		return Event{Kind: EventFail, Test: parts[1], Metric: metric}, true, nil

	case strings.Contains(line, legacyPass):
		parts := splitFields(line)
		if len(parts) < 2 || parts[1] == "" {
			return Event{}, false, malformed(line, "no test name")
		}

		return Event{Kind: EventPass, Test: parts[1]}, true, nil

	default:
		return Event{}, false, nil
	}
}

// Mode implements Parser.
func (p *legacyParser) Mode() Mode {
	return ModeLegacy
}
