package logparse

import "sort"

// period is one unresponsive gap observed in a run. A clean pass is
// recorded as a zero period with no action.
type period struct {
	ms     int64
	action string
}

// openRun accumulates periods between TEST-START and TEST-END.
type openRun struct {
	periods []period
}

// testState is the per-test state. A nil open run is Idle.
type testState struct {
	run  int
	open *openRun
}

// completedRun is a run closed by TEST-END with at least one period.
type completedRun struct {
	test    string
	run     int
	periods []period
}

// tracker is the per-test START/END state machine. It does no I/O; the
// anomaly it reports is returned as one of the sequencing sentinel errors.
type tracker struct {
	tests map[string]*testState
}

func newTracker() *tracker {
	return &tracker{tests: make(map[string]*testState, 32)}
}

func (t *tracker) state(test string) *testState {
	s, ok := t.tests[test]
	if !ok {
		s = &testState{}
		t.tests[test] = s
	}

	return s
}

// start opens a new run. An already open run is abandoned and
// ErrMissingEnd reported, but the new run is opened regardless.
func (t *tracker) start(test string) error {
	s := t.state(test)

	var err error
	if s.open != nil {
		err = ErrMissingEnd
	}

	s.run++
	s.open = &openRun{}

	return err
}

// pass records a zero period if the open run has none yet.
func (t *tracker) pass(test string) error {
	s := t.state(test)
	if s.open == nil {
		return ErrNoOpenRun
	}

	if len(s.open.periods) == 0 {
		s.open.periods = append(s.open.periods, period{})
	}

	return nil
}

// unresponsive appends a gap to the open run.
func (t *tracker) unresponsive(test, action string, ms int64) error {
	s := t.state(test)
	if s.open == nil {
		return ErrNoOpenRun
	}

	s.open.periods = append(s.open.periods, period{ms: ms, action: action})

	return nil
}

// end closes the open run. ok is true when the run has periods to store.
// A run with none is discarded and ErrNoResults reported.
func (t *tracker) end(test string) (completedRun, bool, error) {
	s := t.state(test)
	if s.open == nil {
		return completedRun{}, false, ErrEndWithoutStart
	}

	open := s.open
	s.open = nil

	if len(open.periods) == 0 {
		return completedRun{}, false, ErrNoResults
	}

	return completedRun{test: test, run: s.run, periods: open.periods}, true, nil
}

// dangling returns the tests whose run is still open, sorted.
func (t *tracker) dangling() []string {
	var out []string

	for name, s := range t.tests {
		if s.open != nil {
			out = append(out, name)
		}
	}

	sort.Strings(out)

	return out
}
