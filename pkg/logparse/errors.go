package logparse

import "errors"

// Fatal for the file being parsed.
var (
	// ErrBadFileName is returned when branch and platform cannot be derived
	// from the log's file name.
	ErrBadFileName = errors.New("log file name does not match <branch>_<platform>_test")
	// ErrInvalidBuildID is returned when a build identifier is not a valid
	// timestamp even after normalization.
	ErrInvalidBuildID = errors.New("invalid build id")
	// ErrMissingBuildID is returned when a record must be stored before any
	// build identifier was supplied or found in the header.
	ErrMissingBuildID = errors.New("no build id before first result")
)

// Sequencing anomalies, reported and recovered from.
var (
	ErrMissingEnd      = errors.New("missing END for previous run")
	ErrEndWithoutStart = errors.New("END without START")
	ErrNoResults       = errors.New("no results for test")
	ErrNoOpenRun       = errors.New("event for test without an open run")
)

// ErrMalformedLine is reported for a recognised event line whose fields
// cannot be parsed. The line is skipped.
var ErrMalformedLine = errors.New("malformed line")
