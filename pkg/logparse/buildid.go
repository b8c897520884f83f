package logparse

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// BuildIDLayout is the time layout of a normalized build identifier.
const BuildIDLayout = "20060102150405"

var buildIDPattern = regexp.MustCompile(`^\d{14}$`)

// NormalizeBuildID carries seconds above 59 into minutes and minutes above
// 59 into hours. Hours, day, month and year are left alone, so an hour
// that overflows past 23 is still rejected by ParseBuildID.
func NormalizeBuildID(id string) (string, error) {
	if !buildIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q is not 14 digits", ErrInvalidBuildID, id)
	}

	hour, _ := strconv.Atoi(id[8:10])
	minute, _ := strconv.Atoi(id[10:12])
	second, _ := strconv.Atoi(id[12:14])

	minute += second / 60
	second %= 60
	hour += minute / 60
	minute %= 60

	return fmt.Sprintf("%s%02d%02d%02d", id[:8], hour, minute, second), nil
}

// ParseBuildID normalizes id and returns the build time it encodes, in UTC.
func ParseBuildID(id string) (time.Time, error) {
	norm, err := NormalizeBuildID(id)
	if err != nil {
		return time.Time{}, err
	}

	t, err := time.ParseInLocation(BuildIDLayout, norm, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidBuildID, id, err)
	}

	return t, nil
}

// FormatBuildID renders t as a build identifier.
func FormatBuildID(t time.Time) string {
	return t.UTC().Format(BuildIDLayout)
}
