package logparse

import (
	"fmt"
	"path/filepath"
	"regexp"
)

var fileNamePattern = regexp.MustCompile(`^([^_]+)_(.+?)_test`)

// ParseFileName derives branch and platform from a log path such as
// ".../mozilla-central_win32_test-peptest-bm1-build1.txt.gz".
func ParseFileName(path string) (branch, platform string, err error) {
	base := filepath.Base(path)

	m := fileNamePattern.FindStringSubmatch(base)
	if m == nil {
		return "", "", fmt.Errorf("%w: %s", ErrBadFileName, base)
	}

	return m[1], m[2], nil
}
