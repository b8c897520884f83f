package logparse

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

// maxLineSize bounds a single log line.
const maxLineSize = 4 * 1024 * 1024

// openLog opens path for line reading, transparently decompressing gzip
// content regardless of the file extension.
func openLog(path string) (*bufio.Scanner, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log: %w", err)
	}

	scanner, closer, err := newLineScanner(f)
	if err != nil {
		_ = f.Close()

		return nil, nil, err
	}

	return scanner, func() error {
		if closer != nil {
			_ = closer.Close()
		}

		return f.Close()
	}, nil
}

// newLineScanner wraps r in a line scanner, inserting a gzip reader when
// the stream starts with the gzip magic bytes.
func newLineScanner(r io.Reader) (*bufio.Scanner, io.Closer, error) {
	br := bufio.NewReader(r)

	var (
		src    io.Reader = br
		closer io.Closer
	)

	magic, err := br.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, gzErr := gzip.NewReader(br)
		if gzErr != nil {
			return nil, nil, fmt.Errorf("opening gzip stream: %w", gzErr)
		}

		src = gz
		closer = gz
	}

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	return scanner, closer, nil
}
