package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// LineReader splits a byte stream into newline-delimited frames.
// Used by transports that have no message boundaries of their own (SSH).
type LineReader struct {
	scanner *bufio.Scanner
}

// NewLineReader creates a reader that refuses lines longer than maxSize bytes
func NewLineReader(r io.Reader, maxSize int) *LineReader {
	if maxSize <= 0 {
		maxSize = MaxFrameSize
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxSize)
	return &LineReader{scanner: scanner}
}

// Next returns the next non-blank line without its terminator.
// It returns io.EOF once the stream ends.
func (lr *LineReader) Next() ([]byte, error) {
	for lr.scanner.Scan() {
		line := bytes.TrimRight(lr.scanner.Bytes(), "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		// Scanner reuses its buffer
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}

	if err := lr.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrFrameTooLarge
		}
		return nil, err
	}
	return nil, io.EOF
}

// WriteLine writes an encoded frame followed by a newline
func WriteLine(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}
