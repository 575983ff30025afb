package interpreter

import (
	"bufio"
	"bytes"
	"io"
	"sync"
)

// LineParser turns one line of a streamed response body into a text
// fragment. done reports the end-of-stream marker.
type LineParser func(line []byte) (fragment string, done bool, err error)

// LineStream adapts a line-delimited HTTP body (SSE or NDJSON) to Stream.
type LineStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	parse   LineParser

	closeOnce sync.Once
	done      bool
}

// NewLineStream wraps body. The stream owns body and closes it.
func NewLineStream(body io.ReadCloser, parse LineParser) *LineStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &LineStream{body: body, scanner: sc, parse: parse}
}

// Next returns the next non-empty fragment or io.EOF.
func (s *LineStream) Next() (string, error) {
	for !s.done && s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		fragment, done, err := s.parse(line)
		if err != nil {
			return "", err
		}
		if done {
			s.done = true
			break
		}
		if fragment != "" {
			return fragment, nil
		}
	}
	if err := s.scanner.Err(); err != nil && !s.done {
		return "", err
	}
	return "", io.EOF
}

// Close closes the response body.
func (s *LineStream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.body.Close() })
	return err
}
