package main

import (
	"bufio"
	"io"
	"strings"
)

// sseScanner reads a text/event-stream body frame by frame, splitting on
// "event: <name>\ndata: <json>\n\n" boundaries the same way exhibitd writes
// them (internal/httpapi/sse.go).
type sseScanner struct {
	scanner *bufio.Scanner
	event   string
	data    string
	readErr error
}

func newSSEScanner(r io.Reader) *sseScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseScanner{scanner: s}
}

// next advances to the following complete frame, returning false once the
// stream ends or errors.
func (s *sseScanner) next() bool {
	var event, data string
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "":
			if event == "" && data == "" {
				continue
			}
			s.event, s.data = event, data
			return true
		}
	}
	if err := s.scanner.Err(); err != nil {
		s.readErr = err
	}
	return false
}

func (s *sseScanner) frame() (event, data string) {
	return s.event, s.data
}

func (s *sseScanner) err() error {
	return s.readErr
}
