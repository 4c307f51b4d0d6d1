package ssecommon

import (
	"bufio"
	"io"
	"strings"
)

// Event is one parsed Server-Sent Event.
type Event struct {
	// Name is the event type; empty means the default "message" type.
	Name string

	// Data is the joined data payload.
	Data string
}

// EventScanner incrementally parses an SSE stream.
type EventScanner struct {
	scanner *bufio.Scanner
}

// NewEventScanner creates a scanner over an SSE byte stream. maxFrame bounds
// the size of a single line; a longer line fails the scan.
func NewEventScanner(r io.Reader, maxFrame int) *EventScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxFrame)
	return &EventScanner{scanner: s}
}

// Next returns the next complete event. It returns io.EOF when the stream
// ends cleanly.
func (e *EventScanner) Next() (*Event, error) {
	var event Event
	var data []string
	seen := false

	for e.scanner.Scan() {
		line := e.scanner.Text()

		// Blank line terminates an event.
		if line == "" {
			if seen {
				event.Data = strings.Join(data, "\n")
				return &event, nil
			}
			continue
		}

		// Comment lines (keepalives) are ignored.
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event.Name = value
			seen = true
		case "data":
			data = append(data, value)
			seen = true
		}
	}

	if err := e.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
