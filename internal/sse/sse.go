// Package sse reads Server-Sent Events from a provider response body.
package sse

import (
	"bufio"
	"io"
	"strings"
)

const maxLineSize = 4 * 1024 * 1024

// Event is one blank-line delimited SSE event. Multiple data lines are joined with "\n".
type Event struct {
	Type string
	Data string
	ID   string
}

// Reader yields complete events regardless of how the body was split across reads.
type Reader struct {
	scanner *bufio.Scanner
	event   Event
	pending bool
	sawData bool
}

func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Reader{scanner: scanner}
}

// Next blocks until a complete event is available. It returns nil, nil at EOF.
// A trailing event with no terminating blank line is still returned.
func (r *Reader) Next() (*Event, error) {
	for r.scanner.Scan() {
		line := strings.TrimSuffix(r.scanner.Text(), "\r")

		if line == "" {
			if r.pending {
				return r.flush(), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		r.field(line)
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if r.pending {
		return r.flush(), nil
	}
	return nil, nil
}

func (r *Reader) field(line string) {
	name, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")

	switch name {
	case "data":
		if r.sawData {
			r.event.Data += "\n"
		}
		r.event.Data += value
		r.sawData = true
	case "event":
		r.event.Type = value
	case "id":
		r.event.ID = value
	default:
		return
	}
	r.pending = true
}

func (r *Reader) flush() *Event {
	ev := r.event
	r.event = Event{}
	r.pending = false
	r.sawData = false
	return &ev
}
