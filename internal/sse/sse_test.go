package sse

import (
	"strings"
	"testing"
	"testing/iotest"
)

func collect(t *testing.T, r *Reader) []Event {
	t.Helper()
	var events []Event
	for {
		ev, err := r.Next()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev == nil {
			return events
		}
		events = append(events, *ev)
	}
}

func TestReader_Events(t *testing.T) {
	stream := ": keep-alive\n\n" +
		"event: message_start\ndata: {\"a\":1}\n\n" +
		"data: line1\ndata: line2\nid: 7\n\n" +
		"data: [DONE]\n\n"

	events := collect(t, NewReader(strings.NewReader(stream)))

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != "message_start" || events[0].Data != `{"a":1}` {
		t.Errorf("unexpected first event %+v", events[0])
	}
	if events[1].Data != "line1\nline2" || events[1].ID != "7" {
		t.Errorf("unexpected second event %+v", events[1])
	}
	if events[2].Data != "[DONE]" {
		t.Errorf("unexpected third event %+v", events[2])
	}
}

func TestReader_FragmentedReads(t *testing.T) {
	stream := "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n"

	events := collect(t, NewReader(iotest.OneByteReader(strings.NewReader(stream))))

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if !strings.Contains(events[1].Data, `"lo"`) {
		t.Errorf("unexpected data %q", events[1].Data)
	}
}

func TestReader_CRLFAndTrailingEvent(t *testing.T) {
	stream := "event: ping\r\ndata: {}\r\n\r\ndata: tail"

	events := collect(t, NewReader(strings.NewReader(stream)))

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != "ping" || events[0].Data != "{}" {
		t.Errorf("unexpected event %+v", events[0])
	}
	if events[1].Data != "tail" {
		t.Errorf("expected trailing event without blank line, got %+v", events[1])
	}
}

func TestReader_ReadError(t *testing.T) {
	r := NewReader(iotest.TimeoutReader(strings.NewReader("data: partial")))

	// TimeoutReader returns data on the first read and an error on the second.
	_, err := r.Next()
	if err == nil {
		t.Fatal("expected error from underlying reader")
	}
}
