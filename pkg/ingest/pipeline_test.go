package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/moonblokz/probe/pkg/logbuf"
	"github.com/moonblokz/probe/pkg/serialport"
)

func newTestPipeline(capacity int) (*Pipeline, *logbuf.Buffer, *logbuf.Filter) {
	buf := logbuf.NewBuffer(capacity)
	filter := logbuf.NewFilter()
	p := New(buf, filter)
	p.now = func() time.Time { return time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC) }
	return p, buf, filter
}

func line(s string) serialport.Event {
	return serialport.Event{Kind: serialport.LineReceived, Line: s}
}

func TestPipelineStoresTimestampedLines(t *testing.T) {
	p, buf, _ := newTestPipeline(10)
	p.Handle(line("[INFO] radio up"))
	p.Handle(line("no tag at all"))

	got := buf.Drain()
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Timestamp != "2026-10-18T08:00:00.000Z" || got[0].Message != "[INFO] radio up" {
		t.Fatalf("unexpected first entry %+v", got[0])
	}
	if got[1].Message != "no tag at all" {
		t.Fatalf("untagged line must still be stored, got %+v", got[1])
	}
}

func TestPipelineAppliesFilter(t *testing.T) {
	p, buf, filter := newTestPipeline(10)
	filter.Set("radio")
	p.Handle(line("[INFO] radio up"))
	p.Handle(line("[INFO] Radio down"))
	p.Handle(line("[DEBUG] tick"))
	filter.Set("")
	p.Handle(line("[DEBUG] tock"))

	got := buf.Drain()
	if len(got) != 2 || got[0].Message != "[INFO] radio up" || got[1].Message != "[DEBUG] tock" {
		t.Fatalf("unexpected entries %+v", got)
	}
}

func TestPipelineIgnoresConnectionEvents(t *testing.T) {
	p, buf, _ := newTestPipeline(10)
	p.Handle(serialport.Event{Kind: serialport.Connected})
	p.Handle(serialport.Event{Kind: serialport.Disconnected})
	if buf.Len() != 0 {
		t.Fatalf("connection events must not touch the buffer, got %d entries", buf.Len())
	}
}

func TestPipelineNeverExceedsCapacity(t *testing.T) {
	p, buf, _ := newTestPipeline(3)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		p.Handle(line(s))
		if buf.Len() > 3 {
			t.Fatalf("buffer exceeded capacity: %d", buf.Len())
		}
	}
	got := buf.Drain()
	if got[0].Message != "c" || got[2].Message != "e" {
		t.Fatalf("expected oldest evicted, got %+v", got)
	}
}

func TestPipelineRunStopsWhenStreamCloses(t *testing.T) {
	p, buf, _ := newTestPipeline(10)
	ch := make(chan serialport.Event, 2)
	ch <- line("[WARN] x")
	close(ch)
	if err := p.Run(context.Background(), ch); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if buf.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", buf.Len())
	}
}

func TestLevel(t *testing.T) {
	cases := map[string]string{
		"[INFO] x":  "INFO",
		"[ERROR]":   "ERROR",
		"[info] x":  "",
		"INFO x":    "",
		"[NOTICE] ": "",
		"[WARN":     "",
	}
	for in, want := range cases {
		got, ok := Level(in)
		if got != want || ok != (want != "") {
			t.Fatalf("Level(%q) = %q,%v want %q", in, got, ok, want)
		}
	}
}
