// Package ingest turns serial events into stored log entries.
package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/moonblokz/probe/pkg/logbuf"
	"github.com/moonblokz/probe/pkg/serialport"
)

// knownLevels are the tags the node firmware prefixes its lines with.
var knownLevels = []string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR"}

// Pipeline timestamps, filters, and buffers every received line.
type Pipeline struct {
	buffer *logbuf.Buffer
	filter *logbuf.Filter
	now    func() time.Time
}

// New creates a pipeline writing into buffer and consulting filter.
func New(buffer *logbuf.Buffer, filter *logbuf.Filter) *Pipeline {
	return &Pipeline{buffer: buffer, filter: filter, now: time.Now}
}

// Run consumes events until ctx is cancelled or the stream is closed.
func (p *Pipeline) Run(ctx context.Context, events <-chan serialport.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.Handle(ev)
		}
	}
}

// Handle processes a single event.
func (p *Pipeline) Handle(ev serialport.Event) {
	switch ev.Kind {
	case serialport.LineReceived:
		p.ingestLine(ev.Line)
	case serialport.Connected:
		log.Info().Int("buffered", p.buffer.Len()).Msg("node connected")
	case serialport.Disconnected:
		log.Info().Int("buffered", p.buffer.Len()).Msg("node disconnected")
	}
}

func (p *Pipeline) ingestLine(line string) {
	received := p.now()
	if !p.filter.Match(line) {
		return
	}
	if _, ok := Level(line); !ok {
		log.Trace().Str("line", line).Msg("line without level tag")
	}
	p.buffer.Push(logbuf.NewEntry(received, line))
}

// Level extracts the bracketed level tag at the start of line. The tag is
// advisory: callers must not reject lines without one.
func Level(line string) (string, bool) {
	if !strings.HasPrefix(line, "[") {
		return "", false
	}
	end := strings.IndexByte(line, ']')
	if end < 0 {
		return "", false
	}
	tag := line[1:end]
	for _, lvl := range knownLevels {
		if tag == lvl {
			return tag, true
		}
	}
	return "", false
}
