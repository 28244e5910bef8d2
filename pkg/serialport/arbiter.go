// Package serialport owns the single physical serial channel to the node.
//
// The Arbiter is the only component allowed to open or close the port. Other
// components reach the device exclusively through Send (outbound writes) and
// the event stream returned by Subscribe (inbound lines and connection
// changes). The event stream survives reconnects: the subscriber keeps reading
// the same channel while the Arbiter reopens the port behind it.
package serialport

import (
	"bufio"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultOutboundSize   = 32
	DefaultInboundSize    = 100
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 60 * time.Second
	DefaultMaxLineLength  = 4096
)

var (
	// ErrClosed is returned by Send once the Arbiter has stopped.
	ErrClosed = errors.New("serial arbiter closed")
	// ErrAlreadySubscribed is returned by a second Subscribe call.
	ErrAlreadySubscribed = errors.New("serial event stream already has a subscriber")
	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("serial arbiter already running")
	// ErrNotDelivered is returned by SendAndWait when the data never reached
	// the port and never will.
	ErrNotDelivered = errors.New("serial data not delivered")
)

const (
	requestPending int32 = iota
	requestTaken
	requestWithdrawn
)

// request is one queued write. ack is nil for fire-and-forget Send.
type request struct {
	data  []byte
	ack   chan error
	state atomic.Int32
}

// EventKind tags an inbound event.
type EventKind int

const (
	LineReceived EventKind = iota + 1
	Connected
	Disconnected
)

func (k EventKind) String() string {
	switch k {
	case LineReceived:
		return "line"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is one inbound notification from the channel. Line is set only for
// LineReceived.
type Event struct {
	Kind EventKind
	Line string
	At   time.Time
}

// Config controls an Arbiter.
type Config struct {
	Path           string
	Opener         Opener
	OutboundSize   int
	InboundSize    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxLineLength  int
}

// Stats is a point-in-time view of the Arbiter counters.
type Stats struct {
	Connected       bool
	Sessions        uint64
	DroppedInbound  uint64
	PendingOutbound int
}

// Arbiter multiplexes one serial port between a line reader and any number of
// writers.
type Arbiter struct {
	cfg Config

	outbound chan *request
	pending  atomic.Int64
	inbound  chan Event
	emitMu   sync.Mutex

	// retry holds a write that failed mid-session; it goes out first on the
	// next session so FIFO order survives reconnects. Owned by Run.
	retry []byte

	running    atomic.Bool
	subscribed atomic.Bool
	connected  atomic.Bool
	sessions   atomic.Uint64
	dropped    atomic.Uint64
	done       chan struct{}
}

// New validates cfg and returns an Arbiter. Call Run to start it.
func New(cfg Config) (*Arbiter, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("serial arbiter: port path is empty")
	}
	if cfg.Opener == nil {
		cfg.Opener = SerialOpener{}
	}
	if cfg.OutboundSize <= 0 {
		cfg.OutboundSize = DefaultOutboundSize
	}
	if cfg.InboundSize <= 0 {
		cfg.InboundSize = DefaultInboundSize
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = DefaultMaxLineLength
	}
	return &Arbiter{
		cfg:      cfg,
		outbound: make(chan *request, cfg.OutboundSize),
		inbound:  make(chan Event, cfg.InboundSize),
		done:     make(chan struct{}),
	}, nil
}

// Send enqueues data for transmission and returns once it is queued. When the
// queue is full the caller waits for space, ctx cancellation, or shutdown.
func (a *Arbiter) Send(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return a.enqueue(ctx, &request{data: append([]byte(nil), data...)})
}

// SendAndWait writes data and returns once the port write has completed.
// It fails fast with ErrNotDelivered while the port is disconnected. When ctx
// ends before the write is picked up, the data is withdrawn from the queue
// and ErrNotDelivered is returned; it is never written later.
func (a *Arbiter) SendAndWait(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if !a.connected.Load() {
		select {
		case <-a.done:
			return ErrClosed
		default:
		}
		return errors.Wrap(ErrNotDelivered, "serial port disconnected")
	}
	req := &request{data: append([]byte(nil), data...), ack: make(chan error, 1)}
	if err := a.enqueue(ctx, req); err != nil {
		if errors.Is(err, ErrClosed) {
			return err
		}
		return errors.Wrap(ErrNotDelivered, err.Error())
	}
	select {
	case err := <-req.ack:
		return err
	case <-ctx.Done():
	case <-a.done:
	}
	if req.state.CompareAndSwap(requestPending, requestWithdrawn) {
		a.pending.Add(-1)
		cause := ctx.Err()
		if cause == nil {
			cause = ErrClosed
		}
		return errors.Wrapf(ErrNotDelivered, "withdrawn: %v", cause)
	}
	// The writer already holds it; its outcome is the answer.
	return <-req.ack
}

func (a *Arbiter) enqueue(ctx context.Context, req *request) error {
	select {
	case <-a.done:
		return ErrClosed
	default:
	}
	a.pending.Add(1)
	select {
	case a.outbound <- req:
		return nil
	case <-ctx.Done():
		a.pending.Add(-1)
		return errors.Wrap(ctx.Err(), "serial send")
	case <-a.done:
		a.pending.Add(-1)
		return ErrClosed
	}
}

// Subscribe returns the inbound event stream. Only one subscriber is allowed.
// The channel is closed when Run returns.
func (a *Arbiter) Subscribe() (<-chan Event, error) {
	if !a.subscribed.CompareAndSwap(false, true) {
		return nil, ErrAlreadySubscribed
	}
	return a.inbound, nil
}

// Stats returns the current counters.
func (a *Arbiter) Stats() Stats {
	return Stats{
		Connected:       a.connected.Load(),
		Sessions:        a.sessions.Load(),
		DroppedInbound:  a.dropped.Load(),
		PendingOutbound: int(a.pending.Load()),
	}
}

// Run owns the port until ctx is cancelled: it opens the port, serves reads
// and writes, and reopens with exponential backoff after any failure.
func (a *Arbiter) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer func() {
		close(a.done)
		close(a.inbound)
	}()

	bo := a.newBackOff()
	for {
		port, err := a.open()
		if err != nil {
			log.Warn().Err(err).Str("port", a.cfg.Path).Msg("serial open failed")
			a.emit(Event{Kind: Disconnected, At: time.Now()})
		} else {
			bo.Reset()
			a.sessions.Add(1)
			a.connected.Store(true)
			log.Info().Str("port", a.cfg.Path).Msg("serial connected")
			a.emit(Event{Kind: Connected, At: time.Now()})

			err = a.serve(ctx, port)
			a.connected.Store(false)
			a.emit(Event{Kind: Disconnected, At: time.Now()})
			if ctx.Err() != nil {
				log.Info().Str("port", a.cfg.Path).Msg("serial arbiter stopped")
				return nil
			}
			evt := log.Warn()
			if IsDisconnect(err) {
				evt = log.Info()
			}
			evt.Err(err).Str("port", a.cfg.Path).Msg("serial session ended")
		}

		if ctx.Err() != nil {
			return nil
		}
		wait := bo.NextBackOff()
		log.Debug().Dur("backoff", wait).Str("port", a.cfg.Path).Msg("serial reconnect scheduled")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (a *Arbiter) open() (port Port, err error) {
	defer func() {
		if r := recover(); r != nil {
			port, err = nil, errors.Errorf("serial open panicked: %v", r)
		}
	}()
	return a.cfg.Opener.Open(a.cfg.Path)
}

func (a *Arbiter) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.cfg.InitialBackoff
	bo.MaxInterval = a.cfg.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()
	return bo
}

// serve runs one session. The reader goroutine and the write loop proceed
// independently; whichever fails first ends the session and closes the port.
// A panic in either ends only the session, so Run keeps reconnecting.
func (a *Arbiter) serve(ctx context.Context, port Port) (err error) {
	defer func() {
		if r := recover(); r != nil {
			_ = port.Close()
			err = errors.Errorf("serial session panicked: %v", r)
		}
	}()
	readErr := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				readErr <- errors.Errorf("serial reader panicked: %v", r)
			}
		}()
		readErr <- a.readLines(port)
	}()
	stop := func() {
		_ = port.Close()
		<-readErr
	}

	if a.retry != nil {
		if err := a.write(port, a.retry); err != nil {
			stop()
			return err
		}
		a.retry = nil
	}

	for {
		select {
		case <-ctx.Done():
			stop()
			return ctx.Err()
		case err := <-readErr:
			_ = port.Close()
			if err == nil {
				err = errors.New("serial reader stopped")
			}
			return errors.Wrap(err, "serial read")
		case req := <-a.outbound:
			if !req.state.CompareAndSwap(requestPending, requestTaken) {
				continue
			}
			a.pending.Add(-1)
			err := a.write(port, req.data)
			if req.ack != nil {
				req.ack <- err
			} else if err != nil {
				a.retry = req.data
			}
			if err != nil {
				stop()
				return err
			}
		}
	}
}

func (a *Arbiter) write(port Port, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("serial write panicked: %v", r)
		}
	}()
	if _, err := port.Write(data); err != nil {
		return errors.Wrap(err, "serial write")
	}
	log.Trace().Str("data", strings.TrimRight(string(data), "\r\n")).Msg("serial write")
	return nil
}

// readLines splits the inbound byte stream on LF, strips CR, skips empty
// lines, and truncates lines longer than MaxLineLength.
func (a *Arbiter) readLines(port Port) error {
	reader := bufio.NewReaderSize(port, a.cfg.MaxLineLength)
	var (
		line      []byte
		truncated bool
	)
	for {
		chunk, err := reader.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			if !truncated {
				line = append(line[:0], chunk...)
				truncated = true
			}
			continue
		}
		if err != nil {
			return err
		}
		if !truncated {
			line = append(line[:0], chunk...)
		}
		truncated = false
		text := strings.TrimRight(strings.ReplaceAll(string(line), "\r", ""), "\n")
		if text == "" {
			continue
		}
		a.emit(Event{Kind: LineReceived, Line: text, At: time.Now()})
	}
}

// emit delivers ev without blocking. When the subscriber lags and the queue is
// full, the oldest queued event is discarded to make room.
func (a *Arbiter) emit(ev Event) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	for {
		select {
		case a.inbound <- ev:
			return
		default:
		}
		select {
		case <-a.inbound:
			if n := a.dropped.Add(1); n%100 == 1 {
				log.Warn().Uint64("dropped", n).Msg("serial inbound queue full, dropping oldest events")
			}
		default:
		}
	}
}
