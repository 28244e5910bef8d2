// Package telemetry runs the scheduled upload loop and hands hub responses to
// the command processor.
package telemetry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/moonblokz/probe/pkg/command"
	"github.com/moonblokz/probe/pkg/logbuf"
	"github.com/moonblokz/probe/pkg/schedule"
)

const (
	DefaultRetryInitial = time.Second
	DefaultRetryMax     = 60 * time.Second
)

// Uploader posts a batch and returns the hub's response body.
type Uploader interface {
	Upload(ctx context.Context, logs []logbuf.Entry) ([]byte, error)
}

// Dispatcher applies one parsed command.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd command.Command) error
}

// Config controls Sync.
type Config struct {
	Buffer       *logbuf.Buffer
	Schedule     *schedule.State
	Uploader     Uploader
	Dispatcher   Dispatcher
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Outcome summarises one tick.
type Outcome struct {
	Uploaded   int
	Requeued   int
	Dispatched int
	Failed     int
	Halted     bool
}

// Sync owns the upload cadence. At most one upload is outstanding.
type Sync struct {
	cfg     Config
	retry   *backoff.ExponentialBackOff
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	uploads uint64
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Sync, error) {
	if cfg.Buffer == nil {
		return nil, errors.New("telemetry: buffer is nil")
	}
	if cfg.Schedule == nil {
		return nil, errors.New("telemetry: schedule is nil")
	}
	if cfg.Uploader == nil {
		return nil, errors.New("telemetry: uploader is nil")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("telemetry: dispatcher is nil")
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = DefaultRetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultRetryMax
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.RetryInitial
	retry.Multiplier = 2
	retry.RandomizationFactor = 0
	retry.MaxInterval = cfg.RetryMax
	retry.Reset()
	return &Sync{cfg: cfg, retry: retry, now: time.Now, sleep: sleepCtx}, nil
}

// Run sleeps per schedule and ticks until ctx ends or a reboot halts the
// dispatcher.
func (s *Sync) Run(ctx context.Context) error {
	log.Info().Dur("interval", s.cfg.Schedule.Interval(s.now())).Msg("telemetry sync started")
	for {
		interval := s.cfg.Schedule.Interval(s.now())
		if err := s.sleep(ctx, interval); err != nil {
			return nil
		}
		out, err := s.Tick(ctx)
		if out.Halted {
			log.Warn().Msg("telemetry sync halted by reboot")
			return nil
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		wait := s.retry.NextBackOff()
		log.Warn().Err(err).
			Int("requeued", out.Requeued).
			Dur("retry_in", wait).
			Msg("telemetry upload failed")
		if err := s.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// Tick performs one drain/upload/dispatch cycle. A returned error means the
// upload failed and the batch went back to the buffer.
func (s *Sync) Tick(ctx context.Context) (Outcome, error) {
	var out Outcome
	batch := s.cfg.Buffer.Drain()
	body, err := s.cfg.Uploader.Upload(ctx, batch)
	if err != nil {
		s.cfg.Buffer.Requeue(batch)
		out.Requeued = len(batch)
		return out, errors.Wrap(err, "upload batch")
	}
	s.retry.Reset()
	s.uploads++
	out.Uploaded = len(batch)
	log.Debug().Int("entries", len(batch)).Uint64("uploads", s.uploads).Msg("batch delivered")

	cmds, parseErrs, err := command.ParseList(body)
	if err != nil {
		log.Error().Err(err).Int("body_bytes", len(body)).Msg("malformed hub response, no commands run")
		return out, nil
	}
	for _, perr := range parseErrs {
		out.Failed++
		log.Error().Err(perr).Msg("skipping malformed hub command")
	}
	for _, cmd := range cmds {
		err := s.cfg.Dispatcher.Dispatch(ctx, cmd)
		if errors.Is(err, command.ErrHalted) {
			out.Dispatched++
			out.Halted = true
			return out, nil
		}
		if err != nil {
			out.Failed++
			log.Error().Err(err).Str("command", cmd.Name()).Msg("hub command failed")
			continue
		}
		out.Dispatched++
	}
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
