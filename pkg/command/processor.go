package command

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/moonblokz/probe/pkg/logbuf"
	"github.com/moonblokz/probe/pkg/schedule"
)

// LineTerminator ends every command written to the node console.
const LineTerminator = "\r\n"

// ErrHalted is returned after a reboot was invoked. Callers stop processing.
var ErrHalted = errors.New("reboot invoked, command processing halted")

// logLevelTokens maps hub level names to node console tokens.
var logLevelTokens = map[string]string{
	"TRACE": "/LT",
	"DEBUG": "/LD",
	"INFO":  "/LI",
	"WARN":  "/LW",
	"ERROR": "/LE",
}

// LogLevelToken returns the console token for level (case-insensitive).
func LogLevelToken(level string) (string, bool) {
	tok, ok := logLevelTokens[strings.ToUpper(strings.TrimSpace(level))]
	return tok, ok
}

// Sender queues bytes for the node console.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// Trigger starts an updater unless one is already running. It reports
// whether a new run was started.
type Trigger interface {
	Trigger(ctx context.Context) bool
}

// Rebooter restarts the host.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// Deps are the collaborators a Processor mutates or drives.
type Deps struct {
	Sender       Sender
	Schedule     *schedule.State
	Filter       *logbuf.Filter
	NodeUpdater  Trigger
	ProbeUpdater Trigger
	Rebooter     Rebooter
}

// Processor applies commands. It holds no state of its own.
type Processor struct {
	deps Deps
}

// NewProcessor validates deps.
func NewProcessor(deps Deps) (*Processor, error) {
	switch {
	case deps.Sender == nil:
		return nil, errors.New("command processor: sender is nil")
	case deps.Schedule == nil:
		return nil, errors.New("command processor: schedule is nil")
	case deps.Filter == nil:
		return nil, errors.New("command processor: filter is nil")
	case deps.NodeUpdater == nil || deps.ProbeUpdater == nil:
		return nil, errors.New("command processor: updater trigger is nil")
	case deps.Rebooter == nil:
		return nil, errors.New("command processor: rebooter is nil")
	}
	return &Processor{deps: deps}, nil
}

// Dispatch applies cmd. Unknown commands are logged and ignored. After a
// successful reboot invocation it returns ErrHalted.
func (p *Processor) Dispatch(ctx context.Context, cmd Command) error {
	log.Info().Str("command", cmd.Name()).Msg("executing hub command")
	switch c := cmd.(type) {
	case SetUpdateInterval:
		return p.setUpdateInterval(c)
	case SetLogLevel:
		tok, ok := LogLevelToken(c.Level)
		if !ok {
			return errors.Errorf("set_log_level: invalid level %q", c.Level)
		}
		if err := p.deps.Sender.Send(ctx, []byte(tok+LineTerminator)); err != nil {
			return errors.Wrap(err, "set_log_level")
		}
		log.Info().Str("level", strings.ToUpper(c.Level)).Msg("node log level set")
		return nil
	case SetFilter:
		p.deps.Filter.Set(c.Value)
		log.Info().Str("filter", c.Value).Msg("log filter set")
		return nil
	case RunCommand:
		if err := p.deps.Sender.Send(ctx, []byte(c.Value+LineTerminator)); err != nil {
			return errors.Wrap(err, "run_command")
		}
		log.Info().Str("value", c.Value).Msg("node command queued")
		return nil
	case UpdateNode:
		if !p.deps.NodeUpdater.Trigger(ctx) {
			log.Info().Msg("node firmware update already in progress, ignoring trigger")
		}
		return nil
	case UpdateProbe:
		if !p.deps.ProbeUpdater.Trigger(ctx) {
			log.Info().Msg("probe self-update already in progress, ignoring trigger")
		}
		return nil
	case RebootProbe:
		log.Warn().Msg("rebooting probe on hub request")
		if err := p.deps.Rebooter.Reboot(ctx); err != nil {
			return errors.Wrap(err, "reboot_probe")
		}
		return ErrHalted
	case Unknown:
		log.Warn().Str("command", c.Command).Msg("unknown hub command ignored")
		return nil
	default:
		return errors.Errorf("unhandled command type %T", cmd)
	}
}

func (p *Processor) setUpdateInterval(c SetUpdateInterval) error {
	window, err := schedule.ParseWindow(c.StartTime, c.EndTime)
	if err != nil {
		return errors.Wrap(err, "set_update_interval")
	}
	active, err := periodSeconds("active_period", c.ActivePeriod)
	if err != nil {
		return errors.Wrap(err, "set_update_interval")
	}
	inactive, err := periodSeconds("inactive_period", c.InactivePeriod)
	if err != nil {
		return errors.Wrap(err, "set_update_interval")
	}
	next, err := p.deps.Schedule.Replace(window, active, inactive)
	if err != nil {
		return errors.Wrap(err, "set_update_interval")
	}
	evt := log.Info().Dur("active_period", next.ActivePeriod).Dur("inactive_period", next.InactivePeriod)
	if window != nil {
		evt = evt.Str("window", window.String())
	}
	evt.Msg("upload schedule updated")
	return nil
}

// maxPeriodSeconds is the largest whole-second count a time.Duration holds.
const maxPeriodSeconds = uint64(math.MaxInt64 / int64(time.Second))

func periodSeconds(name string, secs uint64) (time.Duration, error) {
	if secs > maxPeriodSeconds {
		return 0, errors.Errorf("%s %d seconds is out of range (max %d)", name, secs, maxPeriodSeconds)
	}
	return time.Duration(secs) * time.Second, nil
}
