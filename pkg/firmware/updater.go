package firmware

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/moonblokz/probe/pkg/hub"
	"github.com/moonblokz/probe/pkg/journal"
)

// Fetcher retrieves manifests and artifacts. *hub.Client implements it.
type Fetcher interface {
	FetchManifest(ctx context.Context, baseURL string) (hub.Manifest, error)
	Download(ctx context.Context, rawURL string, w io.Writer) (int64, error)
}

// Sender writes bytes to the node console and waits for the port write.
// *serialport.Arbiter implements it; serialport.ErrNotDelivered means the
// bytes never reached the node.
type Sender interface {
	SendAndWait(ctx context.Context, data []byte) error
}

// Rebooter restarts the host.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// System is the privileged host surface the device updater drives.
type System interface {
	Rebooter
	Mount(ctx context.Context, device, mountpoint string) error
	Unmount(ctx context.Context, mountpoint string) error
	Sync(ctx context.Context) error
}

// Locator finds a block device by volume label.
type Locator interface {
	Locate(label string) (string, bool, error)
}

// Recorder persists finished runs. *journal.Store implements it.
type Recorder interface {
	Record(ctx context.Context, run journal.Run) error
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, journal.Run) error { return nil }

// guard allows one run at a time and publishes the current state.
type guard struct {
	running atomic.Bool
	state   atomic.Int32
	wg      sync.WaitGroup
}

func (g *guard) State() State { return State(g.state.Load()) }

func (g *guard) set(s State) { g.state.Store(int32(s)) }

// trigger starts run in the background unless one is in flight. The run's
// context is detached from ctx: firmware workflows are never cancelled
// midway.
func (g *guard) trigger(ctx context.Context, name string, run func(context.Context) Result) bool {
	if !g.running.CompareAndSwap(false, true) {
		return false
	}
	g.wg.Add(1)
	detached := context.WithoutCancel(ctx)
	go func() {
		defer g.wg.Done()
		defer g.running.Store(false)
		res := run(detached)
		evt := log.Info()
		if res.Err != nil {
			evt = log.Error().Err(res.Err).Str("failed_state", res.Failed.String())
		}
		evt.Str("updater", name).
			Uint32("from", res.From).
			Uint32("to", res.To).
			Str("final_state", res.Final.String()).
			Bool("rebooted", res.Rebooted).
			Msg("update run finished")
	}()
	return true
}

// runOnce executes run in the caller's goroutine, honouring the same guard.
func (g *guard) runOnce(ctx context.Context, run func(context.Context) Result) (Result, bool) {
	if !g.running.CompareAndSwap(false, true) {
		return Result{}, false
	}
	defer g.running.Store(false)
	return run(context.WithoutCancel(ctx)), true
}

func (g *guard) wait() { g.wg.Wait() }

func downloadTo(ctx context.Context, f Fetcher, rawURL, path string) (int64, error) {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, errors.Wrapf(err, "create scratch file %s", path)
	}
	n, err := f.Download(ctx, rawURL, out)
	if err != nil {
		out.Close()
		os.Remove(path)
		return n, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return n, errors.Wrapf(err, "sync %s", path)
	}
	if err := out.Close(); err != nil {
		return n, errors.Wrapf(err, "close %s", path)
	}
	return n, nil
}

func newRun(kind string, started time.Time) journal.Run {
	return journal.Run{ID: uuid.NewString(), Kind: kind, StartedAt: started}
}

func record(ctx context.Context, rec Recorder, run journal.Run, res Result, now time.Time) {
	run.FromVersion = res.From
	run.ToVersion = res.To
	run.FinalState = res.Final.String()
	run.Rebooted = res.Rebooted
	run.Error = ""
	if res.Err != nil {
		run.Error = res.Err.Error()
	}
	run.FinishedAt = now
	if err := rec.Record(ctx, run); err != nil {
		log.Warn().Err(err).Str("kind", run.Kind).Msg("record update run failed")
	}
}
