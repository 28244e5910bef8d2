package firmware

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/moonblokz/probe/pkg/hub"
	"github.com/moonblokz/probe/pkg/journal"
	"github.com/moonblokz/probe/pkg/serialport"
)

const (
	DefaultBootloaderToken   = "/BS\r\n"
	DefaultVolumeLabel       = "RPI-RP2"
	DefaultMountPoint        = "/mnt/rp2"
	DefaultPollInterval      = time.Second
	DefaultBootloaderTimeout = 30 * time.Second
	DefaultTokenTimeout      = 5 * time.Second
)

// ErrBootloaderTimeout is returned when the bootloader volume never appears.
var ErrBootloaderTimeout = errors.New("bootloader device did not appear")

// DeviceConfig wires a DeviceUpdater.
type DeviceConfig struct {
	BaseURL           string
	Store             Store
	ScratchDir        string
	MountPoint        string
	VolumeLabel       string
	BootloaderToken   string
	PollInterval      time.Duration
	BootloaderTimeout time.Duration
	// TokenTimeout bounds how long the bootloader token may wait for the port.
	TokenTimeout time.Duration

	Fetcher Fetcher
	Sender  Sender
	System  System
	Locator Locator
	Journal Recorder
}

// DeviceUpdater flashes new firmware onto the attached node through its
// mass-storage bootloader.
type DeviceUpdater struct {
	cfg   DeviceConfig
	guard guard
	now   func() time.Time
}

type deviceRun struct {
	res      Result
	manifest hub.Manifest
	scratch  string
	device   string
}

// NewDeviceUpdater validates cfg and applies defaults.
func NewDeviceUpdater(cfg DeviceConfig) (*DeviceUpdater, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("device updater: firmware url is empty")
	}
	if cfg.Store.Dir == "" {
		return nil, errors.New("device updater: artifact dir is empty")
	}
	if cfg.Fetcher == nil || cfg.Sender == nil || cfg.System == nil || cfg.Locator == nil {
		return nil, errors.New("device updater: missing collaborator")
	}
	if cfg.Store.Prefix == "" {
		cfg.Store = NodeStore(cfg.Store.Dir)
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if cfg.MountPoint == "" {
		cfg.MountPoint = DefaultMountPoint
	}
	if cfg.VolumeLabel == "" {
		cfg.VolumeLabel = DefaultVolumeLabel
	}
	if cfg.BootloaderToken == "" {
		cfg.BootloaderToken = DefaultBootloaderToken
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BootloaderTimeout <= 0 {
		cfg.BootloaderTimeout = DefaultBootloaderTimeout
	}
	if cfg.TokenTimeout <= 0 {
		cfg.TokenTimeout = DefaultTokenTimeout
	}
	if cfg.Journal == nil {
		cfg.Journal = nopRecorder{}
	}
	return &DeviceUpdater{cfg: cfg, now: time.Now}, nil
}

// Trigger starts a run in the background. It returns false, doing nothing,
// while a run is already in progress.
func (u *DeviceUpdater) Trigger(ctx context.Context) bool {
	return u.guard.trigger(ctx, journal.KindNode, u.Run)
}

// RunOnce runs in the caller's goroutine unless a run is in progress.
func (u *DeviceUpdater) RunOnce(ctx context.Context) (Result, bool) {
	return u.guard.runOnce(ctx, u.Run)
}

// State is the state of the current or last run.
func (u *DeviceUpdater) State() State { return u.guard.State() }

// Wait blocks until a triggered run has finished.
func (u *DeviceUpdater) Wait() { u.guard.wait() }

// Run executes one update check. Callers normally use Trigger or RunOnce.
func (u *DeviceUpdater) Run(ctx context.Context) Result {
	rec := newRun(journal.KindNode, u.now())
	r := &deviceRun{}
	state := CheckingVersion
	for !state.Terminal() {
		u.guard.set(state)
		log.Debug().Str("state", state.String()).Msg("device update step")
		next, err := u.step(ctx, r, state)
		if err != nil {
			return u.abort(ctx, rec, r, state, err)
		}
		state = next
	}
	u.guard.set(state)
	r.res.Final = state
	u.removeScratch(r)
	record(ctx, u.cfg.Journal, rec, r.res, u.now())
	return r.res
}

func (u *DeviceUpdater) step(ctx context.Context, r *deviceRun, s State) (State, error) {
	switch s {
	case CheckingVersion:
		local, err := u.cfg.Store.Version()
		if err != nil {
			return s, err
		}
		r.res.From = local
		m, err := u.cfg.Fetcher.FetchManifest(ctx, u.cfg.BaseURL)
		if err != nil {
			return s, err
		}
		r.manifest = m
		r.res.To = m.Version
		if m.Version <= local {
			log.Info().Uint32("local", local).Uint32("remote", m.Version).Msg("node firmware up to date")
			return UpToDate, nil
		}
		log.Info().Uint32("local", local).Uint32("remote", m.Version).Msg("node firmware update available")
		return Downloading, nil

	case Downloading:
		if err := os.MkdirAll(u.cfg.ScratchDir, 0o755); err != nil {
			return s, errors.Wrap(err, "create scratch dir")
		}
		r.scratch = filepath.Join(u.cfg.ScratchDir, u.cfg.Store.Name(r.manifest.Version)+".download")
		url := strings.TrimSuffix(u.cfg.BaseURL, "/") + "/" + u.cfg.Store.Name(r.manifest.Version)
		n, err := downloadTo(ctx, u.cfg.Fetcher, url, r.scratch)
		if err != nil {
			return s, err
		}
		log.Info().Int64("bytes", n).Str("url", url).Msg("node firmware downloaded")
		return Verifying, nil

	case Verifying:
		if err := VerifyFile(r.scratch, r.manifest.CRC32); err != nil {
			return s, err
		}
		return EnteringBootloader, nil

	case EnteringBootloader:
		sendCtx, cancel := context.WithTimeout(ctx, u.cfg.TokenTimeout)
		err := u.cfg.Sender.SendAndWait(sendCtx, []byte(u.cfg.BootloaderToken))
		cancel()
		if err != nil {
			return s, errors.Wrap(err, "send bootloader token")
		}
		return AwaitingBootloaderDevice, nil

	case AwaitingBootloaderDevice:
		dev, err := u.awaitDevice(ctx)
		if err != nil {
			return s, err
		}
		r.device = dev
		return Mounting, nil

	case Mounting:
		if err := u.cfg.System.Mount(ctx, r.device, u.cfg.MountPoint); err != nil {
			return s, errors.Wrap(err, "mount bootloader volume")
		}
		return Copying, nil

	case Copying:
		dst := filepath.Join(u.cfg.MountPoint, u.cfg.Store.Name(r.manifest.Version))
		if err := copyAndSync(r.scratch, dst); err != nil {
			return s, err
		}
		if err := u.cfg.System.Sync(ctx); err != nil {
			return s, errors.Wrap(err, "flush bootloader volume")
		}
		// The node resets itself once the image lands, which often drops the
		// mount before we get here.
		if err := u.cfg.System.Unmount(ctx, u.cfg.MountPoint); err != nil {
			log.Debug().Err(err).Msg("unmount after copy failed")
		}
		return Cleanup, nil

	case Cleanup:
		if _, err := u.cfg.Store.Install(r.scratch, r.manifest.Version, 0o644); err != nil {
			return s, err
		}
		log.Info().Uint32("version", r.manifest.Version).Msg("node firmware deployed")
		return Done, nil
	}
	return s, errors.Errorf("device updater: unexpected state %s", s)
}

func (u *DeviceUpdater) awaitDevice(ctx context.Context) (string, error) {
	deadline := time.NewTimer(u.cfg.BootloaderTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(u.cfg.PollInterval)
	defer tick.Stop()
	for {
		dev, ok, err := u.cfg.Locator.Locate(u.cfg.VolumeLabel)
		if err != nil {
			log.Debug().Err(err).Msg("bootloader device probe failed")
		}
		if ok {
			log.Info().Str("device", dev).Msg("bootloader device detected")
			return dev, nil
		}
		select {
		case <-deadline.C:
			return "", errors.Wrapf(ErrBootloaderTimeout, "label %s after %s", u.cfg.VolumeLabel, u.cfg.BootloaderTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-tick.C:
		}
	}
}

func (u *DeviceUpdater) abort(ctx context.Context, rec journal.Run, r *deviceRun, failed State, err error) Result {
	u.guard.set(Aborted)
	r.res.Final = Aborted
	r.res.Failed = failed
	r.res.Err = errors.Wrapf(err, "node update failed in %s", failed)
	u.removeScratch(r)
	// A token that never reached the node left it running the old image.
	if !failed.pastNoReturn() || errors.Is(err, serialport.ErrNotDelivered) {
		record(ctx, u.cfg.Journal, rec, r.res, u.now())
		return r.res
	}

	log.Error().Err(err).Str("state", failed.String()).Msg("node update failed past the point of no return, rebooting")
	r.res.Rebooted = true
	record(ctx, u.cfg.Journal, rec, r.res, u.now())
	if rerr := u.cfg.System.Reboot(ctx); rerr != nil {
		r.res.Rebooted = false
		r.res.Err = errors.Wrapf(r.res.Err, "reboot also failed: %v", rerr)
		record(ctx, u.cfg.Journal, rec, r.res, u.now())
	}
	return r.res
}

func (u *DeviceUpdater) removeScratch(r *deviceRun) {
	if r.scratch == "" {
		return
	}
	if err := os.Remove(r.scratch); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Str("path", r.scratch).Msg("remove scratch file failed")
	}
}

func copyAndSync(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "copy to %s", dst)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return errors.Wrapf(err, "sync %s", dst)
	}
	return errors.Wrapf(out.Close(), "close %s", dst)
}
