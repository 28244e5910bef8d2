// Package probe wires the field daemon: the serial arbiter, log ingestion,
// telemetry sync, hub command processing, and both firmware updaters.
package probe

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/moonblokz/probe/internal/config"
	"github.com/moonblokz/probe/pkg/command"
	"github.com/moonblokz/probe/pkg/firmware"
	"github.com/moonblokz/probe/pkg/hub"
	"github.com/moonblokz/probe/pkg/ingest"
	"github.com/moonblokz/probe/pkg/journal"
	"github.com/moonblokz/probe/pkg/logbuf"
	"github.com/moonblokz/probe/pkg/schedule"
	"github.com/moonblokz/probe/pkg/serialport"
	"github.com/moonblokz/probe/pkg/system"
	"github.com/moonblokz/probe/pkg/telemetry"
)

// Options replaces host-facing collaborators. Zero values use the real ones.
type Options struct {
	Opener     serialport.Opener
	HTTPClient *http.Client
	System     firmware.System
	Locator    firmware.Locator
	Executable func() (string, error)
	// SerialBackoff overrides the reconnect backoff floor (tests).
	SerialBackoff time.Duration
}

// Agent owns every long-lived component of the daemon.
type Agent struct {
	cfg    config.Config
	nodeID string

	arbiter   *serialport.Arbiter
	buffer    *logbuf.Buffer
	filter    *logbuf.Filter
	schedule  *schedule.State
	pipeline  *ingest.Pipeline
	hub       *hub.Client
	processor *command.Processor
	sync      *telemetry.Sync
	node      *firmware.DeviceUpdater
	self      *firmware.SelfUpdater
	journal   *journal.Store
}

// NewAgent validates cfg and builds the component graph. Nothing runs until
// Start.
func NewAgent(cfg config.Config, opts Options) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Agent{cfg: cfg, nodeID: resolveNodeID(cfg.NodeID)}
	if a.nodeID == "" {
		return nil, errors.New("node id is empty and could not be derived from the host")
	}

	opener := opts.Opener
	if opener == nil {
		opener = serialport.SerialOpener{BaudRate: cfg.BaudRate}
	}
	arbiter, err := serialport.New(serialport.Config{
		Path:           cfg.USBPort,
		Opener:         opener,
		InitialBackoff: opts.SerialBackoff,
	})
	if err != nil {
		return nil, err
	}
	a.arbiter = arbiter

	a.buffer = logbuf.NewBuffer(cfg.BufferCapacity)
	a.filter = logbuf.NewFilter()
	a.schedule = schedule.NewState(schedule.Default(cfg.UploadInterval))
	a.pipeline = ingest.New(a.buffer, a.filter)
	a.hub = hub.NewClient(hub.Config{
		ServerURL:       cfg.ServerURL,
		NodeID:          a.nodeID,
		APIKey:          cfg.APIKey,
		Compress:        cfg.Compress,
		Timeout:         cfg.HTTPTimeout,
		DownloadTimeout: cfg.DownloadTimeout,
		HTTPClient:      opts.HTTPClient,
	})

	var recorder firmware.Recorder
	if cfg.JournalPath != "" {
		store, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return nil, err
		}
		a.journal = store
		recorder = store
	}

	sys := opts.System
	if sys == nil {
		sys = system.NewExec(cfg.PrivilegePrefix)
	}
	locator := opts.Locator
	if locator == nil {
		locator = system.LabelLocator{}
	}

	a.node, err = firmware.NewDeviceUpdater(firmware.DeviceConfig{
		BaseURL:           cfg.NodeFirmwareURL,
		Store:             firmware.NodeStore(cfg.DeployedDir),
		ScratchDir:        cfg.ScratchDir,
		MountPoint:        cfg.MountPoint,
		VolumeLabel:       cfg.VolumeLabel,
		BootloaderTimeout: cfg.BootloaderTimeout,
		Fetcher:           a.hub,
		Sender:            a.arbiter,
		System:            sys,
		Locator:           locator,
		Journal:           recorder,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	configPath := cfg.Path
	if configPath == "" {
		configPath = config.DefaultPath
	}
	if abs, err := filepath.Abs(configPath); err == nil {
		configPath = abs
	}
	a.self, err = firmware.NewSelfUpdater(firmware.SelfConfig{
		BaseURL:      cfg.ProbeFirmwareURL,
		Store:        firmware.ProbeStore(cfg.DeployedDir),
		ScratchDir:   cfg.ScratchDir,
		LauncherPath: cfg.LauncherPath,
		ConfigPath:   configPath,
		Executable:   opts.Executable,
		Fetcher:      a.hub,
		Rebooter:     sys,
		Journal:      recorder,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.processor, err = command.NewProcessor(command.Deps{
		Sender:       a.arbiter,
		Schedule:     a.schedule,
		Filter:       a.filter,
		NodeUpdater:  a.node,
		ProbeUpdater: a.self,
		Rebooter:     sys,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.sync, err = telemetry.New(telemetry.Config{
		Buffer:     a.buffer,
		Schedule:   a.schedule,
		Uploader:   a.hub,
		Dispatcher: a.processor,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// NodeID is the identity sent to the hub.
func (a *Agent) NodeID() string { return a.nodeID }

// NodeUpdater exposes the device firmware updater for one-shot checks.
func (a *Agent) NodeUpdater() *firmware.DeviceUpdater { return a.node }

// SelfUpdater exposes the probe self-updater for one-shot checks.
func (a *Agent) SelfUpdater() *firmware.SelfUpdater { return a.self }

// Arbiter exposes the serial arbiter; the node updater needs it running.
func (a *Agent) Arbiter() *serialport.Arbiter { return a.arbiter }

// Start runs every component until ctx is cancelled or one fails. Firmware
// runs already in flight are not interrupted.
func (a *Agent) Start(ctx context.Context) error {
	events, err := a.arbiter.Subscribe()
	if err != nil {
		return err
	}
	log.Info().
		Str("node_id", a.nodeID).
		Str("usb_port", a.cfg.USBPort).
		Str("server_url", a.cfg.ServerURL).
		Dur("upload_interval", a.cfg.UploadInterval).
		Dur("update_check_interval", a.cfg.UpdateCheckInterval).
		Str("version", Version).
		Msg("starting probe agent")

	group, gctx := errgroup.WithContext(ctx)
	// Run is single-shot and contains session panics itself; a restart would
	// only fail with ErrAlreadyRunning.
	group.Go(func() error { return a.arbiter.Run(gctx) })
	GroupGoSafe(gctx, group, "log-ingest", func(ctx context.Context) error {
		return a.pipeline.Run(ctx, events)
	})
	GroupGoSafe(gctx, group, "telemetry-sync", a.sync.Run)
	GroupGoSafe(gctx, group, "update-checks", a.runUpdateChecks)

	err = group.Wait()
	a.node.Wait()
	a.self.Wait()
	log.Info().Err(err).Msg("probe agent stopped")
	return err
}

// runUpdateChecks checks the probe binary first, then the node, at startup
// and on every update_check_interval tick.
func (a *Agent) runUpdateChecks(ctx context.Context) error {
	a.awaitSerial(ctx, startupSerialWait)
	a.checkUpdates(ctx)
	if a.cfg.UpdateCheckInterval <= 0 {
		log.Info().Msg("periodic update checks disabled")
		return nil
	}
	ticker := time.NewTicker(a.cfg.UpdateCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.checkUpdates(ctx)
		}
	}
}

// startupSerialWait bounds how long the first update check waits for the
// node's port; a node update started without it aborts before the bootloader.
const startupSerialWait = 10 * time.Second

func (a *Agent) awaitSerial(ctx context.Context, limit time.Duration) {
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for !a.arbiter.Stats().Connected {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			log.Warn().Dur("waited", limit).Msg("serial port not connected before the first update check")
			return
		case <-tick.C:
		}
	}
}

func (a *Agent) checkUpdates(ctx context.Context) {
	if a.self.Trigger(ctx) {
		a.self.Wait()
	}
	if ctx.Err() != nil {
		return
	}
	if !a.node.Trigger(ctx) {
		log.Debug().Msg("node update already running, skipping scheduled check")
	}
}

// Close releases resources held outside the goroutine group.
func (a *Agent) Close() error {
	return a.journal.Close()
}
