package firmware

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/moonblokz/probe/pkg/hub"
	"github.com/moonblokz/probe/pkg/journal"
)

// SelfConfig wires a SelfUpdater.
type SelfConfig struct {
	BaseURL      string
	Store        Store
	ScratchDir   string
	LauncherPath string
	ConfigPath   string
	// Executable locates the running binary; defaults to os.Executable.
	Executable func() (string, error)

	Fetcher  Fetcher
	Rebooter Rebooter
	Journal  Recorder
}

// SelfUpdater replaces the probe binary and reboots into it.
type SelfUpdater struct {
	cfg   SelfConfig
	guard guard
	now   func() time.Time
}

type selfRun struct {
	res       Result
	manifest  hub.Manifest
	scratch   string
	aside     string // original path of the artifact moved to .old
	installed string
}

// NewSelfUpdater validates cfg and applies defaults.
func NewSelfUpdater(cfg SelfConfig) (*SelfUpdater, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("self updater: firmware url is empty")
	}
	if cfg.Store.Dir == "" {
		return nil, errors.New("self updater: artifact dir is empty")
	}
	if cfg.LauncherPath == "" {
		return nil, errors.New("self updater: launcher path is empty")
	}
	if cfg.Fetcher == nil || cfg.Rebooter == nil {
		return nil, errors.New("self updater: missing collaborator")
	}
	if cfg.Store.Prefix == "" {
		cfg.Store = ProbeStore(cfg.Store.Dir)
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if cfg.Executable == nil {
		cfg.Executable = os.Executable
	}
	if cfg.Journal == nil {
		cfg.Journal = nopRecorder{}
	}
	return &SelfUpdater{cfg: cfg, now: time.Now}, nil
}

// Trigger starts a run in the background unless one is in progress.
func (u *SelfUpdater) Trigger(ctx context.Context) bool {
	return u.guard.trigger(ctx, journal.KindProbe, u.Run)
}

// RunOnce runs in the caller's goroutine unless a run is in progress.
func (u *SelfUpdater) RunOnce(ctx context.Context) (Result, bool) {
	return u.guard.runOnce(ctx, u.Run)
}

// State is the state of the current or last run.
func (u *SelfUpdater) State() State { return u.guard.State() }

// Wait blocks until a triggered run has finished.
func (u *SelfUpdater) Wait() { u.guard.wait() }

// CurrentVersion reads the version from the running executable's filename,
// falling back to the artifact store when the binary is not an artifact.
func (u *SelfUpdater) CurrentVersion() (uint32, error) {
	exe, err := u.cfg.Executable()
	if err == nil {
		if resolved, rerr := filepath.EvalSymlinks(exe); rerr == nil {
			exe = resolved
		}
		if v, ok := u.cfg.Store.Parse(exe); ok {
			return v, nil
		}
		log.Debug().Str("executable", exe).Msg("running binary is not a versioned artifact")
	}
	return u.cfg.Store.Version()
}

// Run executes one self-update check.
func (u *SelfUpdater) Run(ctx context.Context) Result {
	rec := newRun(journal.KindProbe, u.now())
	r := &selfRun{}
	state := CheckingVersion
	for !state.Terminal() {
		u.guard.set(state)
		log.Debug().Str("state", state.String()).Msg("self update step")
		next, err := u.step(ctx, r, state)
		if err != nil {
			return u.abort(ctx, rec, r, state, err)
		}
		state = next
	}
	u.removeScratch(r)
	if state != Rebooting {
		u.guard.set(state)
		r.res.Final = state
		record(ctx, u.cfg.Journal, rec, r.res, u.now())
		return r.res
	}

	u.guard.set(Rebooting)
	r.res.Final = Rebooting
	r.res.Rebooted = true
	record(ctx, u.cfg.Journal, rec, r.res, u.now())
	log.Warn().Uint32("version", r.manifest.Version).Msg("probe binary replaced, rebooting")
	if err := u.cfg.Rebooter.Reboot(ctx); err != nil {
		// The launcher already points at the new binary; the next boot
		// picks it up.
		u.guard.set(Aborted)
		r.res.Final = Aborted
		r.res.Failed = Rebooting
		r.res.Rebooted = false
		r.res.Err = errors.Wrap(err, "reboot into new probe binary")
		record(ctx, u.cfg.Journal, rec, r.res, u.now())
	}
	return r.res
}

func (u *SelfUpdater) step(ctx context.Context, r *selfRun, s State) (State, error) {
	switch s {
	case CheckingVersion:
		local, err := u.CurrentVersion()
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
			log.Info().Uint32("local", local).Uint32("remote", m.Version).Msg("probe binary up to date")
			return UpToDate, nil
		}
		log.Info().Uint32("local", local).Uint32("remote", m.Version).Msg("probe update available")
		return Downloading, nil

	case Downloading:
		if err := os.MkdirAll(u.cfg.ScratchDir, 0o755); err != nil {
			return s, errors.Wrap(err, "create scratch dir")
		}
		name := u.cfg.Store.Name(r.manifest.Version)
		r.scratch = filepath.Join(u.cfg.ScratchDir, name+".download")
		url := strings.TrimSuffix(u.cfg.BaseURL, "/") + "/" + name
		n, err := downloadTo(ctx, u.cfg.Fetcher, url, r.scratch)
		if err != nil {
			return s, err
		}
		log.Info().Int64("bytes", n).Str("url", url).Msg("probe binary downloaded")
		return Verifying, nil

	case Verifying:
		if err := VerifyFile(r.scratch, r.manifest.CRC32); err != nil {
			return s, err
		}
		return Deploying, nil

	case Deploying:
		if err := u.deploy(r); err != nil {
			return s, err
		}
		return RewritingLauncher, nil

	case RewritingLauncher:
		if err := WriteLauncher(u.cfg.LauncherPath, r.installed, u.configPath()); err != nil {
			return s, err
		}
		log.Info().Str("launcher", u.cfg.LauncherPath).Str("binary", r.installed).Msg("launcher rewritten")
		return Rebooting, nil
	}
	return s, errors.Errorf("self updater: unexpected state %s", s)
}

func (u *SelfUpdater) deploy(r *selfRun) error {
	if err := u.removeOld(); err != nil {
		return err
	}
	cur, ok, err := u.cfg.Store.Current()
	if err != nil {
		return err
	}
	if ok {
		if err := os.Rename(cur.Path, cur.Path+oldSuffix); err != nil {
			return errors.Wrapf(err, "move %s aside", cur.Path)
		}
		r.aside = cur.Path
	}
	art, err := u.cfg.Store.Install(r.scratch, r.manifest.Version, 0o755)
	r.installed = art.Path
	return err
}

// removeOld deletes binaries moved aside by earlier updates.
func (u *SelfUpdater) removeOld() error {
	matches, err := filepath.Glob(filepath.Join(u.cfg.Store.Dir, u.cfg.Store.Prefix+"*"+oldSuffix))
	if err != nil {
		return errors.Wrap(err, "list old binaries")
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove %s", m)
		}
	}
	return nil
}

func (u *SelfUpdater) rollback(r *selfRun) {
	if r.installed != "" && r.installed != r.aside {
		if err := os.Remove(r.installed); err != nil && !os.IsNotExist(err) {
			log.Error().Err(err).Str("path", r.installed).Msg("remove new binary during rollback failed")
		}
	}
	if r.aside != "" {
		if err := os.Rename(r.aside+oldSuffix, r.aside); err != nil {
			log.Error().Err(err).Str("path", r.aside).Msg("restore previous binary failed")
			return
		}
		log.Info().Str("path", r.aside).Msg("previous probe binary restored")
	}
}

func (u *SelfUpdater) abort(ctx context.Context, rec journal.Run, r *selfRun, failed State, err error) Result {
	if failed == Deploying || failed == RewritingLauncher {
		u.rollback(r)
	}
	u.removeScratch(r)
	u.guard.set(Aborted)
	r.res.Final = Aborted
	r.res.Failed = failed
	r.res.Err = errors.Wrapf(err, "probe update failed in %s", failed)
	record(ctx, u.cfg.Journal, rec, r.res, u.now())
	return r.res
}

func (u *SelfUpdater) removeScratch(r *selfRun) {
	if r.scratch == "" {
		return
	}
	if err := os.Remove(r.scratch); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Str("path", r.scratch).Msg("remove scratch file failed")
	}
}

func (u *SelfUpdater) configPath() string {
	if u.cfg.ConfigPath != "" {
		return u.cfg.ConfigPath
	}
	return "config.yaml"
}
