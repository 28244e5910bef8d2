// Package system wraps the privileged host operations the updaters need.
// Each operation is an external command; the only contract is exit status.
package system

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultPrivilegePrefix is prepended to commands that need root.
var DefaultPrivilegePrefix = []string{"sudo"}

// Runner executes one command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Exec implements mount, unmount, sync and reboot with external commands.
type Exec struct {
	// Privilege is prepended to mount, umount, mkdir and reboot. Empty when
	// already running as root.
	Privilege []string
	Runner    Runner
}

// NewExec returns an Exec using sudo and os/exec.
func NewExec(privilege []string) *Exec {
	if privilege == nil {
		privilege = DefaultPrivilegePrefix
	}
	return &Exec{Privilege: privilege, Runner: ExecRunner{}}
}

// Mount creates mountpoint if missing and mounts device on it.
func (e *Exec) Mount(ctx context.Context, device, mountpoint string) error {
	if err := e.privileged(ctx, "mkdir", "-p", mountpoint); err != nil {
		return err
	}
	return e.privileged(ctx, "mount", device, mountpoint)
}

// Unmount detaches mountpoint.
func (e *Exec) Unmount(ctx context.Context, mountpoint string) error {
	return e.privileged(ctx, "umount", mountpoint)
}

// Sync flushes filesystem buffers.
func (e *Exec) Sync(ctx context.Context) error {
	return e.run(ctx, "sync")
}

// Reboot restarts the host.
func (e *Exec) Reboot(ctx context.Context) error {
	log.Warn().Msg("invoking system reboot")
	return e.privileged(ctx, "reboot")
}

func (e *Exec) privileged(ctx context.Context, name string, args ...string) error {
	if len(e.Privilege) == 0 {
		return e.run(ctx, name, args...)
	}
	full := append(append([]string{}, e.Privilege[1:]...), name)
	full = append(full, args...)
	return e.run(ctx, e.Privilege[0], full...)
}

func (e *Exec) run(ctx context.Context, name string, args ...string) error {
	runner := e.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	out, err := runner.Run(ctx, name, args...)
	if err != nil {
		return errors.Wrapf(err, "%s %s: %s", name, strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	log.Debug().Str("cmd", name).Strs("args", args).Msg("system command finished")
	return nil
}

// DefaultByLabelDir is where udev publishes block devices by volume label.
const DefaultByLabelDir = "/dev/disk/by-label"

// LabelLocator finds block devices by filesystem label.
type LabelLocator struct {
	Dir string
}

// Locate returns the resolved device path carrying label, if present.
func (l LabelLocator) Locate(label string) (string, bool, error) {
	dir := l.Dir
	if dir == "" {
		dir = DefaultByLabelDir
	}
	link := filepath.Join(dir, label)
	if _, err := os.Lstat(link); err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, errors.Wrapf(err, "stat %s", link)
	}
	dev, err := filepath.EvalSymlinks(link)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, errors.Wrapf(err, "resolve %s", link)
	}
	return dev, true, nil
}
