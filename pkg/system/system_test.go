package system

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

type recordingRunner struct {
	calls  []string
	failOn string
}

func (r *recordingRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	r.calls = append(r.calls, line)
	if r.failOn != "" && strings.Contains(line, r.failOn) {
		return []byte("permission denied"), errors.New("exit status 1")
	}
	return nil, nil
}

func TestExecUsesPrivilegePrefix(t *testing.T) {
	runner := &recordingRunner{}
	sys := &Exec{Privilege: []string{"sudo", "-n"}, Runner: runner}
	ctx := context.Background()

	if err := sys.Mount(ctx, "/dev/sda1", "/mnt/rp2"); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	if err := sys.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if err := sys.Unmount(ctx, "/mnt/rp2"); err != nil {
		t.Fatalf("Unmount failed: %v", err)
	}
	if err := sys.Reboot(ctx); err != nil {
		t.Fatalf("Reboot failed: %v", err)
	}

	want := []string{
		"sudo -n mkdir -p /mnt/rp2",
		"sudo -n mount /dev/sda1 /mnt/rp2",
		"sync",
		"sudo -n umount /mnt/rp2",
		"sudo -n reboot",
	}
	if !reflect.DeepEqual(runner.calls, want) {
		t.Fatalf("unexpected calls:\n got %v\nwant %v", runner.calls, want)
	}
}

func TestExecWithoutPrivilege(t *testing.T) {
	runner := &recordingRunner{}
	sys := &Exec{Privilege: []string{}, Runner: runner}
	if err := sys.Reboot(context.Background()); err != nil {
		t.Fatalf("Reboot failed: %v", err)
	}
	if len(runner.calls) != 1 || runner.calls[0] != "reboot" {
		t.Fatalf("unexpected calls: %v", runner.calls)
	}
}

func TestExecSurfacesFailureOutput(t *testing.T) {
	runner := &recordingRunner{failOn: "mount"}
	sys := &Exec{Privilege: []string{"sudo"}, Runner: runner}
	err := sys.Mount(context.Background(), "/dev/sda1", "/mnt/rp2")
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("expected wrapped failure, got %v", err)
	}
}

func TestLabelLocator(t *testing.T) {
	dir := t.TempDir()
	dev := filepath.Join(dir, "sda1")
	if err := os.WriteFile(dev, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	byLabel := filepath.Join(dir, "by-label")
	if err := os.Mkdir(byLabel, 0o755); err != nil {
		t.Fatal(err)
	}
	loc := LabelLocator{Dir: byLabel}

	if _, ok, err := loc.Locate("RPI-RP2"); err != nil || ok {
		t.Fatalf("expected absent device, got ok=%v err=%v", ok, err)
	}
	if err := os.Symlink("../sda1", filepath.Join(byLabel, "RPI-RP2")); err != nil {
		t.Fatal(err)
	}
	got, ok, err := loc.Locate("RPI-RP2")
	if err != nil || !ok {
		t.Fatalf("expected device, got ok=%v err=%v", ok, err)
	}
	want, _ := filepath.EvalSymlinks(dev)
	if got != want {
		t.Fatalf("Locate = %q, want %q", got, want)
	}
}
