package probe

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// resolveNodeID picks the identity sent with every upload: the configured
// value, else a stable host id, else the hostname.
func resolveNodeID(configured string) string {
	if id := strings.TrimSpace(configured); id != "" {
		return id
	}
	if id, err := hostMachineID(); err == nil && id != "" {
		return id
	}
	if name, err := os.Hostname(); err == nil {
		return strings.TrimSpace(name)
	}
	return ""
}

// hostMachineID returns a best-effort stable id for the host. On Linux it
// prefers /etc/machine-id then /sys/class/dmi/id/product_uuid; on macOS it
// asks system_profiler.
func hostMachineID() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		cmd := exec.CommandContext(context.Background(), "bash", "-c", "system_profiler SPHardwareDataType | awk '/Hardware UUID/ {print $3}'")
		out, err := cmd.Output()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(out)), nil
	case "linux":
		for _, path := range machineIDFiles {
			if id, err := readSystemFile(path); err == nil && id != "" {
				return id, nil
			}
		}
		return "", nil
	default:
		return "", nil
	}
}

var machineIDFiles = []string{"/etc/machine-id", "/sys/class/dmi/id/product_uuid"}

func readSystemFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
