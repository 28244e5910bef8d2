package firmware

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/pkg/errors"
)

// LauncherScript renders the start script init runs on boot.
func LauncherScript(binary, config string) string {
	return fmt.Sprintf("#!/bin/bash\n# auto-generated by moonblokz-probe self-update, do not edit\nexec %s --config %s\n",
		shellQuote(binary), shellQuote(config))
}

// WriteLauncher atomically replaces the script at path so it runs binary.
// Relative paths are made absolute first.
func WriteLauncher(path, binary, config string) error {
	absBinary, err := filepath.Abs(binary)
	if err != nil {
		return errors.Wrap(err, "resolve binary path")
	}
	absConfig, err := filepath.Abs(config)
	if err != nil {
		return errors.Wrap(err, "resolve config path")
	}
	script := LauncherScript(absBinary, absConfig)
	return writeAtomic(path, 0o755, func(w io.Writer) error {
		_, err := io.WriteString(w, script)
		return err
	})
}

func shellQuote(s string) string {
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '/' || r == '.' || r == '_' || r == '-') {
			safe = false
			break
		}
	}
	if safe && s != "" {
		return s
	}
	out := []byte{'\''}
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, []byte(`'\''`)...)
			continue
		}
		out = append(out, s[i])
	}
	return string(append(out, '\''))
}
