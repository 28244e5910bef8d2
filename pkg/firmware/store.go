package firmware

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	NodeArtifactPrefix  = "moonblokz_"
	NodeArtifactSuffix  = ".uf2"
	ProbeArtifactPrefix = "moonblokz_probe_"
	oldSuffix           = ".old"
)

// Artifact is an installed file whose name encodes its version.
type Artifact struct {
	Version uint32
	Path    string
}

// Store is the directory holding at most one artifact of a kind. The
// filename is the only version record.
type Store struct {
	Dir    string
	Prefix string
	Suffix string
}

// NodeStore holds node firmware images.
func NodeStore(dir string) Store {
	return Store{Dir: dir, Prefix: NodeArtifactPrefix, Suffix: NodeArtifactSuffix}
}

// ProbeStore holds probe binaries.
func ProbeStore(dir string) Store {
	return Store{Dir: dir, Prefix: ProbeArtifactPrefix}
}

// Name is the artifact filename for version v.
func (s Store) Name(v uint32) string {
	return s.Prefix + strconv.FormatUint(uint64(v), 10) + s.Suffix
}

// Path is the artifact location for version v.
func (s Store) Path(v uint32) string {
	return filepath.Join(s.Dir, s.Name(v))
}

// Parse extracts the version from an artifact filename.
func (s Store) Parse(name string) (uint32, bool) {
	name = filepath.Base(name)
	if !strings.HasPrefix(name, s.Prefix) || !strings.HasSuffix(name, s.Suffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, s.Prefix), s.Suffix)
	if digits == "" {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	v, err := strconv.ParseUint(digits, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// Current returns the newest artifact in the directory. A missing directory
// counts as no artifact.
func (s Store) Current() (Artifact, bool, error) {
	all, err := s.list()
	if err != nil {
		return Artifact{}, false, err
	}
	var best Artifact
	found := false
	for _, a := range all {
		if !found || a.Version > best.Version {
			best, found = a, true
		}
	}
	return best, found, nil
}

// Version returns the current version, 0 when none is installed.
func (s Store) Version() (uint32, error) {
	a, ok, err := s.Current()
	if err != nil || !ok {
		return 0, err
	}
	return a.Version, nil
}

func (s Store) list() ([]Artifact, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read artifact dir %s", s.Dir)
	}
	var out []Artifact
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if v, ok := s.Parse(e.Name()); ok {
			out = append(out, Artifact{Version: v, Path: filepath.Join(s.Dir, e.Name())})
		}
	}
	return out, nil
}

// removeFile is swapped in tests to make pruning fail.
var removeFile = os.Remove

// Install copies src into the store as version v and removes every other
// artifact of this kind. When only the pruning fails, the returned Artifact
// still names the installed file so callers can undo it.
func (s Store) Install(src string, v uint32, perm os.FileMode) (Artifact, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return Artifact{}, errors.Wrapf(err, "create artifact dir %s", s.Dir)
	}
	dst := s.Path(v)
	if err := copyFileAtomic(src, dst, perm); err != nil {
		return Artifact{}, err
	}
	art := Artifact{Version: v, Path: dst}
	if err := s.RemoveExcept(v); err != nil {
		return art, err
	}
	return art, nil
}

// RemoveExcept deletes artifacts whose version differs from keep.
func (s Store) RemoveExcept(keep uint32) error {
	all, err := s.list()
	if err != nil {
		return err
	}
	for _, a := range all {
		if a.Version == keep {
			continue
		}
		if err := removeFile(a.Path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove old artifact %s", a.Path)
		}
		log.Info().Str("path", a.Path).Msg("removed previous artifact")
	}
	return nil
}

// copyFileAtomic writes src to dst through a temporary file in dst's
// directory so readers see either the old file or the complete new one.
func copyFileAtomic(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()
	return writeAtomic(dst, perm, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

func writeAtomic(path string, perm os.FileMode, fill func(w io.Writer) error) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return errors.Wrapf(err, "create %s", tmp)
	}
	if err := fill(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "sync %s", tmp)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "close %s", tmp)
	}
	// OpenFile honours umask; the final mode must be exact.
	if err := os.Chmod(tmp, perm); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "chmod %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "rename %s into place", path)
	}
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}
