package firmware

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrChecksumMismatch is returned when downloaded bytes do not hash to the
// manifest's CRC32.
var ErrChecksumMismatch = errors.New("crc32 mismatch")

// ParseCRC32 accepts 1-8 hex digits with an optional 0x prefix, any case.
func ParseCRC32(s string) (uint32, error) {
	v := strings.TrimSpace(s)
	v = strings.TrimPrefix(strings.TrimPrefix(v, "0x"), "0X")
	if v == "" || len(v) > 8 {
		return 0, errors.Errorf("invalid crc32 %q", s)
	}
	n, err := strconv.ParseUint(v, 16, 32)
	if err != nil {
		return 0, errors.Errorf("invalid crc32 %q", s)
	}
	return uint32(n), nil
}

// FileCRC32 computes the IEEE CRC32 of the file at path.
func FileCRC32(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "open for checksum")
	}
	defer f.Close()
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, f); err != nil {
		return 0, errors.Wrapf(err, "checksum %s", path)
	}
	return h.Sum32(), nil
}

// VerifyFile compares the file's CRC32 with expected.
func VerifyFile(path, expected string) error {
	want, err := ParseCRC32(expected)
	if err != nil {
		return err
	}
	got, err := FileCRC32(path)
	if err != nil {
		return err
	}
	if got != want {
		return errors.Wrap(ErrChecksumMismatch, fmt.Sprintf("expected %08x, computed %08x", want, got))
	}
	return nil
}
