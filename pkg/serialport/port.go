package serialport

import (
	"io"
	"strings"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// DefaultBaudRate matches the node's USB CDC console.
const DefaultBaudRate = 115200

// Port is an open serial connection. Read and Write may be called from
// different goroutines; Close must unblock a pending Read.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens the physical channel. The Arbiter is the only caller.
type Opener interface {
	Open(path string) (Port, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(path string) (Port, error)

// Open implements Opener.
func (f OpenerFunc) Open(path string) (Port, error) { return f(path) }

// SerialOpener opens real tty devices with 8N1 framing.
type SerialOpener struct {
	BaudRate int
}

// Open implements Opener.
func (o SerialOpener) Open(path string) (Port, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("serial port path is empty")
	}
	baud := o.BaudRate
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open serial port %s", path)
	}
	return port, nil
}

// IsDisconnect reports whether err means the device went away rather than a
// configuration problem. Used only to pick the log level; every error is
// handled by reconnecting.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
			return true
		default:
			return false
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "input/output error") ||
		strings.Contains(msg, "no such device") ||
		strings.Contains(msg, "no such file or directory") ||
		strings.Contains(msg, "broken pipe")
}
