package devices

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"runtime"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// SerialPorts is the go.bug.st/serial backed SerialHost. With PortName empty
// the first USB serial port is chosen, falling back to the first port found.
type SerialPorts struct {
	PortName string
}

func (h *SerialPorts) Supported() bool {
	switch runtime.GOOS {
	case "linux", "darwin", "windows", "freebsd", "openbsd":
		return true
	default:
		return false
	}
}

func (h *SerialPorts) SelectPort(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", newError(KindNoDeviceSelected, "select serial port", err)
	}

	if name := strings.TrimSpace(h.PortName); name != "" {
		return name, nil
	}

	ports, err := ListSerialPorts()
	if err != nil {
		return "", newError(KindConnectFailed, "list serial ports", err)
	}

	return pickSerialPort(ports)
}

func (h *SerialPorts) Open(name string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, classifySerialError(name, err)
	}
	return port, nil
}

// ListSerialPorts returns the ports known to the OS with USB details where
// available.
func ListSerialPorts() ([]*enumerator.PortDetails, error) {
	return enumerator.GetDetailedPortsList()
}

func pickSerialPort(ports []*enumerator.PortDetails) (string, error) {
	for _, p := range ports {
		if p != nil && p.IsUSB {
			return p.Name, nil
		}
	}
	for _, p := range ports {
		if p != nil && p.Name != "" {
			return p.Name, nil
		}
	}
	return "", newError(KindNoDeviceSelected, "select serial port", errors.New("no serial ports found"))
}

func classifySerialError(name string, err error) error {
	op := "open " + name

	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortBusy:
			return newError(KindPortBusy, op, err)
		case serial.PermissionDenied:
			return newError(KindAccessDenied, op, err)
		case serial.PortNotFound:
			return newError(KindNoDeviceSelected, op, err)
		}
	}

	if errors.Is(err, fs.ErrPermission) {
		return newError(KindAccessDenied, op, err)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return newError(KindNoDeviceSelected, op, err)
	}

	return newError(KindConnectFailed, op, err)
}
