package serial

import (
	"errors"
	"sync"
	"time"

	"relay-gateway/internal/logger"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// ProbeCommand is sent to candidate ports during auto-detection.
const ProbeCommand = "ATSTATE\n"

const probeTimeout = 4 * time.Second

// listPorts is replaced in tests.
var listPorts = enumerator.GetDetailedPortsList

// PortInfo describes a serial port found on the system.
type PortInfo struct {
	Name  string
	IsUSB bool
	VID   string
	PID   string
}

// ListPorts returns the serial ports present on the system.
func ListPorts() ([]PortInfo, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, err
	}
	out := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		out = append(out, PortInfo{Name: p.Name, IsUSB: p.IsUSB, VID: p.VID, PID: p.PID})
	}
	return out, nil
}

// FindPort probes every USB serial port and returns the first one that answers
// ProbeCommand with a line.
func FindPort(baudRate int, readTimeout time.Duration) (string, error) {
	ports, err := listPorts()
	if err != nil {
		logger.Warn("Serial: Port enumeration returned an error: %v.", err)
	}
	if len(ports) == 0 {
		return "", errors.New("no serial ports found on the system")
	}

	logger.Info("Serial: Found %d serial ports. Probing for relay module...", len(ports))
	for _, port := range ports {
		if !port.IsUSB {
			logger.Debug("Serial: Skipping port %s: Not a USB port.", port.Name)
			continue
		}
		logger.Info("Serial: Probing port: %s", port.Name)
		if probePortWithTimeout(port.Name, &serial.Mode{BaudRate: baudRate}, readTimeout, probeTimeout) {
			return port.Name, nil
		}
	}
	return "", errors.New("could not find relay module on any USB serial port")
}

// probePortWithTimeout probes a port with a hard timeout. If the probe hangs the
// port is closed from here so the handle is not leaked.
func probePortWithTimeout(name string, mode *serial.Mode, readTimeout, timeout time.Duration) bool {
	result := make(chan bool, 1)

	var (
		probeMu sync.Mutex
		probe   Port
	)

	go func() {
		p, err := openPort(name, mode)
		if err != nil {
			logger.Warn("Serial: Could not open port %s to probe: %v", name, err)
			result <- false
			return
		}
		probeMu.Lock()
		probe = p
		probeMu.Unlock()

		defer func() {
			probeMu.Lock()
			if probe != nil {
				probe.Close()
				probe = nil
			}
			probeMu.Unlock()
		}()

		if _, err := p.Write([]byte(ProbeCommand)); err != nil {
			logger.Debug("Serial: Port %s: Write failed: %v", name, err)
			result <- false
			return
		}
		line, err := readLine(p, readTimeout)
		if err != nil || len(line) == 0 {
			logger.Debug("Serial: Port %s: No answer to probe: %v", name, err)
			result <- false
			return
		}
		logger.Info("Serial: Port %s answered probe with %q.", name, line)
		result <- true
	}()

	select {
	case ok := <-result:
		return ok
	case <-time.After(timeout):
		logger.Warn("Serial: Port %s: Probe timed out after %v. Forcing cleanup.", name, timeout)
		probeMu.Lock()
		if probe != nil {
			probe.Close()
			probe = nil
		}
		probeMu.Unlock()
		return false
	}
}
