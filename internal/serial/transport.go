package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"relay-gateway/internal/config"
	"relay-gateway/internal/events"
	"relay-gateway/internal/logger"

	"go.bug.st/serial"
)

var (
	// TimeoutResponse is handed back when the peripheral does not finish a line in time.
	TimeoutResponse = []byte("ERROR: read timeout")
	// NotOpenResponse is handed back while no serial port is open.
	NotOpenResponse = []byte("ERROR: serial port not open")

	ErrNotOpen     = errors.New("serial port is not open")
	errReadTimeout = errors.New("read timeout")
)

// Port is the subset of go.bug.st/serial.Port the transport uses.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	Close() error
}

// openPort is replaced in tests.
var openPort = func(name string, mode *serial.Mode) (Port, error) {
	return serial.Open(name, mode)
}

const reconnectInterval = 5 * time.Second

// Transport frames newline-terminated request/response exchanges with the peripheral.
// Only one exchange is on the wire at a time.
type Transport struct {
	mu          sync.Mutex
	port        Port
	portName    string
	autoDetect  bool
	mode        *serial.Mode
	readTimeout time.Duration
	sink        events.Sink
	connected   bool
}

// New creates a transport for the configured port. Nothing is opened until Connect.
func New(cfg config.SerialConfig, sink events.Sink) *Transport {
	if sink == nil {
		sink = events.Discard{}
	}
	return &Transport{
		portName:    cfg.Port,
		autoDetect:  cfg.AutoDetect,
		mode:        &serial.Mode{BaudRate: cfg.BaudRate},
		readTimeout: cfg.ReadTimeout,
		sink:        sink,
	}
}

// Connect performs the initial, synchronous connection attempt.
func (t *Transport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectLocked()
	if t.port == nil {
		return ErrNotOpen
	}
	return nil
}

// connectLocked tries the configured port first and falls back to auto-detection.
// It MUST be called with mu held.
func (t *Transport) connectLocked() {
	if t.portName != "" {
		logger.Info("Serial: Trying configured port '%s'.", t.portName)
		t.reconnectLocked(t.portName)
		if t.port != nil || !t.autoDetect {
			return
		}
		logger.Warn("Serial: Configured port '%s' failed. Falling back to auto-detection.", t.portName)
	}
	if !t.autoDetect {
		return
	}
	found, err := FindPort(t.mode.BaudRate, t.readTimeout)
	if err != nil {
		logger.Warn("Serial: Auto-detection failed: %v", err)
		return
	}
	logger.Info("Serial: Auto-detection found device on port %s. Connecting...", found)
	t.reconnectLocked(found)
}

// Reconnect closes the current port and opens name.
func (t *Transport) Reconnect(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reconnectLocked(name)
}

// reconnectLocked MUST be called with mu held.
func (t *Transport) reconnectLocked(name string) {
	t.handleDisconnectLocked()
	if name == "" {
		logger.Info("Serial: reconnect called with empty port name. Connection remains closed.")
		return
	}
	p, err := openPort(name, t.mode)
	if err != nil {
		logger.Error("Serial: Failed to open port %s: %v", name, err)
		return
	}
	t.port = p
	t.portName = name
	logger.Info("Serial: Opened port %s at %d baud.", name, t.mode.BaudRate)
	if !t.connected {
		t.connected = true
		t.sink.Publish(context.Background(), events.Event{Kind: events.SerialStatus, Response: "connected", Command: name})
	}
}

// handleDisconnectLocked closes the port. MUST be called with mu held.
func (t *Transport) handleDisconnectLocked() {
	if t.port == nil {
		return
	}
	t.port.Close()
	t.port = nil
	if t.connected {
		t.connected = false
		t.sink.Publish(context.Background(), events.Event{Kind: events.SerialStatus, Response: "disconnected", Command: t.portName})
	}
}

// Connected reports whether a port is open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

// PortName returns the last port the transport opened or was configured with.
func (t *Transport) PortName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.portName
}

// Close releases the port.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handleDisconnectLocked()
}

// Exchange writes cmd (a newline is appended if missing) and returns the next line
// from the peripheral without its delimiter. It never fails: on timeout it returns
// TimeoutResponse, and while the port is unavailable NotOpenResponse.
func (t *Transport) Exchange(cmd []byte) []byte {
	if len(cmd) == 0 || cmd[len(cmd)-1] != '\n' {
		cmd = append(append([]byte{}, cmd...), '\n')
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	resp, err := t.exchangeLocked(cmd)
	switch {
	case err == nil:
		logger.Debug("Serial: %q -> %q", bytes.TrimSpace(cmd), resp)
		return resp
	case errors.Is(err, errReadTimeout):
		logger.Warn("Serial: No response to %q within %v.", bytes.TrimSpace(cmd), t.readTimeout)
		return append([]byte{}, TimeoutResponse...)
	case errors.Is(err, ErrNotOpen):
		return append([]byte{}, NotOpenResponse...)
	default:
		logger.Error("Serial: %v. Marking port as disconnected.", err)
		t.handleDisconnectLocked()
		return append([]byte{}, NotOpenResponse...)
	}
}

// exchangeLocked MUST be called with mu held.
func (t *Transport) exchangeLocked(cmd []byte) ([]byte, error) {
	if t.port == nil {
		return nil, ErrNotOpen
	}

	// Drop unsolicited bytes so the next line read is the answer to this command.
	if err := t.port.ResetInputBuffer(); err != nil {
		logger.Debug("Serial: Could not reset input buffer: %v", err)
	}

	if _, err := t.port.Write(cmd); err != nil {
		return nil, fmt.Errorf("failed to write to serial port: %w", err)
	}

	line, err := readLine(t.port, t.readTimeout)
	if err != nil && !errors.Is(err, errReadTimeout) {
		return nil, fmt.Errorf("failed to read from serial port: %w", err)
	}
	return line, err
}

// readLine accumulates bytes until a newline is seen or timeout elapses.
func readLine(port Port, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	var buf []byte
	chunk := make([]byte, 64)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errReadTimeout
		}
		if err := port.SetReadTimeout(remaining); err != nil {
			return nil, err
		}
		n, err := port.Read(chunk)
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk[:n]...)
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			return buf[:i], nil
		}
	}
}

// ManageConnection re-opens a lost port until ctx is done.
func (t *Transport) ManageConnection(ctx context.Context) {
	logger.Info("Serial: Connection manager started.")
	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Serial: Connection manager stopped.")
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		if t.port == nil {
			logger.Info("Serial: Device is disconnected. Attempting to connect...")
			t.connectLocked()
		}
		t.mu.Unlock()
	}
}
