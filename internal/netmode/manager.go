// Package netmode switches the radio between station and access-point mode and
// keeps the station link healthy.
//
// Activation waits are bounded. A radio that does not reach the requested
// active state within the activation timeout is considered stuck and the
// restart flag is raised. A station that does not associate within the connect
// timeout is a plain failure: the manager falls back to AP mode and the caller
// may retry later.
package netmode

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"relay-gateway/internal/config"
	"relay-gateway/internal/logger"
	"relay-gateway/internal/state"
)

var (
	ErrActivationTimeout = errors.New("radio activation timed out")
	ErrConnectTimeout    = errors.New("station connection timed out")
)

// Interface selects one of the two radio interfaces.
type Interface int

const (
	Station Interface = iota
	AccessPoint
)

func (i Interface) String() string {
	if i == AccessPoint {
		return "ap"
	}
	return "station"
}

// Radio is the network interface capability the manager drives.
type Radio interface {
	Active(ctx context.Context, iface Interface) (bool, error)
	SetActive(ctx context.Context, iface Interface, on bool) error
	Connect(ctx context.Context, ssid, password string) error
	Connected(ctx context.Context) (bool, error)
	// Address returns the station address; an unassigned interface reports 0.0.0.0.
	Address(ctx context.Context) (net.IP, error)
	HardwareAddr(ctx context.Context) (net.HardwareAddr, error)
}

// CredentialSaver persists network credentials.
type CredentialSaver interface {
	Save(creds state.Credentials) error
}

// Health is the outcome of a health check.
type Health int

const (
	Healthy Health = iota
	ActiveNotConnected
	InactiveButConnected
	UnassignedAddress
)

func (h Health) String() string {
	switch h {
	case ActiveNotConnected:
		return "interface active but not connected"
	case InactiveButConnected:
		return "interface inactive but connected"
	case UnassignedAddress:
		return "connected without an address"
	default:
		return "healthy"
	}
}

// Manager is the Network Mode Manager.
type Manager struct {
	radio Radio
	state *state.Context
	saver CredentialSaver
	// saveMu orders credential updates with their writes to disk.
	saveMu sync.Mutex

	activationTimeout time.Duration
	connectTimeout    time.Duration
	pollInterval      time.Duration
	retries           int
}

// New returns a manager for radio. Credentials and phase live in st.
func New(radio Radio, st *state.Context, saver CredentialSaver, cfg config.NetworkConfig) *Manager {
	return &Manager{
		radio:             radio,
		state:             st,
		saver:             saver,
		activationTimeout: cfg.ActivationTimeout,
		connectTimeout:    cfg.ConnectTimeout,
		pollInterval:      cfg.PollInterval,
		retries:           cfg.ReconnectRetries,
	}
}

// waitFor polls cond until it holds or timeout elapses.
func (m *Manager) waitFor(ctx context.Context, timeout time.Duration, cond func() (bool, error)) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := cond()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}

// setActive switches iface and waits until the radio reports the requested state.
// A radio that never gets there raises the restart flag.
func (m *Manager) setActive(ctx context.Context, iface Interface, on bool) error {
	if err := m.radio.SetActive(ctx, iface, on); err != nil {
		return fmt.Errorf("set %s active=%t: %w", iface, on, err)
	}
	ok, err := m.waitFor(ctx, m.activationTimeout, func() (bool, error) {
		active, err := m.radio.Active(ctx, iface)
		return active == on, err
	})
	if err != nil {
		return fmt.Errorf("waiting for %s active=%t: %w", iface, on, err)
	}
	if !ok {
		logger.Error("Network: %s interface did not become active=%t within %v. Requesting restart.", iface, on, m.activationTimeout)
		m.state.RequestRestart()
		return fmt.Errorf("%s active=%t: %w", iface, on, ErrActivationTimeout)
	}
	return nil
}

// EnableAP deactivates the station interface and brings up the access point.
// A failed station fallback keeps its phase; otherwise the phase becomes APMode.
func (m *Manager) EnableAP(ctx context.Context) error {
	logger.Info("Network: Switching to access-point mode.")
	if err := m.setActive(ctx, Station, false); err != nil {
		return err
	}
	if err := m.setActive(ctx, AccessPoint, true); err != nil {
		return err
	}
	if m.state.Phase() != state.FailedFallback {
		m.state.SetPhase(state.APMode)
	}
	logger.Info("Network: Access point active.")
	return nil
}

// EnableStation connects to ssid. It is a no-op when the station is already
// connected with a valid address. On connect timeout it falls back to AP mode and
// returns ErrConnectTimeout without raising the restart flag.
func (m *Manager) EnableStation(ctx context.Context, ssid, password string) error {
	if ssid == "" {
		logger.Warn("Network: No SSID configured. Staying in access-point mode.")
		return m.EnableAP(ctx)
	}

	if connected, addr := m.stationUp(ctx); connected {
		logger.Debug("Network: Already connected with address %s.", addr)
		m.state.SetPhase(state.StationConnected)
		return nil
	}

	logger.Info("Network: Connecting to network '%s'...", ssid)
	m.state.SetPhase(state.ConnectingStation)
	if err := m.setActive(ctx, Station, true); err != nil {
		return err
	}
	if err := m.radio.Connect(ctx, ssid, password); err != nil {
		logger.Warn("Network: Connect request for '%s' failed: %v", ssid, err)
	}

	ok, err := m.waitFor(ctx, m.connectTimeout, func() (bool, error) {
		up, _ := m.stationUp(ctx)
		return up, nil
	})
	if err != nil {
		return err
	}
	if !ok {
		logger.Warn("Network: Could not connect to '%s' within %v. Falling back to access-point mode.", ssid, m.connectTimeout)
		if err := m.setActive(ctx, Station, false); err != nil {
			return err
		}
		m.state.SetPhase(state.FailedFallback)
		if err := m.EnableAP(ctx); err != nil {
			return err
		}
		return ErrConnectTimeout
	}

	if err := m.setActive(ctx, AccessPoint, false); err != nil {
		return err
	}
	m.state.SetPhase(state.StationConnected)
	_, addr := m.stationUp(ctx)
	logger.Info("Network: Connected to '%s' with address %s.", ssid, addr)
	return nil
}

// stationUp reports whether the station is connected with an assigned address.
func (m *Manager) stationUp(ctx context.Context) (bool, net.IP) {
	connected, err := m.radio.Connected(ctx)
	if err != nil || !connected {
		return false, nil
	}
	addr, err := m.radio.Address(ctx)
	if err != nil || unassigned(addr) {
		return false, addr
	}
	return true, addr
}

func unassigned(ip net.IP) bool {
	return ip == nil || ip.IsUnspecified()
}

// HealthCheck looks for inconsistent radio states. In AP mode with the station
// down nothing is inconsistent.
func (m *Manager) HealthCheck(ctx context.Context) Health {
	active, err := m.radio.Active(ctx, Station)
	if err != nil {
		logger.Warn("Network: Health check could not read station state: %v", err)
		return Healthy
	}
	connected, err := m.radio.Connected(ctx)
	if err != nil {
		logger.Warn("Network: Health check could not read connection state: %v", err)
		return Healthy
	}

	switch {
	case active && !connected:
		return ActiveNotConnected
	case !active && connected:
		return InactiveButConnected
	case connected:
		addr, err := m.radio.Address(ctx)
		if err != nil || unassigned(addr) {
			return UnassignedAddress
		}
	}
	return Healthy
}

// Reconnect retries EnableStation with the current credentials.
func (m *Manager) Reconnect(ctx context.Context) error {
	creds := m.state.Credentials()
	attempts := m.retries
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		logger.Info("Network: Reconnect attempt %d/%d.", i, attempts)
		err = m.EnableStation(ctx, creds.SSID, creds.Password)
		if err == nil || errors.Is(err, ErrActivationTimeout) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

// Credentials returns the current station credentials.
func (m *Manager) Credentials() state.Credentials {
	return m.state.Credentials()
}

// SetCredentials stores new credentials. When they differ from the current ones a
// network update is marked as owed and the change is persisted. Concurrent calls
// reach the disk in the same order they reach the shared state.
func (m *Manager) SetCredentials(ssid, password string) bool {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	creds := state.Credentials{SSID: ssid, Password: password}
	if !m.state.UpdateCredentials(creds) {
		logger.Debug("Network: Credentials for '%s' unchanged.", ssid)
		return false
	}
	logger.Info("Network: Credentials updated for SSID '%s'. Reconnect scheduled.", ssid)
	if m.saver != nil {
		if err := m.saver.Save(creds); err != nil {
			logger.Error("Network: Failed to persist credentials: %v", err)
		}
	}
	return true
}

// Identity returns the station address and hardware address for discovery.
func (m *Manager) Identity(ctx context.Context) (net.IP, net.HardwareAddr) {
	addr, err := m.radio.Address(ctx)
	if err != nil {
		logger.Debug("Network: Could not read address: %v", err)
	}
	mac, err := m.radio.HardwareAddr(ctx)
	if err != nil {
		logger.Debug("Network: Could not read hardware address: %v", err)
	}
	return addr, mac
}
