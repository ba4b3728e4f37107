// Package gateway runs the command service: the TCP accept loop, one handler per
// connection, the discovery responder and the restart/detach state machine.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"relay-gateway/internal/config"
	"relay-gateway/internal/discovery"
	"relay-gateway/internal/logger"
	"relay-gateway/internal/netmode"
	"relay-gateway/internal/state"
)

// Phase is the supervisor state.
type Phase int32

const (
	Starting Phase = iota
	Serving
	Restarting
	Detaching
	Terminated
)

func (p Phase) String() string {
	switch p {
	case Starting:
		return "starting"
	case Serving:
		return "serving"
	case Restarting:
		return "restarting"
	case Detaching:
		return "detaching"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// handlerDrainTimeout bounds how long shutdown waits for in-flight handlers.
const handlerDrainTimeout = 2 * time.Second

// Dispatcher executes one client line.
type Dispatcher interface {
	Handle(ctx context.Context, line string) ([]byte, bool)
}

// Network is the part of the network manager the supervisor drives.
type Network interface {
	EnableStation(ctx context.Context, ssid, password string) error
	HealthCheck(ctx context.Context) netmode.Health
	Reconnect(ctx context.Context) error
	Identity(ctx context.Context) (net.IP, net.HardwareAddr)
}

// Timer is the deferred timer as seen at shutdown.
type Timer interface {
	Close()
}

// Restarter performs the hardware restart. On success it does not return.
type Restarter interface {
	Restart() error
}

// Supervisor is the Gateway Supervisor.
type Supervisor struct {
	cfg        config.ServerConfig
	deviceName string

	state      *state.Context
	dispatcher Dispatcher
	network    Network
	timer      Timer
	restarter  Restarter

	listener  *net.TCPListener
	responder *discovery.Responder
	handlers  chan struct{} // nil when unbounded
	wg        sync.WaitGroup
	phase     atomic.Int32
	ready     chan struct{}
}

// New returns a supervisor; call Run to start serving.
func New(cfg config.ServerConfig, deviceName string, st *state.Context, d Dispatcher, nw Network, tm Timer, rs Restarter) *Supervisor {
	s := &Supervisor{
		cfg:        cfg,
		deviceName: deviceName,
		state:      st,
		dispatcher: d,
		network:    nw,
		timer:      tm,
		restarter:  rs,
		ready:      make(chan struct{}),
	}
	if cfg.MaxHandlers > 0 {
		s.handlers = make(chan struct{}, cfg.MaxHandlers)
	}
	return s
}

// Phase returns the current state.
func (s *Supervisor) Phase() Phase {
	return Phase(s.phase.Load())
}

func (s *Supervisor) setPhase(p Phase) {
	old := Phase(s.phase.Swap(int32(p)))
	if old != p {
		logger.Info("Gateway: %s -> %s", old, p)
	}
}

// Ready is closed once both sockets are bound.
func (s *Supervisor) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the TCP command address. Valid after Ready.
func (s *Supervisor) Addr() net.Addr {
	return s.listener.Addr()
}

// DiscoveryAddr returns the UDP discovery address. Valid after Ready.
func (s *Supervisor) DiscoveryAddr() net.Addr {
	return s.responder.Addr()
}

func (s *Supervisor) start() error {
	tcpAddr := net.JoinHostPort(s.cfg.ListenAddress, strconv.Itoa(s.cfg.TCPPort))
	addr, err := net.ResolveTCPAddr("tcp4", tcpAddr)
	if err != nil {
		return fmt.Errorf("could not resolve TCP address '%s': %w", tcpAddr, err)
	}
	listener, err := net.ListenTCP("tcp4", addr)
	if err != nil {
		return fmt.Errorf("could not listen on TCP address '%s': %w", tcpAddr, err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	udpAddr := net.JoinHostPort(s.cfg.ListenAddress, strconv.Itoa(s.cfg.UDPPort))
	responder, err := discovery.Listen(udpAddr, s.network, port, s.deviceName, s.cfg.DiscoveryTimeout)
	if err != nil {
		listener.Close()
		return err
	}

	s.listener = listener
	s.responder = responder
	logger.Info("Gateway: Command service listening on %s.", listener.Addr())
	close(s.ready)
	return nil
}

// Run brings up the sockets and serves until a restart or detach is requested or
// ctx is done. It returns the terminal transition taken. A Restarting result is
// only returned when the restart primitive failed or returned.
func (s *Supervisor) Run(ctx context.Context) (Phase, error) {
	s.setPhase(Starting)
	if err := s.start(); err != nil {
		s.setPhase(Terminated)
		return Terminated, err
	}

	discoveryDone := make(chan struct{})
	go func() {
		defer close(discoveryDone)
		s.responder.Run(ctx)
	}()

	s.setPhase(Serving)
	next := Serving
	for next == Serving {
		next = s.step(ctx)
	}
	s.setPhase(next)

	s.shutdown()
	<-discoveryDone

	var err error
	if next == Restarting {
		logger.Warn("Gateway: Performing hardware restart.")
		err = s.restarter.Restart()
		if err != nil {
			logger.Error("Gateway: Restart failed: %v", err)
		}
	} else {
		logger.Info("Gateway: Detached. Command service stopped.")
	}
	s.setPhase(Terminated)
	return next, err
}

// step runs one iteration of the Serving loop and returns the next phase.
func (s *Supervisor) step(ctx context.Context) Phase {
	if s.state.RestartRequested() {
		return Restarting
	}
	if !s.state.Serving() || ctx.Err() != nil {
		return Detaching
	}

	if creds, owed := s.state.TakeNetworkUpdate(); owed {
		logger.Info("Gateway: Applying updated network settings for '%s'.", creds.SSID)
		if err := s.network.EnableStation(ctx, creds.SSID, creds.Password); err != nil {
			logger.Warn("Gateway: Network update failed: %v", err)
		}
		return Serving
	}

	if h := s.network.HealthCheck(ctx); h != netmode.Healthy {
		logger.Warn("Gateway: Network unhealthy (%s). Reconnecting.", h)
		if err := s.network.Reconnect(ctx); err != nil {
			logger.Warn("Gateway: Reconnect failed: %v", err)
		}
		return Serving
	}

	s.acceptOne(ctx)
	return Serving
}

// acceptOne waits up to the accept timeout for a connection and hands it to a
// handler goroutine.
func (s *Supervisor) acceptOne(ctx context.Context) {
	if err := s.listener.SetDeadline(time.Now().Add(s.cfg.AcceptTimeout)); err != nil {
		logger.Warn("Gateway: Could not set accept deadline: %v", err)
	}
	conn, err := s.listener.AcceptTCP()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return
		}
		logger.Warn("Gateway: Accept failed: %v", err)
		return
	}
	logger.Debug("Gateway: Connection accepted from %s", conn.RemoteAddr())

	if s.handlers != nil {
		select {
		case s.handlers <- struct{}{}:
		default:
			logger.Error("Gateway: Handler limit (%d) reached. Dropping connection from %s.", s.cfg.MaxHandlers, conn.RemoteAddr())
			conn.Close()
			return
		}
	}

	s.wg.Add(1)
	go s.serveConn(ctx, conn)
}

// shutdown closes both sockets, cancels the timer and waits briefly for handlers.
func (s *Supervisor) shutdown() {
	if err := s.listener.Close(); err != nil {
		logger.Debug("Gateway: Closing listener: %v", err)
	}
	if err := s.responder.Close(); err != nil {
		logger.Debug("Gateway: Closing discovery socket: %v", err)
	}
	s.timer.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(handlerDrainTimeout):
		logger.Warn("Gateway: Handlers still running after %v.", handlerDrainTimeout)
	}
}
