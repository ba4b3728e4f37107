// Package discovery answers UDP lookup broadcasts so peers can find the gateway.
package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"relay-gateway/internal/logger"
)

// LookupRequest is the only payload the responder answers.
const LookupRequest = "ATLOOKUP"

// Identity reports the device address and hardware address at reply time.
type Identity interface {
	Identity(ctx context.Context) (net.IP, net.HardwareAddr)
}

// Responder owns the discovery UDP socket.
type Responder struct {
	conn     *net.UDPConn
	identity Identity
	tcpPort  int
	name     string
	timeout  time.Duration
}

// Listen binds the discovery socket on address. Replies advertise tcpPort and,
// when set, name.
func Listen(address string, identity Identity, tcpPort int, name string, timeout time.Duration) (*Responder, error) {
	addr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, fmt.Errorf("could not resolve UDP address '%s': %w", address, err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("could not listen on UDP address '%s': %w", address, err)
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	logger.Info("Discovery: Responder started on UDP address '%s'.", conn.LocalAddr())
	return &Responder{
		conn:     conn,
		identity: identity,
		tcpPort:  tcpPort,
		name:     name,
		timeout:  timeout,
	}, nil
}

// Addr returns the bound address.
func (r *Responder) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// Close closes the socket; a running Run returns.
func (r *Responder) Close() error {
	return r.conn.Close()
}

// Run answers lookups until ctx is done or the socket is closed. Each receive is
// bounded so cancellation is observed promptly.
func (r *Responder) Run(ctx context.Context) {
	buffer := make([]byte, 1024)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("Discovery: Could not set read deadline: %v", err)
		}

		n, remoteAddr, err := r.conn.ReadFromUDP(buffer)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("Discovery: Socket closed, responder stopping.")
				return
			}
			logger.Warn("Discovery: Error reading from UDP: %v", err)
			continue
		}

		payload := bytes.TrimSpace(buffer[:n])
		if string(payload) != LookupRequest {
			logger.Debug("Discovery: Ignoring payload %q from %s", payload, remoteAddr)
			continue
		}

		logger.Debug("Discovery: Request received from %s", remoteAddr)
		ip, mac := r.identity.Identity(ctx)
		response := FormatReply(ip, mac, r.tcpPort, r.name)
		if _, err := r.conn.WriteToUDP([]byte(response), remoteAddr); err != nil {
			logger.Error("Discovery: Failed to send response to %s: %v", remoteAddr, err)
		} else {
			logger.Debug("Discovery: Sent response '%s' to %s", response, remoteAddr)
		}
	}
}

// FormatReply builds SOCKET,<ip>,<mac>,<port>[,<name>].
func FormatReply(ip net.IP, mac net.HardwareAddr, port int, name string) string {
	if ip == nil {
		ip = net.IPv4zero
	}
	reply := fmt.Sprintf("SOCKET,%s,%s,%d", ip, mac, port)
	if name != "" {
		reply += "," + name
	}
	return reply
}
