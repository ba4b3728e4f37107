// Package client talks to gateways: UDP lookup and one-shot TCP commands.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"relay-gateway/internal/discovery"
)

const maxReply = 1024

// Device is one gateway that answered a lookup.
type Device struct {
	IP   net.IP
	MAC  string
	Port int
	Name string
	From net.Addr
}

// Address is the gateway's command endpoint.
func (d Device) Address() string {
	return net.JoinHostPort(d.IP.String(), strconv.Itoa(d.Port))
}

// ParseReply decodes "SOCKET,<ip>,<mac>,<port>[,<name>]".
func ParseReply(reply string) (Device, error) {
	fields := strings.SplitN(strings.TrimSpace(reply), ",", 5)
	if len(fields) < 4 || fields[0] != "SOCKET" {
		return Device{}, fmt.Errorf("unexpected lookup reply %q", reply)
	}
	ip := net.ParseIP(fields[1])
	if ip == nil {
		return Device{}, fmt.Errorf("invalid address in lookup reply %q", reply)
	}
	port, err := strconv.Atoi(fields[3])
	if err != nil || port <= 0 || port > 65535 {
		return Device{}, fmt.Errorf("invalid port in lookup reply %q", reply)
	}
	d := Device{IP: ip, MAC: fields[2], Port: port}
	if len(fields) == 5 {
		d.Name = fields[4]
	}
	return d, nil
}

// Lookup sends ATLOOKUP to target (usually the broadcast address and discovery
// port) and collects replies until wait elapses or ctx is done. Malformed
// replies are skipped.
func Lookup(ctx context.Context, target string, wait time.Duration) ([]Device, error) {
	addr, err := net.ResolveUDPAddr("udp4", target)
	if err != nil {
		return nil, fmt.Errorf("could not resolve '%s': %w", target, err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("could not open UDP socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.WriteToUDP([]byte(discovery.LookupRequest), addr); err != nil {
		return nil, fmt.Errorf("lookup request to %s failed: %w", addr, err)
	}

	deadline := time.Now().Add(wait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	var found []Device
	buf := make([]byte, maxReply)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return found, nil
			}
			return found, err
		}
		d, err := ParseReply(string(buf[:n]))
		if err != nil {
			continue
		}
		d.From = from
		found = append(found, d)
	}
}

// Send performs one command exchange with the gateway at address. The gateway
// closes the connection after replying; silent commands return an empty reply.
func Send(ctx context.Context, address, line string, timeout time.Duration) (string, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return "", fmt.Errorf("could not connect to %s: %w", address, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := io.WriteString(conn, line); err != nil {
		return "", fmt.Errorf("write to %s failed: %w", address, err)
	}

	reply, err := io.ReadAll(io.LimitReader(conn, maxReply))
	if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		return string(reply), fmt.Errorf("read from %s failed: %w", address, err)
	}
	return strings.TrimRight(string(reply), "\r\n"), nil
}
