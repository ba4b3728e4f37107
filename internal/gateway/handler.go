package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"runtime/debug"
	"time"

	"relay-gateway/internal/logger"
)

const (
	maxRequestSize = 256
	writeTimeout   = time.Second
)

// serveConn processes exactly one command and closes conn on every exit path.
func (s *Supervisor) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		if s.handlers != nil {
			<-s.handlers
		}
	}()
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Gateway: Handler for %s panicked: %v\n%s", conn.RemoteAddr(), r, debug.Stack())
		}
	}()

	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.RecvTimeout)); err != nil {
		logger.Warn("Gateway: Could not set read deadline for %s: %v", conn.RemoteAddr(), err)
	}
	line, err := readRequest(conn)
	if err != nil {
		logger.Debug("Gateway: No command from %s: %v", conn.RemoteAddr(), err)
		return
	}

	resp, ok := s.dispatcher.Handle(ctx, string(line))
	if !ok {
		return
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		logger.Debug("Gateway: Could not set write deadline for %s: %v", conn.RemoteAddr(), err)
	}
	if _, err := conn.Write(resp); err != nil {
		logger.Warn("Gateway: Failed to send response to %s: %v", conn.RemoteAddr(), err)
	}
}

// readRequest reads until a newline, maxRequestSize bytes, EOF or the read
// deadline. Partial data read before a deadline is returned as the request.
func readRequest(conn net.Conn) ([]byte, error) {
	buf := make([]byte, 0, maxRequestSize)
	chunk := make([]byte, maxRequestSize)
	for len(buf) < maxRequestSize {
		n, err := conn.Read(chunk[:maxRequestSize-len(buf)])
		buf = append(buf, chunk[:n]...)
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			return buf[:i+1], nil
		}
		if err != nil {
			if len(buf) > 0 && (errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, io.EOF)) {
				return buf, nil
			}
			return nil, err
		}
	}
	return buf, nil
}
