package radio

import (
	"context"
	"fmt"
	"net"
	"sync"

	"relay-gateway/internal/netmode"
)

// Static is a radio for interfaces configured outside the gateway, such as a
// wired link. Activation requests are recorded but not applied; connectivity
// follows the link state of the interface.
type Static struct {
	mu     sync.Mutex
	name   string
	active map[netmode.Interface]bool
	joined bool

	lookup func(name string) (*net.Interface, error)
}

// NewStatic returns a radio reporting on the named interface.
func NewStatic(name string) *Static {
	return &Static{
		name:   name,
		active: map[netmode.Interface]bool{},
		lookup: net.InterfaceByName,
	}
}

func (s *Static) Active(_ context.Context, iface netmode.Interface) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[iface], nil
}

func (s *Static) SetActive(_ context.Context, iface netmode.Interface, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[iface] = on
	if iface == netmode.Station && !on {
		s.joined = false
	}
	return nil
}

// Connect marks the station as joined; the SSID is not used.
func (s *Static) Connect(_ context.Context, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active[netmode.Station] {
		return fmt.Errorf("station interface %s is not active", s.name)
	}
	s.joined = true
	return nil
}

func (s *Static) Connected(_ context.Context) (bool, error) {
	s.mu.Lock()
	joined := s.joined
	s.mu.Unlock()
	if !joined {
		return false, nil
	}
	ifi, err := s.lookup(s.name)
	if err != nil {
		return false, err
	}
	return ifi.Flags&net.FlagUp != 0 && ifi.Flags&net.FlagRunning != 0, nil
}

func (s *Static) Address(_ context.Context) (net.IP, error) {
	ifi, err := s.lookup(s.name)
	if err != nil {
		return net.IPv4zero, err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return net.IPv4zero, err
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4, nil
			}
		}
	}
	return net.IPv4zero, nil
}

func (s *Static) HardwareAddr(_ context.Context) (net.HardwareAddr, error) {
	ifi, err := s.lookup(s.name)
	if err != nil {
		return nil, err
	}
	return ifi.HardwareAddr, nil
}
