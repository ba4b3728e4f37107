// Package state holds the gateway's shared mutable state behind a single lock.
//
// Every field that more than one goroutine touches (restart flag, serving flag,
// pending network update, network credentials, network phase and the deferred
// timer slot) lives in Context. Methods take the lock for the duration of the
// mutation only; no method performs I/O while holding it.
package state

import (
	"fmt"
	"sync"
)

// Action is the relay action a deferred timer performs when it expires.
type Action int

const (
	ActionNone Action = iota
	ActionOn
	ActionOff
)

// Command returns the peripheral command for the action ("ATON"/"ATOFF"), or "None".
func (a Action) Command() string {
	switch a {
	case ActionOn:
		return "ATON"
	case ActionOff:
		return "ATOFF"
	default:
		return "None"
	}
}

func (a Action) String() string { return a.Command() }

// ParseAction maps "ATON"/"ATOFF" to an Action.
func ParseAction(s string) (Action, error) {
	switch s {
	case "ATON":
		return ActionOn, nil
	case "ATOFF":
		return ActionOff, nil
	default:
		return ActionNone, fmt.Errorf("invalid timer action %q", s)
	}
}

// Credentials is the station-mode SSID and password pair.
type Credentials struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// NetworkPhase is the Network Mode Manager's current state.
type NetworkPhase int

const (
	Unconfigured NetworkPhase = iota
	APMode
	ConnectingStation
	StationConnected
	FailedFallback
)

func (p NetworkPhase) String() string {
	switch p {
	case APMode:
		return "ap"
	case ConnectingStation:
		return "connecting"
	case StationConnected:
		return "station"
	case FailedFallback:
		return "fallback"
	default:
		return "unconfigured"
	}
}

// Context is the process-wide shared state. The zero value is not usable; call New.
type Context struct {
	mu sync.Mutex

	restart     bool
	serving     bool
	networkOwed bool
	creds       Credentials
	phase       NetworkPhase
	timer       TimerSlot
}

// New returns a Context in the serving state with the given credentials.
func New(creds Credentials) *Context {
	return &Context{serving: true, creds: creds}
}

// RequestRestart sets the restart flag. It is only cleared by an actual restart.
func (c *Context) RequestRestart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restart = true
}

func (c *Context) RestartRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restart
}

// StopServing clears the keep-serving flag so the supervisor detaches.
func (c *Context) StopServing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serving = false
}

func (c *Context) Serving() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serving
}

// Credentials returns a copy of the current network credentials.
func (c *Context) Credentials() Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

// UpdateCredentials stores creds if they differ from the current ones and marks a
// network update as owed. It reports whether anything changed.
func (c *Context) UpdateCredentials(creds Credentials) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.creds == creds {
		return false
	}
	c.creds = creds
	c.networkOwed = true
	return true
}

// NetworkUpdateOwed reports whether a credentials change is waiting to be applied.
func (c *Context) NetworkUpdateOwed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.networkOwed
}

// TakeNetworkUpdate clears the owed flag and returns the credentials to apply.
func (c *Context) TakeNetworkUpdate() (Credentials, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.networkOwed {
		return Credentials{}, false
	}
	c.networkOwed = false
	return c.creds, true
}

func (c *Context) Phase() NetworkPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Context) SetPhase(p NetworkPhase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = p
}
