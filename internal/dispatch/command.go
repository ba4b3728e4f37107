// Package dispatch parses client command lines and executes them against the
// peripheral, the deferred timer and the network manager.
package dispatch

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrMalformed      = errors.New("malformed command")
	ErrUnknownCommand = errors.New("unknown command")
)

// Kind classifies a recognized command.
type Kind int

const (
	Direct Kind = iota
	Aggregate
	NetworkConfig
	DeferredTimerControl
	RebootRequest
	DetachRequest
)

func (k Kind) String() string {
	switch k {
	case Direct:
		return "direct"
	case Aggregate:
		return "aggregate"
	case NetworkConfig:
		return "network"
	case DeferredTimerControl:
		return "timer"
	case RebootRequest:
		return "reboot"
	case DetachRequest:
		return "detach"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Command names.
const (
	CmdOn     = "ATON"
	CmdOff    = "ATOFF"
	CmdPrint  = "ATPRINT"
	CmdZero   = "ATZERO"
	CmdReset  = "ATRESET"
	CmdPower  = "ATPOWER"
	CmdRead   = "ATREAD"
	CmdState  = "ATSTATE"
	CmdAll    = "ATALL"
	CmdNet    = "ATNET"
	CmdReboot = "ATREBOOT"
	CmdRepl   = "ATREPL"
	CmdTimer  = "ATTIMER"
)

var commandSet = map[string]Kind{
	CmdOn:     Direct,
	CmdOff:    Direct,
	CmdPrint:  Direct,
	CmdZero:   Direct,
	CmdReset:  Direct,
	CmdPower:  Direct,
	CmdRead:   Direct,
	CmdState:  Direct,
	CmdAll:    Aggregate,
	CmdNet:    NetworkConfig,
	CmdTimer:  DeferredTimerControl,
	CmdReboot: RebootRequest,
	CmdRepl:   DetachRequest,
}

var tokenPattern = regexp.MustCompile(`^AT[A-Z]+`)

// Command is a parsed client line.
type Command struct {
	Name string
	Kind Kind
	Args []string
	// Line is the original line, forwarded verbatim for Direct commands.
	Line string
}

// Arg returns the i-th argument or "".
func (c Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// Rest returns the raw text after the first n commas, without the line
// terminator. Unlike Arg it keeps embedded commas and surrounding spaces.
func (c Command) Rest(n int) string {
	s := strings.TrimLeft(strings.TrimRight(c.Line, "\r\n"), " \t")
	for i := 0; i < n; i++ {
		j := strings.IndexByte(s, ',')
		if j < 0 {
			return ""
		}
		s = s[j+1:]
	}
	return s
}

// Parse extracts the command token and comma-separated arguments from line.
func Parse(line string) (Command, error) {
	trimmed := strings.TrimSpace(line)
	name := tokenPattern.FindString(trimmed)
	if name == "" {
		return Command{}, fmt.Errorf("%w: %q", ErrMalformed, trimmed)
	}
	kind, ok := commandSet[name]
	if !ok {
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}

	fields := strings.Split(trimmed, ",")
	args := fields[1:]
	for i := range args {
		args[i] = strings.TrimSpace(args[i])
	}
	return Command{Name: name, Kind: kind, Args: args, Line: line}, nil
}
