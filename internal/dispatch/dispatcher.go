package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"relay-gateway/internal/events"
	"relay-gateway/internal/logger"
	"relay-gateway/internal/state"
)

// Exchanger sends one line to the peripheral and returns its response.
type Exchanger interface {
	Exchange(cmd []byte) []byte
}

// TimerControl is the deferred timer.
type TimerControl interface {
	Set(seconds uint32, action state.Action)
	Cancel()
	Get() state.TimerSlot
}

// Network exposes the station credentials.
type Network interface {
	Credentials() state.Credentials
	SetCredentials(ssid, password string) bool
}

// Dispatcher is the Command Dispatcher.
type Dispatcher struct {
	serial  Exchanger
	timer   TimerControl
	network Network
	state   *state.Context
	sink    events.Sink
}

// New returns a dispatcher. A nil sink discards events.
func New(serial Exchanger, timer TimerControl, network Network, st *state.Context, sink events.Sink) *Dispatcher {
	if sink == nil {
		sink = events.Discard{}
	}
	return &Dispatcher{
		serial:  serial,
		timer:   timer,
		network: network,
		state:   st,
		sink:    sink,
	}
}

// Handle parses and executes line. It returns the bytes to send back and whether
// there is anything to send; rejected lines and silent commands return false.
func (d *Dispatcher) Handle(ctx context.Context, line string) ([]byte, bool) {
	start := time.Now()
	cmd, err := Parse(line)
	if err != nil {
		logger.Warn("Dispatch: Rejected %q: %v", strings.TrimSpace(line), err)
		d.publish(ctx, events.Event{
			Kind:     events.CommandHandled,
			Line:     strings.TrimSpace(line),
			Duration: time.Since(start),
			Error:    err.Error(),
		})
		return nil, false
	}

	logger.Info("Dispatch: Received command '%s'", cmd.Name)
	resp, err := d.Execute(ctx, cmd)

	var out []byte
	if resp != nil {
		out = resp.Encode()
	}
	ev := events.Event{
		Kind:     events.CommandHandled,
		Command:  cmd.Name,
		Line:     strings.TrimSpace(cmd.Line),
		Response: string(out),
		CmdKind:  cmd.Kind.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		logger.Warn("Dispatch: %s failed: %v", cmd.Name, err)
		ev.Error = err.Error()
	}
	d.publish(ctx, ev)

	return out, len(out) > 0
}

// Execute runs a parsed command. A nil Response means nothing is sent back.
func (d *Dispatcher) Execute(ctx context.Context, cmd Command) (Response, error) {
	switch cmd.Kind {
	case Direct:
		return Raw(d.serial.Exchange([]byte(cmd.Line))), nil
	case Aggregate:
		return d.all(), nil
	case NetworkConfig:
		return d.netConfig(cmd)
	case DeferredTimerControl:
		return d.timerControl(cmd)
	case RebootRequest:
		logger.Warn("Dispatch: Restart requested by client.")
		d.state.RequestRestart()
		d.publish(ctx, events.Event{Kind: events.RestartPending, Command: cmd.Name})
		return nil, nil
	case DetachRequest:
		logger.Warn("Dispatch: Detach requested by client. Gateway will stop serving.")
		d.state.StopServing()
		d.publish(ctx, events.Event{Kind: events.Detached, Command: cmd.Name})
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Name)
	}
}

func (d *Dispatcher) all() AllStatus {
	status := AllStatus{
		State:   string(d.serial.Exchange([]byte(CmdState + "\n"))),
		Current: string(d.serial.Exchange([]byte(CmdRead + "\n"))),
		Power:   string(d.serial.Exchange([]byte(CmdPower + "\n"))),
	}
	status.Timer = TimerSnapshot{Slot: d.timer.Get()}
	status.Network = NetworkSnapshot{Credentials: d.network.Credentials()}
	return status
}

// netConfig handles ATNET,SET,<ssid>[,<password>]; anything else reads the credentials.
// The password is everything after the third comma, taken verbatim.
func (d *Dispatcher) netConfig(cmd Command) (Response, error) {
	if !strings.EqualFold(cmd.Arg(0), "SET") {
		return NetworkSnapshot{Credentials: d.network.Credentials()}, nil
	}
	if len(cmd.Args) < 2 || cmd.Arg(1) == "" {
		return nil, fmt.Errorf("%w: ATNET,SET needs an SSID", ErrMalformed)
	}
	d.network.SetCredentials(cmd.Arg(1), cmd.Rest(3))
	return nil, nil
}

// timerControl handles ATTIMER,SET,<seconds>,<ATON|ATOFF> and ATTIMER,DEL;
// anything else reads the timer.
func (d *Dispatcher) timerControl(cmd Command) (Response, error) {
	switch strings.ToUpper(cmd.Arg(0)) {
	case "SET":
		seconds, err := strconv.ParseUint(cmd.Arg(1), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: timer seconds %q", ErrMalformed, cmd.Arg(1))
		}
		action, err := state.ParseAction(cmd.Arg(2))
		if err != nil {
			return nil, errors.Join(ErrMalformed, err)
		}
		d.timer.Set(uint32(seconds), action)
		return nil, nil
	case "DEL":
		d.timer.Cancel()
		return nil, nil
	default:
		return TimerSnapshot{Slot: d.timer.Get()}, nil
	}
}

func (d *Dispatcher) publish(ctx context.Context, ev events.Event) {
	d.sink.Publish(ctx, ev)
}
