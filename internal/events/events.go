package events

import (
	"context"
	"time"
)

// Kind classifies gateway events.
type Kind string

const (
	CommandHandled Kind = "command"
	TimerFired     Kind = "timer"
	RestartPending Kind = "restart"
	Detached       Kind = "detach"
	SerialStatus   Kind = "serial"
	WakePin        Kind = "wake"
)

// Event describes something the gateway did. Command events carry the raw line and
// the peripheral response; timer events carry the fired action in Command.
type Event struct {
	Kind     Kind          `json:"kind"`
	Time     time.Time     `json:"time"`
	Command  string        `json:"command,omitempty"`
	Line     string        `json:"line,omitempty"`
	Response string        `json:"response,omitempty"`
	CmdKind  string        `json:"commandKind,omitempty"`
	Duration time.Duration `json:"durationNs,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Sink receives events. Implementations must not block for long.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// Fanout delivers every event to each sink in order. Nil sinks are skipped.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	for _, s := range f {
		if s != nil {
			s.Publish(ctx, ev)
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
