package timer

import (
	"context"
	"sync"
	"time"

	"relay-gateway/internal/events"
	"relay-gateway/internal/logger"
	"relay-gateway/internal/state"
)

// Exchanger sends one command to the peripheral and returns its response.
type Exchanger interface {
	Exchange(cmd []byte) []byte
}

// Timer is the single deferred one-shot action. Its countdown lives in the shared
// state.Context; Timer only owns the tick source.
type Timer struct {
	state    *state.Context
	ex       Exchanger
	sink     events.Sink
	interval time.Duration

	mu     sync.Mutex
	stop   chan struct{} // current tick source, nil when none runs
	closed bool
}

// New returns a timer that ticks every interval (one second in production).
func New(st *state.Context, ex Exchanger, sink events.Sink, interval time.Duration) *Timer {
	if sink == nil {
		sink = events.Discard{}
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Timer{
		state:    st,
		ex:       ex,
		sink:     sink,
		interval: interval,
	}
}

// Set replaces any pending action with action after seconds ticks. The tick
// source restarts so the first decrement lands a full interval later. After
// Close it is a no-op.
func (t *Timer) Set(seconds uint32, action state.Action) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		logger.Warn("Timer: Stopped. Ignoring %s in %d seconds.", action.Command(), seconds)
		return
	}
	t.state.ArmTimer(seconds, action)
	if t.stop != nil {
		close(t.stop)
	}
	t.stop = make(chan struct{})
	go t.run(t.stop)
	logger.Info("Timer: %s scheduled in %d seconds.", action.Command(), seconds)
}

// Cancel drops the pending action, if any.
func (t *Timer) Cancel() {
	t.state.ClearTimer()
	logger.Info("Timer: Cancelled.")
}

// Get returns the current countdown snapshot.
func (t *Timer) Get() state.TimerSlot {
	return t.state.Timer()
}

// Close cancels the pending action and stops the tick source for good.
func (t *Timer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	t.state.ResetTimer()
}

func (t *Timer) run(stop chan struct{}) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !t.tick(stop) {
				return
			}
		}
	}
}

// Tick advances the countdown by one step and fires the action when it reaches
// zero. It reports whether the tick source should keep running. A tick with
// nothing pending is a no-op.
func (t *Timer) Tick() bool {
	return t.tick(nil)
}

// tick is Tick on behalf of the tick source src. A source that has been replaced
// or stopped does not touch the countdown.
func (t *Timer) tick(src chan struct{}) bool {
	t.mu.Lock()
	if src != nil && src != t.stop {
		t.mu.Unlock()
		return false
	}
	fire, keep := t.state.TickTimer()
	if src != nil && !keep {
		t.stop = nil
	}
	t.mu.Unlock()

	if fire == state.ActionNone {
		return keep
	}

	cmd := fire.Command()
	logger.Info("Timer: Countdown elapsed. Sending %s.", cmd)
	start := time.Now()
	resp := t.ex.Exchange([]byte(cmd + "\n"))
	t.sink.Publish(context.Background(), events.Event{
		Kind:     events.TimerFired,
		Command:  cmd,
		Line:     cmd,
		Response: string(resp),
		Duration: time.Since(start),
	})
	return keep
}
