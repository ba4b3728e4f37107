package state

// TimerSlot is a snapshot of the single deferred timer.
type TimerSlot struct {
	Seconds uint32
	Action  Action
	Running bool
}

// Pending reports whether an action is waiting to fire.
func (s TimerSlot) Pending() bool { return s.Action != ActionNone }

// DisplaySeconds is the remaining seconds, or -1 when no action is pending.
func (s TimerSlot) DisplaySeconds() int64 {
	if !s.Pending() {
		return -1
	}
	return int64(s.Seconds)
}

// Timer returns a snapshot of the deferred timer slot.
func (c *Context) Timer() TimerSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer
}

// ArmTimer replaces any pending action with a new countdown. It reports whether
// the slot was idle before.
func (c *Context) ArmTimer(seconds uint32, action Action) (startTicker bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	startTicker = !c.timer.Running
	c.timer = TimerSlot{Seconds: seconds, Action: action, Running: true}
	return startTicker
}

// ClearTimer drops any pending action. A running tick source notices on its next
// tick and stops.
func (c *Context) ClearTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer.Seconds = 0
	c.timer.Action = ActionNone
}

// ResetTimer returns the slot to idle with no tick source running.
func (c *Context) ResetTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer = TimerSlot{}
}

// TickTimer advances the countdown by one second. When it reaches zero the pending
// action is returned (exactly once) and the slot is cleared. keepRunning is false
// once nothing is pending, at which point the slot is marked idle.
func (c *Context) TickTimer() (fire Action, keepRunning bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer.Action == ActionNone {
		c.timer = TimerSlot{}
		return ActionNone, false
	}
	if c.timer.Seconds > 0 {
		c.timer.Seconds--
	}
	if c.timer.Seconds > 0 {
		return ActionNone, true
	}
	fire = c.timer.Action
	c.timer = TimerSlot{}
	return fire, false
}
