package dispatch

import (
	"strconv"
	"strings"

	"relay-gateway/internal/state"
)

// Response is a command result. Encode produces the wire bytes.
type Response interface {
	Encode() []byte
}

// Raw is a peripheral response passed through unchanged.
type Raw []byte

func (r Raw) Encode() []byte { return []byte(r) }

// TimerSnapshot reports the deferred timer as seconds,action. An idle timer
// encodes as -1,None.
type TimerSnapshot struct {
	Slot state.TimerSlot
}

func (t TimerSnapshot) Encode() []byte {
	return []byte(joinFields(t.fields()...))
}

func (t TimerSnapshot) fields() []string {
	return []string{strconv.FormatInt(t.Slot.DisplaySeconds(), 10), t.Slot.Action.Command()}
}

// NetworkSnapshot reports the station credentials as ssid,password.
type NetworkSnapshot struct {
	Credentials state.Credentials
}

func (n NetworkSnapshot) Encode() []byte {
	return []byte(joinFields(n.Credentials.SSID, n.Credentials.Password))
}

// AllStatus is the ATALL record:
// state,current,power,timerSeconds,timerAction,ssid,password.
type AllStatus struct {
	State   string
	Current string
	Power   string
	Timer   TimerSnapshot
	Network NetworkSnapshot
}

func (a AllStatus) Encode() []byte {
	fields := []string{a.State, a.Current, a.Power}
	fields = append(fields, a.Timer.fields()...)
	fields = append(fields, a.Network.Credentials.SSID, a.Network.Credentials.Password)
	return []byte(joinFields(fields...))
}

// joinFields comma-joins fields. Commas inside a field become ';' so the field
// count on the wire stays fixed.
func joinFields(fields ...string) string {
	clean := make([]string, len(fields))
	for i, f := range fields {
		clean[i] = strings.ReplaceAll(strings.TrimSpace(f), ",", ";")
	}
	return strings.Join(clean, ",")
}
