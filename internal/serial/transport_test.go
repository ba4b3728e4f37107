package serial

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"relay-gateway/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// fakePort answers every written line via respond. A nil respond means the
// peripheral stays silent.
type fakePort struct {
	mu       sync.Mutex
	respond  func(line []byte) []byte
	pending  []byte
	written  [][]byte
	inFlight int
	maxSeen  int
	closed   bool
	timeout  time.Duration
	writeErr error
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.inFlight++
	if p.inFlight > p.maxSeen {
		p.maxSeen = p.inFlight
	}
	p.written = append(p.written, append([]byte{}, b...))
	if p.respond != nil {
		p.pending = append(p.pending, p.respond(b)...)
	}
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.pending) == 0 {
		timeout := p.timeout
		p.mu.Unlock()
		// Behave like go.bug.st/serial: block up to the read timeout, then return 0, nil.
		time.Sleep(min(timeout, 20*time.Millisecond))
		return 0, nil
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	if len(p.pending) == 0 {
		p.inFlight--
	}
	p.mu.Unlock()
	return n, nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = t
	return nil
}

func (p *fakePort) ResetInputBuffer() error { return nil }

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte{}, p.written...)
}

func withFakePort(t *testing.T, port *fakePort) {
	t.Helper()
	orig := openPort
	openPort = func(name string, mode *serial.Mode) (Port, error) {
		if name != "/dev/ttyFAKE" {
			return nil, errors.New("no such port")
		}
		return port, nil
	}
	t.Cleanup(func() { openPort = orig })
}

func newTestTransport(t *testing.T, port *fakePort, readTimeout time.Duration) *Transport {
	t.Helper()
	withFakePort(t, port)
	tr := New(config.SerialConfig{Port: "/dev/ttyFAKE", BaudRate: 9600, ReadTimeout: readTimeout}, nil)
	require.NoError(t, tr.Connect())
	return tr
}

func TestExchange_ReturnsLineWithoutDelimiter(t *testing.T) {
	port := &fakePort{respond: func([]byte) []byte { return []byte("1\n") }}
	tr := newTestTransport(t, port, time.Second)

	resp := tr.Exchange([]byte("ATON\n"))

	assert.Equal(t, []byte("1"), resp)
	assert.Equal(t, [][]byte{[]byte("ATON\n")}, port.writes())
}

func TestExchange_AppendsMissingNewline(t *testing.T) {
	port := &fakePort{respond: func([]byte) []byte { return []byte("0\n") }}
	tr := newTestTransport(t, port, time.Second)

	tr.Exchange([]byte("ATSTATE"))

	assert.Equal(t, [][]byte{[]byte("ATSTATE\n")}, port.writes())
}

func TestExchange_AccumulatesPartialReads(t *testing.T) {
	port := &fakePort{respond: func([]byte) []byte { return []byte("230.4 W\n") }}
	tr := newTestTransport(t, port, time.Second)

	resp := tr.Exchange([]byte("ATPOWER\n"))
	assert.Equal(t, "230.4 W", string(resp))
}

func TestExchange_TimeoutReturnsSentinel(t *testing.T) {
	port := &fakePort{}
	tr := newTestTransport(t, port, 50*time.Millisecond)

	start := time.Now()
	resp := tr.Exchange([]byte("ATREAD\n"))

	assert.Equal(t, "ERROR: read timeout", string(resp))
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, tr.Connected(), "a timeout must not drop the port")
}

func TestExchange_NoPortReturnsNotOpen(t *testing.T) {
	withFakePort(t, &fakePort{})
	tr := New(config.SerialConfig{Port: "/dev/ttyMISSING", BaudRate: 9600, ReadTimeout: time.Second}, nil)
	assert.ErrorIs(t, tr.Connect(), ErrNotOpen)

	assert.Equal(t, NotOpenResponse, tr.Exchange([]byte("ATON\n")))
}

func TestExchange_WriteErrorDisconnects(t *testing.T) {
	port := &fakePort{writeErr: errors.New("device unplugged")}
	tr := newTestTransport(t, port, time.Second)

	resp := tr.Exchange([]byte("ATON\n"))

	assert.Equal(t, NotOpenResponse, resp)
	assert.False(t, tr.Connected())
	assert.True(t, port.closed)
}

func TestExchange_SerializesConcurrentCallers(t *testing.T) {
	port := &fakePort{respond: func(line []byte) []byte {
		return append(bytes.TrimSpace(line), '\n')
	}}
	tr := newTestTransport(t, port, time.Second)

	var wg sync.WaitGroup
	cmds := []string{"ATON", "ATOFF", "ATPOWER", "ATREAD", "ATSTATE", "ATPRINT", "ATZERO", "ATRESET"}
	for _, c := range cmds {
		wg.Add(1)
		go func(c string) {
			defer wg.Done()
			assert.Equal(t, c, string(tr.Exchange([]byte(c+"\n"))))
		}(c)
	}
	wg.Wait()

	port.mu.Lock()
	defer port.mu.Unlock()
	assert.Equal(t, 1, port.maxSeen, "only one exchange may be on the wire")
	assert.Len(t, port.written, len(cmds))
}

func TestFindPort_ProbesUSBPorts(t *testing.T) {
	port := &fakePort{respond: func([]byte) []byte { return []byte("0\n") }}
	withFakePort(t, port)

	origList := listPorts
	listPorts = func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "/dev/ttyS0", IsUSB: false},
			{Name: "/dev/ttyUSB9", IsUSB: true},
			{Name: "/dev/ttyFAKE", IsUSB: true},
		}, nil
	}
	t.Cleanup(func() { listPorts = origList })

	name, err := FindPort(9600, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyFAKE", name)
	assert.Equal(t, [][]byte{[]byte(ProbeCommand)}, port.writes())
}

func TestFindPort_NoPorts(t *testing.T) {
	origList := listPorts
	listPorts = func() ([]*enumerator.PortDetails, error) { return nil, nil }
	t.Cleanup(func() { listPorts = origList })

	_, err := FindPort(9600, 100*time.Millisecond)
	assert.Error(t, err)
}
