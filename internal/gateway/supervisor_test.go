package gateway

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"relay-gateway/internal/config"
	"relay-gateway/internal/dispatch"
	"relay-gateway/internal/netmode"
	"relay-gateway/internal/state"
	"relay-gateway/internal/timer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type peripheral struct {
	mu   sync.Mutex
	sent []string
}

func (p *peripheral) Exchange(cmd []byte) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, string(cmd))
	if strings.HasPrefix(string(cmd), "ATON") {
		return []byte("1")
	}
	return []byte("0")
}

func (p *peripheral) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.sent...)
}

type fakeNetwork struct {
	mu         sync.Mutex
	health     netmode.Health
	stations   []state.Credentials
	reconnects int
}

func (n *fakeNetwork) EnableStation(_ context.Context, ssid, password string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stations = append(n.stations, state.Credentials{SSID: ssid, Password: password})
	return nil
}

func (n *fakeNetwork) HealthCheck(context.Context) netmode.Health {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.health
}

func (n *fakeNetwork) Reconnect(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reconnects++
	n.health = netmode.Healthy
	return nil
}

func (n *fakeNetwork) Identity(context.Context) (net.IP, net.HardwareAddr) {
	return net.IPv4(10, 1, 2, 3), net.HardwareAddr{0, 1, 2, 3, 4, 5}
}

func (n *fakeNetwork) snapshot() ([]state.Credentials, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]state.Credentials{}, n.stations...), n.reconnects
}

type fakeRestarter struct {
	mu    sync.Mutex
	calls int
}

func (r *fakeRestarter) Restart() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

type credentialSetter struct{ st *state.Context }

func (c credentialSetter) Credentials() state.Credentials { return c.st.Credentials() }
func (c credentialSetter) SetCredentials(ssid, password string) bool {
	return c.st.UpdateCredentials(state.Credentials{SSID: ssid, Password: password})
}

type harness struct {
	sup        *Supervisor
	state      *state.Context
	peripheral *peripheral
	network    *fakeNetwork
	timer      *timer.Timer
	restarter  *fakeRestarter
	result     chan Phase
	done       chan struct{}
	cancel     context.CancelFunc
}

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		ListenAddress:    "127.0.0.1",
		AcceptTimeout:    20 * time.Millisecond,
		RecvTimeout:      200 * time.Millisecond,
		DiscoveryTimeout: 20 * time.Millisecond,
	}
}

func startWith(t *testing.T, cfg config.ServerConfig, d Dispatcher) *harness {
	t.Helper()
	h := &harness{
		state:      state.New(state.Credentials{SSID: "home", Password: "secret"}),
		peripheral: &peripheral{},
		network:    &fakeNetwork{},
		restarter:  &fakeRestarter{},
		result:     make(chan Phase, 1),
		done:       make(chan struct{}),
	}
	h.timer = timer.New(h.state, h.peripheral, nil, time.Hour)
	if d == nil {
		d = dispatch.New(h.peripheral, h.timer, credentialSetter{h.state}, h.state, nil)
	}
	h.sup = New(cfg, "porch", h.state, d, h.network, h.timer, h.restarter)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		phase, err := h.sup.Run(ctx)
		assert.NoError(t, err)
		h.result <- phase
	}()
	select {
	case <-h.sup.Ready():
	case <-time.After(time.Second):
		t.Fatal("supervisor did not bind its sockets")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(3 * time.Second):
		}
	})
	return h
}

func start(t *testing.T) *harness {
	return startWith(t, testServerConfig(), nil)
}

// send writes line and returns everything received until the gateway closes
// the connection.
func send(t *testing.T, addr net.Addr, line string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	if line != "" {
		_, err = conn.Write([]byte(line))
		require.NoError(t, err)
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	resp, _ := io.ReadAll(conn)
	return string(resp)
}

func (h *harness) wait(t *testing.T) Phase {
	t.Helper()
	select {
	case p := <-h.result:
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not stop")
		return Terminated
	}
}

func TestCommandRoundTrip(t *testing.T) {
	h := start(t)

	assert.Equal(t, "1", send(t, h.sup.Addr(), "ATON\n"))
	assert.Equal(t, []string{"ATON\n"}, h.peripheral.calls())
	assert.Equal(t, Serving, h.sup.Phase())
}

func TestUnknownCommandClosesWithoutBytes(t *testing.T) {
	h := start(t)

	assert.Empty(t, send(t, h.sup.Addr(), "ATBOGUS\n"))
	assert.Empty(t, h.peripheral.calls())
}

func TestRequestWithoutNewline(t *testing.T) {
	h := start(t)

	assert.Equal(t, "1", send(t, h.sup.Addr(), "ATON"))
}

func TestOneConnectionOneCommand(t *testing.T) {
	h := start(t)

	assert.Equal(t, "1", send(t, h.sup.Addr(), "ATON\nATOFF\n"))
	assert.Equal(t, []string{"ATON\n"}, h.peripheral.calls())
}

func TestRebootRestarts(t *testing.T) {
	h := start(t)
	h.timer.Set(100, state.ActionOn)

	assert.Empty(t, send(t, h.sup.Addr(), "ATREBOOT\n"))
	assert.Equal(t, Restarting, h.wait(t))
	assert.Equal(t, 1, h.restarter.calls)
	assert.False(t, h.timer.Get().Pending(), "timer cancelled on restart")
	assert.Equal(t, Terminated, h.sup.Phase())

	_, err := net.DialTimeout("tcp", h.sup.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err, "listener closed")
}

func TestDetachStopsServing(t *testing.T) {
	h := start(t)

	assert.Empty(t, send(t, h.sup.Addr(), "ATREPL\n"))
	assert.Equal(t, Detaching, h.wait(t))
	assert.Zero(t, h.restarter.calls)
	assert.False(t, h.state.Serving())
}

func TestContextCancelDetaches(t *testing.T) {
	h := start(t)
	h.cancel()
	assert.Equal(t, Detaching, h.wait(t))
}

func TestNetworkUpdateOwedIsApplied(t *testing.T) {
	h := start(t)

	assert.Empty(t, send(t, h.sup.Addr(), "ATNET,SET,office,hunter2\n"))
	assert.Eventually(t, func() bool {
		stations, _ := h.network.snapshot()
		return len(stations) == 1
	}, time.Second, 5*time.Millisecond)

	stations, _ := h.network.snapshot()
	assert.Equal(t, state.Credentials{SSID: "office", Password: "hunter2"}, stations[0])
	assert.False(t, h.state.NetworkUpdateOwed())
}

func TestUnhealthyNetworkReconnects(t *testing.T) {
	h := start(t)
	h.network.mu.Lock()
	h.network.health = netmode.ActiveNotConnected
	h.network.mu.Unlock()

	assert.Eventually(t, func() bool {
		_, reconnects := h.network.snapshot()
		return reconnects == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, h.state.RestartRequested())
	assert.Equal(t, "1", send(t, h.sup.Addr(), "ATON\n"))
}

func TestDiscovery(t *testing.T) {
	h := start(t)

	conn, err := net.DialUDP("udp4", nil, h.sup.DiscoveryAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("ATLOOKUP"))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))

	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	port := h.sup.Addr().(*net.TCPAddr).Port
	assert.Equal(t, "SOCKET,10.1.2.3,00:01:02:03:04:05,"+strconv.Itoa(port)+",porch", string(buf[:n]))
}

// blockingDispatcher holds every handler until release is closed.
type blockingDispatcher struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingDispatcher) Handle(context.Context, string) ([]byte, bool) {
	b.entered <- struct{}{}
	<-b.release
	return []byte("done"), true
}

func TestHandlerLimitDropsConnection(t *testing.T) {
	cfg := testServerConfig()
	cfg.MaxHandlers = 1
	cfg.RecvTimeout = time.Second
	d := &blockingDispatcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := startWith(t, cfg, d)

	first, err := net.Dial("tcp", h.sup.Addr().String())
	require.NoError(t, err)
	defer first.Close()
	_, err = first.Write([]byte("ATON\n"))
	require.NoError(t, err)
	<-d.entered

	assert.Empty(t, send(t, h.sup.Addr(), ""), "over the limit: dropped")
	assert.Equal(t, Serving, h.sup.Phase())

	close(d.release)
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	resp, err := io.ReadAll(first)
	require.NoError(t, err)
	assert.Equal(t, "done", string(resp))
}

type panickingDispatcher struct{}

func (panickingDispatcher) Handle(context.Context, string) ([]byte, bool) {
	panic("peripheral exploded")
}

func TestPanickingHandlerStillClosesConnection(t *testing.T) {
	h := startWith(t, testServerConfig(), panickingDispatcher{})

	assert.Empty(t, send(t, h.sup.Addr(), "ATON\n"))
	assert.Empty(t, send(t, h.sup.Addr(), "ATON\n"))
	assert.Equal(t, Serving, h.sup.Phase())
}

func TestRunFailsWhenPortTaken(t *testing.T) {
	taken, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testServerConfig()
	cfg.TCPPort = taken.Addr().(*net.TCPAddr).Port
	st := state.New(state.Credentials{})
	sup := New(cfg, "", st, panickingDispatcher{}, &fakeNetwork{}, timer.New(st, &peripheral{}, nil, time.Hour), &fakeRestarter{})

	phase, err := sup.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, Terminated, phase)
}

func TestReadRequest(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { server.Close() })
	go func() {
		client.Write([]byte(strings.Repeat("A", 300)))
		client.Close()
	}()
	line, err := readRequest(server)
	require.NoError(t, err)
	assert.Len(t, line, maxRequestSize)
}
