package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"relay-gateway/internal/gateway"
	"relay-gateway/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	lines []string
}

func (f *fakeDispatcher) Handle(_ context.Context, line string) ([]byte, bool) {
	f.lines = append(f.lines, line)
	if strings.HasPrefix(line, "ATREBOOT") {
		return nil, false
	}
	return []byte("1\n"), true
}

type fakeNetwork struct {
	st *state.Context
}

func (f fakeNetwork) Credentials() state.Credentials { return f.st.Credentials() }
func (f fakeNetwork) SetCredentials(ssid, password string) bool {
	return f.st.UpdateCredentials(state.Credentials{SSID: ssid, Password: password})
}

type fakeSerial struct{}

func (fakeSerial) Connected() bool { return true }
func (fakeSerial) PortName() string { return "/dev/ttyUSB0" }

type fakeSupervisor struct{}

func (fakeSupervisor) Phase() gateway.Phase { return gateway.Serving }

func newTestServer(t *testing.T) (*Server, *fakeDispatcher, *state.Context) {
	t.Helper()
	st := state.New(state.Credentials{SSID: "home", Password: "secret"})
	d := &fakeDispatcher{}
	s := New(Options{
		Version:    "test",
		DeviceID:   "dev-1",
		DeviceName: "porch",
		State:      st,
		Dispatcher: d,
		Network:    fakeNetwork{st: st},
		Serial:     fakeSerial{},
		Supervisor: fakeSupervisor{},
	})
	return s, d, st
}

func do(t *testing.T, s *Server, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(method, url, strings.NewReader(body)))
	return rr
}

func TestStatus(t *testing.T) {
	s, _, st := newTestServer(t)
	st.ArmTimer(30, state.ActionOff)

	rr := do(t, s, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var got StatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "dev-1", got.DeviceID)
	assert.Equal(t, "serving", got.Phase)
	assert.Equal(t, "home", got.SSID)
	assert.True(t, got.Serving)
	assert.True(t, got.SerialConnected)
	assert.Equal(t, TimerStatus{Seconds: 30, Action: "ATOFF", Running: true}, got.Timer)
}

func TestStatusIdleTimer(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := do(t, s, http.MethodGet, "/api/v1/status", "")

	var got StatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, int64(-1), got.Timer.Seconds)
	assert.Equal(t, "None", got.Timer.Action)
}

func TestCommand(t *testing.T) {
	s, d, _ := newTestServer(t)

	t.Run("json body", func(t *testing.T) {
		rr := do(t, s, http.MethodPost, "/api/v1/command", `{"line":"ATSTATE"}`)
		require.Equal(t, http.StatusOK, rr.Code)
		var got CommandResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
		assert.Equal(t, CommandResponse{Line: "ATSTATE", Response: "1", Responded: true}, got)
	})

	t.Run("raw body", func(t *testing.T) {
		rr := do(t, s, http.MethodPost, "/api/v1/command", "ATREBOOT\n")
		require.Equal(t, http.StatusOK, rr.Code)
		var got CommandResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
		assert.False(t, got.Responded)
	})

	assert.Equal(t, []string{"ATSTATE\n", "ATREBOOT\n"}, d.lines)

	t.Run("empty", func(t *testing.T) {
		rr := do(t, s, http.MethodPost, "/api/v1/command", "  ")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("too long", func(t *testing.T) {
		rr := do(t, s, http.MethodPost, "/api/v1/command", strings.Repeat("A", maxCommandBody+1))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		rr := do(t, s, http.MethodGet, "/api/v1/command", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})
}

func TestSettings(t *testing.T) {
	s, _, st := newTestServer(t)

	rr := do(t, s, http.MethodGet, "/api/v1/settings", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var got SettingsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "home", got.SSID)
	assert.True(t, got.HasPassword)
	assert.Contains(t, got.AvailableIPs, "127.0.0.1")
	assert.NotContains(t, rr.Body.String(), "secret")

	rr = do(t, s, http.MethodPost, "/api/v1/settings", `{"ssid":"cabin","password":"pw"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"changed":true`)
	assert.Equal(t, "cabin", st.Credentials().SSID)
	assert.True(t, st.NetworkUpdateOwed())

	rr = do(t, s, http.MethodPost, "/api/v1/settings", `{"ssid":""}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, s, http.MethodPost, "/api/v1/settings", `not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, s, http.MethodDelete, "/api/v1/settings", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestOptionalRoutes(t *testing.T) {
	s, _, _ := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/v1/history", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/ws/logs", "").Code)
}

func TestStartAndShutdown(t *testing.T) {
	s, _, _ := newTestServer(t)
	require.NoError(t, s.Start("127.0.0.1:0"))

	resp, err := http.Get("http://" + s.Addr().String() + "/api/v1/version")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Shutdown(context.Background()))
}
