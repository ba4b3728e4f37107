package radio

import (
	"context"
	"net"
	"testing"
	"time"

	"relay-gateway/internal/config"
	"relay-gateway/internal/netmode"
	"relay-gateway/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loopbackName(t *testing.T) string {
	t.Helper()
	ifaces, err := net.Interfaces()
	require.NoError(t, err)
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagLoopback != 0 && ifi.Flags&net.FlagUp != 0 {
			return ifi.Name
		}
	}
	t.Skip("no loopback interface")
	return ""
}

func TestStatic_StationLifecycle(t *testing.T) {
	ctx := context.Background()
	r := NewStatic(loopbackName(t))

	connected, err := r.Connected(ctx)
	require.NoError(t, err)
	assert.False(t, connected)

	assert.Error(t, r.Connect(ctx, "any", "pw"), "connect requires an active station")

	require.NoError(t, r.SetActive(ctx, netmode.Station, true))
	require.NoError(t, r.Connect(ctx, "any", "pw"))
	connected, err = r.Connected(ctx)
	require.NoError(t, err)
	assert.True(t, connected)

	addr, err := r.Address(ctx)
	require.NoError(t, err)
	assert.True(t, addr.IsLoopback())

	require.NoError(t, r.SetActive(ctx, netmode.Station, false))
	connected, err = r.Connected(ctx)
	require.NoError(t, err)
	assert.False(t, connected)
}

func TestStatic_DrivesManager(t *testing.T) {
	st := state.New(state.Credentials{})
	m := netmode.New(NewStatic(loopbackName(t)), st, nil, config.NetworkConfig{
		ActivationTimeout: 50 * time.Millisecond,
		ConnectTimeout:    50 * time.Millisecond,
		PollInterval:      time.Millisecond,
	})

	ctx := context.Background()
	require.NoError(t, m.EnableAP(ctx))
	assert.Equal(t, netmode.Healthy, m.HealthCheck(ctx))

	require.NoError(t, m.EnableStation(ctx, "wired", ""))
	assert.Equal(t, state.StationConnected, st.Phase())
	assert.Equal(t, netmode.Healthy, m.HealthCheck(ctx))
}

func TestStatic_UnknownInterface(t *testing.T) {
	r := NewStatic("does-not-exist0")
	_, err := r.Address(context.Background())
	assert.Error(t, err)
}

func TestConnectionSettings(t *testing.T) {
	station := connectionSettings("home", "home", "secret", false)
	assert.Equal(t, "infrastructure", station["802-11-wireless"]["mode"].Value())
	assert.Equal(t, []byte("home"), station["802-11-wireless"]["ssid"].Value())
	assert.Equal(t, "auto", station["ipv4"]["method"].Value())
	assert.Equal(t, "secret", station["802-11-wireless-security"]["psk"].Value())

	ap := connectionSettings(apConnectionID, "RELAYGW", "", true)
	assert.Equal(t, "ap", ap["802-11-wireless"]["mode"].Value())
	assert.Equal(t, "shared", ap["ipv4"]["method"].Value())
	assert.Equal(t, false, ap["connection"]["autoconnect"].Value())
	assert.NotContains(t, ap, "802-11-wireless-security")
}
