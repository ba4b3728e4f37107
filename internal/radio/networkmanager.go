// Package radio provides netmode.Radio implementations.
package radio

import (
	"context"
	"fmt"
	"net"

	"relay-gateway/internal/logger"
	"relay-gateway/internal/netmode"

	"github.com/godbus/dbus/v5"
)

const (
	nmBusName      = "org.freedesktop.NetworkManager"
	nmPath         = "/org/freedesktop/NetworkManager"
	nmIface        = "org.freedesktop.NetworkManager"
	nmDeviceIface  = "org.freedesktop.NetworkManager.Device"
	nmWirelessIfc  = "org.freedesktop.NetworkManager.Device.Wireless"
	nmIP4Iface     = "org.freedesktop.NetworkManager.IP4Config"
	propsIface     = "org.freedesktop.DBus.Properties"
	apConnectionID = "relaygw-ap"
)

// NetworkManager device and 802.11 mode values.
const (
	deviceStateActivated uint32 = 100
	wifiModeInfra        uint32 = 2
	wifiModeAP           uint32 = 3
)

// NetworkManager drives a WiFi device through NetworkManager on the system bus.
// The station interface is "active" while radio and device autoconnect are
// enabled; the access point is "active" while the device runs in AP mode.
type NetworkManager struct {
	conn       *dbus.Conn
	device     dbus.ObjectPath
	iface      string
	apSSID     string
	apPassword string
}

// NewNetworkManager connects to the system bus and resolves iface to a device.
func NewNetworkManager(iface, apSSID, apPassword string) (*NetworkManager, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	var device dbus.ObjectPath
	err = conn.Object(nmBusName, nmPath).Call(nmIface+".GetDeviceByIpIface", 0, iface).Store(&device)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("resolve device %s: %w", iface, err)
	}
	logger.Info("Radio: Using NetworkManager device %s for %s.", device, iface)
	return &NetworkManager{
		conn:       conn,
		device:     device,
		iface:      iface,
		apSSID:     apSSID,
		apPassword: apPassword,
	}, nil
}

// Close releases the bus connection.
func (n *NetworkManager) Close() error {
	return n.conn.Close()
}

func (n *NetworkManager) getProp(ctx context.Context, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	var v dbus.Variant
	err := n.conn.Object(nmBusName, path).CallWithContext(ctx, propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (n *NetworkManager) setProp(ctx context.Context, path dbus.ObjectPath, iface, prop string, val interface{}) error {
	return n.conn.Object(nmBusName, path).CallWithContext(ctx, propsIface+".Set", 0, iface, prop, dbus.MakeVariant(val)).Err
}

func (n *NetworkManager) getBool(ctx context.Context, path dbus.ObjectPath, iface, prop string) (bool, error) {
	v, err := n.getProp(ctx, path, iface, prop)
	if err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s is not bool", prop)
	}
	return val, nil
}

func (n *NetworkManager) getUint32(ctx context.Context, path dbus.ObjectPath, iface, prop string) (uint32, error) {
	v, err := n.getProp(ctx, path, iface, prop)
	if err != nil {
		return 0, err
	}
	val, ok := v.Value().(uint32)
	if !ok {
		return 0, fmt.Errorf("property %s is not uint32", prop)
	}
	return val, nil
}

func (n *NetworkManager) getPath(ctx context.Context, path dbus.ObjectPath, iface, prop string) (dbus.ObjectPath, error) {
	v, err := n.getProp(ctx, path, iface, prop)
	if err != nil {
		return "", err
	}
	val, ok := v.Value().(dbus.ObjectPath)
	if !ok {
		return "", fmt.Errorf("property %s is not an object path", prop)
	}
	return val, nil
}

// activated reports whether the device is fully activated in the given 802.11 mode.
func (n *NetworkManager) activated(ctx context.Context, mode uint32) (bool, error) {
	st, err := n.getUint32(ctx, n.device, nmDeviceIface, "State")
	if err != nil {
		return false, err
	}
	if st != deviceStateActivated {
		return false, nil
	}
	m, err := n.getUint32(ctx, n.device, nmWirelessIfc, "Mode")
	if err != nil {
		return false, err
	}
	return m == mode, nil
}

func (n *NetworkManager) Active(ctx context.Context, iface netmode.Interface) (bool, error) {
	if iface == netmode.AccessPoint {
		return n.activated(ctx, wifiModeAP)
	}
	enabled, err := n.getBool(ctx, nmPath, nmIface, "WirelessEnabled")
	if err != nil || !enabled {
		return false, err
	}
	return n.getBool(ctx, n.device, nmDeviceIface, "Autoconnect")
}

func (n *NetworkManager) SetActive(ctx context.Context, iface netmode.Interface, on bool) error {
	if iface == netmode.AccessPoint {
		if on {
			return n.activate(ctx, connectionSettings(apConnectionID, n.apSSID, n.apPassword, true))
		}
		return n.deactivateMode(ctx, wifiModeAP)
	}

	if on {
		if err := n.setProp(ctx, nmPath, nmIface, "WirelessEnabled", true); err != nil {
			return fmt.Errorf("enable wireless: %w", err)
		}
		return n.setProp(ctx, n.device, nmDeviceIface, "Autoconnect", true)
	}
	// Disconnect also clears the device's autoconnect flag.
	if err := n.deactivateMode(ctx, wifiModeInfra); err != nil {
		return err
	}
	return n.setProp(ctx, n.device, nmDeviceIface, "Autoconnect", false)
}

// deactivateMode tears down the device's active connection if it runs in mode.
func (n *NetworkManager) deactivateMode(ctx context.Context, mode uint32) error {
	m, err := n.getUint32(ctx, n.device, nmWirelessIfc, "Mode")
	if err != nil {
		return err
	}
	if m != mode {
		return nil
	}
	active, err := n.getPath(ctx, n.device, nmDeviceIface, "ActiveConnection")
	if err != nil {
		return err
	}
	if active == "/" {
		return nil
	}
	err = n.conn.Object(nmBusName, nmPath).CallWithContext(ctx, nmIface+".DeactivateConnection", 0, active).Err
	if err != nil {
		return fmt.Errorf("deactivate %s: %w", active, err)
	}
	return nil
}

// activate adds a volatile connection profile and activates it on the device.
func (n *NetworkManager) activate(ctx context.Context, settings map[string]map[string]dbus.Variant) error {
	options := map[string]dbus.Variant{"persist": dbus.MakeVariant("volatile")}
	var path, active dbus.ObjectPath
	var result map[string]dbus.Variant
	err := n.conn.Object(nmBusName, nmPath).
		CallWithContext(ctx, nmIface+".AddAndActivateConnection2", 0, settings, n.device, dbus.ObjectPath("/"), options).
		Store(&path, &active, &result)
	if err != nil {
		return fmt.Errorf("activate connection: %w", err)
	}
	logger.Debug("Radio: Activating %s (%s).", path, active)
	return nil
}

func (n *NetworkManager) Connect(ctx context.Context, ssid, password string) error {
	return n.activate(ctx, connectionSettings(ssid, ssid, password, false))
}

func (n *NetworkManager) Connected(ctx context.Context) (bool, error) {
	return n.activated(ctx, wifiModeInfra)
}

func (n *NetworkManager) Address(ctx context.Context) (net.IP, error) {
	cfg, err := n.getPath(ctx, n.device, nmDeviceIface, "Ip4Config")
	if err != nil {
		return net.IPv4zero, err
	}
	if cfg == "/" {
		return net.IPv4zero, nil
	}
	v, err := n.getProp(ctx, cfg, nmIP4Iface, "AddressData")
	if err != nil {
		return net.IPv4zero, err
	}
	data, ok := v.Value().([]map[string]dbus.Variant)
	if !ok || len(data) == 0 {
		return net.IPv4zero, nil
	}
	addr, _ := data[0]["address"].Value().(string)
	ip := net.ParseIP(addr)
	if ip == nil {
		return net.IPv4zero, nil
	}
	return ip, nil
}

func (n *NetworkManager) HardwareAddr(ctx context.Context) (net.HardwareAddr, error) {
	v, err := n.getProp(ctx, n.device, nmWirelessIfc, "HwAddress")
	if err != nil {
		return nil, err
	}
	s, ok := v.Value().(string)
	if !ok {
		return nil, fmt.Errorf("property HwAddress is not a string")
	}
	return net.ParseMAC(s)
}

// connectionSettings builds a NetworkManager connection profile for a WiFi
// network. An empty password yields an open network.
func connectionSettings(id, ssid, password string, ap bool) map[string]map[string]dbus.Variant {
	mode := "infrastructure"
	ipv4 := "auto"
	if ap {
		mode = "ap"
		ipv4 = "shared"
	}
	settings := map[string]map[string]dbus.Variant{
		"connection": {
			"id":          dbus.MakeVariant(id),
			"type":        dbus.MakeVariant("802-11-wireless"),
			"autoconnect": dbus.MakeVariant(!ap),
		},
		"802-11-wireless": {
			"ssid": dbus.MakeVariant([]byte(ssid)),
			"mode": dbus.MakeVariant(mode),
		},
		"ipv4": {
			"method": dbus.MakeVariant(ipv4),
		},
	}
	if password != "" {
		settings["802-11-wireless-security"] = map[string]dbus.Variant{
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"psk":      dbus.MakeVariant(password),
		}
	}
	return settings
}
