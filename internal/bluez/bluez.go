// Package bluez talks to the BlueZ daemon over the system D-Bus. It is the
// fast path for status queries and for the monitor daemon's actions; the
// interactive console remains the vehicle for the retry-driven session flow.
package bluez

import (
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName      = "org.bluez"
	adapterPath  = "/org/bluez/hci0"
	adapterIface = "org.bluez.Adapter1"
	deviceIface  = "org.bluez.Device1"
	propsIface   = "org.freedesktop.DBus.Properties"

	// PropertiesChangedSignal is the fully qualified member watched by
	// subscribers.
	PropertiesChangedSignal = "org.freedesktop.DBus.Properties.PropertiesChanged"
)

var ErrBlueZNotRunning = errors.New("bluez: org.bluez not found on system bus")

// DevicePath converts a hardware address like "AA:BB:CC:DD:EE:FF" to the
// BlueZ object path "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func DevicePath(addr string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(addr, ":", "_")
	return dbus.ObjectPath(adapterPath + "/dev_" + escaped)
}

// AddressFromPath extracts a hardware address from a device object path,
// returning "" when the path is not a device under the default adapter.
func AddressFromPath(path dbus.ObjectPath) string {
	s := string(path)
	prefix := adapterPath + "/dev_"
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	return strings.ReplaceAll(s[len(prefix):], "_", ":")
}

// DeviceStatus is a snapshot of one device's BlueZ properties.
type DeviceStatus struct {
	Address   string `json:"address"`
	Powered   bool   `json:"adapter_powered"`
	Paired    bool   `json:"paired"`
	Connected bool   `json:"connected"`
	Blocked   bool   `json:"blocked"`
}

// Client wraps a system D-Bus connection for BlueZ operations.
type Client struct {
	conn *dbus.Conn
}

func Dial() (*Client, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect to system bus: %w", err)
	}
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bluez: list bus names: %w", err)
	}
	for _, n := range names {
		if n == busName {
			return &Client{conn: conn}, nil
		}
	}
	conn.Close()
	return nil, fmt.Errorf("%w; is bluetooth.service running?", ErrBlueZNotRunning)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) getBool(path dbus.ObjectPath, iface, prop string) (bool, error) {
	obj := c.conn.Object(busName, path)
	var v dbus.Variant
	if err := obj.Call(propsIface+".Get", 0, iface, prop).Store(&v); err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("bluez: property %s is not bool", prop)
	}
	return val, nil
}

// AdapterPowered reports whether the default adapter is powered on.
func (c *Client) AdapterPowered() (bool, error) {
	return c.getBool(adapterPath, adapterIface, "Powered")
}

// Status reads one device's snapshot. Property errors on the device are
// folded into false values once the adapter itself answered; an unpaired or
// unknown device simply reads as not paired.
func (c *Client) Status(addr string) (DeviceStatus, error) {
	powered, err := c.AdapterPowered()
	if err != nil {
		return DeviceStatus{}, fmt.Errorf("bluez: adapter powered: %w", err)
	}
	st := DeviceStatus{Address: addr, Powered: powered}
	if !powered {
		return st, nil
	}
	path := DevicePath(addr)
	st.Paired, _ = c.getBool(path, deviceIface, "Paired")
	st.Connected, _ = c.getBool(path, deviceIface, "Connected")
	st.Blocked, _ = c.getBool(path, deviceIface, "Blocked")
	return st, nil
}

// Connect asks BlueZ to connect the device directly.
func (c *Client) Connect(addr string) error {
	obj := c.conn.Object(busName, DevicePath(addr))
	return obj.Call(deviceIface+".Connect", 0).Err
}

// Disconnect asks BlueZ to disconnect the device directly.
func (c *Client) Disconnect(addr string) error {
	obj := c.conn.Object(busName, DevicePath(addr))
	return obj.Call(deviceIface+".Disconnect", 0).Err
}

// SubscribePropertyChanges delivers PropertiesChanged signals for every
// object under /org/bluez.
func (c *Client) SubscribePropertyChanges() chan *dbus.Signal {
	c.conn.BusObject().Call(
		"org.freedesktop.DBus.AddMatch", 0,
		"type='signal',interface='"+propsIface+"',member='PropertiesChanged',path_namespace='/org/bluez'",
	)
	ch := make(chan *dbus.Signal, 16)
	c.conn.Signal(ch)
	return ch
}
