package btproto

import (
	"fmt"
	"regexp"
)

// Markers classify free-text daemon output into protocol events. The exact
// wording is daemon-version dependent, so every marker can be overridden
// from configuration.
type Markers struct {
	Banner            *regexp.Regexp
	ConnectOK         *regexp.Regexp
	ConnectFailed     *regexp.Regexp
	DisconnectOK      *regexp.Regexp
	DeviceUnavailable *regexp.Regexp
	ConnectedStatus   *regexp.Regexp
}

// DefaultMarkers match the wording of current bluetoothctl releases.
func DefaultMarkers() Markers {
	return Markers{
		Banner:            regexp.MustCompile(`(?i)agent registered`),
		ConnectOK:         regexp.MustCompile(`(?i)connection successful`),
		ConnectFailed:     regexp.MustCompile(`(?i)failed to connect`),
		DisconnectOK:      regexp.MustCompile(`(?i)successful(ly)? disconnected`),
		DeviceUnavailable: regexp.MustCompile(`(?i)not available`),
		ConnectedStatus:   regexp.MustCompile(`Connected:\s*(yes|no)`),
	}
}

// MarkerOverrides are the raw configurable patterns. Empty fields keep the
// default marker.
type MarkerOverrides struct {
	Banner            string `toml:"banner"`
	ConnectOK         string `toml:"connect_ok"`
	ConnectFailed     string `toml:"connect_failed"`
	DisconnectOK      string `toml:"disconnect_ok"`
	DeviceUnavailable string `toml:"device_unavailable"`
	ConnectedStatus   string `toml:"connected_status"`
}

// Compile merges the overrides over the defaults.
func (o MarkerOverrides) Compile() (Markers, error) {
	m := DefaultMarkers()
	fields := []struct {
		name string
		raw  string
		dst  **regexp.Regexp
	}{
		{"banner", o.Banner, &m.Banner},
		{"connect_ok", o.ConnectOK, &m.ConnectOK},
		{"connect_failed", o.ConnectFailed, &m.ConnectFailed},
		{"disconnect_ok", o.DisconnectOK, &m.DisconnectOK},
		{"device_unavailable", o.DeviceUnavailable, &m.DeviceUnavailable},
		{"connected_status", o.ConnectedStatus, &m.ConnectedStatus},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		re, err := regexp.Compile(f.raw)
		if err != nil {
			return Markers{}, fmt.Errorf("btproto: marker %s: %w", f.name, err)
		}
		*f.dst = re
	}
	return m, nil
}
