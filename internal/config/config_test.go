package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/okempf/btkit/internal/runner"
	"github.com/okempf/btkit/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverlaysFileOntoDefaults(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
master_radio = "hci0"

[[devices]]
name = "headphones"
address = "AA:BB:CC:DD:EE:FF"

[commands]
bluetoothctl = "/usr/local/bin/bluetoothctl"

[timeouts]
startup = "2s"

[backoff]
multiplier = 3.0
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.MasterRadio != "hci0" {
		t.Fatalf("master_radio not applied: %q", cfg.MasterRadio)
	}
	if cfg.Commands.Bluetoothctl != "/usr/local/bin/bluetoothctl" {
		t.Fatalf("command override not applied: %q", cfg.Commands.Bluetoothctl)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Commands.Rfkill != "rfkill" {
		t.Fatalf("default rfkill lost: %q", cfg.Commands.Rfkill)
	}
	if cfg.StartupTimeout != 2*time.Second {
		t.Fatalf("timeouts.startup not parsed: %v", cfg.StartupTimeout)
	}
	if cfg.StatusTimeout != 5*time.Second {
		t.Fatalf("default status timeout lost: %v", cfg.StatusTimeout)
	}
	if cfg.Backoff.Multiplier != 3.0 {
		t.Fatalf("backoff multiplier not applied: %v", cfg.Backoff.Multiplier)
	}
	if cfg.Backoff.InitialDelay != 250*time.Millisecond {
		t.Fatalf("default backoff delay lost: %v", cfg.Backoff.InitialDelay)
	}
	if cfg.SinkProfile != "a2dp_sink" {
		t.Fatalf("default sink profile lost: %q", cfg.SinkProfile)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
sink_profle = "typo"
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unknown keys") {
		t.Fatalf("expected unknown-keys error, got %v", err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[timeouts]
startup = "soon"
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "timeouts.startup") {
		t.Fatalf("expected duration parse error, got %v", err)
	}
}

func TestLoadValidatesDevices(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			"missing address",
			"[[devices]]\nname = \"buds\"\n",
			"missing address",
		},
		{
			"missing name",
			"[[devices]]\naddress = \"AA:BB:CC:DD:EE:FF\"\n",
			"missing name",
		},
		{
			"duplicate name",
			"[[devices]]\nname = \"buds\"\naddress = \"AA:BB:CC:DD:EE:01\"\n" +
				"[[devices]]\nname = \"Buds\"\naddress = \"AA:BB:CC:DD:EE:02\"\n",
			"duplicate device",
		},
	}
	for _, c := range cases {
		path := writeConfig(t, c.body)
		if _, err := Load(path); err == nil || !strings.Contains(err.Error(), c.want) {
			t.Fatalf("%s: expected %q error, got %v", c.name, c.want, err)
		}
	}
}

func TestLoadRejectsBadMarkerPattern(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[markers]
connect_ok = "(["
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected marker compile error")
	}
}

func TestResolveDevice(t *testing.T) {
	testlog.Start(t)
	cfg := Config{Devices: []Device{
		{Name: "headphones", Address: "AA:BB:CC:DD:EE:01"},
		{Name: "speaker", Address: "AA:BB:CC:DD:EE:02"},
	}}

	d, err := cfg.ResolveDevice("")
	if err != nil || d.Name != "headphones" {
		t.Fatalf("empty name should pick first device, got %v %v", d, err)
	}

	d, err = cfg.ResolveDevice("SPEAKER")
	if err != nil || d.Address != "AA:BB:CC:DD:EE:02" {
		t.Fatalf("name lookup should be case-insensitive, got %v %v", d, err)
	}

	d, err = cfg.ResolveDevice("11:22:33:44:55:66")
	if err != nil || d.Address != "11:22:33:44:55:66" {
		t.Fatalf("raw address should be accepted, got %v %v", d, err)
	}

	if _, err := cfg.ResolveDevice("unknown"); err == nil {
		t.Fatalf("unknown name must be rejected")
	}

	if _, err := (Config{}).ResolveDevice(""); err == nil {
		t.Fatalf("empty device list must be rejected")
	}
}

func TestRunnerSelection(t *testing.T) {
	testlog.Start(t)
	local := Config{}
	if _, ok := local.Runner().(runner.LocalRunner); !ok {
		t.Fatalf("expected LocalRunner without ssh host")
	}

	remote := Config{SSH: SSH{Host: "htpc.lan", User: "media"}}
	r, ok := remote.Runner().(runner.SSHRunner)
	if !ok {
		t.Fatalf("expected SSHRunner with ssh host set")
	}
	if r.Host != "htpc.lan" || r.User != "media" {
		t.Fatalf("ssh settings not carried: %+v", r)
	}
}

func TestTemplateRoundTrips(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("generated template must load cleanly: %v", err)
	}
	if len(cfg.Devices) != 1 || cfg.Devices[0].Name != "headphones" {
		t.Fatalf("unexpected template devices: %v", cfg.Devices)
	}
	if cfg.Backoff.Multiplier != 1.5 {
		t.Fatalf("template backoff not applied: %v", cfg.Backoff.Multiplier)
	}

	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("expected refusal to overwrite existing file")
	}
	if err := WriteTemplate(path, true); err != nil {
		t.Fatalf("forced overwrite failed: %v", err)
	}
}
