// Package config loads the btkit TOML configuration. The file is owned by
// the user; this package only reads it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/okempf/btkit/internal/btproto"
	"github.com/okempf/btkit/internal/runner"
)

// Device maps a friendly name to a device hardware address. The first entry
// in the config is the default device.
type Device struct {
	Name    string `toml:"name"`
	Address string `toml:"address"`
}

// Commands names the external collaborator binaries.
type Commands struct {
	Rfkill           string   `toml:"rfkill"`
	Bluetoothctl     string   `toml:"bluetoothctl"`
	BluetoothctlArgs []string `toml:"bluetoothctl_args"`
	Pactl            string   `toml:"pactl"`
}

// SSH, when Host is set, routes collaborator commands to a remote machine.
type SSH struct {
	Host           string `toml:"host"`
	Port           string `toml:"port"`
	User           string `toml:"user"`
	KeyPath        string `toml:"key_path"`
	KnownHostsPath string `toml:"known_hosts_path"`
	Insecure       bool   `toml:"insecure_skip_host_key_checking"`
}

// Monitor configures the btmon HTTP daemon.
type Monitor struct {
	ListenAddr  string   `toml:"listen_addr"`
	AuthToken   string   `toml:"auth_token"`
	CorsOrigins []string `toml:"cors_origins"`
}

// Config is the resolved runtime configuration.
type Config struct {
	MasterRadio string
	SinkProfile string
	Devices     []Device
	Commands    Commands
	SSH         SSH
	Monitor     Monitor
	Markers     btproto.MarkerOverrides

	StartupTimeout  time.Duration
	StatusTimeout   time.Duration
	PollInterval    time.Duration
	TeardownTimeout time.Duration
	Backoff         btproto.BackoffConfig
}

func Default() Config {
	return Config{
		SinkProfile: "a2dp_sink",
		Commands: Commands{
			Rfkill:       "rfkill",
			Bluetoothctl: "bluetoothctl",
			Pactl:        "pactl",
		},
		Monitor: Monitor{
			ListenAddr:  ":9120",
			CorsOrigins: []string{"http://localhost:3000"},
		},
		StartupTimeout:  10 * time.Second,
		StatusTimeout:   5 * time.Second,
		PollInterval:    100 * time.Millisecond,
		TeardownTimeout: 30 * time.Second,
		Backoff:         btproto.DefaultBackoff(),
	}
}

// DefaultPath is ~/.config/btkit/config.toml, honoring XDG_CONFIG_HOME.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "btkit", "config.toml")
}

// fileConfig is the raw TOML shape. Durations are strings so the file can
// say "10s" instead of nanosecond counts.
type fileConfig struct {
	MasterRadio string                  `toml:"master_radio"`
	SinkProfile string                  `toml:"sink_profile"`
	Devices     []Device                `toml:"devices"`
	Commands    Commands                `toml:"commands"`
	SSH         SSH                     `toml:"ssh"`
	Monitor     Monitor                 `toml:"monitor"`
	Markers     btproto.MarkerOverrides `toml:"markers"`
	Timeouts    fileTimeouts            `toml:"timeouts"`
	Backoff     fileBackoff             `toml:"backoff"`
}

type fileTimeouts struct {
	Startup  string `toml:"startup"`
	Status   string `toml:"status"`
	Poll     string `toml:"poll"`
	Teardown string `toml:"teardown"`
}

type fileBackoff struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
}

// Load overlays the file at path onto the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown keys: %v", undecoded)
	}

	if meta.IsDefined("master_radio") {
		cfg.MasterRadio = strings.TrimSpace(raw.MasterRadio)
	}
	if meta.IsDefined("sink_profile") {
		cfg.SinkProfile = strings.TrimSpace(raw.SinkProfile)
	}
	if meta.IsDefined("devices") {
		cfg.Devices = raw.Devices
	}
	if meta.IsDefined("commands", "rfkill") {
		cfg.Commands.Rfkill = raw.Commands.Rfkill
	}
	if meta.IsDefined("commands", "bluetoothctl") {
		cfg.Commands.Bluetoothctl = raw.Commands.Bluetoothctl
	}
	if meta.IsDefined("commands", "bluetoothctl_args") {
		cfg.Commands.BluetoothctlArgs = raw.Commands.BluetoothctlArgs
	}
	if meta.IsDefined("commands", "pactl") {
		cfg.Commands.Pactl = raw.Commands.Pactl
	}
	if meta.IsDefined("ssh") {
		cfg.SSH = raw.SSH
	}
	if meta.IsDefined("monitor", "listen_addr") {
		cfg.Monitor.ListenAddr = raw.Monitor.ListenAddr
	}
	if meta.IsDefined("monitor", "auth_token") {
		cfg.Monitor.AuthToken = raw.Monitor.AuthToken
	}
	if meta.IsDefined("monitor", "cors_origins") {
		cfg.Monitor.CorsOrigins = raw.Monitor.CorsOrigins
	}
	if meta.IsDefined("markers") {
		cfg.Markers = raw.Markers
	}

	durations := []struct {
		defined bool
		raw     string
		key     string
		dst     *time.Duration
	}{
		{meta.IsDefined("timeouts", "startup"), raw.Timeouts.Startup, "timeouts.startup", &cfg.StartupTimeout},
		{meta.IsDefined("timeouts", "status"), raw.Timeouts.Status, "timeouts.status", &cfg.StatusTimeout},
		{meta.IsDefined("timeouts", "poll"), raw.Timeouts.Poll, "timeouts.poll", &cfg.PollInterval},
		{meta.IsDefined("timeouts", "teardown"), raw.Timeouts.Teardown, "timeouts.teardown", &cfg.TeardownTimeout},
		{meta.IsDefined("backoff", "initial_delay"), raw.Backoff.InitialDelay, "backoff.initial_delay", &cfg.Backoff.InitialDelay},
		{meta.IsDefined("backoff", "max_delay"), raw.Backoff.MaxDelay, "backoff.max_delay", &cfg.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !d.defined {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("load config: parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	if meta.IsDefined("backoff", "multiplier") {
		cfg.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("backoff", "jitter") {
		cfg.Backoff.Jitter = raw.Backoff.Jitter
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	seen := make(map[string]bool, len(cfg.Devices))
	for i, d := range cfg.Devices {
		if strings.TrimSpace(d.Name) == "" {
			return fmt.Errorf("load config: devices[%d] missing name", i)
		}
		if strings.TrimSpace(d.Address) == "" {
			return fmt.Errorf("load config: device %q missing address", d.Name)
		}
		key := strings.ToLower(d.Name)
		if seen[key] {
			return fmt.Errorf("load config: duplicate device name %q", d.Name)
		}
		seen[key] = true
	}
	if _, err := cfg.Markers.Compile(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return nil
}

// ResolveDevice picks a device by friendly name, or the first configured
// device when name is empty. A raw hardware address is also accepted.
func (c Config) ResolveDevice(name string) (Device, error) {
	if name == "" {
		if len(c.Devices) == 0 {
			return Device{}, fmt.Errorf("config: no devices configured")
		}
		return c.Devices[0], nil
	}
	for _, d := range c.Devices {
		if strings.EqualFold(d.Name, name) {
			return d, nil
		}
	}
	if looksLikeAddress(name) {
		return Device{Name: name, Address: name}, nil
	}
	return Device{}, fmt.Errorf("config: unknown device %q", name)
}

func looksLikeAddress(s string) bool {
	return strings.Count(s, ":") == 5
}

// Runner builds the collaborator runner: SSH when a remote host is
// configured, local otherwise.
func (c Config) Runner() runner.Runner {
	if strings.TrimSpace(c.SSH.Host) == "" {
		return runner.LocalRunner{}
	}
	return runner.SSHRunner{
		Host:                        c.SSH.Host,
		Port:                        c.SSH.Port,
		User:                        c.SSH.User,
		KeyPath:                     c.SSH.KeyPath,
		KnownHostsPath:              c.SSH.KnownHostsPath,
		InsecureSkipHostKeyChecking: c.SSH.Insecure,
	}
}
