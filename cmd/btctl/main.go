package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/okempf/btkit/internal/audio"
	"github.com/okempf/btkit/internal/bluez"
	"github.com/okempf/btkit/internal/btproto"
	"github.com/okempf/btkit/internal/config"
	"github.com/okempf/btkit/internal/console"
	"github.com/okempf/btkit/internal/logging"
	"github.com/okempf/btkit/internal/orchestrator"
	"github.com/okempf/btkit/internal/rfkill"
	"github.com/rs/zerolog/log"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: btctl [flags] <connect|reset|disconnect|status>")
	fmt.Fprintln(os.Stderr, "  connect     connect the device")
	fmt.Fprintln(os.Stderr, "  reset       connect, then run the profile-reset workaround")
	fmt.Fprintln(os.Stderr, "  disconnect  disconnect the device")
	fmt.Fprintln(os.Stderr, "  status      report whether the device is connected")
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", config.DefaultPath(), "config file path")
	deviceName := flag.String("device", "", "device friendly name or hardware address (default: first configured)")
	radioLabel := flag.String("radio", "", "restrict radio handling to one kill-switch label (overrides master_radio)")
	flag.Usage = usage
	flag.Parse()

	logging.ConfigureRuntime("btctl")

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	op, ok := parseOp(flag.Arg(0))
	if !ok {
		fmt.Fprintf(os.Stderr, "btctl: unknown operation: %s\n", flag.Arg(0))
		os.Exit(2)
	}

	if err := run(*configPath, *deviceName, *radioLabel, op); err != nil {
		fmt.Fprintf(os.Stderr, "btctl: %v\n", err)
		os.Exit(1)
	}
}

func parseOp(arg string) (orchestrator.Op, bool) {
	switch arg {
	case "connect":
		return orchestrator.OpConnect, true
	case "reset":
		return orchestrator.OpConnectReset, true
	case "disconnect":
		return orchestrator.OpDisconnect, true
	case "status":
		return orchestrator.OpStatus, true
	}
	return 0, false
}

func run(configPath, deviceName, radioLabel string, op orchestrator.Op) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	device, err := cfg.ResolveDevice(deviceName)
	if err != nil {
		return err
	}

	if op == orchestrator.OpStatus {
		if done, err := fastStatus(device); done {
			return err
		}
	}

	markers, err := cfg.Markers.Compile()
	if err != nil {
		return err
	}

	run := cfg.Runner()
	store := rfkill.NewStore(run)
	store.Command = cfg.Commands.Rfkill

	o := &orchestrator.Orchestrator{
		Radios:           store,
		MasterRadioLabel: masterRadio(cfg, radioLabel),
		DeviceAddr:       device.Address,
		TeardownTimeout:  cfg.TeardownTimeout,
		OpenSession: func() (orchestrator.Session, error) {
			c, err := console.Start(console.Config{
				Command:        cfg.Commands.Bluetoothctl,
				Args:           cfg.Commands.BluetoothctlArgs,
				Banner:         markers.Banner,
				StartupTimeout: cfg.StartupTimeout,
				PollInterval:   cfg.PollInterval,
			})
			if err != nil {
				return nil, err
			}
			p := btproto.New(c, markers)
			p.Poll = cfg.PollInterval
			p.StatusTimeout = cfg.StatusTimeout
			p.Backoff = cfg.Backoff
			p.SinkProfile = cfg.SinkProfile
			p.Audio = audio.NewSwitcher(run)
			p.Audio.Command = cfg.Commands.Pactl
			return &liveSession{Protocol: p, console: c}, nil
		},
	}

	log.Info().Str("device", device.Name).Str("address", device.Address).Msg("starting session")
	return o.Run(context.Background(), op)
}

// loadConfig falls back to built-in defaults when the default config file
// does not exist; an explicitly missing file is still an error for any
// non-default path.
func loadConfig(path string) (config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == config.DefaultPath() {
		return config.Default(), nil
	}
	return config.Load(path)
}

func masterRadio(cfg config.Config, override string) string {
	if override != "" {
		return override
	}
	return cfg.MasterRadio
}

// fastStatus answers a status query over BlueZ D-Bus without spawning the
// interactive console. Falls back to the console path when D-Bus is not
// reachable (remote setups, no system bus).
func fastStatus(device config.Device) (bool, error) {
	client, err := bluez.Dial()
	if err != nil {
		log.Debug().Err(err).Msg("bluez fast path unavailable, using console")
		return false, nil
	}
	defer client.Close()

	st, err := client.Status(device.Address)
	if err != nil {
		return true, err
	}
	answer := "no"
	if st.Connected {
		answer = "yes"
	}
	fmt.Printf("%s connected: %s\n", device.Address, answer)
	return true, nil
}

// liveSession binds the protocol to the console it talks through, so the
// orchestrator can close both as one unit.
type liveSession struct {
	*btproto.Protocol
	console *console.Console
}

func (s *liveSession) Close() error {
	return s.console.Close()
}
