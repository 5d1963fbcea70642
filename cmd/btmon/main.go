package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/okempf/btkit/internal/bluez"
	"github.com/okempf/btkit/internal/config"
	"github.com/okempf/btkit/internal/logging"
	"github.com/okempf/btkit/internal/monitor"
)

func main() {
	configPath := flag.String("config", config.DefaultPath(), "config file path")
	addr := flag.String("addr", "", "listen address (overrides monitor.listen_addr)")
	flag.Parse()

	logging.ConfigureRuntime("btmon")

	if err := run(*configPath, *addr); err != nil {
		fmt.Fprintf(os.Stderr, "btmon: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, addrOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	client, err := bluez.Dial()
	if err != nil {
		return err
	}
	defer client.Close()

	svc := monitor.New(cfg.Monitor, cfg.Devices, client)
	go svc.WatchSignals(client.SubscribePropertyChanges())

	addr := cfg.Monitor.ListenAddr
	if addrOverride != "" {
		addr = addrOverride
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx, addr)
}
